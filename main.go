package main

import "github.com/mbonatto/porteiro/cmd"

func main() {
	cmd.Execute()
}
