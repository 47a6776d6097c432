package cmd

import (
	"log"

	"github.com/mbonatto/porteiro/porteiro"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the Porteiro bot and status API",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		bot, err := porteiro.New(cfg)
		if err != nil {
			log.Fatalf("error creating porteiro: %s", err.Error())
		}

		if err = bot.Run(ctx); err != nil {
			log.Fatalf("error running porteiro: %s", err.Error())
		}
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
