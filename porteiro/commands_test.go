package porteiro

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *CommandRegistry {
	t.Helper()
	registry := NewCommandRegistry()
	for _, cmd := range defaultCommands(DefaultCommandPrefix) {
		require.NoError(t, registry.Register(cmd))
	}
	return registry
}

func TestRegistryResolvesAliases(t *testing.T) {
	registry := testRegistry(t)

	dado, ok := registry.Resolve("dado")
	require.True(t, ok)

	rolar, ok := registry.Resolve("rolar")
	require.True(t, ok)
	assert.Same(t, dado, rolar)

	_, ok = registry.Resolve("inexistente")
	assert.False(t, ok)
}

func TestRegistryResolveIsCaseInsensitive(t *testing.T) {
	registry := testRegistry(t)
	_, ok := registry.Resolve("DADO")
	assert.True(t, ok)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := testRegistry(t)

	err := registry.Register(&Command{Name: "dado"})
	assert.Error(t, err)

	err = registry.Register(&Command{Name: "novo", Aliases: []string{"rolar"}})
	assert.Error(t, err)
}

func TestRegistryNamesSorted(t *testing.T) {
	registry := testRegistry(t)
	names := registry.Names()
	assert.Contains(t, names, "dado")
	assert.Contains(t, names, "ping")

	sorted := make([]string, len(names))
	copy(sorted, names)
	for i := 1; i < len(sorted); i++ {
		assert.LessOrEqual(t, sorted[i-1], sorted[i])
	}
}

func diceInvocation(t *testing.T, args ...string) *Invocation {
	t.Helper()
	registry := testRegistry(t)
	cmd, ok := registry.Resolve("dado")
	require.True(t, ok)
	return &Invocation{
		Message: &discordgo.Message{
			Author: &discordgo.User{ID: testUserID},
		},
		Command:  cmd,
		Args:     args,
		RawArgs:  strings.Join(args, " "),
		Registry: registry,
	}
}

func TestDiceCommandDefaultSides(t *testing.T) {
	inv := diceInvocation(t)
	reply, err := inv.Command.Run(context.Background(), inv)
	require.NoError(t, err)
	assert.Contains(t, reply, "(d6)")
}

func TestDiceCommandCustomSides(t *testing.T) {
	inv := diceInvocation(t, "20")
	reply, err := inv.Command.Run(context.Background(), inv)
	require.NoError(t, err)
	assert.Contains(t, reply, "(d20)")
}

func TestDiceCommandBadArguments(t *testing.T) {
	for _, arg := range []string{"abc", "1", "0", "-4", "1001"} {
		t.Run(
			arg, func(t *testing.T) {
				inv := diceInvocation(t, arg)
				_, err := inv.Command.Run(context.Background(), inv)
				require.Error(t, err)

				var cmdErr *CommandError
				require.True(t, errors.As(err, &cmdErr))
				assert.Equal(t, ErrorKindBadArguments, cmdErr.Kind)
				assert.Contains(t, cmdErr.Message, "Uso:")
			},
		)
	}
}

func TestDiceRerollButtons(t *testing.T) {
	inv := diceInvocation(t, "20")
	components := diceRerollButtons(inv)
	require.Len(t, components, 1)

	row, ok := components[0].(discordgo.ActionsRow)
	require.True(t, ok)
	require.Len(t, row.Components, 1)

	button, ok := row.Components[0].(discordgo.Button)
	require.True(t, ok)
	assert.Equal(
		t,
		fmt.Sprintf("reroll:%s:20", testUserID),
		button.CustomID,
	)
}

func TestHelpCommandListsAll(t *testing.T) {
	registry := testRegistry(t)
	cmd, ok := registry.Resolve("ajuda")
	require.True(t, ok)

	reply, err := cmd.Run(
		context.Background(), &Invocation{Registry: registry},
	)
	require.NoError(t, err)
	for _, name := range registry.Names() {
		assert.Contains(t, reply, DefaultCommandPrefix+name)
	}
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, ErrorKind(""), classifyError(nil))
	assert.Equal(
		t,
		ErrorKindInternalFault,
		classifyError(errors.New("boom")),
	)
	assert.Equal(
		t,
		ErrorKindTargetNotFound,
		classifyError(&CommandError{Kind: ErrorKindTargetNotFound}),
	)

	// Wrapped classification survives
	wrapped := fmt.Errorf(
		"outer: %w", &CommandError{Kind: ErrorKindAmbiguousTarget},
	)
	assert.Equal(t, ErrorKindAmbiguousTarget, classifyError(wrapped))
}

func TestCommandErrorMessages(t *testing.T) {
	err := &CommandError{
		Kind: ErrorKindBadArguments,
		Err:  errors.New("strconv failed"),
	}
	assert.Contains(t, err.Error(), "bad_arguments")
	assert.Contains(t, err.Error(), "strconv failed")

	var target *CommandError
	assert.True(t, errors.As(fmt.Errorf("wrap: %w", err), &target))
	assert.Equal(t, "strconv failed", errors.Unwrap(err).Error())
}
