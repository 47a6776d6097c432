package porteiro

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscordgoLoggerFunc(t *testing.T) {
	var buf bytes.Buffer
	logFunc := discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			&buf, &tint.Options{Level: slog.LevelInfo, NoColor: true},
		),
	)

	logFunc(discordgo.LogError, 0, "gateway error: %s", "boom")
	assert.Contains(t, buf.String(), "gateway error: boom")
	assert.Contains(t, buf.String(), "ERR")

	buf.Reset()
	logFunc(discordgo.LogDebug, 0, "noisy handshake detail")
	assert.Empty(t, buf.String())

	// Unknown discordgo levels land at info rather than vanishing.
	logFunc(99, 0, "odd level")
	assert.Contains(t, buf.String(), "odd level")
}

func TestNewBridgesDiscordgoLogging(t *testing.T) {
	discordgo.Logger = nil
	t.Cleanup(func() { discordgo.Logger = nil })

	cfg := DefaultConfig()
	cfg.Database = ":memory:"
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = testBotUserID

	_, err := New(cfg)
	require.NoError(t, err)
	assert.NotNil(t, discordgo.Logger)
}
