package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mbonatto/porteiro/porteiro"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg     = porteiro.DefaultConfig()
	envFile string
)

var rootCmd = &cobra.Command{
	Use: "porteiro [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func levelStringToLevelVar(level string) (*slog.LevelVar, error) {
	lvl, err := getLogLevel(level)
	if err != nil {
		return nil, err
	}
	lvlVar := &slog.LevelVar{}
	lvlVar.Set(lvl)
	return lvlVar, nil
}

// LevelToStringHookFunc decodes log level strings ("INFO", "WARN") into
// *slog.LevelVar config fields.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		return levelStringToLevelVar(data.(string))
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if envFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", envFile)
		if err := godotenv.Load(envFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", porteiro.DefaultDatabase)
	viper.SetDefault(
		"database_slow_threshold",
		porteiro.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		porteiro.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", porteiro.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", porteiro.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", porteiro.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.welcome_channel_id", "")
	viper.SetDefault("discord.startup_message", porteiro.DefaultStartupMessage)
	viper.SetDefault("discord.custom_status", porteiro.DefaultCustomStatus)
	viper.SetDefault("discord.gateway_intents", porteiro.DefaultGatewayIntents)
	viper.SetDefault(
		"discord.max_sends_per_second",
		porteiro.DefaultMaxSendsPerSecond,
	)
	viper.SetDefault(
		"discord.log_level",
		porteiro.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		porteiro.DefaultDiscordgoLogLevel.String(),
	)

	// Dispatch config
	viper.SetDefault("dispatch.command_prefix", porteiro.DefaultCommandPrefix)
	viper.SetDefault("dispatch.command_window", porteiro.DefaultCommandWindow)
	viper.SetDefault(
		"dispatch.mention_cooldown",
		porteiro.DefaultMentionCooldown,
	)
	viper.SetDefault("dispatch.scope_expiry", porteiro.DefaultScopeExpiry)
	viper.SetDefault("dispatch.auto_notice.enabled", false)
	viper.SetDefault("dispatch.auto_notice.role_ids", []string{})
	viper.SetDefault("dispatch.auto_notice.user_ids", []string{})
	viper.SetDefault("dispatch.auto_notice.message", "")
	viper.SetDefault(
		"dispatch.auto_notice.cooldown",
		porteiro.DefaultAutoNoticeCooldown,
	)

	// Groq config
	viper.SetDefault("groq.token", "")
	viper.SetDefault("groq.base_url", porteiro.DefaultGroqBaseURL)
	viper.SetDefault("groq.model", porteiro.DefaultGroqModel)
	viper.SetDefault("groq.system_prompt", "")
	viper.SetDefault("groq.log_level", porteiro.DefaultLogLevel.String())

	// API config
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", porteiro.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", porteiro.DefaultAPILogLevel.String())
	viper.SetDefault("api.allow_origins", []string{})
	viper.SetDefault("api.read_timeout", porteiro.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		porteiro.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", porteiro.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", porteiro.DefaultIdleTimeout)

	envPrefix := os.Getenv(porteiro.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = porteiro.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	viper.Set(
		"api.allow_origins",
		viper.GetStringSlice("api.allow_origins"),
	)
	viper.Set(
		"dispatch.auto_notice.role_ids",
		viper.GetStringSlice("dispatch.auto_notice.role_ids"),
	)
	viper.Set(
		"dispatch.auto_notice.user_ids",
		viper.GetStringSlice("dispatch.auto_notice.user_ids"),
	)
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(
		&envFile,
		"env-file",
		"",
		"Load environment variables from this file",
	)
}
