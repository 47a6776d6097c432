//nolint:lll // struct tags can't be split
package porteiro

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix = "PORTEIRO_ENV_PREFIX"
	DefaultEnvPrefix   = "PORTEIRO"

	DefaultDatabase              = "porteiro.sqlite3"
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultLogLevel              = slog.LevelInfo
	DefaultDatabaseLogLevel      = slog.LevelWarn
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultAPILogLevel           = slog.LevelInfo

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultCommandPrefix   = "!"
	DefaultCommandWindow   = time.Second
	DefaultMentionCooldown = 30 * time.Second
	DefaultScopeExpiryCfg  = DefaultScopeExpiry

	DefaultAutoNoticeCooldown = 10 * time.Minute

	DefaultUnknownCommandMessage = "Não conheço esse comando :("
	DefaultRateLimitMessage      = "Calma! Aguarde %s para usar outro comando."
	DefaultCooldownMessage       = "Aguarde %s para usar esse comando de novo."
	DefaultErrorMessage          = "Opa, algo deu errado aqui!"
	DefaultWelcomeMessage        = "Bem-vindo(a), %s!"
	DefaultStartupMessage        = "Estou de volta!"
	DefaultCustomStatus          = "!ajuda"

	DefaultGatewayIntents = discordgo.IntentsAllWithoutPrivileged |
		discordgo.IntentsGuildMembers |
		discordgo.IntentMessageContent

	DefaultAPIListen         = "127.0.0.1:5000"
	defaultListenNetwork     = "tcp"
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultGroqBaseURL = "https://api.groq.com/openai/v1"
	DefaultGroqModel   = "llama-3.1-70b-versatile"

	// Outbound message sends per second (x/time/rate, burst 5) on the
	// discord session wrapper. This smooths reply storms; it is not the
	// user-facing cooldown limiter.
	DefaultMaxSendsPerSecond = 2

	discordMaxMessageLength = 2000
)

var structValidator = validator.New()

//nolint:gochecknoinits
func init() {
	structValidator.SetTagName("binding")
}

// Config is the root configuration for the bot. Everything here is
// loaded once at startup by cmd/ (viper + env).
type Config struct {
	// Database is the sqlite connection string
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Discord configures the bot connection and session
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Dispatch configures command routing, cooldowns and scope expiry
	Dispatch *DispatchConfig `yaml:"dispatch" mapstructure:"dispatch" json:"dispatch"`

	// Groq configures the mention-reply responder (OpenAI-compatible API)
	Groq *GroqConfig `yaml:"groq" mapstructure:"groq" json:"groq"`

	// API configures the status API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// StartupTimeout bounds the time the bot has to initialize
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID used when registering component/slash handlers. Empty=global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// NotificationChannelID, if set, receives StartupMessage on connect
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// StartupMessage is sent to NotificationChannelID on gateway connect
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// CustomStatus is set as the bot's status after connecting
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// WelcomeChannelID, if set, receives a welcome message on member join
	WelcomeChannelID string `yaml:"welcome_channel_id" mapstructure:"welcome_channel_id" json:"welcome_channel_id"`

	// GatewayIntents for the discord session
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// MaxSendsPerSecond throttles outbound channel messages
	MaxSendsPerSecond float64 `yaml:"max_sends_per_second" mapstructure:"max_sends_per_second" json:"max_sends_per_second"`

	httpClient *http.Client
}

// DispatchConfig configures message classification and command routing.
type DispatchConfig struct {
	// CommandPrefix marks messages as command attempts (ex: "!")
	CommandPrefix string `yaml:"command_prefix" mapstructure:"command_prefix" json:"command_prefix" binding:"required"`

	// CommandWindow is the cooldown on the shared "commands" bucket
	CommandWindow time.Duration `yaml:"command_window" mapstructure:"command_window" json:"command_window"`

	// MentionCooldown is the per-user cooldown on mention replies
	MentionCooldown time.Duration `yaml:"mention_cooldown" mapstructure:"mention_cooldown" json:"mention_cooldown"`

	// ScopeExpiry is the safety-net delay before a pending scope is
	// forcibly released
	ScopeExpiry time.Duration `yaml:"scope_expiry" mapstructure:"scope_expiry" json:"scope_expiry"`

	// AutoNotice configures the role/user nudge reply
	AutoNotice AutoNoticeConfig `yaml:"auto_notice" mapstructure:"auto_notice" json:"auto_notice"`
}

// AutoNoticeConfig configures the independently rate-limited nudge
// reply sent when a message author matches the role/user allow-list.
type AutoNoticeConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// RoleIDs whose members trigger the notice
	RoleIDs []string `yaml:"role_ids" mapstructure:"role_ids" json:"role_ids"`

	// UserIDs restricts the notice to the listed users (empty=any member
	// of the roles above)
	UserIDs []string `yaml:"user_ids" mapstructure:"user_ids" json:"user_ids"`

	// Message is the notice text
	Message string `yaml:"message" mapstructure:"message" json:"message"`

	// Cooldown between notices per (guild, role, user-list) bucket
	Cooldown time.Duration `yaml:"cooldown" mapstructure:"cooldown" json:"cooldown"`
}

// GroqConfig configures the OpenAI-compatible endpoint used for
// mention replies. Disabled when the token is empty.
type GroqConfig struct {
	Token   string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`
	Model   string `yaml:"model" mapstructure:"model" json:"model"`

	// SystemPrompt prepended to every mention reply request
	SystemPrompt string `yaml:"system_prompt" mapstructure:"system_prompt" json:"system_prompt"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// APIConfig configures the status API server.
type APIConfig struct {
	// Enabled determines whether the status API is served at all
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// Listen address (e.g. "127.0.0.1:5000")
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true,hostname|filepath"`

	// ListenNetwork (e.g. "tcp", "tcp4", "tcp6", "unix")
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,oneof=tcp tcp4 tcp6 unix"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// AllowOrigins for CORS; empty disables cross-origin access
	AllowOrigins []string `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}
	groqLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)
	groqLogLevel.Set(DefaultLogLevel)

	return &Config{
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultStartupMessage,
			CustomStatus:      DefaultCustomStatus,
			GatewayIntents:    DefaultGatewayIntents,
			MaxSendsPerSecond: DefaultMaxSendsPerSecond,
		},
		Dispatch: &DispatchConfig{
			CommandPrefix:   DefaultCommandPrefix,
			CommandWindow:   DefaultCommandWindow,
			MentionCooldown: DefaultMentionCooldown,
			ScopeExpiry:     DefaultScopeExpiryCfg,
			AutoNotice: AutoNoticeConfig{
				Cooldown: DefaultAutoNoticeCooldown,
			},
		},
		Groq: &GroqConfig{
			BaseURL:  DefaultGroqBaseURL,
			Model:    DefaultGroqModel,
			LogLevel: groqLogLevel,
		},
		API: &APIConfig{
			Enabled:           true,
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}
