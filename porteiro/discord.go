package porteiro

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// sendLimiterBurst is the burst size for the outbound send throttle.
const sendLimiterBurst = 5

// Discord manages the gateway session for the bot: connection
// lifecycle, handler registration and outbound messaging.
type Discord struct {
	session DiscordSessionHandler
	config  *DiscordConfig
	logger  *slog.Logger

	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
	connected         atomic.Bool

	removeHandlerFuncs []func()
	bot                *Porteiro
}

func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	return &Discord{
		config:             config,
		removeHandlerFuncs: []func(){},
	}, nil
}

// newSession initializes a discordgo-backed session with the configured
// intents, log level and outbound send throttle.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := &DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = false
	disc.StateEnabled = true
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		session.SetHTTPClient(d.config.httpClient)
	}

	sendsPerSecond := d.config.MaxSendsPerSecond
	if sendsPerSecond <= 0 {
		sendsPerSecond = DefaultMaxSendsPerSecond
	}
	session.sendLimiter = rate.NewLimiter(rate.Limit(sendsPerSecond), sendLimiterBurst)

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			"user_id", s.State.User.ID,
			"username", s.State.User.Username,
		)
	}
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, r *discordgo.Connect) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("Connected", "session_id", sessionID)

		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Error("unable to set custom status", tint.Err(err))
			}
		}
		if d.config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			if _, err := d.session.ChannelMessageSend(
				d.config.NotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); err != nil {
				d.logger.Error("unable to send startup message", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, r *discordgo.Disconnect) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("disconnected", "session_id", sessionID)
	}
}

// DiscordSessionHandler defines the methods of discordgo.Session used
// by this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ChannelMessageSend sends a message to the given channel
	ChannelMessageSend(
		channelID string,
		message string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a message with components or
	// embeds to the given channel
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GuildInvites lists the currently live invites for a guild
	GuildInvites(
		guildID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Invite, error)

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// UpdateCustomStatus sets the bot's user status to the given string
	UpdateCustomStatus(status string) error

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session]. Outbound channel messages pass through
// sendLimiter so a burst of command replies can't trip Discord's REST
// limits.
type DiscordSession struct {
	session     *discordgo.Session
	logger      *slog.Logger
	sendLimiter *rate.Limiter
}

func (d *DiscordSession) Open() error {
	return d.session.Open()
}

func (d *DiscordSession) Close() error {
	return d.session.Close()
}

func (d *DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d *DiscordSession) waitSend() {
	if d.sendLimiter == nil {
		return
	}
	if err := d.sendLimiter.Wait(context.Background()); err != nil {
		d.logger.Warn("send limiter wait interrupted", tint.Err(err))
	}
}

func (d *DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.waitSend()
	msg, err := d.session.ChannelMessageSend(channelID, message, options...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d *DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.waitSend()
	msg, err := d.session.ChannelMessageSendReply(
		channelID, content, reference, options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
			"reference", reference,
		)
	}
	return msg, err
}

func (d *DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.waitSend()
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error(
			"error sending complex message",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d *DiscordSession) GuildInvites(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Invite, error) {
	return d.session.GuildInvites(guildID, options...)
}

func (d *DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d *DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d *DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d *DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

// TrackedMessage is a DB model logging details about an incoming
// discord message the bot cared about (mentions, command attempts).
type TrackedMessage struct {
	ModelUintID
	ModelUnixTime
	MessageID  string `json:"message_id"`
	Content    string `json:"content"`
	ChannelID  string `json:"channel_id"`
	GuildID    string `json:"guild_id"`
	UserID     string `json:"user_id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	Payload    string `json:"payload"`
}

func NewTrackedMessage(m *discordgo.Message) TrackedMessage {
	tm := TrackedMessage{
		MessageID: m.ID,
		Content:   m.Content,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
	}
	if user := messageAuthor(m); user != nil {
		tm.UserID = user.ID
		tm.Username = user.Username
		tm.GlobalName = user.GlobalName
	}
	data, err := json.Marshal(m)
	if err != nil {
		slog.Default().Error("failed to marshal discord message", tint.Err(err))
	}
	tm.Payload = string(data)
	return tm
}

func (m TrackedMessage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("message_id", m.MessageID),
		slog.String("channel_id", m.ChannelID),
		slog.String("guild_id", m.GuildID),
		slog.String("user_id", m.UserID),
		slog.String("username", m.Username),
		slog.String("content", m.Content),
	)
}
