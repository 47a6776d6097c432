package porteiro

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	CommitSHA = ""
	BuildTime = ""
)

// Porteiro is the bot: gateway session, dispatcher, invite resolver,
// interaction router and status API, assembled from Config.
type Porteiro struct {
	config *Config
	logger *slog.Logger

	db         DBI
	discord    *Discord
	dispatcher *Dispatcher
	limiter    *RateLimiter
	ledger     *ScopeLedger
	registry   *CommandRegistry
	resolver   *InviteSnapshotResolver
	router     *InteractionRouter
	mention    *MentionResponder

	api *http.Server

	startedAt time.Time
}

// New assembles a bot from the given config. Nothing connects until
// Run is called.
func New(config *Config) (*Porteiro, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := structValidator.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)
	slog.SetDefault(logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	bot := &Porteiro{
		config:   config,
		logger:   logger,
		limiter:  NewRateLimiter(),
		ledger:   NewScopeLedger(config.Dispatch.ScopeExpiry, logger),
		registry: NewCommandRegistry(),
		router:   NewInteractionRouter(logger),
	}

	gormLogger := newGORMLogger(
		tint.NewHandler(
			os.Stdout, &tint.Options{Level: config.DatabaseLogLevel},
		),
		config.DatabaseSlowThreshold,
	)
	db, err := CreateDB(context.Background(), config.Database, gormLogger)
	if err != nil {
		return nil, err
	}
	bot.db = NewDatabase(db, logger)

	discord, err := newDiscord(config.Discord)
	if err != nil {
		return nil, err
	}
	discord.logger = slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")
	discord.config.httpClient = config.HTTPClient
	discord.bot = bot
	bot.discord = discord

	if config.Groq != nil && config.Groq.Token != "" {
		bot.mention = NewMentionResponder(config.Groq, logger)
	}

	for _, cmd := range defaultCommands(config.Dispatch.CommandPrefix) {
		if err = bot.registry.Register(cmd); err != nil {
			return nil, err
		}
	}

	bot.dispatcher = NewDispatcher(
		config.Dispatch,
		bot.limiter,
		bot.ledger,
		bot.registry,
		bot.db,
		nil, // set when the session exists
		bot.mention,
		logger,
	)

	if err = bot.registerRoutes(); err != nil {
		return nil, err
	}

	if config.API != nil && config.API.Enabled {
		bot.api, err = newAPIServer(bot)
		if err != nil {
			return nil, err
		}
	}

	return bot, nil
}

// registerRoutes wires the component-interaction routes the built-in
// commands use.
func (p *Porteiro) registerRoutes() error {
	return p.router.Register(
		"reroll",
		2,
		p.handleRerollInteraction,
		WithAddressedUser(0),
	)
}

// handleRerollInteraction re-rolls a previous dice result. Custom ID
// shape: reroll:<userID>:<sides>.
func (p *Porteiro) handleRerollInteraction(
	_ context.Context,
	s InteractionResponder,
	i *discordgo.InteractionCreate,
	args []string,
) error {
	sides, err := strconv.Atoi(args[1])
	if err != nil || sides < minDiceSides || sides > maxDiceSides {
		return fmt.Errorf("bad reroll sides %q: %w", args[1], err)
	}
	roll := 1 + rand.Intn(sides)
	return s.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: fmt.Sprintf("🎲 %d (d%d)", roll, sides),
			},
		},
	)
}

// Run connects to the gateway, serves the status API if enabled, and
// blocks until ctx is canceled or a fatal error occurs.
func (p *Porteiro) Run(ctx context.Context) error {
	p.startedAt = time.Now()

	startupCtx := ctx
	if p.config.StartupTimeout > 0 {
		var cancel context.CancelFunc
		startupCtx, cancel = context.WithTimeout(ctx, p.config.StartupTimeout)
		defer cancel()
	}

	session, err := p.discord.newSession()
	if err != nil {
		return err
	}
	p.discord.session = session
	p.dispatcher.replies = session
	p.resolver = NewInviteSnapshotResolver(session, p.logger)

	p.registerGatewayHandlers()

	if err = session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	p.logger.InfoContext(
		startupCtx,
		"porteiro started",
		"version", Version,
		"commit", CommitSHA,
		"build_time", BuildTime,
	)

	eg, egCtx := errgroup.WithContext(ctx)

	if p.api != nil {
		eg.Go(
			func() error {
				p.logger.Info("starting status API", "listen", p.config.API.Listen)
				e := p.serveAPI()
				if e != nil && e != http.ErrServerClosed {
					return e
				}
				return nil
			},
		)
	}

	eg.Go(
		func() error {
			<-egCtx.Done()
			p.shutdown()
			return nil
		},
	)

	return eg.Wait()
}

// shutdown closes the gateway session, drains in-flight work within
// ShutdownTimeout, and stops the API server.
func (p *Porteiro) shutdown() {
	p.logger.Info("shutting down")

	timeout := p.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if p.discord.session != nil {
		if err := p.discord.session.Close(); err != nil {
			p.logger.Error("error closing discord session", tint.Err(err))
		}
	}

	// Wait for in-flight handlers and detached work, but never past the
	// shutdown deadline: scopes left behind are reclaimed by the
	// ledger's safety net on a future run's terms anyway.
	done := make(chan struct{})
	go func() {
		p.dispatcher.waitBackground()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn(
			"shutdown deadline reached with work in flight",
			"in_flight", p.dispatcher.InFlight(),
		)
	}

	if p.api != nil {
		if err := p.api.Shutdown(ctx); err != nil {
			p.logger.Error("error stopping status API", tint.Err(err))
		}
	}
	p.logger.Info("shutdown complete")
}

// registerGatewayHandlers attaches all gateway event handlers to the
// session, keeping the remove funcs so a reconnect cycle can detach
// them.
func (p *Porteiro) registerGatewayHandlers() {
	session := p.discord.session
	p.discord.removeHandlerFuncs = []func(){
		session.AddHandler(p.discord.handlerReady()),
		session.AddHandler(p.discord.handlerConnect()),
		session.AddHandler(p.discord.handlerDisconnect()),
		session.AddHandler(p.handleMessageCreate),
		session.AddHandler(p.handleGuildMemberAdd),
		session.AddHandler(p.handleInviteCreate),
		session.AddHandler(p.handleInviteDelete),
		session.AddHandler(p.handleGuildCreate),
		session.AddHandler(p.handleInteractionCreate),
	}
}

func (p *Porteiro) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil {
		return
	}
	if p.dispatcher.BotUserID() == "" && s.State != nil && s.State.User != nil {
		p.dispatcher.SetBotUserID(s.State.User.ID)
	}
	p.dispatcher.DispatchMessage(context.Background(), m.Message)
}

func (p *Porteiro) handleInteractionCreate(
	_ *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	p.router.HandleInteraction(context.Background(), p.discord.session, i)
}

// handleGuildCreate seeds the invite snapshot for each guild as the
// gateway announces it, so the first member join already has a
// baseline to diff against.
func (p *Porteiro) handleGuildCreate(_ *discordgo.Session, g *discordgo.GuildCreate) {
	if g == nil || g.Guild == nil {
		return
	}
	ctx := context.Background()
	if err := p.resolver.RefreshGuildSnapshot(ctx, g.ID); err != nil {
		p.logger.ErrorContext(
			ctx,
			"error seeding invite snapshot",
			tint.Err(err),
			"guild_id", g.ID,
		)
	}
}

func (p *Porteiro) handleInviteCreate(_ *discordgo.Session, i *discordgo.InviteCreate) {
	p.resolver.OnInviteCreated(i)
}

func (p *Porteiro) handleInviteDelete(_ *discordgo.Session, i *discordgo.InviteDelete) {
	p.resolver.OnInviteDeleted(i)
}

// handleGuildMemberAdd records who invited the new member and sends
// the welcome message. Resolution failure never blocks the welcome.
func (p *Porteiro) handleGuildMemberAdd(
	_ *discordgo.Session,
	m *discordgo.GuildMemberAdd,
) {
	if m == nil || m.Member == nil || m.User == nil {
		return
	}
	ctx := context.Background()
	logger := p.logger.With(
		"guild_id", m.GuildID,
		"user_id", m.User.ID,
		"username", m.User.Username,
	)

	inviterID, resolved := p.resolver.ResolveInviter(ctx, m.GuildID)
	if !resolved {
		logger.WarnContext(ctx, "could not resolve inviter for new member")
	}

	join := &MemberJoin{
		GuildID:   m.GuildID,
		UserID:    m.User.ID,
		Username:  m.User.Username,
		InviterID: inviterID,
	}
	if _, err := p.db.Create(join); err != nil {
		logger.ErrorContext(ctx, "error recording member join", tint.Err(err))
	} else {
		logger.InfoContext(ctx, "member joined", "member_join", *join)
	}

	welcomeChannel := p.config.Discord.WelcomeChannelID
	if welcomeChannel == "" {
		return
	}
	welcome := fmt.Sprintf(DefaultWelcomeMessage, m.User.Mention())
	if _, err := p.discord.session.ChannelMessageSend(welcomeChannel, welcome); err != nil {
		logger.ErrorContext(ctx, "error sending welcome message", tint.Err(err))
	}
}

// Pause stops command execution without disconnecting.
func (p *Porteiro) Pause() {
	p.logger.Warn("pausing command execution")
	p.dispatcher.Pause()
}

// Resume re-enables command execution.
func (p *Porteiro) Resume() {
	p.logger.Info("resuming command execution")
	p.dispatcher.Resume()
}
