package porteiro

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// DispatchOutcome is the terminal state of one inbound message's trip
// through the dispatcher.
type DispatchOutcome string

const (
	// OutcomeIgnored - author is a bot (or the bot itself)
	OutcomeIgnored DispatchOutcome = "ignored"

	// OutcomeNotACommand - no command prefix; background work only
	OutcomeNotACommand DispatchOutcome = "not_a_command"

	// OutcomeUnknown - prefixed, but no registered alias matched (even
	// after the defensive fallback)
	OutcomeUnknown DispatchOutcome = "unknown"

	// OutcomeRateLimited - denied by the commands bucket or the
	// command's own cooldown
	OutcomeRateLimited DispatchOutcome = "rate_limited"

	// OutcomeDispatched - handler invocation started; the true result
	// (executed/failed) is only known at the completion signal
	OutcomeDispatched DispatchOutcome = "dispatched"

	// OutcomeExecuted - handler completed successfully
	OutcomeExecuted DispatchOutcome = "executed"

	// OutcomeFailed - handler completed with a classified error
	OutcomeFailed DispatchOutcome = "failed"

	// OutcomeAbandoned - the completion signal never fired and the
	// scope was reclaimed by the ledger's safety net
	OutcomeAbandoned DispatchOutcome = "abandoned"
)

// ReplySender is the narrow reply channel the dispatcher needs.
// Satisfied by DiscordSessionHandler; failures on it are logged and
// never retried.
type ReplySender interface {
	ChannelMessageSend(
		channelID string,
		message string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// CommandLog is the per-invocation outcome record, written exactly once
// per prefixed message, from the completion-signal path (the scope's
// Close), never from the initiating call.
//
//nolint:lll // struct tags can't be split
type CommandLog struct {
	ModelUintID
	ModelUnixTime

	// MessageID is the correlation ID the scope was registered under
	MessageID   string          `json:"message_id" gorm:"index;not null"`
	GuildID     string          `json:"guild_id" gorm:"type:string"`
	ChannelID   string          `json:"channel_id" gorm:"type:string"`
	UserID      string          `json:"user_id" gorm:"index;not null"`
	Username    string          `json:"username" gorm:"type:string"`
	CommandName string          `json:"command_name" gorm:"type:string"`
	Outcome     DispatchOutcome `json:"outcome" gorm:"type:string"`
	Success     bool            `json:"success"`
	Error       string          `json:"error" gorm:"type:string"`
	StartedAt   int64           `json:"started_at"`
	FinishedAt  int64           `json:"finished_at"`
}

func (c CommandLog) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("message_id", c.MessageID),
		slog.String("user_id", c.UserID),
		slog.String("command", c.CommandName),
		slog.String("outcome", string(c.Outcome)),
		slog.Bool("success", c.Success),
	}
	if c.Error != "" {
		attrs = append(attrs, slog.String("error", c.Error))
	}
	return slog.GroupValue(attrs...)
}

// invocationScope is the per-invocation resource registered with the
// ScopeLedger. Closing it emits the single structured outcome record
// (slog + CommandLog row) and decrements the in-flight counter. Close
// is idempotent on its own, independent of the ledger's exactly-once
// guarantee, since pre-invocation terminal paths also close it.
type invocationScope struct {
	dispatcher *Dispatcher
	logger     *slog.Logger

	mu     sync.Mutex
	record CommandLog

	once sync.Once
}

func (s *invocationScope) finish(
	outcome DispatchOutcome,
	commandName string,
	err error,
) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.Outcome = outcome
	s.record.Success = outcome == OutcomeExecuted
	if commandName != "" {
		s.record.CommandName = commandName
	}
	if err != nil {
		s.record.Error = err.Error()
	}
}

func (s *invocationScope) Close() error {
	s.once.Do(
		func() {
			s.mu.Lock()
			s.record.FinishedAt = time.Now().UTC().UnixMilli()
			record := s.record
			s.mu.Unlock()

			s.dispatcher.inFlight.Add(-1)
			s.logger.Info("command finished", "command_log", record)

			if s.dispatcher.db != nil {
				if _, err := s.dispatcher.db.Create(&record); err != nil {
					s.logger.Error(
						"error saving command log",
						tint.Err(err),
						"command_log", record,
					)
				}
			}
		},
	)
	return nil
}

// Dispatcher classifies every inbound message and routes it: prefix
// command, plain-text mention, or neither. It owns the decision of
// which handler runs; the ScopeLedger owns release timing; the
// RateLimiter owns cooldown state.
type Dispatcher struct {
	logger   *slog.Logger
	limiter  *RateLimiter
	ledger   *ScopeLedger
	registry *CommandRegistry
	db       DBI
	replies  ReplySender
	mention  *MentionResponder
	config   *DispatchConfig

	// botUserID is the application's own user ID, for self/mention
	// checks. Set from the gateway ready payload while dispatch may
	// already be running, so access goes through the atomic.
	botUserID atomic.Pointer[string]

	metricIgnored     atomic.Int64
	metricNotACommand atomic.Int64
	metricUnknown     atomic.Int64
	metricRateLimited atomic.Int64
	metricDispatched  atomic.Int64

	inFlight atomic.Int64

	// paused drops prefixed commands at classification (still logged)
	paused atomic.Bool

	// background tracks detached work and in-flight handler goroutines
	// so tests and shutdown can wait for them
	background sync.WaitGroup
}

func NewDispatcher(
	config *DispatchConfig,
	limiter *RateLimiter,
	ledger *ScopeLedger,
	registry *CommandRegistry,
	db DBI,
	replies ReplySender,
	mention *MentionResponder,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:   logger.With(loggerNameKey, "dispatcher"),
		limiter:  limiter,
		ledger:   ledger,
		registry: registry,
		db:       db,
		replies:  replies,
		mention:  mention,
		config:   config,
	}
}

func (d *Dispatcher) SetBotUserID(id string) {
	d.botUserID.Store(&id)
}

// BotUserID returns the bot's own user ID, or "" before the session
// identifies itself.
func (d *Dispatcher) BotUserID() string {
	if id := d.botUserID.Load(); id != nil {
		return *id
	}
	return ""
}

// Pause stops prefixed commands from executing. Detached work still runs.
func (d *Dispatcher) Pause() {
	d.paused.Store(true)
}

func (d *Dispatcher) Resume() {
	d.paused.Store(false)
}

func (d *Dispatcher) Paused() bool {
	return d.paused.Load()
}

// InFlight returns the number of command invocations whose scope has
// not yet been released.
func (d *Dispatcher) InFlight() int64 {
	return d.inFlight.Load()
}

// DispatchMetrics is a point-in-time snapshot of the classification
// counters.
type DispatchMetrics struct {
	Ignored     int64 `json:"ignored"`
	NotACommand int64 `json:"not_a_command"`
	Unknown     int64 `json:"unknown"`
	RateLimited int64 `json:"rate_limited"`
	Dispatched  int64 `json:"dispatched"`
}

func (d *Dispatcher) Metrics() DispatchMetrics {
	return DispatchMetrics{
		Ignored:     d.metricIgnored.Load(),
		NotACommand: d.metricNotACommand.Load(),
		Unknown:     d.metricUnknown.Load(),
		RateLimited: d.metricRateLimited.Load(),
		Dispatched:  d.metricDispatched.Load(),
	}
}

// detach runs fn on its own goroutine, isolated from the dispatch
// path: panics and errors are logged, never propagated. This is a
// deliberate error-isolation boundary.
func (d *Dispatcher) detach(ctx context.Context, name string, fn func(context.Context) error) {
	d.background.Add(1)
	go func() {
		defer d.background.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.ErrorContext(
					ctx,
					"panic in detached task",
					"task", name,
					tint.Err(fmt.Errorf("%v", r)),
				)
			}
		}()
		if err := fn(ctx); err != nil {
			d.logger.ErrorContext(
				ctx,
				"detached task failed",
				"task", name,
				tint.Err(err),
			)
		}
	}()
}

// waitBackground blocks until all detached work and handler goroutines
// have finished. Used by tests and shutdown.
func (d *Dispatcher) waitBackground() {
	d.background.Wait()
}

// DispatchMessage runs one inbound message through the classification
// state machine. For prefixed commands the return value is
// OutcomeDispatched; the true executed/failed outcome is recorded by
// the completion signal.
func (d *Dispatcher) DispatchMessage(
	ctx context.Context,
	m *discordgo.Message,
) DispatchOutcome {
	ctx, logger := d.messageLogger(ctx, m)

	author := messageAuthor(m)
	if author == nil || author.Bot || author.ID == d.BotUserID() {
		d.metricIgnored.Add(1)
		logger.DebugContext(ctx, "ignoring message", "outcome", OutcomeIgnored)
		return OutcomeIgnored
	}

	user := d.trackUser(ctx, *author)
	if user != nil && user.Ignored {
		d.metricIgnored.Add(1)
		logger.WarnContext(
			ctx,
			"ignoring message from blocked user",
			"outcome", OutcomeIgnored,
		)
		return OutcomeIgnored
	}

	// Mention replies and auto-notices run detached from the critical
	// path, whatever the message turns out to be. Their failures are
	// logged and never block routing.
	d.detach(
		ctx, "mention_reply", func(ctx context.Context) error {
			return d.maybeReplyToMention(ctx, m)
		},
	)
	d.detach(
		ctx, "auto_notice", func(ctx context.Context) error {
			return d.maybeAutoNotice(ctx, m)
		},
	)

	token, rawArgs := commandToken(m.Content, d.config.CommandPrefix)
	if token == "" {
		d.metricNotACommand.Add(1)
		d.detach(
			ctx, "message_tracking", func(ctx context.Context) error {
				return d.trackMessage(ctx, m)
			},
		)
		return OutcomeNotACommand
	}

	if d.paused.Load() {
		d.metricIgnored.Add(1)
		logger.WarnContext(ctx, "paused, dropping command", "token", token)
		return OutcomeIgnored
	}

	// A scope exists for every prefixed message from here on. Every
	// terminal path below releases it through the ledger, which is what
	// emits the one outcome record.
	scope := d.newScope(m, *author)
	d.ledger.Register(m.ID, scope)

	cmd, found := d.registry.Resolve(token)
	if !found {
		// Defensive fallback: re-derive the token from content scrubbed
		// of zero-width characters before giving up. Some clients the
		// original bot served smuggled these into otherwise valid
		// commands.
		cmd, found = d.fallbackResolve(m.Content)
		if !found {
			d.metricUnknown.Add(1)
			logger.InfoContext(ctx, "unknown command", "token", token)
			scope.finish(OutcomeUnknown, token, nil)
			d.ledger.Release(m.ID)
			d.sendReply(ctx, m, DefaultUnknownCommandMessage)
			return OutcomeUnknown
		}
	}

	if allowed, retryAfter := d.limiter.TryConsume(
		author.ID, bucketCommands, d.config.CommandWindow,
	); !allowed {
		d.metricRateLimited.Add(1)
		scope.finish(OutcomeRateLimited, cmd.Name, nil)
		d.ledger.Release(m.ID)
		d.sendReply(ctx, m, fmt.Sprintf(DefaultRateLimitMessage, retryAfter))
		return OutcomeRateLimited
	}

	if cmd.Cooldown > 0 {
		if allowed, retryAfter := d.limiter.TryConsume(
			author.ID, cooldownBucket(cmd.Name), cmd.Cooldown,
		); !allowed {
			d.metricRateLimited.Add(1)
			scope.finish(OutcomeRateLimited, cmd.Name, nil)
			d.ledger.Release(m.ID)
			d.sendReply(ctx, m, fmt.Sprintf(DefaultCooldownMessage, retryAfter))
			return OutcomeRateLimited
		}
	}

	d.metricDispatched.Add(1)
	inv := &Invocation{
		Message:  m,
		Command:  cmd,
		Args:     strings.Fields(rawArgs),
		RawArgs:  rawArgs,
		Registry: d.registry,
		DB:       d.db,
	}

	// The handler may finish after this call returns; the scope is
	// already registered, and only the completion signal below releases
	// it. Never released synchronously, even if Run returns immediately.
	d.background.Add(1)
	go func() {
		defer d.background.Done()
		reply, err := d.runHandler(ctx, inv)
		d.completed(ctx, inv, scope, reply, err)
	}()

	return OutcomeDispatched
}

// runHandler executes the command body, converting panics into
// internal-fault errors so a misbehaving handler can't take down the
// dispatcher.
func (d *Dispatcher) runHandler(
	ctx context.Context,
	inv *Invocation,
) (reply string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CommandError{
				Kind: ErrorKindInternalFault,
				Err:  fmt.Errorf("panic in command %q: %v", inv.Command.Name, r),
			}
		}
	}()
	return inv.Command.Run(ctx, inv)
}

// completed is the completion-signal handler: it sends at most one
// user-facing message, records the outcome on the scope, and releases
// the scope through the ledger - which is what emits the structured
// log record, correctly ordered after the true outcome is known.
func (d *Dispatcher) completed(
	ctx context.Context,
	inv *Invocation,
	scope *invocationScope,
	reply string,
	err error,
) {
	m := inv.Message
	cmd := inv.Command
	ctx, logger := d.messageLogger(ctx, m)

	if err != nil {
		kind := classifyError(err)
		logger.ErrorContext(
			ctx,
			"command failed",
			tint.Err(err),
			"command", cmd.Name,
			"error_kind", kind.String(),
		)
		scope.finish(OutcomeFailed, cmd.Name, err)
		if !d.ledger.Release(m.ID) {
			logger.WarnContext(
				ctx,
				"completion signal arrived after scope expiry",
				"command", cmd.Name,
			)
		}
		d.sendReply(ctx, m, userFacingError(err, kind))
		return
	}

	scope.finish(OutcomeExecuted, cmd.Name, nil)
	if !d.ledger.Release(m.ID) {
		logger.WarnContext(
			ctx,
			"completion signal arrived after scope expiry",
			"command", cmd.Name,
		)
	}
	if reply == "" {
		return
	}
	if cmd.Buttons != nil {
		if components := cmd.Buttons(inv); len(components) > 0 {
			d.sendComplexReply(ctx, m, reply, components)
			return
		}
	}
	d.sendReply(ctx, m, reply)
}

// userFacingError maps a classified error to the single short message
// shown to the user.
func userFacingError(err error, kind ErrorKind) string {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.Message != "" {
		return cmdErr.Message
	}
	switch kind {
	case ErrorKindUnknownCommand:
		return DefaultUnknownCommandMessage
	case ErrorKindPermissionDenied:
		return "Você não pode usar esse comando."
	case ErrorKindBadArguments:
		return "Não entendi os argumentos desse comando."
	case ErrorKindTargetNotFound:
		return "Não encontrei quem você procura."
	case ErrorKindAmbiguousTarget:
		return "Encontrei mais de um alvo, seja mais específico."
	default:
		return DefaultErrorMessage
	}
}

func (d *Dispatcher) fallbackResolve(content string) (*Command, bool) {
	scrubbed := stripZeroWidth(content)
	token, _ := commandToken(scrubbed, d.config.CommandPrefix)
	if token == "" {
		return nil, false
	}
	return d.registry.Resolve(token)
}

func (d *Dispatcher) newScope(m *discordgo.Message, author discordgo.User) *invocationScope {
	d.inFlight.Add(1)
	return &invocationScope{
		dispatcher: d,
		logger:     d.logger,
		record: CommandLog{
			MessageID: m.ID,
			GuildID:   m.GuildID,
			ChannelID: m.ChannelID,
			UserID:    author.ID,
			Username:  author.Username,
			Outcome:   OutcomeAbandoned,
			StartedAt: time.Now().UTC().UnixMilli(),
		},
	}
}

// sendReply sends one message to the triggering channel, as a reply.
// Failures are logged, never retried, never escalate.
func (d *Dispatcher) sendReply(ctx context.Context, m *discordgo.Message, content string) {
	if d.replies == nil || content == "" {
		return
	}
	content = truncate(content, discordMaxMessageLength)
	_, err := d.replies.ChannelMessageSendReply(
		m.ChannelID,
		content,
		m.Reference(),
	)
	if err != nil {
		_, logger := d.messageLogger(ctx, m)
		logger.ErrorContext(ctx, "error sending reply", tint.Err(err))
	}
}

// sendComplexReply sends one reply with message components attached.
func (d *Dispatcher) sendComplexReply(
	ctx context.Context,
	m *discordgo.Message,
	content string,
	components []discordgo.MessageComponent,
) {
	if d.replies == nil {
		return
	}
	_, err := d.replies.ChannelMessageSendComplex(
		m.ChannelID,
		&discordgo.MessageSend{
			Content:    truncate(content, discordMaxMessageLength),
			Components: components,
			Reference:  m.Reference(),
		},
	)
	if err != nil {
		_, logger := d.messageLogger(ctx, m)
		logger.ErrorContext(ctx, "error sending reply", tint.Err(err))
	}
}

// maybeReplyToMention handles the plain-text "@bot ..." path: when the
// message mentions only the bot and carries no command prefix, ask the
// responder for a reply, gated per user on the mention bucket.
func (d *Dispatcher) maybeReplyToMention(ctx context.Context, m *discordgo.Message) error {
	botID := d.BotUserID()
	if d.mention == nil || botID == "" {
		return nil
	}
	if m.MentionEveryone || len(m.Mentions) != 1 {
		return nil
	}
	if !messageMentionsUser(m, botID) {
		return nil
	}
	if strings.HasPrefix(m.Content, d.config.CommandPrefix) {
		return nil
	}

	author := messageAuthor(m)
	if author == nil {
		return nil
	}
	if allowed, _ := d.limiter.TryConsume(
		author.ID, bucketMention, d.config.MentionCooldown,
	); !allowed {
		return nil
	}

	reply, err := d.mention.Respond(ctx, mentionPrompt(m, botID))
	if err != nil {
		return fmt.Errorf("error generating mention reply: %w", err)
	}
	if reply == "" {
		return nil
	}
	d.sendReply(ctx, m, reply)
	return nil
}

// maybeAutoNotice sends the configured nudge reply when the author
// matches the role/user allow-list, rate limited on its own bucket so
// it can't spam a channel.
func (d *Dispatcher) maybeAutoNotice(ctx context.Context, m *discordgo.Message) error {
	cfg := d.config.AutoNotice
	if !cfg.Enabled || cfg.Message == "" || m.GuildID == "" || m.Member == nil {
		return nil
	}

	author := messageAuthor(m)
	if author == nil {
		return nil
	}

	hasUserList := len(cfg.UserIDs) > 0
	if hasUserList && !containsString(cfg.UserIDs, author.ID) {
		return nil
	}

	var matchedRole string
	for _, roleID := range cfg.RoleIDs {
		if containsString(m.Member.Roles, roleID) {
			matchedRole = roleID
			break
		}
	}
	if matchedRole == "" {
		return nil
	}

	bucket := autoNoticeBucket(m.GuildID, matchedRole, hasUserList)
	if allowed, _ := d.limiter.TryConsume(
		author.ID, bucket, cfg.Cooldown,
	); !allowed {
		return nil
	}
	d.sendReply(ctx, m, cfg.Message)
	return nil
}

// trackMessage persists messages that mention the bot, for later
// inspection. Other plain messages are not recorded.
func (d *Dispatcher) trackMessage(ctx context.Context, m *discordgo.Message) error {
	if d.db == nil || !messageMentionsUser(m, d.BotUserID()) {
		return nil
	}
	tm := NewTrackedMessage(m)
	if _, err := d.db.Create(&tm); err != nil {
		return fmt.Errorf("error creating tracked message: %w", err)
	}
	_, logger := d.messageLogger(ctx, m)
	logger.InfoContext(ctx, "tracked message mentioning bot", "tracked_message", tm)
	return nil
}

// trackUser upserts the author into the user cache/store. Returns nil
// (and routes normally) when the store is unavailable - dispatch never
// blocks on user bookkeeping.
func (d *Dispatcher) trackUser(ctx context.Context, u discordgo.User) *User {
	if d.db == nil {
		return nil
	}
	user, isNew, err := d.db.GetOrCreateUser(u)
	if err != nil {
		_, logger := d.messageLogger(ctx, nil)
		logger.ErrorContext(ctx, "error tracking user", tint.Err(err), "user_id", u.ID)
		return nil
	}

	if !isNew {
		now := time.Now().UTC().UnixMilli()
		if d.db.TouchUser(u, now) {
			d.detach(
				ctx, "user_refresh", func(context.Context) error {
					_, e := d.db.Updates(
						&User{ID: u.ID}, map[string]any{
							columnUserLastSeen:   now,
							columnUserUsername:   u.Username,
							columnUserGlobalName: u.GlobalName,
						},
					)
					return e
				},
			)
		}
	}
	return user
}

func (d *Dispatcher) messageLogger(
	ctx context.Context,
	m *discordgo.Message,
) (context.Context, *slog.Logger) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = d.logger
		if m != nil {
			logger = logger.With(slog.Group("message", messageLogAttrs(m)...))
		}
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
