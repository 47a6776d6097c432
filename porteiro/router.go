package porteiro

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// customIDSeparator joins the route prefix and its arguments inside
	// a component custom ID ("reroll:123456789:20")
	customIDSeparator = ":"

	// discordCustomIDMaxLength is Discord's hard limit on custom IDs
	discordCustomIDMaxLength = 100

	staleComponentMessage  = "Esse botão não funciona mais."
	wrongUserMessage       = "Esse botão não é para você."
	componentErrorMessage  = "Algo deu errado, tente de novo."
	unknownInteractionUser = "unknown"
)

// InteractionResponder is the narrow slice of the session used to
// answer component interactions.
type InteractionResponder interface {
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error
}

// InteractionHandler handles one routed component interaction. args
// holds the custom ID segments after the prefix, already validated
// against the route's declared shape.
type InteractionHandler func(
	ctx context.Context,
	s InteractionResponder,
	i *discordgo.InteractionCreate,
	args []string,
) error

type interactionRoute struct {
	prefix  string
	handler InteractionHandler

	// argCount is the exact number of segments expected after the prefix
	argCount int

	// snowflakeArgs marks which arg positions must parse as Discord
	// snowflakes
	snowflakeArgs []int

	// addressedUserArg, when >= 0, names the arg holding the only user
	// ID allowed to act on this component
	addressedUserArg int
}

// InteractionRouter dispatches message-component interactions by
// custom ID prefix. Unroutable or malformed interactions get a single
// ephemeral rejection; handler errors are logged and answered with a
// generic ephemeral notice.
type InteractionRouter struct {
	mu     sync.RWMutex
	routes map[string]*interactionRoute
	logger *slog.Logger
}

func NewInteractionRouter(logger *slog.Logger) *InteractionRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &InteractionRouter{
		routes: map[string]*interactionRoute{},
		logger: logger.With(loggerNameKey, "interaction_router"),
	}
}

// RouteOption customizes a route's validation at registration.
type RouteOption func(*interactionRoute)

// WithSnowflakeArgs requires the given arg positions to be valid
// Discord snowflakes.
func WithSnowflakeArgs(positions ...int) RouteOption {
	return func(r *interactionRoute) {
		r.snowflakeArgs = positions
	}
}

// WithAddressedUser restricts the route to the user whose ID occupies
// the given arg position; anyone else gets an ephemeral rejection. The
// position is implicitly validated as a snowflake.
func WithAddressedUser(position int) RouteOption {
	return func(r *interactionRoute) {
		r.addressedUserArg = position
	}
}

// Register adds a route for the given custom ID prefix. The prefix
// must not contain the separator; argCount is the exact number of
// segments expected after it.
func (r *InteractionRouter) Register(
	prefix string,
	argCount int,
	handler InteractionHandler,
	opts ...RouteOption,
) error {
	if prefix == "" || strings.Contains(prefix, customIDSeparator) {
		return fmt.Errorf("invalid route prefix %q", prefix)
	}
	if handler == nil {
		return fmt.Errorf("nil handler for route %q", prefix)
	}
	route := &interactionRoute{
		prefix:           prefix,
		handler:          handler,
		argCount:         argCount,
		addressedUserArg: -1,
	}
	for _, opt := range opts {
		opt(route)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[prefix]; exists {
		return fmt.Errorf("route %q already registered", prefix)
	}
	r.routes[prefix] = route
	return nil
}

// CustomID assembles a custom ID for the given prefix and args,
// erroring if the result would exceed Discord's length limit.
func CustomID(prefix string, args ...string) (string, error) {
	segments := append([]string{prefix}, args...)
	id := strings.Join(segments, customIDSeparator)
	if len(id) > discordCustomIDMaxLength {
		return "", fmt.Errorf("custom ID too long (%d)", len(id))
	}
	return id, nil
}

// HandleInteraction routes one gateway interaction. Non-component
// interactions are ignored.
func (r *InteractionRouter) HandleInteraction(
	ctx context.Context,
	s InteractionResponder,
	i *discordgo.InteractionCreate,
) {
	if i == nil || i.Type != discordgo.InteractionMessageComponent {
		return
	}

	customID := i.MessageComponentData().CustomID
	user := interactionUser(i)
	userID := unknownInteractionUser
	if user != nil {
		userID = user.ID
	}
	logger := r.logger.With(
		slog.Group(
			"interaction",
			"id", i.ID,
			"custom_id", customID,
			"user_id", userID,
		),
	)
	ctx = WithLogger(ctx, logger)

	segments := strings.Split(customID, customIDSeparator)
	route, found := r.lookup(segments[0])
	if !found {
		logger.WarnContext(ctx, "no route for custom ID")
		r.respondEphemeral(ctx, s, i, staleComponentMessage)
		return
	}

	args := segments[1:]
	if err := route.validate(args); err != nil {
		logger.WarnContext(ctx, "rejecting malformed custom ID", tint.Err(err))
		r.respondEphemeral(ctx, s, i, staleComponentMessage)
		return
	}

	if route.addressedUserArg >= 0 && args[route.addressedUserArg] != userID {
		logger.InfoContext(
			ctx,
			"component used by someone other than the addressed user",
			"addressed_user_id", args[route.addressedUserArg],
		)
		r.respondEphemeral(ctx, s, i, wrongUserMessage)
		return
	}

	if err := route.handler(ctx, s, i, args); err != nil {
		logger.ErrorContext(ctx, "interaction handler failed", tint.Err(err))
		r.respondEphemeral(ctx, s, i, componentErrorMessage)
	}
}

func (r *InteractionRouter) lookup(prefix string) (*interactionRoute, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, found := r.routes[prefix]
	return route, found
}

func (route *interactionRoute) validate(args []string) error {
	if len(args) != route.argCount {
		return fmt.Errorf(
			"expected %d args, got %d",
			route.argCount,
			len(args),
		)
	}
	positions := make([]int, 0, len(route.snowflakeArgs)+1)
	positions = append(positions, route.snowflakeArgs...)
	if route.addressedUserArg >= 0 {
		positions = append(positions, route.addressedUserArg)
	}
	for _, pos := range positions {
		if pos < 0 || pos >= len(args) {
			return fmt.Errorf("snowflake arg position %d out of range", pos)
		}
		if !validSnowflake(args[pos]) {
			return fmt.Errorf("arg %d is not a snowflake: %q", pos, args[pos])
		}
	}
	return nil
}

// validSnowflake reports whether s looks like a Discord snowflake: a
// base-10 unsigned 64-bit integer.
func validSnowflake(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}

// respondEphemeral answers the interaction with a message only the
// acting user sees. Failures here are logged and dropped.
func (r *InteractionRouter) respondEphemeral(
	ctx context.Context,
	s InteractionResponder,
	i *discordgo.InteractionCreate,
	content string,
) {
	err := s.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if err != nil {
		logger, _ := ContextLogger(ctx)
		if logger == nil {
			logger = r.logger
		}
		logger.ErrorContext(ctx, "error sending interaction response", tint.Err(err))
	}
}
