package porteiro

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
)

// ErrorKind classifies a failed command execution. The dispatcher turns
// each kind into exactly one short user-facing message.
type ErrorKind string

const (
	ErrorKindUnknownCommand   ErrorKind = "unknown_command"
	ErrorKindPermissionDenied ErrorKind = "permission_denied"
	ErrorKindBadArguments     ErrorKind = "bad_arguments"
	ErrorKindTargetNotFound   ErrorKind = "target_not_found"
	ErrorKindAmbiguousTarget  ErrorKind = "ambiguous_target"
	ErrorKindInternalFault    ErrorKind = "internal_fault"
)

func (k ErrorKind) String() string {
	return string(k)
}

// CommandError carries an error classification plus an optional
// user-facing message. Handlers return these for expected failures;
// anything else is classified as an internal fault.
type CommandError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func badArguments(usage string) *CommandError {
	return &CommandError{
		Kind:    ErrorKindBadArguments,
		Message: fmt.Sprintf("Uso: %s", usage),
	}
}

// classifyError extracts the ErrorKind from an error, defaulting to
// InternalFault for anything a handler didn't classify itself.
func classifyError(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Kind
	}
	return ErrorKindInternalFault
}

// Invocation is the context a command handler executes with: the
// triggering message, parsed arguments and narrow bot capabilities.
type Invocation struct {
	Message  *discordgo.Message
	Command  *Command
	Args     []string
	RawArgs  string
	Registry *CommandRegistry
	DB       DBI
}

// Command is a registered prefix command. Run returns the reply text
// for the channel, or an error classified per ErrorKind.
type Command struct {
	// Name is the canonical token, lowercase
	Name string

	// Aliases resolve to this command in addition to Name
	Aliases []string

	Description string

	// Usage is rendered as a hint on bad arguments, ex: "!dado [lados]"
	Usage string

	// Cooldown gates this command per user on bucket "cooldown:<name>",
	// on top of the shared "commands" bucket. 0 disables it.
	Cooldown time.Duration

	Run func(ctx context.Context, inv *Invocation) (string, error)

	// Buttons, if set, attaches message components to a successful
	// reply. Custom IDs must match a registered interaction route.
	Buttons func(inv *Invocation) []discordgo.MessageComponent
}

// CommandRegistry resolves command tokens to handlers. Registration
// happens once at startup; lookups are concurrent and read-only after
// that, so no locking is needed.
type CommandRegistry struct {
	byAlias map[string]*Command
	names   []string
}

func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{byAlias: map[string]*Command{}}
}

func (r *CommandRegistry) Register(cmd *Command) error {
	name := strings.ToLower(cmd.Name)
	if _, exists := r.byAlias[name]; exists {
		return fmt.Errorf("command %q already registered", name)
	}
	r.byAlias[name] = cmd
	r.names = append(r.names, name)
	for _, alias := range cmd.Aliases {
		alias = strings.ToLower(alias)
		if _, exists := r.byAlias[alias]; exists {
			return fmt.Errorf("alias %q already registered", alias)
		}
		r.byAlias[alias] = cmd
	}
	sort.Strings(r.names)
	return nil
}

// Resolve returns the command registered for token, if any.
func (r *CommandRegistry) Resolve(token string) (*Command, bool) {
	cmd, ok := r.byAlias[strings.ToLower(token)]
	return cmd, ok
}

// Names returns the canonical command names, sorted.
func (r *CommandRegistry) Names() []string {
	return r.names
}

const (
	diceCommandCooldown = 15 * time.Second
	defaultDiceSides    = 6
	minDiceSides        = 2
	maxDiceSides        = 1000
)

// defaultCommands returns the built-in command set. The bodies are
// deliberately trivial; the interesting part of the bot is how they're
// dispatched.
func defaultCommands(prefix string) []*Command {
	return []*Command{
		{
			Name:        "dado",
			Aliases:     []string{"rolar"},
			Description: "Rola um dado",
			Usage:       fmt.Sprintf("%sdado [lados]", prefix),
			Cooldown:    diceCommandCooldown,
			Run:         runDiceCommand,
			Buttons:     diceRerollButtons,
		},
		{
			Name:        "ping",
			Description: "Verifica se estou acordado",
			Run: func(_ context.Context, _ *Invocation) (string, error) {
				return "pong!", nil
			},
		},
		{
			Name:        "ajuda",
			Aliases:     []string{"help", "comandos"},
			Description: "Lista os comandos",
			Run: func(_ context.Context, inv *Invocation) (string, error) {
				var sb strings.Builder
				sb.WriteString("Comandos:\n")
				for _, name := range inv.Registry.Names() {
					cmd, _ := inv.Registry.Resolve(name)
					fmt.Fprintf(&sb, "`%s%s` - %s\n", prefix, name, cmd.Description)
				}
				return strings.TrimRight(sb.String(), "\n"), nil
			},
		},
		{
			Name:        "quem",
			Aliases:     []string{"convidou"},
			Description: "Mostra quem convidou um membro",
			Usage:       fmt.Sprintf("%squem <@membro | nome>", prefix),
			Run:         runWhoInvitedCommand,
		},
	}
}

func runDiceCommand(_ context.Context, inv *Invocation) (string, error) {
	sides := defaultDiceSides
	if len(inv.Args) > 0 {
		parsed, err := strconv.Atoi(inv.Args[0])
		if err != nil || parsed < minDiceSides || parsed > maxDiceSides {
			return "", badArguments(inv.Command.Usage)
		}
		sides = parsed
	}
	return fmt.Sprintf("🎲 %d (d%d)", rand.Intn(sides)+1, sides), nil
}

// diceRerollButtons attaches a reroll button addressed to the user who
// rolled, carrying the die size in the custom ID.
func diceRerollButtons(inv *Invocation) []discordgo.MessageComponent {
	author := messageAuthor(inv.Message)
	if author == nil {
		return nil
	}
	sides := defaultDiceSides
	if len(inv.Args) > 0 {
		if parsed, err := strconv.Atoi(inv.Args[0]); err == nil {
			sides = parsed
		}
	}
	customID, err := CustomID("reroll", author.ID, strconv.Itoa(sides))
	if err != nil {
		return nil
	}
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Rolar de novo",
					Style:    discordgo.SecondaryButton,
					CustomID: customID,
				},
			},
		},
	}
}

// runWhoInvitedCommand looks up the MemberJoin record for the target
// user and reports the attributed inviter.
func runWhoInvitedCommand(_ context.Context, inv *Invocation) (string, error) {
	if inv.Message.GuildID == "" {
		return "", &CommandError{
			Kind:    ErrorKindPermissionDenied,
			Message: "Esse comando só funciona em servidores.",
		}
	}

	var targetID string
	switch {
	case len(inv.Message.Mentions) == 1:
		targetID = inv.Message.Mentions[0].ID
	case len(inv.Message.Mentions) > 1:
		return "", &CommandError{
			Kind:    ErrorKindAmbiguousTarget,
			Message: "Marque só um membro de cada vez.",
		}
	case inv.RawArgs != "":
		var users []User
		err := inv.DB.DB().
			Where("username = ? OR global_name = ?", inv.RawArgs, inv.RawArgs).
			Limit(2).
			Find(&users).Error
		if err != nil {
			return "", fmt.Errorf("error finding user %q: %w", inv.RawArgs, err)
		}
		switch len(users) {
		case 0:
			return "", &CommandError{
				Kind:    ErrorKindTargetNotFound,
				Message: fmt.Sprintf("Não conheço ninguém chamado %q.", inv.RawArgs),
			}
		case 1:
			targetID = users[0].ID
		default:
			return "", &CommandError{
				Kind:    ErrorKindAmbiguousTarget,
				Message: fmt.Sprintf("Tem mais de um %q por aqui, marque o membro.", inv.RawArgs),
			}
		}
	default:
		return "", badArguments(inv.Command.Usage)
	}

	var join MemberJoin
	err := inv.DB.DB().
		Where("guild_id = ? AND user_id = ?", inv.Message.GuildID, targetID).
		Order("created_at desc").
		First(&join).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", &CommandError{
				Kind:    ErrorKindTargetNotFound,
				Message: "Não vi esse membro entrar.",
			}
		}
		return "", fmt.Errorf("error finding member join: %w", err)
	}
	if join.InviterID == "" {
		return "Esse membro entrou, mas não sei quem convidou.", nil
	}
	return fmt.Sprintf("<@%s> foi convidado(a) por <@%s>.", targetID, join.InviterID), nil
}
