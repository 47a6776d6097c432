package porteiro

import (
	"context"
	"log/slog"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

const loggerContextKey contextKey = "logger"

type contextKey string

// zeroWidthRunes are characters some clients smuggle into message
// content. They're stripped from command tokens before alias lookup so
// a prefix with an invisible character wedged in still resolves.
var zeroWidthRunes = map[rune]struct{}{
	'\u200B': {}, // zero width space
	'\u200C': {}, // zero width non-joiner
	'\u200D': {}, // zero width joiner
	'\u2060': {}, // word joiner
	'\uFEFF': {}, // zero width no-break space
}

// stripZeroWidth removes zero-width Unicode characters from s.
func stripZeroWidth(s string) string {
	return strings.Map(
		func(r rune) rune {
			if _, ok := zeroWidthRunes[r]; ok {
				return -1
			}
			return r
		}, s,
	)
}

// commandToken extracts the first whitespace-delimited word following
// prefix in content, with zero-width characters stripped. The second
// return value is the remainder of the message, for handler arguments.
// Returns ("", "") if content does not start with the prefix.
func commandToken(content string, prefix string) (token string, rest string) {
	if !strings.HasPrefix(content, prefix) {
		return "", ""
	}
	fields := strings.Fields(strings.TrimPrefix(content, prefix))
	if len(fields) == 0 {
		return "", ""
	}
	return stripZeroWidth(strings.ToLower(fields[0])), strings.Join(fields[1:], " ")
}

// messageMentionsUser reports whether the message @-mentions the given
// user ID (mentions only, not raw content).
func messageMentionsUser(m *discordgo.Message, userID string) bool {
	if m == nil || len(m.Mentions) == 0 {
		return false
	}
	for _, mention := range m.Mentions {
		if mention.ID == userID {
			return true
		}
	}
	return false
}

// messageAuthor returns the author of a message, checking the member
// object as a fallback (the user doesn't always appear in the same
// place).
func messageAuthor(m *discordgo.Message) *discordgo.User {
	if m == nil {
		return nil
	}
	u := m.Author
	if u == nil && m.Member != nil {
		u = m.Member.User
	}
	return u
}

// interactionUser returns the discord user associated with the
// interaction, checking the known locations.
func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// WithLogger returns a new context with the given logger added.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// ContextLogger returns a logger from the given context if one is
// present, and a boolean indicating whether a logger was found.
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}

func messageLogAttrs(m *discordgo.Message) []any {
	attrs := []any{"id", m.ID, "channel_id", m.ChannelID}
	if m.GuildID != "" {
		attrs = append(attrs, "guild_id", m.GuildID)
	}
	if author := messageAuthor(m); author != nil {
		attrs = append(attrs, "user_id", author.ID, "username", author.Username)
	}
	return attrs
}

// truncate shortens the input string to a specified number of characters.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// structToSlogValue converts a struct to a slog.Value, using the
// struct's JSON tag as the key for each field, if set. If the `log` tag
// is set, the value specified overrides the field's actual value, e.g.
// `log:"[redacted]"`.
func structToSlogValue(v any) slog.Value {
	typ := reflect.TypeOf(v)
	if typ == nil {
		return slog.AnyValue(nil)
	}
	val := reflect.ValueOf(v)

	if typ.Kind() == reflect.Ptr {
		if val.IsNil() {
			return slog.AnyValue(nil)
		}
		val = val.Elem()
		typ = typ.Elem()
	}

	if typ.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	var groupAttrs []slog.Attr

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		jsonTag, _, _ := strings.Cut(field.Tag.Get("json"), ",")

		if jsonTag == "" {
			jsonTag = field.Name
		}

		fv := val.Field(i)
		if !fv.CanInterface() {
			continue
		}

		logTag := field.Tag.Get("log")
		if logTag != "" {
			groupAttrs = append(
				groupAttrs,
				slog.Attr{Key: jsonTag, Value: slog.StringValue(logTag)},
			)
			continue
		}

		skip := false
		switch fv.Kind() {
		case reflect.Ptr:
			if fv.IsNil() {
				skip = true
			}
		case reflect.Map, reflect.Slice:
			if fv.IsNil() || fv.Len() == 0 {
				skip = true
			}
		case reflect.String:
			if fv.String() == "" {
				skip = true
			}
		}

		if skip {
			continue
		}

		groupAttrs = append(
			groupAttrs,
			slog.Attr{Key: jsonTag, Value: structToSlogValue(fv.Interface())},
		)
	}
	return slog.GroupValue(groupAttrs...)
}
