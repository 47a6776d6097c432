package porteiro

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	openai "github.com/sashabaranov/go-openai"
)

const (
	mentionRequestTimeout = 30 * time.Second

	// mentionSystemPrompt sets the bot's voice for plain-text mentions
	mentionSystemPrompt = "Você é o Porteiro, o porteiro bem-humorado de um " +
		"servidor do Discord. Responda em português, em no máximo duas " +
		"frases, sem se alongar."
)

// completionClient is the slice of the openai client the responder
// uses, split out so tests don't need a live endpoint.
type completionClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// MentionResponder generates short conversational replies for messages
// that mention the bot without invoking a command. It talks to Groq's
// OpenAI-compatible API.
type MentionResponder struct {
	client completionClient
	config *GroqConfig
	logger *slog.Logger
}

func NewMentionResponder(config *GroqConfig, logger *slog.Logger) *MentionResponder {
	if logger == nil {
		logger = slog.Default()
	}
	clientConfig := openai.DefaultConfig(config.Token)
	clientConfig.BaseURL = config.BaseURL
	return &MentionResponder{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
		logger: logger.With(loggerNameKey, "mention_responder"),
	}
}

// Respond returns a single reply for the given prompt, or "" when the
// model had nothing to say. The caller has already passed the mention
// rate gate.
func (r *MentionResponder) Respond(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(ctx, mentionRequestTimeout)
	defer cancel()

	systemPrompt := r.config.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = mentionSystemPrompt
	}

	started := time.Now()
	resp, err := r.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: r.config.Model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: systemPrompt,
				},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: prompt,
				},
			},
		},
	)
	if err != nil {
		return "", fmt.Errorf("error creating chat completion: %w", err)
	}

	r.logger.InfoContext(
		ctx,
		"chat completion finished",
		"duration", time.Since(started),
		"model", resp.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// mentionPrompt strips the bot mention out of the message content,
// leaving the text the user actually addressed to the bot.
func mentionPrompt(m *discordgo.Message, botUserID string) string {
	content := m.Content
	for _, tag := range []string{
		fmt.Sprintf("<@%s>", botUserID),
		fmt.Sprintf("<@!%s>", botUserID),
	} {
		content = strings.ReplaceAll(content, tag, "")
	}
	return strings.TrimSpace(content)
}
