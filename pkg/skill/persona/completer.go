package persona

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
)

// Role of a conversation turn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message of the conversation sent to a model.
type Turn struct {
	Role string
	Text string
}

// Completer produces the assistant's next reply.
type Completer interface {
	Complete(ctx context.Context, system string, turns []Turn) (string, error)
}

// DefaultAnthropicModel is used when no Anthropic model is configured.
const DefaultAnthropicModel = "claude-3-5-haiku-latest"

// ErrEmptyReply is returned when the model answers without text.
var ErrEmptyReply = errors.New("persona: empty reply")

// ClientOptions configures the hosted model clients.
type ClientOptions struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
	// MaxRetries overrides the SDK's retry count when non-negative.
	MaxRetries int
}

func (o ClientOptions) maxTokens() int64 {
	if o.MaxTokens <= 0 {
		return 256
	}
	return o.MaxTokens
}

// OpenAI completes with the Chat Completions API.
type OpenAI struct {
	client    openai.Client
	model     string
	maxTokens int64
}

// NewOpenAI creates an OpenAI completer. An empty API key falls back to the
// OPENAI_API_KEY environment variable.
func NewOpenAI(o ClientOptions) *OpenAI {
	var opts []openaiopt.RequestOption
	if o.APIKey != "" {
		opts = append(opts, openaiopt.WithAPIKey(o.APIKey))
	}
	if o.BaseURL != "" {
		opts = append(opts, openaiopt.WithBaseURL(o.BaseURL))
	}
	if o.MaxRetries >= 0 {
		opts = append(opts, openaiopt.WithMaxRetries(o.MaxRetries))
	}

	model := o.Model
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}

	return &OpenAI{client: openai.NewClient(opts...), model: model, maxTokens: o.maxTokens()}
}

func (c *OpenAI) Complete(ctx context.Context, system string, turns []Turn) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	for _, t := range turns {
		if t.Role == RoleAssistant {
			messages = append(messages, openai.AssistantMessage(t.Text))
		} else {
			messages = append(messages, openai.UserMessage(t.Text))
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               c.model,
		Messages:            messages,
		MaxCompletionTokens: openai.Int(c.maxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("persona: openai: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyReply
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Anthropic completes with the Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic creates an Anthropic completer. An empty API key falls back
// to the ANTHROPIC_API_KEY environment variable.
func NewAnthropic(o ClientOptions) *Anthropic {
	var opts []anthropicopt.RequestOption
	if o.APIKey != "" {
		opts = append(opts, anthropicopt.WithAPIKey(o.APIKey))
	}
	if o.BaseURL != "" {
		opts = append(opts, anthropicopt.WithBaseURL(o.BaseURL))
	}
	if o.MaxRetries >= 0 {
		opts = append(opts, anthropicopt.WithMaxRetries(o.MaxRetries))
	}

	model := o.Model
	if model == "" {
		model = DefaultAnthropicModel
	}

	return &Anthropic{client: anthropic.NewClient(opts...), model: model, maxTokens: o.maxTokens()}
}

func (c *Anthropic) Complete(ctx context.Context, system string, turns []Turn) (string, error) {
	messages := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := anthropic.NewTextBlock(t.Text)
		if t.Role == RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		Messages:  messages,
		MaxTokens: c.maxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("persona: anthropic: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}

	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}
