// Package genai provides chat completions for the registration chat using the OpenAI API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/sony/gobreaker"
)

// Errors returned by the client. All of them are treated as adapter failures upstream.
var (
	ErrAPIKeyMissing     = errors.New("OPENAI_API_KEY not set")
	ErrNoChoicesReturned = errors.New("no choices returned")
	ErrEmptyResponse     = errors.New("empty completion")
	ErrNoMessages        = errors.New("completion request has no messages")
)

const (
	DefaultModel   = "gpt-4o-mini"
	DefaultTimeout = 30 * time.Second
)

// MessageRole is the speaker of a completion message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one entry of the conversation sent to the backend.
type Message struct {
	Role    MessageRole
	Content string
}

// CompletionRequest carries everything needed for one completion.
type CompletionRequest struct {
	SessionID    string
	UserRole     string
	SystemPrompt string
	Messages     []Message
	Temperature  float64
}

// CompletionResponse is the text produced by the backend.
type CompletionResponse struct {
	Message string
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTimeout bounds each completion call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Client wraps the OpenAI chat completion service behind a circuit breaker.
type Client struct {
	chat    chatService
	model   string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

// NewClient initializes a GenAI client. The API key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: DefaultModel, Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyMissing
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("genai.NewClient: client created", "model", cfg.Model, "timeout", cfg.Timeout)
	return newClient(&cli.Chat.Completions, cfg), nil
}

func newClient(chat chatService, cfg Opts) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &Client{
		chat:    chat,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		breaker: newBreaker("openai-chat"),
	}
}

// newBreaker opens after a sustained failure ratio so a dead backend fails
// fast for every session instead of each one waiting out a timeout.
func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("genai.Client: circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})
}

// GetChatCompletion sends the system prompt plus the transcript and returns the
// first choice. Every failure is returned; callers decide how to degrade.
func (c *Client) GetChatCompletion(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if len(req.Messages) == 0 && req.SystemPrompt == "" {
		return CompletionResponse{}, ErrNoMessages
	}
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    buildMessages(req),
		Temperature: openai.Float(req.Temperature),
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.chat.New(ctx, params)
	})
	if err != nil {
		slog.Debug("genai.Client.GetChatCompletion: call failed", "sessionID", req.SessionID, "error", err, "elapsed", time.Since(start))
		return CompletionResponse{}, fmt.Errorf("chat completion: %w", err)
	}
	resp, _ := out.(*openai.ChatCompletion)
	if resp == nil || len(resp.Choices) == 0 {
		return CompletionResponse{}, ErrNoChoicesReturned
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return CompletionResponse{}, ErrEmptyResponse
	}
	slog.Debug("genai.Client.GetChatCompletion: success", "sessionID", req.SessionID, "role", req.UserRole, "chars", len(text), "elapsed", time.Since(start))
	return CompletionResponse{Message: text}, nil
}

// State reports the breaker state: closed, half-open or open.
func (c *Client) State() string {
	return c.breaker.State().String()
}

func buildMessages(req CompletionRequest) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	return msgs
}
