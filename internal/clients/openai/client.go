package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/yungbote/supplements-backend/internal/observability"
	"github.com/yungbote/supplements-backend/internal/platform/logger"
)

// ErrRejected marks a request the API refused for good; retrying will not help.
var ErrRejected = errors.New("openai rejected request")

type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	// RequestsPerSecond throttles calls across all processors; <=0 disables.
	RequestsPerSecond float64
	Burst             int
}

// Client is the chat completion surface the processors need.
type Client interface {
	// GenerateJSON asks for a json_object response and returns its text.
	GenerateJSON(ctx context.Context, system, user string) (string, error)
	GenerateText(ctx context.Context, system, user string) (string, error)
	Model() string
}

type client struct {
	log        *logger.Logger
	api        *goopenai.Client
	model      string
	limiter    *rate.Limiter
	maxRetries int
}

func NewClient(log *logger.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("missing OPENAI_API_KEY")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = goopenai.GPT4oMini
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	apiCfg := goopenai.DefaultConfig(apiKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		apiCfg.BaseURL = base
	}
	apiCfg.HTTPClient = &http.Client{Timeout: timeout}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &client{
		log:        log.With("service", "OpenAIClient"),
		api:        goopenai.NewClientWithConfig(apiCfg),
		model:      model,
		limiter:    limiter,
		maxRetries: maxRetries,
	}, nil
}

func (c *client) Model() string { return c.model }

func (c *client) GenerateJSON(ctx context.Context, system, user string) (string, error) {
	return c.complete(ctx, "chat.json", goopenai.ChatCompletionRequest{
		Model: c.model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: system},
			{Role: goopenai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{Type: goopenai.ChatCompletionResponseFormatTypeJSONObject},
	})
}

func (c *client) GenerateText(ctx context.Context, system, user string) (string, error) {
	return c.complete(ctx, "chat.text", goopenai.ChatCompletionRequest{
		Model: c.model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: system},
			{Role: goopenai.ChatMessageRoleUser, Content: user},
		},
	})
}

func (c *client) complete(ctx context.Context, endpoint string, req goopenai.ChatCompletionRequest) (string, error) {
	m := observability.Current()
	backoff := time.Second
	for attempt := 0; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return "", err
			}
		}
		start := time.Now()
		resp, err := c.api.CreateChatCompletion(ctx, req)
		code := statusCode(err)
		if err == nil {
			m.ObserveLLMRequest(c.model, endpoint, "ok", time.Since(start), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
			if len(resp.Choices) == 0 {
				return "", fmt.Errorf("openai returned no choices")
			}
			return strings.TrimSpace(resp.Choices[0].Message.Content), nil
		}
		m.ObserveLLMRequest(c.model, endpoint, fmt.Sprintf("%d", code), time.Since(start), 0, 0)
		if !retryable(code) {
			m.IncClientError("openai")
			return "", fmt.Errorf("%w: %s: %v", ErrRejected, endpoint, err)
		}
		if attempt >= c.maxRetries {
			m.IncClientError("openai")
			return "", fmt.Errorf("openai %s: %w", endpoint, err)
		}
		c.log.Warn("OpenAI request retrying",
			"endpoint", endpoint,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", backoff.String(),
			"error", err.Error(),
		)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 10*time.Second {
			backoff = 10 * time.Second
		}
	}
}

func statusCode(err error) int {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// retryable treats 429, 5xx and transport failures (code 0) as transient.
func retryable(code int) bool {
	return code == 0 || code == http.StatusTooManyRequests || code >= 500
}
