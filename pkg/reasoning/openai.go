package reasoning

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

var (
	// ErrTimeout is returned when a call exceeds its deadline.
	ErrTimeout = errors.New("reasoning call timed out")
	// ErrProvider is returned for non-timeout provider failures after
	// retries are exhausted.
	ErrProvider = errors.New("reasoning provider error")
)

// ChatClient is the subset of the OpenAI client the provider needs
// (interface for testability).
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIConfig configures the OpenAI-compatible provider.
type OpenAIConfig struct {
	APIKey string
	// BaseURL overrides the endpoint for OpenAI-compatible servers.
	BaseURL string
	// MaxRetries bounds retry attempts per call (default 3).
	MaxRetries int
	// RetryBackoff is the initial backoff between retries, doubled each
	// attempt (default 500ms).
	RetryBackoff time.Duration
	// RequestsPerSecond rate-limits outbound calls (0 = unlimited).
	RequestsPerSecond float64
	// Burst is the rate limiter burst size (default 1 when limited).
	Burst int
}

// OpenAIProvider implements Provider against any OpenAI-compatible API.
type OpenAIProvider struct {
	client     ChatClient
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
}

// NewOpenAIProvider creates a provider with a default client.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return NewOpenAIProviderWithClient(openai.NewClientWithConfig(clientCfg), cfg)
}

// NewOpenAIProviderWithClient creates a provider with a custom client
// (useful for testing).
func NewOpenAIProviderWithClient(client ChatClient, cfg OpenAIConfig) *OpenAIProvider {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &OpenAIProvider{
		client:     client,
		limiter:    limiter,
		maxRetries: maxRetries,
		backoff:    backoff,
	}
}

// Call sends the messages and returns content plus token usage.
// Transient failures are retried with doubling backoff; a deadline
// expiry surfaces as ErrTimeout so callers can distinguish it.
func (p *OpenAIProvider) Call(ctx context.Context, messages []Message, params Params) (*Response, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	req := openai.ChatCompletionRequest{
		Model:       params.Model,
		Temperature: params.Temperature,
		Messages:    make([]openai.ChatCompletionMessage, len(messages)),
	}
	if params.MaxTokens > 0 {
		req.MaxTokens = params.MaxTokens
	}
	for i, m := range messages {
		req.Messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	var lastErr error
	backoff := p.backoff
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		resp, err := p.client.CreateChatCompletion(ctx, req)
		if err == nil {
			if len(resp.Choices) == 0 {
				return nil, fmt.Errorf("%w: no choices in response", ErrProvider)
			}
			return &Response{
				Content: resp.Choices[0].Message.Content,
				Usage:   Usage{Tokens: resp.Usage.TotalTokens},
			}, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}

		if attempt < p.maxRetries-1 {
			log.Printf("[REASONING] call failed (attempt %d/%d), retrying in %s: %v",
				attempt+1, p.maxRetries, backoff, err)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrProvider, lastErr)
}
