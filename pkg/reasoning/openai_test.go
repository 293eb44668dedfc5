package reasoning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChatClient struct {
	failures int
	calls    int
	content  string
	tokens   int
}

func (f *fakeChatClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.calls++
	if f.calls <= f.failures {
		return openai.ChatCompletionResponse{}, errors.New("transient upstream error")
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.content}},
		},
		Usage: openai.Usage{TotalTokens: f.tokens},
	}, nil
}

func TestOpenAIProvider_Success(t *testing.T) {
	client := &fakeChatClient{content: "hello", tokens: 42}
	provider := NewOpenAIProviderWithClient(client, OpenAIConfig{})

	resp, err := provider.Call(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Params{Model: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 42, resp.Usage.Tokens)
	assert.Equal(t, 1, client.calls)
}

func TestOpenAIProvider_RetriesTransientFailures(t *testing.T) {
	client := &fakeChatClient{failures: 2, content: "recovered", tokens: 7}
	provider := NewOpenAIProviderWithClient(client, OpenAIConfig{
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	})

	resp, err := provider.Call(context.Background(), nil, Params{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, 3, client.calls)
}

func TestOpenAIProvider_ExhaustedRetries(t *testing.T) {
	client := &fakeChatClient{failures: 10}
	provider := NewOpenAIProviderWithClient(client, OpenAIConfig{
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	})

	_, err := provider.Call(context.Background(), nil, Params{})
	assert.ErrorIs(t, err, ErrProvider)
	assert.Equal(t, 2, client.calls)
}

func TestOpenAIProvider_DeadlineSurfacesAsTimeout(t *testing.T) {
	client := &fakeChatClient{failures: 10}
	provider := NewOpenAIProviderWithClient(client, OpenAIConfig{
		MaxRetries:   5,
		RetryBackoff: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := provider.Call(ctx, nil, Params{})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestMockProvider_ScriptOrder(t *testing.T) {
	mock := NewMockProvider(5, "first", "second")

	r1, err := mock.Call(context.Background(), nil, Params{})
	require.NoError(t, err)
	r2, err := mock.Call(context.Background(), nil, Params{})
	require.NoError(t, err)
	r3, err := mock.Call(context.Background(), nil, Params{})
	require.NoError(t, err)

	assert.Equal(t, "first", r1.Content)
	assert.Equal(t, "second", r2.Content)
	// Script exhausted: last response repeats.
	assert.Equal(t, "second", r3.Content)
	assert.Equal(t, 3, mock.Calls())
}
