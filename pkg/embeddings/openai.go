// Package embeddings provides vector embedders for the semantic
// memory store. The store works without one (keyword scoring); an
// embedder upgrades retrieval to cosine similarity.
package embeddings

import (
	"context"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
)

// EmbeddingClient is the subset of the OpenAI client the embedder
// needs (interface for testability).
type EmbeddingClient interface {
	CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// OpenAIConfig configures the OpenAI-compatible embedder.
type OpenAIConfig struct {
	APIKey string
	// BaseURL overrides the endpoint for OpenAI-compatible servers.
	BaseURL string
	// Model defaults to text-embedding-3-small.
	Model string
	// Timeout bounds each embedding call (default 15s).
	Timeout time.Duration
}

// OpenAIEmbedder computes embeddings through any OpenAI-compatible
// API. It satisfies the memory store's Embedder interface.
type OpenAIEmbedder struct {
	client  EmbeddingClient
	model   string
	timeout time.Duration
}

// NewOpenAIEmbedder creates an embedder with a default client.
func NewOpenAIEmbedder(cfg OpenAIConfig) *OpenAIEmbedder {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return NewOpenAIEmbedderWithClient(openai.NewClientWithConfig(clientCfg), cfg)
}

// NewOpenAIEmbedderWithClient creates an embedder with a custom client
// (useful for testing).
func NewOpenAIEmbedderWithClient(client EmbeddingClient, cfg OpenAIConfig) *OpenAIEmbedder {
	model := cfg.Model
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &OpenAIEmbedder{client: client, model: model, timeout: timeout}
}

// Embed returns the embedding vector for text.
func (e *OpenAIEmbedder) Embed(text string) ([]float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}

	vec := make([]float64, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float64(v)
	}
	return vec, nil
}
