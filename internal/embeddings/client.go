// Package embeddings generates vector embeddings through any
// OpenAI-compatible embeddings endpoint (OpenAI, OpenRouter, Ollama's
// /v1 API) and provides the similarity helpers used by memory search.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/nugget/mobo/internal/httpkit"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "text-embedding-3-small"

// Embedding requests are idempotent, so a refused connection is retried.
const (
	dialRetries    = 2
	dialRetryDelay = 250 * time.Millisecond
)

// Config for the embedding client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client generates embeddings.
type Client struct {
	api   openai.Client
	model string
}

// New creates an embedding client.
func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	opts := []option.RequestOption{
		option.WithHTTPClient(httpkit.NewClient(
			httpkit.WithTimeout(cfg.Timeout),
			httpkit.WithDialRetry(dialRetries, dialRetryDelay, cfg.Logger),
		)),
		option.WithMaxRetries(0),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{
		api:   openai.NewClient(opts...),
		model: cfg.Model,
	}
}

// Model returns the embedding model name.
func (c *Client) Model() string {
	return c.model
}

// Generate creates an embedding for text.
func (c *Client) Generate(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(c.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return nil, fmt.Errorf("embed with %s: %w", c.model, err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("embedding response contained no vectors")
	}
	return toFloat32(resp.Data[0].Embedding), nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

// CosineSimilarity computes cosine similarity between two vectors.
// Mismatched lengths and zero vectors score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}
