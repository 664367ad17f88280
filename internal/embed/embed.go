// Package embed provides the embedding provider used by duplicate detection.
package embed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultModel          = "text-embedding-3-small"
	DefaultRequestTimeout = 30 * time.Second
)

// Embedder computes one vector per input text, preserving input order.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	RequestTimeout time.Duration
}

// OpenAIEmbedder calls the OpenAI embeddings endpoint. The underlying client
// is constructed lazily on first use so an unused deduplication stage costs
// nothing at startup.
type OpenAIEmbedder struct {
	opts Options

	once   sync.Once
	client *openai.Client
}

func NewOpenAIEmbedder(opts Options) *OpenAIEmbedder {
	if strings.TrimSpace(opts.Model) == "" {
		opts.Model = DefaultModel
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	return &OpenAIEmbedder{opts: opts}
}

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if e == nil {
		return nil, fmt.Errorf("embedder is not initialized")
	}
	if len(texts) == 0 {
		return nil, nil
	}
	if strings.TrimSpace(e.opts.APIKey) == "" {
		return nil, fmt.Errorf("embedding provider is not configured")
	}

	requestCtx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()

	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.opts.Model),
	}
	resp, err := e.getClient().CreateEmbeddings(requestCtx, req)
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response count mismatch: requested=%d returned=%d", len(texts), len(resp.Data))
	}

	vectors := make([][]float32, len(texts))
	for _, row := range resp.Data {
		if row.Index < 0 || row.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding response index out of range: %d", row.Index)
		}
		vectors[row.Index] = row.Embedding
	}
	for i, vector := range vectors {
		if len(vector) == 0 {
			return nil, fmt.Errorf("embedding response missing vector for input %d", i)
		}
	}
	return vectors, nil
}

func (e *OpenAIEmbedder) getClient() *openai.Client {
	e.once.Do(func() {
		cfg := openai.DefaultConfig(e.opts.APIKey)
		if strings.TrimSpace(e.opts.BaseURL) != "" {
			cfg.BaseURL = e.opts.BaseURL
		}
		e.client = openai.NewClientWithConfig(cfg)
	})
	return e.client
}
