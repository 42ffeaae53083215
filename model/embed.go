package model

import (
	"context"
	"log/slog"
)

// Embedder maps text to fixed-length vectors. EmbedBatch returns vectors in
// input order.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelName() string
}

type EmbedderConfig struct {
	URL         string
	Model       string
	Dimensions  int
	Concurrency int
}

// NewEmbedder builds the Ollama embedder and, when cache is non-nil, wraps
// it with the embedding cache.
func NewEmbedder(cfg EmbedderConfig, cache EmbeddingCache) Embedder {
	var e Embedder = NewOllamaEmbedder(cfg.URL, cfg.Model, cfg.Dimensions, cfg.Concurrency)
	slog.Info("[EMBEDDER] uses local Ollama for embeddings", "model", cfg.Model, "dimensions", cfg.Dimensions)
	if cache != nil {
		e = NewCachedEmbedder(e, cache)
	}
	return e
}
