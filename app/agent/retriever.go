package agent

import (
	"context"
	"fmt"

	"contractrag/model"
	"contractrag/store"
	"contractrag/types"
)

// Retriever embeds a question and looks up the closest chunks.
type Retriever struct {
	embedder model.Embedder
	chunks   store.ChunkStore
}

func NewRetriever(embedder model.Embedder, chunks store.ChunkStore) *Retriever {
	return &Retriever{
		embedder: embedder,
		chunks:   chunks,
	}
}

// ClampTopK bounds k to [MinTopK, MaxTopK].
func ClampTopK(k int) int {
	return min(max(k, types.MinTopK), types.MaxTopK)
}

// Retrieve returns chunks in rank order. A nil filter searches every
// document; an empty non-nil filter is rejected.
func (r *Retriever) Retrieve(ctx context.Context, question string, filter []string, topK int) ([]types.ScoredChunk, error) {
	if filter != nil && len(filter) == 0 {
		return nil, types.InvalidArgument("document filter is empty")
	}

	vec, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}

	chunks, err := r.chunks.Nearest(ctx, vec, ClampTopK(topK), filter)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	return chunks, nil
}
