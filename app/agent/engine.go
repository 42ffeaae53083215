package agent

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync/atomic"

	"contractrag/loader/chunker"
	"contractrag/model"
	"contractrag/store"
	"contractrag/types"
)

// Engine is the RAG core: chunk and index documents, answer questions.
type Engine struct {
	chunker   *chunker.Chunker
	embedder  model.Embedder
	chunks    store.ChunkStore
	retriever *Retriever
	synth     *Synthesizer
	logger    *slog.Logger
}

func NewEngine(c *chunker.Chunker, embedder model.Embedder, chunks store.ChunkStore, synth *Synthesizer) (*Engine, error) {
	if embedder.Dimensions() != chunks.Dimension() {
		return nil, types.ConfigurationError("embedder produces %d dimensions, store expects %d",
			embedder.Dimensions(), chunks.Dimension())
	}
	return &Engine{
		chunker:   c,
		embedder:  embedder,
		chunks:    chunks,
		retriever: NewRetriever(embedder, chunks),
		synth:     synth,
		logger:    slog.Default(),
	}, nil
}

// IngestChunks chunks fullText, embeds every chunk in one batch and replaces
// the document's chunk set. It returns the number of chunks stored.
func (e *Engine) IngestChunks(ctx context.Context, documentID, fullText string, pages []types.Page) (int, error) {
	chunks := e.chunker.Chunk(documentID, fullText, pages)

	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		vecs, err := e.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("embed chunks of %s: %w", documentID, err)
		}
		if len(vecs) != len(chunks) {
			return 0, types.BackendUnavailable("embedder", fmt.Errorf("got %d vectors for %d chunks", len(vecs), len(chunks)))
		}
		for i := range chunks {
			chunks[i].Embedding = vecs[i]
		}
	}

	if err := e.chunks.UpsertChunks(ctx, documentID, chunks); err != nil {
		return 0, fmt.Errorf("store chunks of %s: %w", documentID, err)
	}
	e.logger.Info("[INGEST] document indexed", "document_id", documentID, "chunks", len(chunks))
	return len(chunks), nil
}

func checkQuery(q types.Query) error {
	if strings.TrimSpace(q.Question) == "" {
		return types.InvalidArgument("question is empty")
	}
	return nil
}

// Retrieve exposes the retrieval step on its own.
func (e *Engine) Retrieve(ctx context.Context, q types.Query) ([]types.ScoredChunk, error) {
	if err := checkQuery(q); err != nil {
		return nil, err
	}
	return e.retriever.Retrieve(ctx, q.Question, q.DocumentIDs, q.TopK)
}

// Answer propagates retrieval failures; only a genuinely empty retrieval
// produces the insufficient-information answer.
func (e *Engine) Answer(ctx context.Context, q types.Query) (*types.Answer, error) {
	chunks, err := e.Retrieve(ctx, q)
	if err != nil {
		return nil, err
	}
	return e.synth.Answer(ctx, q.Question, chunks)
}

// AnswerStream reports retrieval failures as a single error event. Like the
// synthesizer stream it can be ranged over once.
func (e *Engine) AnswerStream(ctx context.Context, q types.Query) iter.Seq[types.StreamEvent] {
	var used atomic.Bool
	return func(yield func(types.StreamEvent) bool) {
		if used.Swap(true) {
			yield(types.ErrorEvent(errStreamReused))
			return
		}
		chunks, err := e.Retrieve(ctx, q)
		if err != nil {
			e.logger.Error("[SEARCH] retrieval failed", "error", err)
			yield(types.ErrorEvent(err.Error()))
			return
		}
		for ev := range e.synth.AnswerStream(ctx, q.Question, chunks) {
			if !yield(ev) {
				return
			}
		}
	}
}
