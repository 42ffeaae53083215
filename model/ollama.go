package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"

	"contractrag/types"

	"golang.org/x/sync/errgroup"
)

const defaultEmbedConcurrency = 4

// OllamaEmbedder реализует создание эмбеддингов через Ollama
type OllamaEmbedder struct {
	apiURL      string
	model       string
	dimensions  int
	concurrency int
	client      *http.Client
}

type OllamaEmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type OllamaEmbeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

func NewOllamaEmbedder(apiURL, model string, dimensions, concurrency int) *OllamaEmbedder {
	if concurrency < 1 {
		concurrency = defaultEmbedConcurrency
	}
	return &OllamaEmbedder{
		apiURL:      apiURL,
		model:       model,
		dimensions:  dimensions,
		concurrency: concurrency,
		client:      http.DefaultClient,
	}
}

func (e *OllamaEmbedder) Dimensions() int   { return e.dimensions }
func (e *OllamaEmbedder) ModelName() string { return e.model }

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(OllamaEmbeddingRequest{
		Model:  e.model,
		Prompt: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, types.BackendUnavailable("ollama embeddings", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, types.BackendUnavailable("ollama embeddings",
			fmt.Errorf("status %d, body: %s", resp.StatusCode, string(body)))
	}

	var ollamaResp OllamaEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return nil, types.BackendUnavailable("ollama embeddings", fmt.Errorf("failed to decode response: %w", err))
	}
	if len(ollamaResp.Embedding) == 0 {
		return nil, types.BackendUnavailable("ollama embeddings", fmt.Errorf("empty embedding"))
	}

	norm := normalize64(ollamaResp.Embedding)

	// Конвертируем float64 в float32
	embedding := make([]float32, len(norm))
	for i, v := range norm {
		embedding[i] = float32(v)
	}
	return embedding, nil
}

// EmbedBatch embeds texts with bounded parallelism. The first failure
// cancels the remaining requests.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(ctx, text)
			if err != nil {
				return err
			}
			out[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// normalize64 приводит вектор к единичной длине
func normalize64(vec []float64) []float64 {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return vec // на случай пустого вектора
	}

	for i, x := range vec {
		vec[i] = x / norm
	}
	return vec
}
