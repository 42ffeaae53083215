package model

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"contractrag/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func embeddingServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req OllamaEmbeddingRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Prompt == "fail" {
			http.Error(w, "model not loaded", http.StatusInternalServerError)
			return
		}
		l := float64(len(req.Prompt))
		json.NewEncoder(w).Encode(OllamaEmbeddingResponse{Embedding: []float64{l, l, 0}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaEmbedder_Embed(t *testing.T) {
	srv := embeddingServer(t)
	e := NewOllamaEmbedder(srv.URL, "all-minilm", 3, 2)

	vec, err := e.Embed(context.Background(), "contract")
	require.NoError(t, err)
	require.Len(t, vec, 3)

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-6)
	assert.Equal(t, 3, e.Dimensions())
	assert.Equal(t, "all-minilm", e.ModelName())
}

func TestOllamaEmbedder_BackendError(t *testing.T) {
	srv := embeddingServer(t)
	e := NewOllamaEmbedder(srv.URL, "all-minilm", 3, 2)

	_, err := e.Embed(context.Background(), "fail")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrBackendUnavailable)

	_, err = e.EmbedBatch(context.Background(), []string{"a", "fail", "b"})
	assert.ErrorIs(t, err, types.ErrBackendUnavailable)
}

func TestOllamaEmbedder_EmbedBatchKeepsOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req OllamaEmbeddingRequest
		json.NewDecoder(r.Body).Decode(&req)
		var n float64
		fmt.Sscanf(req.Prompt, "text-%g", &n)
		json.NewEncoder(w).Encode(OllamaEmbeddingResponse{Embedding: []float64{n, 1}})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(srv.URL, "m", 2, 3)
	texts := make([]string, 10)
	for i := range texts {
		texts[i] = fmt.Sprintf("text-%d", i)
	}
	vecs, err := e.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	for i := 1; i < len(vecs); i++ {
		// the first component grows with i once normalised
		assert.Greater(t, vecs[i][0], vecs[i-1][0])
	}
}

func TestOllamaGenerator_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req GenerateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, "json", req.Format)
		assert.Equal(t, "be brief", req.System)
		json.NewEncoder(w).Encode(GenerateResponse{Response: `{"ok":true}`, Done: true})
	}))
	defer srv.Close()

	g := NewOllamaGenerator(srv.URL, "llama3")
	out, err := g.Generate(context.Background(), "hi", GenerateOptions{System: "be brief", JSON: true})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
}

func TestOllamaGenerator_Stream(t *testing.T) {
	t.Run("complete", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			enc := json.NewEncoder(w)
			for _, s := range []string{"The ", "term ", "is ", "two years."} {
				enc.Encode(GenerateResponse{Response: s})
			}
			enc.Encode(GenerateResponse{Done: true})
		}))
		defer srv.Close()

		var parts []string
		for text, err := range NewOllamaGenerator(srv.URL, "m").Stream(context.Background(), "q", GenerateOptions{}) {
			require.NoError(t, err)
			parts = append(parts, text)
		}
		assert.Equal(t, "The term is two years.", strings.Join(parts, ""))
	})

	t.Run("fails mid stream", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			enc := json.NewEncoder(w)
			for _, s := range []string{"a", "b", "c"} {
				enc.Encode(GenerateResponse{Response: s})
			}
			// body ends without done
		}))
		defer srv.Close()

		var texts []string
		var errs []error
		for text, err := range NewOllamaGenerator(srv.URL, "m").Stream(context.Background(), "q", GenerateOptions{}) {
			if err != nil {
				errs = append(errs, err)
				continue
			}
			texts = append(texts, text)
		}
		assert.Equal(t, []string{"a", "b", "c"}, texts)
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], types.ErrBackendUnavailable)
	})

	t.Run("error message", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(GenerateResponse{Error: "out of memory"})
		}))
		defer srv.Close()

		var errs []error
		for _, err := range NewOllamaGenerator(srv.URL, "m").Stream(context.Background(), "q", GenerateOptions{}) {
			errs = append(errs, err)
		}
		require.Len(t, errs, 1)
		assert.ErrorContains(t, errs[0], "out of memory")
	})

	t.Run("consumer stops early", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			enc := json.NewEncoder(w)
			for i := 0; i < 100; i++ {
				enc.Encode(GenerateResponse{Response: "x"})
			}
			enc.Encode(GenerateResponse{Done: true})
		}))
		defer srv.Close()

		n := 0
		for range NewOllamaGenerator(srv.URL, "m").Stream(context.Background(), "q", GenerateOptions{}) {
			n++
			if n == 2 {
				break
			}
		}
		assert.Equal(t, 2, n)
	})
}

func TestNewGenerator(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{Provider: "ollama", URL: "http://localhost", Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "m", g.ModelName())

	_, err = NewGenerator(GeneratorConfig{Provider: "anthropic"})
	assert.ErrorIs(t, err, types.ErrConfiguration)

	_, err = NewGenerator(GeneratorConfig{Provider: "gpt"})
	assert.ErrorIs(t, err, types.ErrConfiguration)
}
