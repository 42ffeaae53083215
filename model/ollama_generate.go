package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"contractrag/types"
)

type OllamaGenerator struct {
	url    string
	model  string
	client *http.Client
}

type GenerateRequest struct {
	Model   string         `json:"model"`
	System  string         `json:"system,omitempty"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type GenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

func NewOllamaGenerator(url, model string) *OllamaGenerator {
	return &OllamaGenerator{
		url:    url,
		model:  model,
		client: http.DefaultClient,
	}
}

func (g *OllamaGenerator) ModelName() string { return g.model }

func (g *OllamaGenerator) post(ctx context.Context, prompt string, opts GenerateOptions, stream bool) (*http.Response, error) {
	req := GenerateRequest{
		Model:  g.model,
		System: opts.System,
		Prompt: prompt,
		Stream: stream,
	}
	if opts.JSON {
		req.Format = "json"
	}
	options := map[string]any{}
	if opts.Temperature > 0 {
		options["temperature"] = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	if len(options) > 0 {
		req.Options = options
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, types.BackendUnavailable("ollama generate", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, types.BackendUnavailable("ollama generate",
			fmt.Errorf("status %d, body: %s", resp.StatusCode, string(body)))
	}
	return resp, nil
}

func (g *OllamaGenerator) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	start := time.Now()
	defer func() {
		slog.Debug("[LLM] answer generated", "model", g.model, "took", time.Since(start))
	}()

	resp, err := g.post(ctx, prompt, opts, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var genResp GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", types.BackendUnavailable("ollama generate", fmt.Errorf("decode response: %w", err))
	}
	if genResp.Error != "" {
		return "", types.BackendUnavailable("ollama generate", errors.New(genResp.Error))
	}
	return genResp.Response, nil
}

// Stream reads Ollama's NDJSON stream. A body that ends before a done
// message counts as a backend failure.
func (g *OllamaGenerator) Stream(ctx context.Context, prompt string, opts GenerateOptions) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		resp, err := g.post(ctx, prompt, opts, true)
		if err != nil {
			yield("", err)
			return
		}
		defer resp.Body.Close()

		decoder := json.NewDecoder(resp.Body)
		for {
			var chunk GenerateResponse
			if err := decoder.Decode(&chunk); err == io.EOF {
				yield("", types.BackendUnavailable("ollama generate", io.ErrUnexpectedEOF))
				return
			} else if err != nil {
				yield("", types.BackendUnavailable("ollama generate", fmt.Errorf("decode response: %w", err)))
				return
			}

			if chunk.Error != "" {
				yield("", types.BackendUnavailable("ollama generate", errors.New(chunk.Error)))
				return
			}
			if chunk.Response != "" {
				if !yield(chunk.Response, nil) {
					return
				}
			}
			if chunk.Done {
				return
			}
		}
	}
}
