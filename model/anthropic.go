package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"contractrag/types"
)

const (
	DefaultAnthropicURL   = "https://api.anthropic.com"
	DefaultAnthropicModel = "claude-3-5-sonnet-latest"
	anthropicVersion      = "2023-06-01"
	defaultMaxTokens      = 1024
)

// AnthropicGenerator talks to the /v1/messages endpoint.
type AnthropicGenerator struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
}

type messagesRequest struct {
	Model       string            `json:"model"`
	Messages    []messagesMessage `json:"messages"`
	MaxTokens   int               `json:"max_tokens"`
	System      string            `json:"system,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
}

type messagesMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *anthropicError `json:"error,omitempty"`
}

// streamEvent covers the SSE payloads we care about: content_block_delta,
// message_stop and error.
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *anthropicError `json:"error,omitempty"`
}

func NewAnthropicGenerator(baseURL, model, apiKey string) (*AnthropicGenerator, error) {
	if apiKey == "" {
		return nil, types.ConfigurationError("anthropic: API key is required")
	}
	if baseURL == "" {
		baseURL = DefaultAnthropicURL
	}
	if model == "" {
		model = DefaultAnthropicModel
	}
	return &AnthropicGenerator{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		apiKey:  apiKey,
		client:  http.DefaultClient,
	}, nil
}

func (g *AnthropicGenerator) ModelName() string { return g.model }

func (g *AnthropicGenerator) post(ctx context.Context, prompt string, opts GenerateOptions, stream bool) (*http.Response, error) {
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	system := opts.System
	if opts.JSON {
		system = strings.TrimSpace(system + "\nRespond with a single JSON object only.")
	}

	jsonBody, err := json.Marshal(messagesRequest{
		Model:       g.model,
		Messages:    []messagesMessage{{Role: "user", Content: prompt}},
		MaxTokens:   maxTokens,
		System:      system,
		Temperature: opts.Temperature,
		Stream:      stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", g.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, types.BackendUnavailable("anthropic", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		var apiResp messagesResponse
		if json.Unmarshal(body, &apiResp) == nil && apiResp.Error != nil {
			return nil, types.BackendUnavailable("anthropic",
				fmt.Errorf("status %d: %s: %s", resp.StatusCode, apiResp.Error.Type, apiResp.Error.Message))
		}
		return nil, types.BackendUnavailable("anthropic", fmt.Errorf("status %d: %s", resp.StatusCode, string(body)))
	}
	return resp, nil
}

func (g *AnthropicGenerator) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	resp, err := g.post(ctx, prompt, opts, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var apiResp messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return "", types.BackendUnavailable("anthropic", fmt.Errorf("decode response: %w", err))
	}
	if apiResp.Error != nil {
		return "", types.BackendUnavailable("anthropic", errors.New(apiResp.Error.Message))
	}

	var b strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

// Stream parses the server-sent event stream, yielding text deltas until
// message_stop.
func (g *AnthropicGenerator) Stream(ctx context.Context, prompt string, opts GenerateOptions) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		resp, err := g.post(ctx, prompt, opts, true)
		if err != nil {
			yield("", err)
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data:")
			if !ok {
				continue
			}
			var ev streamEvent
			if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &ev); err != nil {
				yield("", types.BackendUnavailable("anthropic", fmt.Errorf("decode event: %w", err)))
				return
			}

			switch ev.Type {
			case "content_block_delta":
				if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
					if !yield(ev.Delta.Text, nil) {
						return
					}
				}
			case "message_stop":
				return
			case "error":
				msg := "stream error"
				if ev.Error != nil {
					msg = ev.Error.Type + ": " + ev.Error.Message
				}
				yield("", types.BackendUnavailable("anthropic", errors.New(msg)))
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", types.BackendUnavailable("anthropic", err))
			return
		}
		yield("", types.BackendUnavailable("anthropic", io.ErrUnexpectedEOF))
	}
}
