package model

import (
	"context"
	"iter"

	"contractrag/types"
)

// Generator is a text-completion backend. Stream yields text fragments in
// order; a non-nil error is always the last element. Stopping the iteration
// early closes the backend connection.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
	Stream(ctx context.Context, prompt string, opts GenerateOptions) iter.Seq2[string, error]
	ModelName() string
}

type GenerateOptions struct {
	System      string
	MaxTokens   int
	Temperature float64
	// JSON asks the backend for a JSON object when it supports it.
	JSON bool
}

type GeneratorConfig struct {
	Provider string // ollama or anthropic
	URL      string
	Model    string
	APIKey   string
}

// NewGenerator returns the backend named by cfg.Provider.
func NewGenerator(cfg GeneratorConfig) (Generator, error) {
	switch cfg.Provider {
	case "", "ollama":
		return NewOllamaGenerator(cfg.URL, cfg.Model), nil
	case "anthropic":
		g, err := NewAnthropicGenerator(cfg.URL, cfg.Model, cfg.APIKey)
		if err != nil {
			return nil, err
		}
		return g, nil
	}
	return nil, types.ConfigurationError("unknown LLM provider %q", cfg.Provider)
}
