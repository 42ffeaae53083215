package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"contractrag/loader/chunker"
	"contractrag/model"
	"contractrag/prompts"
	"contractrag/types"
)

// InsufficientInformation is the answer given when retrieval finds nothing.
const InsufficientInformation = "I don't have enough information to answer this question."

const (
	citationLength   = 200
	answerMaxTokens  = 1000
	errStreamReused  = "answer stream already consumed"
	backendGenerator = "generator"
)

// Synthesizer turns retrieved chunks into a grounded answer.
type Synthesizer struct {
	gen     model.Generator
	prompts *prompts.Set
	// maxContextTokens limits the context block; 0 means no limit.
	maxContextTokens int
	logger           *slog.Logger
}

type SynthesizerOption func(*Synthesizer)

func WithMaxContextTokens(n int) SynthesizerOption {
	return func(s *Synthesizer) {
		s.maxContextTokens = n
	}
}

func NewSynthesizer(gen model.Generator, p *prompts.Set, opts ...SynthesizerOption) *Synthesizer {
	s := &Synthesizer{
		gen:     gen,
		prompts: p,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// fitContext keeps the best-ranked chunks that fit the token budget. The
// first chunk is always kept.
func (s *Synthesizer) fitContext(chunks []types.ScoredChunk) []types.ScoredChunk {
	if s.maxContextTokens <= 0 {
		return chunks
	}
	used := 0
	for i, c := range chunks {
		used += model.CountTokens(contextPart(c))
		if i > 0 && used > s.maxContextTokens {
			s.logger.Info("[CONTEXT] token budget reached", "budget", s.maxContextTokens, "chunks", i)
			return chunks[:i]
		}
	}
	return chunks
}

func contextPart(c types.ScoredChunk) string {
	return fmt.Sprintf("[Document: %s, Page %d]\n%s", c.Filename, c.PageNumber, c.Text)
}

// BuildContext renders chunks in rank order, best match first.
func BuildContext(chunks []types.ScoredChunk) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = contextPart(c)
	}
	return strings.Join(parts, "\n\n")
}

// Citations projects every chunk used in the prompt.
func Citations(chunks []types.ScoredChunk) []types.Citation {
	out := make([]types.Citation, len(chunks))
	for i, c := range chunks {
		out[i] = types.Citation{
			DocumentID: c.DocumentID,
			Page:       c.PageNumber,
			CharStart:  c.CharStart,
			CharEnd:    c.CharEnd,
			Text:       chunker.Truncate(c.Text, citationLength),
		}
	}
	return out
}

// Sources lists distinct filenames in first-seen order.
func Sources(chunks []types.ScoredChunk) []string {
	seen := make(map[string]struct{}, len(chunks))
	out := []string{}
	for _, c := range chunks {
		if _, ok := seen[c.Filename]; ok {
			continue
		}
		seen[c.Filename] = struct{}{}
		out = append(out, c.Filename)
	}
	return out
}

func (s *Synthesizer) prompt(question string, chunks []types.ScoredChunk) (string, error) {
	p, err := s.prompts.QA(question, BuildContext(chunks))
	if err != nil {
		return "", err
	}
	s.logger.Debug("[LLM] prompt built", "chunks", len(chunks), "symbols", len(p))
	return p, nil
}

func (s *Synthesizer) options() model.GenerateOptions {
	return model.GenerateOptions{
		System:    s.prompts.QASystem(),
		MaxTokens: answerMaxTokens,
	}
}

func insufficient() *types.Answer {
	return &types.Answer{
		Answer:    InsufficientInformation,
		Citations: []types.Citation{},
		Sources:   []string{},
	}
}

// Answer never calls the generator for an empty chunk list.
func (s *Synthesizer) Answer(ctx context.Context, question string, chunks []types.ScoredChunk) (*types.Answer, error) {
	if len(chunks) == 0 {
		return insufficient(), nil
	}
	chunks = s.fitContext(chunks)

	prompt, err := s.prompt(question, chunks)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	text, err := s.gen.Generate(ctx, prompt, s.options())
	if err != nil {
		if !errors.Is(err, types.ErrBackendUnavailable) {
			err = types.BackendUnavailable(backendGenerator, err)
		}
		return nil, err
	}
	s.logger.Info("[LLM] answer generated", "took", time.Since(start), "chunks", len(chunks))

	return &types.Answer{
		Answer:    strings.TrimSpace(text),
		Citations: Citations(chunks),
		Sources:   Sources(chunks),
	}, nil
}

// AnswerStream yields content deltas and ends either when generation
// finishes or after exactly one error event. The sequence can be ranged over
// once.
func (s *Synthesizer) AnswerStream(ctx context.Context, question string, chunks []types.ScoredChunk) iter.Seq[types.StreamEvent] {
	var used atomic.Bool
	return func(yield func(types.StreamEvent) bool) {
		if used.Swap(true) {
			yield(types.ErrorEvent(errStreamReused))
			return
		}
		if len(chunks) == 0 {
			yield(types.ContentEvent(InsufficientInformation))
			return
		}
		chunks := s.fitContext(chunks)

		prompt, err := s.prompt(question, chunks)
		if err != nil {
			yield(types.ErrorEvent(err.Error()))
			return
		}

		for text, err := range s.gen.Stream(ctx, prompt, s.options()) {
			if err != nil {
				s.logger.Error("[LLM] stream failed", "error", err)
				yield(types.ErrorEvent(err.Error()))
				return
			}
			if !yield(types.ContentEvent(text)) {
				return
			}
		}
	}
}
