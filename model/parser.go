package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"contractrag/types"
)

// retryBackoff is multiplied by the attempt number between retries.
var retryBackoff = 300 * time.Millisecond

// ParseResult is either Parsed (Err == nil, Value set) or Unparsable (Err
// wraps types.ErrParse and Raw holds the model output).
type ParseResult[T any] struct {
	Value T
	Raw   string
	Err   error
}

func (r ParseResult[T]) Parsed() bool { return r.Err == nil }

// Parse pulls the outermost JSON object out of free model text and decodes it.
func Parse[T any](raw string) ParseResult[T] {
	res := ParseResult[T]{Raw: raw}
	obj, err := extractJSON(raw)
	if err != nil {
		res.Err = err
		return res
	}
	if err := json.Unmarshal([]byte(obj), &res.Value); err != nil {
		res.Err = fmt.Errorf("%w: %v", types.ErrParse, err)
	}
	return res
}

// GenerateJSON asks gen for a JSON object, re-prompting with the broken
// output up to maxAttempts times. The returned error is non-nil only when the
// backend itself failed on every attempt; unparsable output is reported
// through the result.
func GenerateJSON[T any](ctx context.Context, gen Generator, prompt string, opts GenerateOptions, maxAttempts int) (ParseResult[T], error) {
	opts.JSON = true
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var (
		last    ParseResult[T]
		lastErr error
		raw     string
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return last, ctx.Err()
			case <-time.After(time.Duration(attempt-1) * retryBackoff):
			}
		}

		p := prompt
		if attempt > 1 && raw != "" {
			p = buildRepairPrompt(raw)
		}

		out, err := gen.Generate(ctx, p, opts)
		if err != nil {
			slog.Warn("[LLM] structured generation failed", "attempt", attempt, "error", err)
			lastErr = err
			continue
		}
		raw = out
		lastErr = nil

		last = Parse[T](out)
		if last.Parsed() {
			return last, nil
		}
		slog.Warn("[LLM] unparsable structured output", "attempt", attempt, "error", last.Err)
	}

	if lastErr != nil && raw == "" {
		return last, lastErr
	}
	if last.Err == nil {
		last = ParseResult[T]{Raw: raw, Err: fmt.Errorf("%w: no output", types.ErrParse)}
	}
	return last, nil
}

func extractJSON(s string) (string, error) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")

	if start == -1 || end == -1 || end <= start {
		return s, fmt.Errorf("%w: %w", types.ErrParse, errors.New("no valid json found"))
	}

	return s[start : end+1], nil
}

func buildRepairPrompt(badOutput string) string {
	return fmt.Sprintf(`
You previously returned an invalid JSON.

Your task is to FIX the JSON.

RULES:
- Output ONLY valid JSON
- Do NOT add or remove information
- Do NOT add explanations
- Do NOT include markdown
- Do NOT include text outside JSON

INVALID OUTPUT:
<<<
%s
>>>

Return the corrected JSON only.
`, badOutput)
}
