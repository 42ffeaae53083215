package model

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"

	"contractrag/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedGenerator struct {
	outputs []string
	errs    []error
	prompts []string
}

func (g *scriptedGenerator) Generate(_ context.Context, prompt string, _ GenerateOptions) (string, error) {
	i := len(g.prompts)
	g.prompts = append(g.prompts, prompt)
	if i < len(g.errs) && g.errs[i] != nil {
		return "", g.errs[i]
	}
	if i < len(g.outputs) {
		return g.outputs[i], nil
	}
	return "", nil
}

func (g *scriptedGenerator) Stream(context.Context, string, GenerateOptions) iter.Seq2[string, error] {
	return func(func(string, error) bool) {}
}

func (g *scriptedGenerator) ModelName() string { return "scripted" }

type parties struct {
	Parties []string `json:"parties"`
}

func TestParse(t *testing.T) {
	t.Run("surrounded by prose", func(t *testing.T) {
		res := Parse[parties]("Sure! ```json\n{\"parties\":[\"Acme\",\"Beta\"]}\n``` hope this helps")
		require.True(t, res.Parsed())
		assert.Equal(t, []string{"Acme", "Beta"}, res.Value.Parties)
	})

	t.Run("no object", func(t *testing.T) {
		res := Parse[parties]("I cannot help with that")
		assert.False(t, res.Parsed())
		assert.ErrorIs(t, res.Err, types.ErrParse)
		assert.Equal(t, "I cannot help with that", res.Raw)
	})

	t.Run("broken json", func(t *testing.T) {
		res := Parse[parties](`{"parties": ["Acme",}`)
		assert.False(t, res.Parsed())
		assert.ErrorIs(t, res.Err, types.ErrParse)
	})
}

func TestGenerateJSON(t *testing.T) {
	retryBackoff = 0
	ctx := context.Background()

	t.Run("repairs on second attempt", func(t *testing.T) {
		gen := &scriptedGenerator{outputs: []string{`{"parties": [`, `{"parties":["Acme"]}`}}
		res, err := GenerateJSON[parties](ctx, gen, "extract", GenerateOptions{}, 3)
		require.NoError(t, err)
		require.True(t, res.Parsed())
		assert.Equal(t, []string{"Acme"}, res.Value.Parties)
		require.Len(t, gen.prompts, 2)
		assert.True(t, strings.Contains(gen.prompts[1], `{"parties": [`))
	})

	t.Run("unparsable after all attempts", func(t *testing.T) {
		gen := &scriptedGenerator{outputs: []string{"nope", "still nope"}}
		res, err := GenerateJSON[parties](ctx, gen, "extract", GenerateOptions{}, 2)
		require.NoError(t, err)
		assert.False(t, res.Parsed())
		assert.ErrorIs(t, res.Err, types.ErrParse)
		assert.Equal(t, "still nope", res.Raw)
	})

	t.Run("backend down", func(t *testing.T) {
		down := types.BackendUnavailable("test", errors.New("connection refused"))
		gen := &scriptedGenerator{errs: []error{down, down}}
		_, err := GenerateJSON[parties](ctx, gen, "extract", GenerateOptions{}, 2)
		assert.ErrorIs(t, err, types.ErrBackendUnavailable)
	})
}
