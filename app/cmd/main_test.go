package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"contractrag/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--env", filepath.Join(t.TempDir(), "none.env")}, args...))
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestMigrate_SQLite(t *testing.T) {
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "rag.db"))
	t.Setenv("EMBEDDING_DIM", "8")

	out, _, err := run(t, "migrate")
	require.NoError(t, err)
	assert.Equal(t, "schema ready (sqlite, 8 dimensions)\n", out)
}

func TestIngest_ReportsFailures(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("UPLOAD_DIR", t.TempDir())

	_, errOut, err := run(t, "ingest", filepath.Join(t.TempDir(), "missing.pdf"))
	assert.EqualError(t, err, "1 of 1 files failed")
	assert.Contains(t, errOut, "missing.pdf")
}

func TestArgs(t *testing.T) {
	_, _, err := run(t, "ask")
	assert.Error(t, err)
	_, _, err = run(t, "ingest")
	assert.Error(t, err)
}

func TestInvalidConfig(t *testing.T) {
	t.Setenv("CHUNK_OVERLAP", "5000")
	_, _, err := run(t, "migrate")
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestPrintAnswer(t *testing.T) {
	var buf bytes.Buffer
	printAnswer(&buf, &types.Answer{
		Answer:    "Thirty days.",
		Citations: []types.Citation{{DocumentID: "doc-1", Page: 2, CharStart: 10, CharEnd: 40}},
		Sources:   []string{"msa.pdf"},
	})
	assert.Equal(t, "Thirty days.\n\nCitations:\n  [1] doc-1 p.2 (10-40)\nSources: msa.pdf\n", buf.String())

	buf.Reset()
	printAnswer(&buf, &types.Answer{Answer: "insufficient"})
	assert.Equal(t, "insufficient\n", buf.String())
}
