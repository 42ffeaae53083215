package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ssn 123-45-6789 here", "ssn [SSN] here"},
		{"card 4111111111111111", "card [CARD]"},
		{"mail jane.roe@example.com now", "mail [EMAIL] now"},
		{"call 555-123-4567", "call [PHONE]"},
		{"nothing to hide", "nothing to hide"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Redact(tt.in))
	}
}

func TestRedactHandler(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, Options{Level: "debug", Format: "json", RedactPII: true})

	log.With("owner", "jane@example.com").Info("[INGEST] uploaded by 123-45-6789",
		"phone", "555-123-4567",
		"count", 3,
		"error", errors.New("rejected jane@example.com"),
		slog.Group("req", "email", "bob@example.org"),
	)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "[INGEST] uploaded by [SSN]", rec["msg"])
	assert.Equal(t, "[EMAIL]", rec["owner"])
	assert.Equal(t, "[PHONE]", rec["phone"])
	assert.EqualValues(t, 3, rec["count"])
	assert.Equal(t, "rejected [EMAIL]", rec["error"])
	assert.Equal(t, map[string]any{"email": "[EMAIL]"}, rec["req"])
}

func TestNew_Level(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, Options{Level: "warn"})
	log.Info("hidden")
	assert.Empty(t, buf.String())
	log.Warn("shown", "mail", "a@b.io")
	assert.Contains(t, buf.String(), "a@b.io", "redaction is off")
}
