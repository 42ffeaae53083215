package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"contractrag/app/metrics"
	"contractrag/app/webhook"
	"contractrag/loader"
	"contractrag/loader/pdftest"
	"contractrag/store"
	"contractrag/types"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp() *fiber.App {
	return fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
}

func do(t *testing.T, app *fiber.App, req *http.Request) (int, []byte) {
	t.Helper()
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func jsonRequest(method, path string, body any) *http.Request {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return req
}

type fakeQA struct {
	answer *types.Answer
	err    error
	events []types.StreamEvent
	last   types.Query
}

func (f *fakeQA) Answer(_ context.Context, q types.Query) (*types.Answer, error) {
	f.last = q
	return f.answer, f.err
}

func (f *fakeQA) AnswerStream(_ context.Context, q types.Query) iter.Seq[types.StreamEvent] {
	f.last = q
	return func(yield func(types.StreamEvent) bool) {
		for _, ev := range f.events {
			if !yield(ev) {
				return
			}
		}
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(_ context.Context, event string, _ any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func TestErrorHandler(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{types.InvalidArgument("top_k"), fiber.StatusBadRequest},
		{types.DimensionMismatch(3, 4), fiber.StatusBadRequest},
		{types.ErrNotFound, fiber.StatusNotFound},
		{types.BackendUnavailable("ollama", errors.New("refused")), fiber.StatusBadGateway},
		{NewValidationError(map[string]string{"Question": "required"}), fiber.StatusUnprocessableEntity},
		{ErrNotFound("x", "document"), fiber.StatusNotFound},
		{fiber.ErrMethodNotAllowed, fiber.StatusMethodNotAllowed},
		{errors.New("boom"), fiber.StatusInternalServerError},
	}
	for _, tt := range tests {
		app := newApp()
		app.Get("/", func(*fiber.Ctx) error { return tt.err })
		code, body := do(t, app, httptest.NewRequest(fiber.MethodGet, "/", nil))
		assert.Equal(t, tt.code, code, tt.err.Error())
		assert.NotEmpty(t, body)
	}
}

func TestHandleAsk(t *testing.T) {
	qa := &fakeQA{answer: &types.Answer{
		Answer:    "Thirty days.",
		Citations: []types.Citation{{DocumentID: "doc-1", Page: 2, Text: "30 days"}},
		Sources:   []string{"msa.pdf"},
	}}
	m := metrics.New()
	app := newApp()
	app.Post("/ask", NewRequestHandler(qa, m).HandleAsk)

	code, body := do(t, app, jsonRequest(fiber.MethodPost, "/ask", map[string]any{"question": "Notice period?"}))
	require.Equal(t, fiber.StatusOK, code, string(body))
	var got types.Answer
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "Thirty days.", got.Answer)
	assert.Equal(t, types.DefaultTopK, qa.last.TopK)
	assert.Nil(t, qa.last.DocumentIDs)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QuestionsAnswered.WithLabelValues("sync")))

	code, _ = do(t, app, jsonRequest(fiber.MethodPost, "/ask", map[string]any{"question": "x", "document_ids": []string{"doc-1"}, "top_k": 3}))
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, []string{"doc-1"}, qa.last.DocumentIDs)
	assert.Equal(t, 3, qa.last.TopK)

	code, _ = do(t, app, jsonRequest(fiber.MethodPost, "/ask", map[string]any{"top_k": 3}))
	assert.Equal(t, fiber.StatusUnprocessableEntity, code)

	code, _ = do(t, app, jsonRequest(fiber.MethodPost, "/ask", map[string]any{"question": "x", "top_k": 50}))
	assert.Equal(t, fiber.StatusUnprocessableEntity, code)

	qa.err = types.BackendUnavailable("ollama", errors.New("refused"))
	code, _ = do(t, app, jsonRequest(fiber.MethodPost, "/ask", map[string]any{"question": "x"}))
	assert.Equal(t, fiber.StatusBadGateway, code)
}

func TestHandleStream(t *testing.T) {
	qa := &fakeQA{events: []types.StreamEvent{
		types.ContentEvent("Thirty "),
		types.ContentEvent("days."),
	}}
	m := metrics.New()
	app := newApp()
	app.Get("/ask/stream", NewRequestHandler(qa, m).HandleStream)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/ask/stream?question=Notice%3F&document_ids=a,%20b&top_k=2", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get(fiber.HeaderContentType))
	assert.Equal(t,
		"data: {\"type\":\"content\",\"text\":\"Thirty \"}\n\n"+
			"data: {\"type\":\"content\",\"text\":\"days.\"}\n\n",
		string(body))
	assert.Equal(t, types.Query{Question: "Notice?", DocumentIDs: []string{"a", "b"}, TopK: 2}, qa.last)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QuestionsAnswered.WithLabelValues("stream")))
	assert.Zero(t, testutil.ToFloat64(m.ActiveStreams))

	code, _ := do(t, app, httptest.NewRequest(fiber.MethodGet, "/ask/stream", nil))
	assert.Equal(t, fiber.StatusUnprocessableEntity, code)
}

// silentQA sends nothing until delay passes and records why it stopped.
type silentQA struct {
	delay    time.Duration
	canceled chan error
}

func (f *silentQA) Answer(context.Context, types.Query) (*types.Answer, error) {
	return nil, errors.New("not used")
}

func (f *silentQA) AnswerStream(ctx context.Context, _ types.Query) iter.Seq[types.StreamEvent] {
	return func(yield func(types.StreamEvent) bool) {
		select {
		case <-time.After(f.delay):
			yield(types.ContentEvent("done"))
		case <-ctx.Done():
			f.canceled <- ctx.Err()
		}
	}
}

type brokenConn struct{}

func (brokenConn) Write([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestHandleStream_PingsWhileBackendIsSilent(t *testing.T) {
	h := NewRequestHandler(&silentQA{delay: 200 * time.Millisecond}, nil)
	h.ping = 20 * time.Millisecond
	app := newApp()
	app.Get("/ask/stream", h.HandleStream)

	code, body := do(t, app, httptest.NewRequest(fiber.MethodGet, "/ask/stream?question=q", nil))
	assert.Equal(t, fiber.StatusOK, code)
	assert.True(t, strings.HasPrefix(string(body), ": ping\n\n"), string(body))
	assert.True(t, strings.HasSuffix(string(body), "data: {\"type\":\"content\",\"text\":\"done\"}\n\n"), string(body))
}

func TestHandleStream_ClientGoneCancelsBackend(t *testing.T) {
	qa := &silentQA{delay: time.Hour, canceled: make(chan error, 1)}
	h := NewRequestHandler(qa, nil)
	h.ping = 10 * time.Millisecond

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		h.stream(context.Background(), bufio.NewWriter(brokenConn{}), types.Query{Question: "q"})
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("stream kept running after the client was gone")
	}
	select {
	case err := <-qa.canceled:
		assert.ErrorIs(t, err, context.Canceled)
	default:
		t.Fatal("backend stream was not canceled")
	}
}

type fakeExtractor struct{ calls int }

func (f *fakeExtractor) Extract(_ context.Context, id, _ string) (*types.Extraction, error) {
	f.calls++
	law := "Delaware"
	return &types.Extraction{
		DocumentID:   id,
		Parties:      []string{"Acme Corp"},
		GoverningLaw: &law,
		Signatories:  []types.Signatory{},
		Method:       "rules",
	}, nil
}

type fakeAuditor struct{ useLLM bool }

func (f *fakeAuditor) Analyze(_ context.Context, doc types.Document, useLLM bool) (*types.AuditReport, error) {
	f.useLLM = useLLM
	return &types.AuditReport{
		DocumentID: doc.ID,
		Findings:   []types.Finding{{RiskType: "broad_indemnity", Severity: types.SeverityHigh, Source: "rules"}},
		RiskScore:  0.5,
		Summary:    "Risk Score: 0.5/10. Found 1 issues: 1 high.",
	}, nil
}

func contractApp(t *testing.T) (*fiber.App, *store.MemoryStore, *fakeExtractor, *fakeAuditor, *recordingNotifier, *metrics.Metrics) {
	t.Helper()
	st := store.NewMemoryStore(3)
	require.NoError(t, st.SaveDocument(context.Background(), types.Document{ID: "doc-1", Filename: "msa.pdf", Text: "contract text"}))
	ex, au, n, m := &fakeExtractor{}, &fakeAuditor{}, &recordingNotifier{}, metrics.New()
	h := NewContractHandler(st, ex, au, n, m)
	app := newApp()
	app.Post("/extract", h.HandleExtract)
	app.Post("/audit", h.HandleAudit)
	return app, st, ex, au, n, m
}

func TestHandleExtract(t *testing.T) {
	app, st, ex, _, n, m := contractApp(t)

	code, body := do(t, app, httptest.NewRequest(fiber.MethodPost, "/extract?document_id=doc-1", nil))
	require.Equal(t, fiber.StatusOK, code, string(body))
	var got types.Extraction
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, []string{"Acme Corp"}, got.Parties)
	require.NotNil(t, got.GoverningLaw)
	assert.Equal(t, "Delaware", *got.GoverningLaw)

	saved, err := st.GetExtraction(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "rules", saved.Method)
	assert.Equal(t, []string{webhook.EventExtractionComplete}, n.events)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExtractionsComplete.WithLabelValues("rules")))

	code, _ = do(t, app, httptest.NewRequest(fiber.MethodPost, "/extract?document_id=doc-1", nil))
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, 1, ex.calls, "stored extraction is reused")
	assert.Len(t, n.events, 1)

	code, _ = do(t, app, httptest.NewRequest(fiber.MethodPost, "/extract?document_id=missing", nil))
	assert.Equal(t, fiber.StatusNotFound, code)

	code, _ = do(t, app, httptest.NewRequest(fiber.MethodPost, "/extract", nil))
	assert.Equal(t, fiber.StatusUnprocessableEntity, code)
}

func TestHandleAudit(t *testing.T) {
	app, _, _, au, n, m := contractApp(t)

	code, body := do(t, app, httptest.NewRequest(fiber.MethodPost, "/audit?document_id=doc-1", nil))
	require.Equal(t, fiber.StatusOK, code, string(body))
	assert.True(t, au.useLLM, "model findings are on by default")
	var got types.AuditReport
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, 0.5, got.RiskScore)
	require.Len(t, got.Findings, 1)
	assert.Equal(t, []string{webhook.EventAuditComplete}, n.events)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditsComplete))

	code, _ = do(t, app, httptest.NewRequest(fiber.MethodPost, "/audit?document_id=doc-1&use_llm=false", nil))
	assert.Equal(t, fiber.StatusOK, code)
	assert.False(t, au.useLLM)

	code, _ = do(t, app, httptest.NewRequest(fiber.MethodPost, "/audit?document_id=missing", nil))
	assert.Equal(t, fiber.StatusNotFound, code)
}

func TestWebhookHandlers(t *testing.T) {
	st := store.NewMemoryStore(3)
	h := NewWebhookHandler(st)
	app := newApp()
	app.Post("/webhooks", h.HandleCreate)
	app.Get("/webhooks", h.HandleList)
	app.Delete("/webhooks/:id", h.HandleDelete)

	code, body := do(t, app, jsonRequest(fiber.MethodPost, "/webhooks", map[string]any{"url": "https://hooks.example.com/in"}))
	require.Equal(t, fiber.StatusCreated, code, string(body))
	var created struct {
		ID         int64    `json:"id"`
		EventTypes []string `json:"event_types"`
		Active     bool     `json:"active"`
		Secret     string   `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, types.DefaultWebhookEvents, created.EventTypes)
	assert.True(t, created.Active)
	assert.Len(t, created.Secret, 64)

	code, body = do(t, app, httptest.NewRequest(fiber.MethodGet, "/webhooks", nil))
	assert.Equal(t, fiber.StatusOK, code)
	assert.NotContains(t, string(body), created.Secret, "list never reveals secrets")
	assert.Contains(t, string(body), "hooks.example.com")

	code, _ = do(t, app, jsonRequest(fiber.MethodPost, "/webhooks", map[string]any{"url": "not a url"}))
	assert.Equal(t, fiber.StatusUnprocessableEntity, code)
	code, _ = do(t, app, jsonRequest(fiber.MethodPost, "/webhooks", map[string]any{"url": "https://x.example.com", "event_types": []string{"document.deleted"}}))
	assert.Equal(t, fiber.StatusUnprocessableEntity, code)

	code, _ = do(t, app, httptest.NewRequest(fiber.MethodDelete, "/webhooks/abc", nil))
	assert.Equal(t, fiber.StatusBadRequest, code)
	code, _ = do(t, app, httptest.NewRequest(fiber.MethodDelete, "/webhooks/1", nil))
	assert.Equal(t, fiber.StatusOK, code)
	code, _ = do(t, app, httptest.NewRequest(fiber.MethodDelete, "/webhooks/1", nil))
	assert.Equal(t, fiber.StatusNotFound, code)
}

type countingIndexer struct {
	mu   sync.Mutex
	ids  []string
	fail string
}

func (c *countingIndexer) IngestChunks(_ context.Context, id, text string, _ []types.Page) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
	if c.fail != "" && strings.Contains(text, c.fail) {
		return 0, types.BackendUnavailable("embedder", errors.New("down"))
	}
	return 2, nil
}

func multipartRequest(t *testing.T, path string, files map[string][]byte, order ...string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, name := range order {
		part, err := w.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write(files[name])
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	req := httptest.NewRequest(fiber.MethodPost, path, &buf)
	req.Header.Set(fiber.HeaderContentType, w.FormDataContentType())
	return req
}

func TestFileHandlers(t *testing.T) {
	st := store.NewMemoryStore(3)
	idx := &countingIndexer{fail: "EXPLODE"}
	ing, err := loader.NewIngestor(st, idx, nil, nil, loader.Options{UploadDir: filepath.Join(t.TempDir(), "uploads")})
	require.NoError(t, err)
	h := NewFileHandler(ing, st)
	app := newApp()
	app.Post("/ingest", h.HandleIngest)
	app.Delete("/documents/:id", h.HandleDelete)

	files := map[string][]byte{
		"msa.pdf":   pdftest.Minimal("MSA", "", "Master services agreement."),
		"nda.pdf":   pdftest.Minimal("NDA", "", "Mutual confidentiality."),
		"bad.pdf":   pdftest.Minimal("Bad", "", "EXPLODE"),
		"notes.txt": []byte("plain text"),
	}

	code, body := do(t, app, multipartRequest(t, "/ingest", files, "msa.pdf", "nda.pdf"))
	require.Equal(t, fiber.StatusOK, code, string(body))
	var got types.IngestResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, 2, got.TotalDocuments)
	assert.Equal(t, 4, got.TotalChunks)
	require.Len(t, got.DocumentIDs, 2)
	doc, err := st.GetDocument(context.Background(), got.DocumentIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "msa.pdf", doc.Filename)

	code, _ = do(t, app, multipartRequest(t, "/ingest", files, "msa.pdf", "notes.txt"))
	assert.Equal(t, fiber.StatusBadRequest, code)

	idx.ids = nil
	code, _ = do(t, app, multipartRequest(t, "/ingest", files, "nda.pdf", "bad.pdf"))
	assert.Equal(t, fiber.StatusBadGateway, code)
	require.Len(t, idx.ids, 2)
	for _, id := range idx.ids {
		_, err := st.GetDocument(context.Background(), id)
		assert.ErrorIs(t, err, types.ErrNotFound, "failed batch leaves nothing behind")
	}

	code, _ = do(t, app, multipartRequest(t, "/ingest", files))
	assert.Equal(t, fiber.StatusBadRequest, code)

	second, err := st.GetDocument(context.Background(), got.DocumentIDs[1])
	require.NoError(t, err)
	require.FileExists(t, second.FilePath)
	code, _ = do(t, app, httptest.NewRequest(fiber.MethodDelete, "/documents/"+second.ID, nil))
	assert.Equal(t, fiber.StatusOK, code)
	assert.NoFileExists(t, second.FilePath)
	code, _ = do(t, app, httptest.NewRequest(fiber.MethodDelete, "/documents/"+got.DocumentIDs[1], nil))
	assert.Equal(t, fiber.StatusNotFound, code)
}

func TestHandleHealthy(t *testing.T) {
	up := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name            string
		db, redis       PingFunc
		status, redisSt string
	}{
		{"all up", up, up, "healthy", "healthy"},
		{"no cache configured", up, nil, "healthy", "disabled"},
		{"redis down", up, down, "degraded", "unhealthy"},
		{"database down", down, up, "degraded", "healthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newApp()
			app.Get("/healthz", NewCheckHandler(tt.db, tt.redis).HandleHealthy)
			code, body := do(t, app, httptest.NewRequest(fiber.MethodGet, "/healthz", nil))
			require.Equal(t, fiber.StatusOK, code)
			var got types.HealthResponse
			require.NoError(t, json.Unmarshal(body, &got))
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, tt.redisSt, got.Redis)
			assert.Equal(t, Version, got.Version)
		})
	}
}
