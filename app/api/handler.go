package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"contractrag/app/metrics"
	"contractrag/types"

	"github.com/gofiber/fiber/v2"
)

// Generation is slow; the HTTP layer bounds it so a stuck backend cannot hold
// a request forever.
const answerTimeout = 3 * time.Minute

// streamPingInterval is how often an idle SSE stream writes a comment frame,
// so a client that went away is noticed before the first token arrives.
const streamPingInterval = 15 * time.Second

// QA answers questions over the indexed documents.
type QA interface {
	Answer(ctx context.Context, q types.Query) (*types.Answer, error)
	AnswerStream(ctx context.Context, q types.Query) iter.Seq[types.StreamEvent]
}

type RequestHandler struct {
	qa      QA
	metrics *metrics.Metrics
	logger  *slog.Logger
	ping    time.Duration
}

func NewRequestHandler(qa QA, m *metrics.Metrics) *RequestHandler {
	return &RequestHandler{
		qa:      qa,
		metrics: m,
		logger:  slog.Default(),
		ping:    streamPingInterval,
	}
}

func (h *RequestHandler) HandleAsk(c *fiber.Ctx) error {
	var params types.AskParams
	if c.BodyParser(&params) != nil {
		return ErrBadRequest()
	}
	if params.TopK == 0 {
		params.TopK = types.DefaultTopK
	}
	if errors := types.Validate(&params); len(errors) > 0 {
		return NewValidationError(errors)
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), answerTimeout)
	defer cancel()

	start := time.Now()
	answer, err := h.qa.Answer(ctx, params.Query())
	if err != nil {
		return err
	}
	if h.metrics != nil {
		h.metrics.QuestionsAnswered.WithLabelValues("sync").Inc()
	}
	h.logger.Info("[SEARCH] question answered", "citations", len(answer.Citations), "took", time.Since(start))
	return c.JSON(answer)
}

// HandleStream answers over server-sent events, one JSON StreamEvent per
// "data:" frame. Errors after the stream has started arrive as an error
// event, not as an HTTP status.
func (h *RequestHandler) HandleStream(c *fiber.Ctx) error {
	params := types.StreamParams{TopK: types.DefaultTopK}
	if c.QueryParser(&params) != nil {
		return ErrBadRequest()
	}
	if errors := types.Validate(&params); len(errors) > 0 {
		return NewValidationError(errors)
	}
	q := params.Query()

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	// Writer выполняется после возврата из хендлера, контекст запроса к этому моменту уже недействителен
	ctx, cancel := context.WithTimeout(context.Background(), answerTimeout)
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		if h.metrics != nil {
			h.metrics.ActiveStreams.Inc()
			defer h.metrics.ActiveStreams.Dec()
			h.metrics.QuestionsAnswered.WithLabelValues("stream").Inc()
		}

		h.stream(ctx, w, q)
	})
	return nil
}

// stream copies answer events to w and pings while the backend is silent. A
// failed write cancels ctx, which closes the backend stream.
func (h *RequestHandler) stream(ctx context.Context, w *bufio.Writer, q types.Query) {
	ctx, cancel := context.WithCancel(ctx)
	events := make(chan types.StreamEvent)
	gone := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer close(events)
		for ev := range h.qa.AnswerStream(ctx, q) {
			select {
			case events <- ev:
			case <-gone:
				return
			}
		}
	}()
	defer func() {
		close(gone)
		cancel()
		<-finished
	}()

	ping := time.NewTicker(h.ping)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				h.logger.Debug("[SEARCH] stream client gone", "error", err)
				return
			}
		case <-ping.C:
			if err := writePing(w); err != nil {
				h.logger.Debug("[SEARCH] stream client gone while waiting", "error", err)
				return
			}
		}
	}
}

func writeEvent(w *bufio.Writer, ev types.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}

func writePing(w *bufio.Writer) error {
	if _, err := w.WriteString(": ping\n\n"); err != nil {
		return err
	}
	return w.Flush()
}
