package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"contractrag/app/metrics"
	"contractrag/store"
	"contractrag/types"
)

const (
	EventDocumentIngested   = "document.ingested"
	EventExtractionComplete = "extraction.complete"
	EventAuditComplete      = "audit.complete"

	SignatureHeader = "X-Webhook-Signature"
	EventHeader     = "X-Webhook-Event"

	deliveryTimeout = 10 * time.Second
)

// Events lists every event a subscription may ask for.
var Events = []string{EventDocumentIngested, EventExtractionComplete, EventAuditComplete}

// Envelope is the JSON body posted to subscribers.
type Envelope struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// GenerateSecret returns 32 random bytes, hex encoded.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Notifier delivers events to subscribers without waiting for them.
// Delivery is attempted once; failures are logged and counted.
type Notifier struct {
	store   store.WebhookStore
	client  *http.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
	wg      sync.WaitGroup
}

type Option func(*Notifier)

func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

func NewNotifier(s store.WebhookStore, opts ...Option) *Notifier {
	n := &Notifier{
		store:  s,
		client: &http.Client{Timeout: deliveryTimeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify looks up subscribers and posts the event to each in the
// background. It is called after the triggering change is committed.
func (n *Notifier) Notify(ctx context.Context, event string, data any) {
	subs, err := n.store.ListWebhooks(ctx)
	if err != nil {
		n.logger.Error("[WEBHOOK] list subscriptions failed", "event", event, "error", err)
		return
	}

	body, err := json.Marshal(Envelope{Event: event, Timestamp: time.Now().UTC(), Data: data})
	if err != nil {
		n.logger.Error("[WEBHOOK] encode payload failed", "event", event, "error", err)
		return
	}

	for _, sub := range subs {
		if !sub.Subscribed(event) {
			continue
		}
		n.wg.Add(1)
		go func(sub types.WebhookSubscription) {
			defer n.wg.Done()
			n.deliver(sub, event, body)
		}(sub)
	}
}

// Wait blocks until in-flight deliveries finish.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) deliver(sub types.WebhookSubscription, event string, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	outcome := "failed"
	defer func() {
		if n.metrics != nil {
			n.metrics.WebhooksSent.WithLabelValues(event, outcome).Inc()
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("[WEBHOOK] bad request", "id", sub.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, event)
	req.Header.Set(SignatureHeader, Sign(sub.Secret, body))

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("[WEBHOOK] delivery failed", "id", sub.ID, "url", sub.URL, "event", event, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.logger.Warn("[WEBHOOK] subscriber rejected event", "id", sub.ID, "url", sub.URL, "event", event, "status", resp.StatusCode)
		return
	}
	outcome = "delivered"
	n.logger.Info("[WEBHOOK] event delivered", "id", sub.ID, "event", event)
}
