package types

import (
	"time"
)

// Page is one entry of a document's page offset table.
// CharStart and CharEnd are byte offsets into the full document text.
type Page struct {
	Number    int `json:"page_number"`
	CharStart int `json:"char_start"`
	CharEnd   int `json:"char_end"`
}

// PageAt returns the number of the first page whose [CharStart, CharEnd)
// contains offset, or 1 when no page does.
func PageAt(pages []Page, offset int) int {
	for _, p := range pages {
		if offset >= p.CharStart && offset < p.CharEnd {
			return p.Number
		}
	}
	return 1
}

type Document struct {
	ID        string // Уникальный идентификатор документа
	Filename  string // Имя исходного файла
	FilePath  string // Путь к сохраненному файлу
	MimeType  string
	FileSize  int64
	PageCount int
	Text      string            // Полный текст, фиксируется при загрузке
	Pages     []Page            // Таблица смещений страниц
	Metadata  map[string]string // Метаданные PDF (author, title, ...)
	CreatedAt time.Time         // Время создания
}

// Chunk is a page-traceable window of a document's text.
type Chunk struct {
	DocumentID string
	Index      int
	Text       string
	PageNumber int
	CharStart  int
	CharEnd    int
	Embedding  []float32
}

// ScoredChunk is a chunk returned by similarity search.
type ScoredChunk struct {
	Chunk
	Filename string
	Distance float64 // cosine distance, smaller is closer
	Rank     int     // 1-based
}

type Citation struct {
	DocumentID string `json:"document_id"`
	Page       int    `json:"page"`
	CharStart  int    `json:"char_start"`
	CharEnd    int    `json:"char_end"`
	Text       string `json:"text"`
}

type Answer struct {
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations"`
	Sources   []string   `json:"sources"`
}

// Query is a transient retrieval request. A nil DocumentIDs searches every
// document; a non-nil empty slice is rejected.
type Query struct {
	Question    string
	DocumentIDs []string
	TopK        int
}

type EventType string

const (
	EventContent EventType = "content"
	EventError   EventType = "error"
)

// StreamEvent is one element of a streamed answer.
type StreamEvent struct {
	Type    EventType `json:"type"`
	Text    string    `json:"text,omitempty"`
	Message string    `json:"message,omitempty"`
}

func ContentEvent(text string) StreamEvent {
	return StreamEvent{Type: EventContent, Text: text}
}

func ErrorEvent(msg string) StreamEvent {
	return StreamEvent{Type: EventError, Message: msg}
}

type Signatory struct {
	Name  string  `json:"name"`
	Title *string `json:"title,omitempty"`
}

type Money struct {
	Number   float64 `json:"number"`
	Currency string  `json:"currency"`
}

// Extraction holds the structured fields pulled out of a contract.
type Extraction struct {
	DocumentID      string      `json:"document_id"`
	Parties         []string    `json:"parties"`
	EffectiveDate   *string     `json:"effective_date"`
	Term            *string     `json:"term"`
	GoverningLaw    *string     `json:"governing_law"`
	PaymentTerms    *string     `json:"payment_terms"`
	Termination     *string     `json:"termination"`
	AutoRenewal     *string     `json:"auto_renewal"`
	Confidentiality *string     `json:"confidentiality"`
	Indemnity       *string     `json:"indemnity"`
	LiabilityCap    *Money      `json:"liability_cap"`
	Signatories     []Signatory `json:"signatories"`
	Method          string      `json:"method"` // llm, rules or llm+rules
	ExtractedAt     time.Time   `json:"extracted_at"`
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight is the contribution of a severity to the audit risk score.
func (s Severity) Weight() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 3
	case SeverityHigh:
		return 5
	case SeverityCritical:
		return 10
	}
	return 0
}

type Finding struct {
	RiskType        string   `json:"risk_type"`
	Severity        Severity `json:"severity"`
	Description     string   `json:"description"`
	Evidence        *string  `json:"evidence"`
	Page            *int     `json:"page,omitempty"`
	CharStart       *int     `json:"char_start,omitempty"`
	CharEnd         *int     `json:"char_end,omitempty"`
	Recommendations *string  `json:"recommendations,omitempty"`
	Source          string   `json:"source"` // rules or llm
}

type AuditReport struct {
	DocumentID string    `json:"document_id"`
	Findings   []Finding `json:"findings"`
	RiskScore  float64   `json:"risk_score"`
	Summary    string    `json:"summary"`
}

type WebhookSubscription struct {
	ID         int64     `json:"id"`
	URL        string    `json:"url"`
	EventTypes []string  `json:"event_types"`
	Active     bool      `json:"active"`
	Secret     string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// Subscribed reports whether the subscription wants the event.
func (w WebhookSubscription) Subscribed(event string) bool {
	if !w.Active {
		return false
	}
	for _, e := range w.EventTypes {
		if e == event {
			return true
		}
	}
	return false
}

type LoaderConfig struct {
	MonitoringTime time.Duration
	SourceDir      string
	ArchiveDir     string
	BadDir         string
}
