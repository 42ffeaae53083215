package types

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultTopK = 5
	MinTopK     = 1
	MaxTopK     = 20
)

var validate = validator.New()

type Validater interface {
	Validate() map[string]string
}

type AskParams struct {
	Question    string   `json:"question" query:"question" validate:"required"`
	DocumentIDs []string `json:"document_ids" validate:"omitempty,dive,required"`
	TopK        int      `json:"top_k" query:"top_k" validate:"min=1,max=20"`
}

// StreamParams is the query-string form of AskParams used by the SSE endpoint.
type StreamParams struct {
	Question    string `query:"question" validate:"required"`
	DocumentIDs string `query:"document_ids"`
	TopK        int    `query:"top_k" validate:"min=1,max=20"`
}

type DocumentParams struct {
	DocumentID string `query:"document_id" validate:"required"`
}

// AuditParams enables model findings unless use_llm=false is passed.
type AuditParams struct {
	DocumentID string `query:"document_id" validate:"required"`
	UseLLM     *bool  `query:"use_llm"`
}

func (params *AuditParams) LLM() bool {
	return params.UseLLM == nil || *params.UseLLM
}

// DefaultWebhookEvents is used when a subscription names no event types.
var DefaultWebhookEvents = []string{"extraction.complete", "audit.complete"}

type WebhookParams struct {
	URL        string   `json:"url" validate:"required,url"`
	EventTypes []string `json:"event_types" validate:"omitempty,dive,oneof=document.ingested extraction.complete audit.complete"`
	Secret     string   `json:"secret"`
}

func Validate(v Validater) map[string]string {
	return v.Validate()
}

func validateStruct(s any) map[string]string {
	if err := validate.Struct(s); err != nil {
		errs, ok := err.(validator.ValidationErrors)
		if !ok {
			return map[string]string{"request": err.Error()}
		}
		errors := make(map[string]string)
		for _, e := range errs {
			errors[e.Field()] = fmt.Sprintf("failed on '%s' tag", e.Tag())
		}
		return errors
	}
	return nil
}

func (params *AskParams) Validate() map[string]string {
	return validateStruct(params)
}

func (params *StreamParams) Validate() map[string]string {
	return validateStruct(params)
}

func (params *DocumentParams) Validate() map[string]string {
	return validateStruct(params)
}

func (params *AuditParams) Validate() map[string]string {
	return validateStruct(params)
}

func (params *WebhookParams) Validate() map[string]string {
	return validateStruct(params)
}

func (params *AskParams) Query() Query {
	return Query{
		Question:    params.Question,
		DocumentIDs: params.DocumentIDs,
		TopK:        params.TopK,
	}
}

// Query splits the comma separated document id list; an absent list means
// no filter.
func (params *StreamParams) Query() Query {
	var ids []string
	if params.DocumentIDs != "" {
		for _, id := range strings.Split(params.DocumentIDs, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		if ids == nil {
			ids = []string{}
		}
	}
	return Query{
		Question:    params.Question,
		DocumentIDs: ids,
		TopK:        params.TopK,
	}
}

type IngestResponse struct {
	DocumentIDs    []string `json:"document_ids"`
	Message        string   `json:"message"`
	TotalDocuments int      `json:"total_documents"`
	TotalChunks    int      `json:"total_chunks"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
	Database  string `json:"database"`
	Redis     string `json:"redis"`
}
