package protocol

import "time"

// ChatRequest is the inbound body of both chat endpoints.
type ChatRequest struct {
	Query string `json:"query"`
}

// ErrorResponse is written for every failure reported before audio starts.
type ErrorResponse struct {
	Error string `json:"error"`
}

// TextResponse is the body of the text-only endpoint.
type TextResponse struct {
	Text string `json:"text"`
}

// ExchangeEvent summarizes one finished exchange for the journal and the bus.
type ExchangeEvent struct {
	ExchangeID       string    `json:"exchange_id"`
	Route            string    `json:"route"`
	Query            string    `json:"query"`
	Reply            string    `json:"reply,omitempty"`
	Model            string    `json:"model,omitempty"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	State            string    `json:"state"`
	FailedStage      string    `json:"failed_stage,omitempty"`
	Status           int       `json:"status"`
	Error            string    `json:"error,omitempty"`
	AudioBytes       int64     `json:"audio_bytes"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}

const (
	HeaderResponseText = "X-AI-Response-Text"
	HeaderExchangeID   = "X-Exchange-ID"

	ContentTypeAudio = "audio/mpeg"
	ContentTypeJSON  = "application/json"

	RouteChat        = "/api/chat"
	RouteProcessText = "/api/process-text"
	RouteExchanges   = "/debug/exchanges"

	SubjectSuffixCompleted = "completed"
	SubjectSuffixFailed    = "failed"
)
