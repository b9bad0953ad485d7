package trace

import "time"

// Session represents one client connection to the relay.
type Session struct {
	ID             string     `json:"id"`
	Model          string     `json:"model"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	UtteranceCount int        `json:"utterance_count"`
	SpanCount      int        `json:"span_count,omitempty"`
}

// Span records one notable step of a connection: an upstream open or close,
// an interruption, an error. Transcript text is never stored.
type Span struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Name       string    `json:"name"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs float64   `json:"duration_ms"`
	Status     string    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Span names.
const (
	SpanUpstreamOpen  = "upstream_open"
	SpanUpstreamClose = "upstream_close"
	SpanInterruption  = "interruption"
	SpanError         = "error"
)
