package trace

import (
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const maxDetailLen = 500

// sink is the write side of Store.
type sink interface {
	CreateSession(id, model string, startedAt time.Time) error
	EndSession(id string, endedAt time.Time, utterances int) error
	CreateSpan(sp Span) error
}

type traceMsg struct {
	kind string // "session_create", "session_end", "span"
	// session fields
	model      string
	at         time.Time
	utterances int
	// span fields
	span Span
}

// Tracer writes trace data for one connection asynchronously via a buffered
// channel. All methods are nil-safe (no-op on nil receiver).
type Tracer struct {
	store     sink
	sessionID string
	ch        chan traceMsg
	done      chan struct{}
}

// NewTracer creates a tracer bound to a connection and records its start.
// Must call Close when done.
func NewTracer(store sink, sessionID, model string) *Tracer {
	if store == nil {
		return nil
	}
	t := &Tracer{
		store:     store,
		sessionID: sessionID,
		ch:        make(chan traceMsg, 64),
		done:      make(chan struct{}),
	}
	go t.drain()
	t.ch <- traceMsg{kind: "session_create", model: model, at: time.Now()}
	return t
}

func (t *Tracer) drain() {
	defer close(t.done)
	for msg := range t.ch {
		t.handle(msg)
	}
}

func (t *Tracer) handle(m traceMsg) {
	handlers := map[string]func() error{
		"session_create": func() error { return t.store.CreateSession(t.sessionID, m.model, m.at) },
		"session_end":    func() error { return t.store.EndSession(t.sessionID, m.at, m.utterances) },
		"span":           func() error { return t.store.CreateSpan(m.span) },
	}
	fn, ok := handlers[m.kind]
	if !ok {
		return
	}
	if err := fn(); err != nil {
		slog.Warn("trace write failed", "kind", m.kind, "session_id", t.sessionID, "error", err)
	}
}

// RecordSpan records a completed span. errMsg marks the span failed.
func (t *Tracer) RecordSpan(name string, startedAt time.Time, duration time.Duration, detail, errMsg string) {
	if t == nil {
		return
	}
	status := "ok"
	if errMsg != "" {
		status = "error"
	}
	t.ch <- traceMsg{
		kind: "span",
		span: Span{
			ID:         uuid.NewString(),
			SessionID:  t.sessionID,
			Name:       name,
			StartedAt:  startedAt,
			DurationMs: float64(duration.Microseconds()) / 1000,
			Status:     status,
			Detail:     truncate(detail, maxDetailLen),
			Error:      truncate(errMsg, maxDetailLen),
		},
	}
}

// End records the connection's end and its final utterance count.
func (t *Tracer) End(utterances int) {
	if t == nil {
		return
	}
	t.ch <- traceMsg{kind: "session_end", at: time.Now(), utterances: utterances}
}

// Close drains pending writes and shuts down the background goroutine.
func (t *Tracer) Close() {
	if t == nil {
		return
	}
	close(t.ch)
	<-t.done
}

// truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
