// Package transcript assembles streamed transcription deltas into committed utterances.
package transcript

import (
	"strings"
	"time"

	"github.com/hubenschmidt/roleplay-relay/internal/upstream"
)

// Role identifies the speaker of an utterance.
type Role string

const (
	RoleTrainee  Role = "trainee"
	RoleCustomer Role = "customer"
)

// InterruptionMarker is appended to customer speech that was cut off.
const InterruptionMarker = "（被打断）"

// Utterance is one committed, immutable span of speech.
type Utterance struct {
	Role        Role      `json:"role"`
	Text        string    `json:"text"`
	Interrupted bool      `json:"interrupted,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithClock sets the time source for utterance timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// WithCommitHook is called synchronously for every committed utterance.
func WithCommitHook(fn func(Utterance)) Option {
	return func(a *Assembler) { a.onCommit = fn }
}

// WithInterruptHook is called synchronously whenever the provider signals
// an interruption, before the customer buffer is flushed.
func WithInterruptHook(fn func()) Option {
	return func(a *Assembler) { a.onInterrupt = fn }
}

// Assembler keeps one running buffer per role and the ordered history of
// committed utterances. It is not safe for concurrent use: the relay's
// per-connection event loop is its only writer.
type Assembler struct {
	now         func() time.Time
	onCommit    func(Utterance)
	onInterrupt func()

	trainee  strings.Builder
	customer strings.Builder

	history []Utterance
	last    time.Time
	closed  bool
}

// New creates an empty assembler.
func New(opts ...Option) *Assembler {
	a := &Assembler{now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply feeds one provider message, in sub-event order, and returns the
// utterances it committed.
func (a *Assembler) Apply(msg *upstream.Message) []Utterance {
	if msg == nil {
		return nil
	}
	before := len(a.history)

	a.AppendTrainee(msg.InputTranscript)
	a.AppendCustomer(msg.OutputTranscript)
	if msg.TurnComplete {
		a.CompleteTurn()
	}
	if msg.Interrupted {
		a.Interrupt()
	}
	return a.since(before)
}

// AppendTrainee adds a trainee transcription delta.
func (a *Assembler) AppendTrainee(delta string) {
	if a.closed || delta == "" {
		return
	}
	a.trainee.WriteString(delta)
}

// AppendCustomer adds a simulated-customer transcription delta.
func (a *Assembler) AppendCustomer(delta string) {
	if a.closed || delta == "" {
		return
	}
	a.customer.WriteString(delta)
}

// CompleteTurn commits both buffers (trainee first) and clears them.
// Blank buffers are cleared without producing an utterance.
func (a *Assembler) CompleteTurn() {
	if a.closed {
		return
	}
	a.flush(&a.trainee, RoleTrainee, false)
	a.flush(&a.customer, RoleCustomer, false)
}

// Interrupt fires the interrupt hook and commits the customer buffer with
// the interruption marker. The trainee buffer is untouched.
func (a *Assembler) Interrupt() {
	if a.closed {
		return
	}
	if a.onInterrupt != nil {
		a.onInterrupt()
	}
	a.flush(&a.customer, RoleCustomer, true)
}

// Flush commits whatever both buffers hold without closing the assembler.
// Used when an upstream session ends but the client connection stays.
func (a *Assembler) Flush() []Utterance {
	before := len(a.history)
	a.CompleteTurn()
	return a.since(before)
}

// Close flushes pending speech exactly once and returns the final history.
// Later calls return the same history without committing anything.
func (a *Assembler) Close() []Utterance {
	if !a.closed {
		a.CompleteTurn()
		a.closed = true
	}
	return a.History()
}

// History returns a copy of the committed utterances in conversation order.
func (a *Assembler) History() []Utterance {
	out := make([]Utterance, len(a.history))
	copy(out, a.history)
	return out
}

// Pending returns the current buffer contents, for diagnostics.
func (a *Assembler) Pending(role Role) string {
	if role == RoleTrainee {
		return a.trainee.String()
	}
	return a.customer.String()
}

func (a *Assembler) flush(buf *strings.Builder, role Role, interrupted bool) {
	text := strings.TrimSpace(buf.String())
	buf.Reset()
	if text == "" {
		return
	}
	if interrupted {
		text += InterruptionMarker
	}

	ts := a.now()
	if ts.Before(a.last) {
		ts = a.last
	}
	a.last = ts

	u := Utterance{Role: role, Text: text, Interrupted: interrupted, Timestamp: ts}
	a.history = append(a.history, u)
	if a.onCommit != nil {
		a.onCommit(u)
	}
}

func (a *Assembler) since(n int) []Utterance {
	if len(a.history) == n {
		return nil
	}
	out := make([]Utterance, len(a.history)-n)
	copy(out, a.history[n:])
	return out
}
