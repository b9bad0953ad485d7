// Package upstream owns the streaming dialogue with the conversational AI provider.
//
// A Provider dials one Stream per client session. The Adapter wraps a Stream
// and turns its blocking receive loop into an ordered channel of typed events
// (open, message, close, error) consumed by the relay's event loop.
package upstream

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/hubenschmidt/roleplay-relay/internal/wire"
)

// ErrMissingCredential is returned when the process has no provider
// credential. Sessions must not be retried after it.
var ErrMissingCredential = errors.New("upstream credential is not configured")

// Provider opens streaming sessions against the external service.
type Provider interface {
	// Connect dials a new session. The instruction is fixed for its lifetime.
	Connect(ctx context.Context, instruction string) (Stream, error)
	// Model identifies the upstream model, for logs and traces.
	Model() string
}

// Stream is one live provider session.
type Stream interface {
	// Send forwards one realtime media frame.
	Send(ctx context.Context, frame wire.MediaFrame) error
	// Recv blocks until the next provider message. It returns io.EOF (or a
	// wrapped net.ErrClosed) once the provider ends the session.
	Recv() (*Message, error)
	// Close tears the session down. Close must unblock a pending Recv.
	Close() error
}

// AudioChunk is one piece of synthesized customer speech.
type AudioChunk struct {
	MIMEType string
	Data     []byte
}

// Message is one provider event decomposed into its sub-events. Consumers
// must apply them in field order: input transcript, output transcript,
// audio, turn complete, interrupted. Any of them may be empty.
type Message struct {
	InputTranscript  string
	OutputTranscript string
	Audio            []AudioChunk
	TurnComplete     bool
	Interrupted      bool

	// Raw is the provider's own JSON for the event, forwarded to clients as is.
	Raw json.RawMessage
}

// EventKind discriminates Event.
type EventKind int

const (
	EventOpen EventKind = iota
	EventMessage
	EventClose
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the uniform callback sequence surfaced by an Adapter. Exactly one
// EventOpen comes first and exactly one EventClose or EventError comes last.
type Event struct {
	Kind    EventKind
	Message *Message
	Err     error
}
