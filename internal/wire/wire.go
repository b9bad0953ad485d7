// Package wire defines the JSON envelope exchanged between the browser and the relay.
//
// Every frame is a JSON object with a required "type" discriminator. Control
// messages are strongly typed; upstream events travel as an opaque payload
// under "data" so the relay never reinterprets the provider's shape.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Type is the envelope discriminator.
type Type string

const (
	TypeStartSession Type = "start_session"
	TypeInput        Type = "input"
	TypeStatus       Type = "status"
	TypeGemini       Type = "gemini"
	TypeInbound      Type = "inbound" // decode-only alias of TypeGemini
	TypeError        Type = "error"
	TypeTranscript   Type = "transcript"
)

// Status values carried by a status frame.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Kind classifies a media frame by its mime type.
type Kind string

const (
	KindAudio Kind = "audio"
	KindImage Kind = "image"
)

// Message is implemented by every typed envelope.
type Message interface {
	MessageType() Type
}

// StartSession asks the relay to open an upstream session with the given
// persona instruction. Client → relay.
type StartSession struct {
	Instruction string `json:"instruction"`
}

// Input carries one realtime media frame. Client → relay.
type Input struct {
	Media MediaFrame `json:"media"`
}

// StatusUpdate reports the upstream session state. Relay → client.
type StatusUpdate struct {
	Status    Status `json:"status"`
	SessionID string `json:"session_id,omitempty"`
}

// Upstream wraps one provider event, forwarded verbatim. Relay → client.
type Upstream struct {
	Data json.RawMessage `json:"data"`
}

// Error reports a failure. Fatal errors need operator action; the client
// should not offer a retry for them. Relay → client.
type Error struct {
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// Transcript announces one committed utterance. Relay → client.
type Transcript struct {
	Role        string `json:"role"`
	Text        string `json:"text"`
	Interrupted bool   `json:"interrupted,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

func (StartSession) MessageType() Type { return TypeStartSession }
func (Input) MessageType() Type        { return TypeInput }
func (StatusUpdate) MessageType() Type { return TypeStatus }
func (Upstream) MessageType() Type     { return TypeGemini }
func (Error) MessageType() Type        { return TypeError }
func (Transcript) MessageType() Type   { return TypeTranscript }

// MediaFrame is one audio chunk or video frame. Data is base64 encoded.
// Audio mime types may carry a rate parameter ("audio/pcm;rate=16000").
type MediaFrame struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Kind derives the frame kind from its mime type. Unknown types return "".
func (f MediaFrame) Kind() Kind {
	mt := strings.ToLower(strings.TrimSpace(f.MIMEType))
	switch {
	case strings.HasPrefix(mt, "audio/"):
		return KindAudio
	case strings.HasPrefix(mt, "image/"):
		return KindImage
	default:
		return ""
	}
}

// Bytes decodes the base64 payload.
func (f MediaFrame) Bytes() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		return nil, fmt.Errorf("media data: %w", err)
	}
	return b, nil
}

// NewMediaFrame encodes raw bytes into a frame.
func NewMediaFrame(mimeType string, data []byte) MediaFrame {
	return MediaFrame{MIMEType: mimeType, Data: base64.StdEncoding.EncodeToString(data)}
}
