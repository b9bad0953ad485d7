package wire

import (
	"encoding/json"
	"fmt"
)

// DecodeError reports a frame that could not be turned into a Message.
// It never indicates a broken connection.
type DecodeError struct {
	Type   Type
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := "decode frame"
	if e.Type != "" {
		msg += " " + string(e.Type)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// envelope is the flat on-the-wire shape shared by all message types.
type envelope struct {
	Type        Type            `json:"type"`
	Instruction *string         `json:"instruction,omitempty"`
	Payload     *inputPayload   `json:"payload,omitempty"`
	Status      Status          `json:"status,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Message     *string         `json:"message,omitempty"`
	Fatal       bool            `json:"fatal,omitempty"`
	Utterance   *Transcript     `json:"utterance,omitempty"`
}

type inputPayload struct {
	Media *MediaFrame `json:"media"`
}

// Encode serialises a typed message into one text frame.
func Encode(m Message) ([]byte, error) {
	env := envelope{Type: m.MessageType()}
	switch v := m.(type) {
	case StartSession:
		env.Instruction = &v.Instruction
	case Input:
		media := v.Media
		env.Payload = &inputPayload{Media: &media}
	case StatusUpdate:
		env.Status = v.Status
		env.SessionID = v.SessionID
	case Upstream:
		if len(v.Data) == 0 {
			env.Data = json.RawMessage("null")
		} else {
			env.Data = v.Data
		}
	case Error:
		env.Message = &v.Message
		env.Fatal = v.Fatal
	case Transcript:
		env.Utterance = &v
	default:
		return nil, fmt.Errorf("encode: unsupported message %T", m)
	}
	return json.Marshal(env)
}

// Decode parses one text frame. Failures are always *DecodeError.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Reason: "malformed json", Err: err}
	}

	decoders := map[Type]func(envelope) (Message, error){
		TypeStartSession: decodeStartSession,
		TypeInput:        decodeInput,
		TypeStatus:       decodeStatus,
		TypeGemini:       decodeUpstream,
		TypeInbound:      decodeUpstream,
		TypeError:        decodeError,
		TypeTranscript:   decodeTranscript,
	}
	fn, ok := decoders[env.Type]
	if !ok {
		if env.Type == "" {
			return nil, &DecodeError{Reason: "missing type"}
		}
		return nil, &DecodeError{Type: env.Type, Reason: "unknown type"}
	}
	return fn(env)
}

func decodeStartSession(env envelope) (Message, error) {
	if env.Instruction == nil {
		return nil, &DecodeError{Type: env.Type, Reason: "missing instruction"}
	}
	return StartSession{Instruction: *env.Instruction}, nil
}

func decodeInput(env envelope) (Message, error) {
	if env.Payload == nil || env.Payload.Media == nil {
		return nil, &DecodeError{Type: env.Type, Reason: "missing payload.media"}
	}
	media := *env.Payload.Media
	if media.Kind() == "" {
		return nil, &DecodeError{Type: env.Type, Reason: fmt.Sprintf("unsupported mime type %q", media.MIMEType)}
	}
	return Input{Media: media}, nil
}

func decodeStatus(env envelope) (Message, error) {
	if env.Status != StatusOpen && env.Status != StatusClosed {
		return nil, &DecodeError{Type: env.Type, Reason: fmt.Sprintf("invalid status %q", env.Status)}
	}
	return StatusUpdate{Status: env.Status, SessionID: env.SessionID}, nil
}

func decodeUpstream(env envelope) (Message, error) {
	return Upstream{Data: env.Data}, nil
}

func decodeError(env envelope) (Message, error) {
	if env.Message == nil {
		return nil, &DecodeError{Type: env.Type, Reason: "missing message"}
	}
	return Error{Message: *env.Message, Fatal: env.Fatal}, nil
}

func decodeTranscript(env envelope) (Message, error) {
	if env.Utterance == nil {
		return nil, &DecodeError{Type: env.Type, Reason: "missing utterance"}
	}
	return *env.Utterance, nil
}
