package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/hubenschmidt/roleplay-relay/internal/wire"
)

// DefaultLiveModel is the native-audio Gemini Live model used when none is configured.
const DefaultLiveModel = "gemini-2.5-flash-native-audio-preview-09-2025"

// GeminiConfig configures the Gemini Live provider.
type GeminiConfig struct {
	APIKey string
	Model  string
	Voice  string
}

// GeminiProvider dials Gemini Live sessions with audio responses and both
// input and output transcription enabled.
type GeminiProvider struct {
	client *genai.Client
	cfg    GeminiConfig
}

// NewGeminiProvider builds the shared client once at startup. With an empty
// API key it returns a provider whose Connect always fails with
// ErrMissingCredential, so the relay keeps serving and reports the problem
// per session.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultLiveModel
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return &GeminiProvider{cfg: cfg}, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return &GeminiProvider{client: client, cfg: cfg}, nil
}

// Configured reports whether a credential was supplied.
func (p *GeminiProvider) Configured() bool {
	return p.client != nil
}

// Model returns the live model name.
func (p *GeminiProvider) Model() string {
	return p.cfg.Model
}

// Connect opens one Live session with the given persona instruction.
func (p *GeminiProvider) Connect(ctx context.Context, instruction string) (Stream, error) {
	if p.client == nil {
		return nil, ErrMissingCredential
	}

	cfg := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		SystemInstruction:        genai.NewContentFromText(instruction, genai.RoleUser),
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if p.cfg.Voice != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: p.cfg.Voice},
			},
		}
	}

	session, err := p.client.Live.Connect(ctx, p.cfg.Model, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini live connect: %w", err)
	}
	return &geminiStream{session: session}, nil
}

type geminiStream struct {
	session *genai.Session
	sendMu  sync.Mutex
}

func (s *geminiStream) Send(ctx context.Context, frame wire.MediaFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := frame.Bytes()
	if err != nil {
		return err
	}
	blob := &genai.Blob{MIMEType: frame.MIMEType, Data: data}

	var input genai.LiveRealtimeInput
	switch frame.Kind() {
	case wire.KindAudio:
		input.Audio = blob
	case wire.KindImage:
		input.Video = blob
	default:
		return fmt.Errorf("unsupported media type %q", frame.MIMEType)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.session.SendRealtimeInput(input)
}

func (s *geminiStream) Recv() (*Message, error) {
	msg, err := s.session.Receive()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	return translate(msg)
}

func (s *geminiStream) Close() error {
	return s.session.Close()
}

// translate decomposes a Live server message. The raw JSON is kept so the
// client sees the provider's own event shape.
func translate(msg *genai.LiveServerMessage) (*Message, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal live message: %w", err)
	}
	out := &Message{Raw: raw}

	sc := msg.ServerContent
	if sc == nil {
		return out, nil
	}
	if sc.InputTranscription != nil {
		out.InputTranscript = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		out.OutputTranscript = sc.OutputTranscription.Text
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil {
				continue
			}
			if !strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
				continue
			}
			out.Audio = append(out.Audio, AudioChunk{MIMEType: part.InlineData.MIMEType, Data: part.InlineData.Data})
		}
	}
	out.TurnComplete = sc.TurnComplete
	out.Interrupted = sc.Interrupted
	return out, nil
}
