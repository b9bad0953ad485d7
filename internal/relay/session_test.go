package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/roleplay-relay/internal/transcript"
	"github.com/hubenschmidt/roleplay-relay/internal/upstream"
	"github.com/hubenschmidt/roleplay-relay/internal/upstream/upstreamtest"
	"github.com/hubenschmidt/roleplay-relay/internal/wire"
)

const waitFor = 2 * time.Second

type harness struct {
	provider *upstreamtest.Provider
	records  chan transcript.Record
	handler  *Handler
	server   *httptest.Server
}

func newHarness(t *testing.T, provider *upstreamtest.Provider, maxConcurrent int) *harness {
	t.Helper()
	h := &harness{
		provider: provider,
		records:  make(chan transcript.Record, 4),
	}
	h.handler = NewHandler(HandlerConfig{
		Provider:      provider,
		MaxConcurrent: maxConcurrent,
		Handoff:       func(r transcript.Record) { h.records <- r },
		PingInterval:  time.Second,
		WriteTimeout:  time.Second,
	})
	h.server = httptest.NewServer(h.handler)
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *harness) record(t *testing.T) transcript.Record {
	t.Helper()
	select {
	case r := <-h.records:
		return r
	case <-time.After(waitFor):
		t.Fatal("no transcript handoff")
		return transcript.Record{}
	}
}

func (h *harness) stream(t *testing.T, n int) *upstreamtest.Stream {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.provider.Streams()) >= n+1 }, waitFor, 10*time.Millisecond)
	return h.provider.Streams()[n]
}

func write(t *testing.T, conn *websocket.Conn, m wire.Message) {
	t.Helper()
	data, err := wire.Encode(m)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func writeRaw(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

// next reads frames until one of type typ arrives.
func next(t *testing.T, conn *websocket.Conn, typ wire.Type) wire.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		msg, err := wire.Decode(data)
		require.NoError(t, err)
		if msg.MessageType() == typ || (typ == wire.TypeGemini && msg.MessageType() == wire.TypeInbound) {
			return msg
		}
	}
}

func audioFrame() wire.MediaFrame {
	return wire.NewMediaFrame("audio/pcm;rate=16000", make([]byte, 320))
}

func rawEvent(s string) json.RawMessage {
	return json.RawMessage(`{"serverContent":{"note":"` + s + `"}}`)
}

func start(t *testing.T, conn *websocket.Conn) wire.StatusUpdate {
	t.Helper()
	write(t, conn, wire.StartSession{Instruction: "你是一位挑剔的客户"})
	st, ok := next(t, conn, wire.TypeStatus).(wire.StatusUpdate)
	require.True(t, ok)
	return st
}

func TestRelay_StartSessionOpensUpstream(t *testing.T) {
	h := newHarness(t, &upstreamtest.Provider{}, 0)
	conn := h.dial(t)

	st := start(t, conn)
	assert.Equal(t, wire.StatusOpen, st.Status)
	assert.NotEmpty(t, st.SessionID)
	assert.Equal(t, "你是一位挑剔的客户", h.stream(t, 0).Instruction)
}

func TestRelay_BlankInstructionUsesDefaultPersona(t *testing.T) {
	h := newHarness(t, &upstreamtest.Provider{}, 0)
	conn := h.dial(t)

	write(t, conn, wire.StartSession{})
	next(t, conn, wire.TypeStatus)
	assert.NotEmpty(t, h.stream(t, 0).Instruction)
}

func TestRelay_MissingCredentialIsFatal(t *testing.T) {
	h := newHarness(t, &upstreamtest.Provider{Err: upstream.ErrMissingCredential}, 0)
	conn := h.dial(t)

	write(t, conn, wire.StartSession{Instruction: "x"})
	e, ok := next(t, conn, wire.TypeError).(wire.Error)
	require.True(t, ok)
	assert.True(t, e.Fatal)
	assert.NotEmpty(t, e.Message)
	assert.Empty(t, h.provider.Streams())
}

func TestRelay_InputBeforeStartIsDropped(t *testing.T) {
	h := newHarness(t, &upstreamtest.Provider{}, 0)
	conn := h.dial(t)

	write(t, conn, wire.Input{Media: audioFrame()})
	write(t, conn, wire.Input{Media: audioFrame()})
	start(t, conn)
	write(t, conn, wire.Input{Media: wire.NewMediaFrame("image/jpeg", []byte{0xff, 0xd8})})

	s := h.stream(t, 0)
	require.Eventually(t, func() bool { return len(s.Sent()) == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, wire.KindImage, s.Sent()[0].Kind())
}

func TestRelay_DuplicateStartRejected(t *testing.T) {
	h := newHarness(t, &upstreamtest.Provider{}, 0)
	conn := h.dial(t)

	start(t, conn)
	write(t, conn, wire.StartSession{Instruction: "again"})

	e, ok := next(t, conn, wire.TypeError).(wire.Error)
	require.True(t, ok)
	assert.False(t, e.Fatal)
	assert.Len(t, h.provider.Streams(), 1)
	assert.Equal(t, 1, h.provider.Open())
}

func TestRelay_ForwardsEventsAndCommitsTranscript(t *testing.T) {
	h := newHarness(t, &upstreamtest.Provider{}, 0)
	conn := h.dial(t)
	start(t, conn)
	s := h.stream(t, 0)

	s.Push(&upstream.Message{Raw: rawEvent("a"), OutputTranscript: "您好，"})
	s.Push(&upstream.Message{Raw: rawEvent("b"), OutputTranscript: "请问"})
	s.Push(&upstream.Message{Raw: rawEvent("c"), TurnComplete: true})

	first, ok := next(t, conn, wire.TypeGemini).(wire.Upstream)
	require.True(t, ok)
	assert.JSONEq(t, string(rawEvent("a")), string(first.Data))

	tr, ok := next(t, conn, wire.TypeTranscript).(wire.Transcript)
	require.True(t, ok)
	assert.Equal(t, "customer", tr.Role)
	assert.Equal(t, "您好，请问", tr.Text)
	assert.False(t, tr.Interrupted)
}

func TestRelay_InterruptionMarksCustomerUtterance(t *testing.T) {
	h := newHarness(t, &upstreamtest.Provider{}, 0)
	conn := h.dial(t)
	start(t, conn)
	s := h.stream(t, 0)

	s.Push(&upstream.Message{
		Raw:              rawEvent("speech"),
		OutputTranscript: "那这个价格",
		Audio:            []upstream.AudioChunk{{MIMEType: "audio/pcm;rate=24000", Data: make([]byte, 4800)}},
	})
	s.Push(&upstream.Message{Raw: rawEvent("cut"), Interrupted: true})

	tr, ok := next(t, conn, wire.TypeTranscript).(wire.Transcript)
	require.True(t, ok)
	assert.Equal(t, "那这个价格"+transcript.InterruptionMarker, tr.Text)
	assert.True(t, tr.Interrupted)
}

func TestRelay_DisconnectFlushesPendingSpeech(t *testing.T) {
	h := newHarness(t, &upstreamtest.Provider{}, 0)
	conn := h.dial(t)
	start(t, conn)
	s := h.stream(t, 0)

	s.Push(&upstream.Message{Raw: rawEvent("partial"), InputTranscript: "我觉得"})
	next(t, conn, wire.TypeGemini)
	require.NoError(t, conn.Close())

	rec := h.record(t)
	require.Len(t, rec.History, 1)
	assert.Equal(t, transcript.RoleTrainee, rec.History[0].Role)
	assert.Equal(t, "我觉得", rec.History[0].Text)
	assert.Eventually(t, s.Closed, waitFor, 10*time.Millisecond)
}

func TestRelay_ProviderCloseKeepsClientConnection(t *testing.T) {
	h := newHarness(t, &upstreamtest.Provider{}, 0)
	conn := h.dial(t)
	start(t, conn)

	first := h.stream(t, 0)
	first.Push(&upstream.Message{Raw: rawEvent("x"), OutputTranscript: "再见"})
	first.End()

	tr, ok := next(t, conn, wire.TypeTranscript).(wire.Transcript)
	require.True(t, ok)
	assert.Equal(t, "再见", tr.Text)

	st, ok := next(t, conn, wire.TypeStatus).(wire.StatusUpdate)
	require.True(t, ok)
	assert.Equal(t, wire.StatusClosed, st.Status)

	// Input after the provider closed is dropped; a new session may start.
	write(t, conn, wire.Input{Media: audioFrame()})
	st = start(t, conn)
	assert.Equal(t, wire.StatusOpen, st.Status)
	assert.Empty(t, first.Sent())
	assert.Len(t, h.provider.Streams(), 2)
	assert.Equal(t, 1, h.provider.Open())
}

func TestRelay_UpstreamErrorEndsSession(t *testing.T) {
	h := newHarness(t, &upstreamtest.Provider{}, 0)
	conn := h.dial(t)
	start(t, conn)
	s := h.stream(t, 0)

	s.Fail(errors.New("quota exceeded"))

	e, ok := next(t, conn, wire.TypeError).(wire.Error)
	require.True(t, ok)
	assert.Contains(t, e.Message, "quota exceeded")
	assert.False(t, e.Fatal)

	st, ok := next(t, conn, wire.TypeStatus).(wire.StatusUpdate)
	require.True(t, ok)
	assert.Equal(t, wire.StatusClosed, st.Status)
	assert.Eventually(t, s.Closed, waitFor, 10*time.Millisecond)
}

func TestRelay_SendFailureEndsSession(t *testing.T) {
	h := newHarness(t, &upstreamtest.Provider{}, 0)
	conn := h.dial(t)
	start(t, conn)
	s := h.stream(t, 0)
	s.FailSends(errors.New("broken pipe"))

	write(t, conn, wire.Input{Media: audioFrame()})

	e, ok := next(t, conn, wire.TypeError).(wire.Error)
	require.True(t, ok)
	assert.Contains(t, e.Message, "broken pipe")
	st, ok := next(t, conn, wire.TypeStatus).(wire.StatusUpdate)
	require.True(t, ok)
	assert.Equal(t, wire.StatusClosed, st.Status)
}

func TestRelay_MalformedFrameIsSkipped(t *testing.T) {
	h := newHarness(t, &upstreamtest.Provider{}, 0)
	conn := h.dial(t)

	writeRaw(t, conn, "not json")
	writeRaw(t, conn, `{"type":"teleport"}`)
	writeRaw(t, conn, `{"type":"input","payload":{"media":{"mimeType":"text/plain","data":"aGk="}}}`)

	st := start(t, conn)
	assert.Equal(t, wire.StatusOpen, st.Status)
}

func TestRelay_RejectsOverCapacity(t *testing.T) {
	h := newHarness(t, &upstreamtest.Provider{}, 1)
	first := h.dial(t)
	start(t, first)

	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRelay_HandoffWithoutSession(t *testing.T) {
	h := newHarness(t, &upstreamtest.Provider{}, 0)
	conn := h.dial(t)
	writeRaw(t, conn, "{}")
	require.NoError(t, conn.Close())

	rec := h.record(t)
	assert.NotEmpty(t, rec.SessionID)
	assert.Empty(t, rec.History)
	assert.False(t, rec.EndedAt.Before(rec.StartedAt))
}

func TestRelay_TranscodesTelephonyAudio(t *testing.T) {
	h := newHarness(t, &upstreamtest.Provider{}, 0)
	conn := h.dial(t)
	start(t, conn)

	ulaw := make([]byte, 160)
	for i := range ulaw {
		ulaw[i] = 0xFF
	}
	write(t, conn, wire.Input{Media: wire.NewMediaFrame("audio/pcmu;rate=8000", ulaw)})
	write(t, conn, wire.Input{Media: audioFrame()})

	s := h.stream(t, 0)
	require.Eventually(t, func() bool { return len(s.Sent()) == 2 }, waitFor, 10*time.Millisecond)

	sent := s.Sent()
	assert.Equal(t, "audio/pcm;rate=16000", sent[0].MIMEType)
	pcm, err := sent[0].Bytes()
	require.NoError(t, err)
	assert.Len(t, pcm, 640)
	assert.Equal(t, audioFrame(), sent[1])
}

func TestRelay_ShutdownDrainsSessions(t *testing.T) {
	h := newHarness(t, &upstreamtest.Provider{}, 0)
	conn := h.dial(t)
	start(t, conn)
	s := h.stream(t, 0)

	s.Push(&upstream.Message{Raw: rawEvent("partial"), OutputTranscript: "那我再考虑一下"})
	next(t, conn, wire.TypeGemini)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.handler.Shutdown(ctx))

	// Teardown has already run by the time Shutdown returns.
	select {
	case rec := <-h.records:
		require.Len(t, rec.History, 1)
		assert.Equal(t, transcript.RoleCustomer, rec.History[0].Role)
		assert.Equal(t, "那我再考虑一下", rec.History[0].Text)
	default:
		t.Fatal("no transcript handoff before Shutdown returned")
	}
	assert.True(t, s.Closed())

	// The client sees the socket close.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRelay_ShutdownWithoutConnections(t *testing.T) {
	h := newHarness(t, &upstreamtest.Provider{}, 0)
	require.NoError(t, h.handler.Shutdown(context.Background()))
}
