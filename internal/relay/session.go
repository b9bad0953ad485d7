package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/hubenschmidt/roleplay-relay/internal/audio"
	"github.com/hubenschmidt/roleplay-relay/internal/metrics"
	"github.com/hubenschmidt/roleplay-relay/internal/prompts"
	"github.com/hubenschmidt/roleplay-relay/internal/trace"
	"github.com/hubenschmidt/roleplay-relay/internal/transcript"
	"github.com/hubenschmidt/roleplay-relay/internal/upstream"
	"github.com/hubenschmidt/roleplay-relay/internal/wire"
)

const (
	inboundBuffer  = 32
	outboundBuffer = 256
)

const (
	msgMissingCredential = "relay has no upstream API key configured"
	msgSessionActive     = "a session is already active on this connection"
)

// session is the per-connection state. Everything except out and ctx is
// owned by the loop goroutine; teardown runs after the loop has returned.
type session struct {
	id      string
	cfg     *HandlerConfig
	log     *slog.Logger
	started time.Time

	ctx context.Context
	out chan []byte

	adapter   *upstream.Adapter
	assembler *transcript.Assembler
	playback  *audio.Scheduler
	telephony *audio.Transcoder
	tracer    *trace.Tracer
}

func (h *Handler) runConnection(ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(h.base)
	defer cancel()

	id := uuid.NewString()
	g, gctx := errgroup.WithContext(ctx)

	s := &session{
		id:      id,
		cfg:     &h.cfg,
		log:     slog.With("session_id", id),
		started: h.cfg.Now(),
		ctx:     gctx,
		out:     make(chan []byte, outboundBuffer),
	}
	s.playback = audio.NewScheduler(h.cfg.Now)
	s.assembler = transcript.New(
		transcript.WithClock(h.cfg.Now),
		transcript.WithCommitHook(s.onCommit),
		transcript.WithInterruptHook(s.onInterrupt),
	)
	if h.cfg.TraceStore != nil {
		s.tracer = trace.NewTracer(h.cfg.TraceStore, id, h.cfg.Provider.Model())
	}

	s.log.Info("connection opened")

	inbound := make(chan wire.Message, inboundBuffer)
	w := &outboundWriter{
		ws:           ws,
		frames:       s.out,
		pingInterval: h.cfg.PingInterval,
		writeTimeout: h.cfg.WriteTimeout,
	}

	g.Go(func() error { return readLoop(gctx, ws, inbound, &h.cfg, s.log) })
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return s.loop(gctx, inbound) })

	err := g.Wait()
	s.teardown()

	var closeErr *websocket.CloseError
	switch {
	case err == nil, errors.As(err, &closeErr):
		s.log.Info("connection closed")
	default:
		s.log.Info("connection closed", "reason", err)
	}
}

// readLoop decodes client frames. Malformed frames are logged and skipped;
// a transport error ends the connection.
func readLoop(ctx context.Context, ws *websocket.Conn, inbound chan<- wire.Message, cfg *HandlerConfig, log *slog.Logger) error {
	ws.SetReadLimit(cfg.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		_ = ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))

		if msgType != websocket.TextMessage {
			metrics.FramesDropped.WithLabelValues("binary").Inc()
			continue
		}
		msg, err := wire.Decode(data)
		if err != nil {
			metrics.Errors.WithLabelValues("decode", "malformed").Inc()
			log.Warn("skipping malformed frame", "error", err, "bytes", len(data))
			continue
		}
		metrics.FramesIn.WithLabelValues(string(msg.MessageType())).Inc()

		select {
		case inbound <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

// loop is the single consumer of both client frames and upstream events, so
// state changes are serialized without locks.
func (s *session) loop(ctx context.Context, inbound <-chan wire.Message) error {
	for {
		var events <-chan upstream.Event
		if s.adapter != nil {
			events = s.adapter.Events()
		}

		select {
		case <-ctx.Done():
			return nil
		case msg := <-inbound:
			s.handleClient(ctx, msg)
		case ev, ok := <-events:
			if !ok {
				s.endSession("events drained")
				continue
			}
			s.handleUpstream(ev)
		}
	}
}

func (s *session) handleClient(ctx context.Context, msg wire.Message) {
	switch m := msg.(type) {
	case wire.StartSession:
		s.startSession(ctx, m.Instruction)
	case wire.Input:
		s.forwardInput(ctx, m.Media)
	default:
		s.log.Debug("ignoring relay-bound frame from client", "type", msg.MessageType())
	}
}

func (s *session) startSession(ctx context.Context, instruction string) {
	if s.adapter != nil {
		metrics.Errors.WithLabelValues("session", "duplicate_start").Inc()
		s.send(wire.Error{Message: msgSessionActive})
		return
	}

	adapter := upstream.NewAdapter(s.cfg.Provider, s.log)
	openCtx, cancel := context.WithTimeout(ctx, s.cfg.OpenTimeout)
	defer cancel()

	start := s.cfg.Now()
	err := adapter.Open(openCtx, prompts.ForSession(instruction))
	elapsed := s.cfg.Now().Sub(start)
	if err != nil {
		s.tracer.RecordSpan(trace.SpanUpstreamOpen, start, elapsed, s.cfg.Provider.Model(), err.Error())
		if errors.Is(err, upstream.ErrMissingCredential) {
			metrics.Errors.WithLabelValues("upstream", "credential").Inc()
			s.log.Error("upstream credential missing")
			s.send(wire.Error{Message: msgMissingCredential, Fatal: true})
			return
		}
		if ctx.Err() != nil {
			return
		}
		metrics.Errors.WithLabelValues("upstream", "connect").Inc()
		s.log.Error("upstream open failed", "error", err)
		s.send(wire.Error{Message: fmt.Sprintf("failed to open session: %v", err)})
		return
	}

	s.adapter = adapter
	s.tracer.RecordSpan(trace.SpanUpstreamOpen, start, elapsed, s.cfg.Provider.Model(), "")
	s.log.Info("upstream session open", "model", s.cfg.Provider.Model(), "elapsed_ms", elapsed.Milliseconds())
	s.send(wire.StatusUpdate{Status: wire.StatusOpen, SessionID: s.id})
}

func (s *session) forwardInput(ctx context.Context, media wire.MediaFrame) {
	if s.adapter == nil {
		metrics.FramesDropped.WithLabelValues(string(media.Kind())).Inc()
		return
	}
	media, err := s.toProviderAudio(media)
	if err != nil {
		metrics.FramesDropped.WithLabelValues("undecodable").Inc()
		s.log.Warn("dropping undecodable audio frame", "mime", media.MIMEType, "error", err)
		return
	}
	if err := s.adapter.Send(ctx, media); err != nil {
		s.failSession("send", err)
	}
}

// toProviderAudio converts G.711 telephony audio to linear PCM, which is all
// the live provider accepts. Other frames pass through untouched. The
// transcoder lives as long as the input format stays the same.
func (s *session) toProviderAudio(media wire.MediaFrame) (wire.MediaFrame, error) {
	if media.Kind() != wire.KindAudio {
		return media, nil
	}
	spec, err := audio.ParseMIME(media.MIMEType)
	if err != nil || spec.Codec == audio.CodecPCM {
		return media, nil
	}
	raw, err := media.Bytes()
	if err != nil {
		return media, err
	}
	if s.telephony == nil || s.telephony.Spec() != spec {
		t, err := audio.NewTranscoder(spec)
		if err != nil {
			return media, err
		}
		s.telephony = t
	}
	return wire.NewMediaFrame(audio.PCMMIME(audio.TargetRate), s.telephony.Convert(raw)), nil
}

func (s *session) handleUpstream(ev upstream.Event) {
	switch ev.Kind {
	case upstream.EventOpen:
		s.log.Debug("upstream handshake complete")
	case upstream.EventMessage:
		s.relayMessage(ev.Message)
	case upstream.EventClose:
		s.endSession("provider closed")
	case upstream.EventError:
		s.failSession("recv", ev.Err)
	}
}

// relayMessage forwards the raw event and then feeds the assembler. Audio is
// scheduled before transcripts so an interruption in the same message
// discards it.
func (s *session) relayMessage(msg *upstream.Message) {
	if msg == nil {
		return
	}
	if len(msg.Raw) > 0 {
		s.send(wire.Upstream{Data: msg.Raw})
	}
	for _, chunk := range msg.Audio {
		spec, err := audio.ParseMIME(chunk.MIMEType)
		if err != nil {
			s.log.Debug("unscheduled audio chunk", "mime", chunk.MIMEType, "error", err)
			continue
		}
		s.playback.Schedule(spec.Duration(len(chunk.Data)))
	}
	s.assembler.Apply(msg)
}

// endSession flushes both buffers and tells the client the session is over.
// The client transport stays open for a new start_session.
func (s *session) endSession(reason string) {
	if s.adapter == nil {
		return
	}
	start := s.cfg.Now()
	s.assembler.Flush()
	_ = s.adapter.Close()
	s.adapter = nil
	s.playback.Reset()
	s.telephony = nil
	s.tracer.RecordSpan(trace.SpanUpstreamClose, start, 0, reason, "")
	s.log.Info("upstream session closed", "reason", reason)
	s.send(wire.StatusUpdate{Status: wire.StatusClosed, SessionID: s.id})
}

func (s *session) failSession(stage string, err error) {
	s.log.Error("upstream session failed", "stage", stage, "error", err)
	s.tracer.RecordSpan(trace.SpanError, s.cfg.Now(), 0, stage, err.Error())
	s.send(wire.Error{Message: err.Error()})
	s.endSession(stage + " error")
}

func (s *session) onCommit(u transcript.Utterance) {
	metrics.Utterances.WithLabelValues(string(u.Role), strconv.FormatBool(u.Interrupted)).Inc()
	s.send(wire.Transcript{
		Role:        string(u.Role),
		Text:        u.Text,
		Interrupted: u.Interrupted,
		Timestamp:   u.Timestamp.UnixMilli(),
	})
}

// onInterrupt drops all scheduled playback so the next chunk starts now.
func (s *session) onInterrupt() {
	dropped := s.playback.Reset()
	metrics.Interruptions.Inc()
	metrics.DiscardedPlayback.Observe(dropped.Seconds())
	s.tracer.RecordSpan(trace.SpanInterruption, s.cfg.Now(), 0, "discarded_ms="+strconv.FormatInt(dropped.Milliseconds(), 10), "")
	s.log.Debug("customer interrupted", "discarded_ms", dropped.Milliseconds())
}

// send queues a frame for the writer. After the connection context is done
// frames are dropped, so late commits never reach a dead socket.
func (s *session) send(m wire.Message) {
	if s.ctx.Err() != nil {
		return
	}
	data, err := wire.Encode(m)
	if err != nil {
		metrics.Errors.WithLabelValues("encode", string(m.MessageType())).Inc()
		s.log.Error("encode frame failed", "type", m.MessageType(), "error", err)
		return
	}
	select {
	case s.out <- data:
		metrics.FramesOut.WithLabelValues(string(m.MessageType())).Inc()
	case <-s.ctx.Done():
	}
}

// teardown runs once after every connection goroutine has exited. Pending
// speech is committed into the history, which is then handed off.
func (s *session) teardown() {
	if s.adapter != nil {
		_ = s.adapter.Close()
		s.adapter = nil
	}
	history := s.assembler.Close()

	if s.cfg.Handoff != nil {
		s.cfg.Handoff(transcript.Record{
			SessionID: s.id,
			StartedAt: s.started,
			EndedAt:   s.cfg.Now(),
			History:   history,
		})
	}
	s.tracer.End(len(history))
	s.tracer.Close()
}
