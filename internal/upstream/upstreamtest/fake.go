// Package upstreamtest provides in-memory providers for relay tests.
package upstreamtest

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/hubenschmidt/roleplay-relay/internal/upstream"
	"github.com/hubenschmidt/roleplay-relay/internal/wire"
)

type recvResult struct {
	msg *upstream.Message
	err error
}

// Stream is a scripted upstream.Stream.
type Stream struct {
	Instruction string

	mu      sync.Mutex
	sent    []wire.MediaFrame
	sendErr error

	recv      chan recvResult
	closed    chan struct{}
	closeOnce sync.Once
}

// NewStream returns an open stream with an empty script.
func NewStream(instruction string) *Stream {
	return &Stream{
		Instruction: instruction,
		recv:        make(chan recvResult, 64),
		closed:      make(chan struct{}),
	}
}

// Push queues a provider message for Recv.
func (s *Stream) Push(msg *upstream.Message) {
	s.recv <- recvResult{msg: msg}
}

// End makes the provider close the session normally.
func (s *Stream) End() {
	s.recv <- recvResult{err: io.EOF}
}

// Fail makes Recv return err.
func (s *Stream) Fail(err error) {
	s.recv <- recvResult{err: err}
}

// FailSends makes every later Send return err.
func (s *Stream) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

func (s *Stream) Send(ctx context.Context, frame wire.MediaFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, frame)
	return nil
}

func (s *Stream) Recv() (*upstream.Message, error) {
	select {
	case <-s.closed:
		return nil, net.ErrClosed
	default:
	}
	select {
	case r := <-s.recv:
		return r.msg, r.err
	case <-s.closed:
		return nil, net.ErrClosed
	}
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Sent returns a copy of the frames forwarded so far.
func (s *Stream) Sent() []wire.MediaFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.MediaFrame, len(s.sent))
	copy(out, s.sent)
	return out
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Provider hands out Streams and records every Connect.
type Provider struct {
	// Err, when set, is returned by every Connect.
	Err error

	mu      sync.Mutex
	streams []*Stream
}

func (p *Provider) Model() string { return "fake-live" }

func (p *Provider) Connect(ctx context.Context, instruction string) (upstream.Stream, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := NewStream(instruction)
	p.mu.Lock()
	p.streams = append(p.streams, s)
	p.mu.Unlock()
	return s, nil
}

// Streams returns every stream opened so far, oldest first.
func (p *Provider) Streams() []*Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Stream, len(p.streams))
	copy(out, p.streams)
	return out
}

// Open counts streams that have not been closed.
func (p *Provider) Open() int {
	n := 0
	for _, s := range p.Streams() {
		if !s.Closed() {
			n++
		}
	}
	return n
}
