package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hubenschmidt/roleplay-relay/internal/metrics"
	"github.com/hubenschmidt/roleplay-relay/internal/wire"
)

// eventBuffer bounds how far the pump may run ahead of the consumer.
const eventBuffer = 64

var errAlreadyOpened = errors.New("upstream adapter already opened")

// Adapter owns exactly one provider session. It is created closed; Open
// dials the provider, after which Events delivers the session's events in
// provider order until the channel is closed.
type Adapter struct {
	provider Provider
	log      *slog.Logger

	mu     sync.Mutex
	stream Stream
	opened bool
	closed bool

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewAdapter creates an unopened adapter.
func NewAdapter(provider Provider, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		provider: provider,
		log:      log,
		events:   make(chan Event, eventBuffer),
		done:     make(chan struct{}),
	}
}

// Open connects to the provider. On success the first event is EventOpen.
// Credential problems are reported as ErrMissingCredential without dialling.
func (a *Adapter) Open(ctx context.Context, instruction string) error {
	a.mu.Lock()
	if a.opened {
		a.mu.Unlock()
		return errAlreadyOpened
	}
	a.opened = true
	a.mu.Unlock()

	start := time.Now()
	stream, err := a.provider.Connect(ctx, instruction)
	if err != nil {
		a.finish()
		return fmt.Errorf("upstream connect: %w", err)
	}
	metrics.UpstreamOpenDuration.Observe(time.Since(start).Seconds())

	a.mu.Lock()
	if a.closed {
		// Close raced the handshake; drop the fresh stream.
		a.mu.Unlock()
		_ = stream.Close()
		return net.ErrClosed
	}
	a.stream = stream
	a.mu.Unlock()

	metrics.UpstreamOpened.Inc()
	metrics.UpstreamActive.Inc()

	a.events <- Event{Kind: EventOpen}
	go a.pump(stream)
	return nil
}

// Events returns the ordered event channel. It is closed after the final
// EventClose/EventError, or when Close is called.
func (a *Adapter) Events() <-chan Event {
	return a.events
}

// Send forwards one media frame. It is a silent no-op before Open succeeds
// and after Close.
func (a *Adapter) Send(ctx context.Context, frame wire.MediaFrame) error {
	a.mu.Lock()
	stream := a.stream
	closed := a.closed
	a.mu.Unlock()

	if stream == nil || closed {
		return nil
	}
	if err := stream.Send(ctx, frame); err != nil {
		if a.isClosed() {
			return nil
		}
		return fmt.Errorf("upstream send %s: %w", frame.Kind(), err)
	}
	return nil
}

// Close terminates the session. It is idempotent; after it returns no
// further events are delivered.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		stream := a.stream
		a.mu.Unlock()

		close(a.done)
		if stream == nil {
			return
		}
		metrics.UpstreamActive.Dec()
		err = stream.Close()
	})
	return err
}

func (a *Adapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// finish marks a never-established adapter as closed.
func (a *Adapter) finish() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		close(a.done)
		close(a.events)
	})
}

func (a *Adapter) pump(stream Stream) {
	defer close(a.events)

	for {
		msg, err := stream.Recv()
		if err != nil {
			if a.isClosed() {
				return
			}
			a.emit(terminalEvent(err))
			return
		}
		if !a.emit(Event{Kind: EventMessage, Message: msg}) {
			return
		}
	}
}

func (a *Adapter) emit(ev Event) bool {
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case a.events <- ev:
		return true
	case <-a.done:
		return false
	}
}

func terminalEvent(err error) Event {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return Event{Kind: EventClose}
	}
	metrics.Errors.WithLabelValues("upstream", "recv").Inc()
	return Event{Kind: EventError, Err: fmt.Errorf("upstream recv: %w", err)}
}
