package upstream_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/roleplay-relay/internal/upstream"
	"github.com/hubenschmidt/roleplay-relay/internal/upstream/upstreamtest"
	"github.com/hubenschmidt/roleplay-relay/internal/wire"
)

func nextEvent(t *testing.T, a *upstream.Adapter) (upstream.Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-a.Events():
		return ev, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for adapter event")
		return upstream.Event{}, false
	}
}

func TestAdapter_EventOrder(t *testing.T) {
	p := &upstreamtest.Provider{}
	a := upstream.NewAdapter(p, nil)
	require.NoError(t, a.Open(context.Background(), "persona"))
	defer a.Close()

	s := p.Streams()[0]
	assert.Equal(t, "persona", s.Instruction)

	s.Push(&upstream.Message{OutputTranscript: "您好"})
	s.Push(&upstream.Message{OutputTranscript: "，请问", TurnComplete: true})
	s.End()

	ev, _ := nextEvent(t, a)
	assert.Equal(t, upstream.EventOpen, ev.Kind)
	ev, _ = nextEvent(t, a)
	assert.Equal(t, "您好", ev.Message.OutputTranscript)
	ev, _ = nextEvent(t, a)
	assert.True(t, ev.Message.TurnComplete)
	ev, _ = nextEvent(t, a)
	assert.Equal(t, upstream.EventClose, ev.Kind)
	_, ok := nextEvent(t, a)
	assert.False(t, ok, "channel closes after the terminal event")
}

func TestAdapter_RecvErrorIsTerminal(t *testing.T) {
	p := &upstreamtest.Provider{}
	a := upstream.NewAdapter(p, nil)
	require.NoError(t, a.Open(context.Background(), "persona"))
	defer a.Close()

	p.Streams()[0].Fail(errors.New("policy violation"))

	ev, _ := nextEvent(t, a)
	require.Equal(t, upstream.EventOpen, ev.Kind)
	ev, _ = nextEvent(t, a)
	require.Equal(t, upstream.EventError, ev.Kind)
	assert.ErrorContains(t, ev.Err, "policy violation")
}

func TestAdapter_SendBeforeOpenIsNoop(t *testing.T) {
	a := upstream.NewAdapter(&upstreamtest.Provider{}, nil)
	err := a.Send(context.Background(), wire.NewMediaFrame("audio/pcm;rate=16000", []byte{0, 0}))
	assert.NoError(t, err)
	assert.NoError(t, a.Close())
}

func TestAdapter_SendForwardsFrames(t *testing.T) {
	p := &upstreamtest.Provider{}
	a := upstream.NewAdapter(p, nil)
	require.NoError(t, a.Open(context.Background(), "persona"))
	defer a.Close()

	audio := wire.NewMediaFrame("audio/pcm;rate=16000", []byte{1, 2})
	image := wire.NewMediaFrame("image/jpeg", []byte{3})
	require.NoError(t, a.Send(context.Background(), audio))
	require.NoError(t, a.Send(context.Background(), image))

	assert.Equal(t, []wire.MediaFrame{audio, image}, p.Streams()[0].Sent())
}

func TestAdapter_CloseIsIdempotentAndSilencesEvents(t *testing.T) {
	p := &upstreamtest.Provider{}
	a := upstream.NewAdapter(p, nil)
	require.NoError(t, a.Open(context.Background(), "persona"))

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.True(t, p.Streams()[0].Closed())

	// Sends after close are dropped without error.
	assert.NoError(t, a.Send(context.Background(), wire.NewMediaFrame("image/jpeg", []byte{1})))
	assert.Empty(t, p.Streams()[0].Sent())

	// Only the buffered open event may remain; no close/error is delivered.
	for ev := range a.Events() {
		assert.Equal(t, upstream.EventOpen, ev.Kind)
	}
}

func TestAdapter_ConnectFailure(t *testing.T) {
	p := &upstreamtest.Provider{Err: upstream.ErrMissingCredential}
	a := upstream.NewAdapter(p, nil)

	err := a.Open(context.Background(), "persona")
	require.Error(t, err)
	assert.ErrorIs(t, err, upstream.ErrMissingCredential)
	assert.Empty(t, p.Streams())
	assert.NoError(t, a.Send(context.Background(), wire.NewMediaFrame("image/jpeg", []byte{1})))
	assert.NoError(t, a.Close())
}

func TestAdapter_OpenTwiceFails(t *testing.T) {
	p := &upstreamtest.Provider{}
	a := upstream.NewAdapter(p, nil)
	require.NoError(t, a.Open(context.Background(), "persona"))
	defer a.Close()

	assert.Error(t, a.Open(context.Background(), "persona"))
	assert.Len(t, p.Streams(), 1)
}
