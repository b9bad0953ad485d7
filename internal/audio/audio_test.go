package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func TestParseMIME(t *testing.T) {
	spec, err := ParseMIME("audio/pcm;rate=24000")
	require.NoError(t, err)
	assert.Equal(t, Spec{Codec: CodecPCM, SampleRate: 24000, BytesPerSample: 2}, spec)

	spec, err = ParseMIME("audio/pcm")
	require.NoError(t, err)
	assert.Equal(t, 16000, spec.SampleRate)

	spec, err = ParseMIME("audio/PCMU")
	require.NoError(t, err)
	assert.Equal(t, CodecG711Ulaw, spec.Codec)

	_, err = ParseMIME("audio/l16")
	assert.Error(t, err, "l16 requires an explicit rate")

	_, err = ParseMIME("audio/pcm;rate=fast")
	assert.Error(t, err)

	_, err = ParseMIME("audio/opus")
	assert.Error(t, err)
}

func TestSpecDuration(t *testing.T) {
	spec := Spec{Codec: CodecPCM, SampleRate: 24000, BytesPerSample: 2}
	// 24kHz mono PCM16 => 48000 bytes per second.
	assert.Equal(t, time.Second, spec.Duration(48000))
	assert.Equal(t, 20*time.Millisecond, spec.Duration(960))
	assert.Equal(t, time.Duration(0), spec.Duration(0))
}

func TestScheduler_GaplessQueue(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	s := NewScheduler(clk.Now)

	first := s.Schedule(500 * time.Millisecond)
	second := s.Schedule(500 * time.Millisecond)
	assert.Equal(t, clk.t, first)
	assert.Equal(t, clk.t.Add(500*time.Millisecond), second)
	assert.Equal(t, time.Second, s.Pending())

	// After the queue drains, the next chunk starts at the current time.
	clk.t = clk.t.Add(3 * time.Second)
	assert.Equal(t, time.Duration(0), s.Pending())
	assert.Equal(t, clk.t, s.Schedule(100*time.Millisecond))
}

func TestScheduler_ResetRewindsToNow(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	s := NewScheduler(clk.Now)
	s.Schedule(2 * time.Second)

	clk.t = clk.t.Add(500 * time.Millisecond)
	dropped := s.Reset()

	assert.Equal(t, 1500*time.Millisecond, dropped)
	assert.Equal(t, clk.t, s.Next())
	assert.Equal(t, time.Duration(0), s.Pending())
}
