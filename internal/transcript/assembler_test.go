package transcript

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/roleplay-relay/internal/audio"
	"github.com/hubenschmidt/roleplay-relay/internal/upstream"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestAssembler_CustomerDeltasCommitOnTurnComplete(t *testing.T) {
	a := New()

	assert.Empty(t, a.Apply(&upstream.Message{OutputTranscript: "您好"}))
	assert.Empty(t, a.Apply(&upstream.Message{OutputTranscript: "，请问"}))
	got := a.Apply(&upstream.Message{TurnComplete: true})

	require.Len(t, got, 1)
	assert.Equal(t, RoleCustomer, got[0].Role)
	assert.Equal(t, "您好，请问", got[0].Text)
	assert.False(t, got[0].Interrupted)
	assert.Empty(t, a.Pending(RoleCustomer))
}

func TestAssembler_OneUtterancePerRolePerCompletion(t *testing.T) {
	a := New()
	a.Apply(&upstream.Message{InputTranscript: "这个", OutputTranscript: "好的"})
	a.Apply(&upstream.Message{InputTranscript: "多少钱", OutputTranscript: "，三百"})
	got := a.Apply(&upstream.Message{TurnComplete: true})

	require.Len(t, got, 2)
	assert.Equal(t, Utterance{Role: RoleTrainee, Text: "这个多少钱", Timestamp: got[0].Timestamp}, got[0])
	assert.Equal(t, Utterance{Role: RoleCustomer, Text: "好的，三百", Timestamp: got[1].Timestamp}, got[1])

	// A second completion with nothing buffered commits nothing.
	assert.Empty(t, a.Apply(&upstream.Message{TurnComplete: true}))
	assert.Len(t, a.History(), 2)
}

func TestAssembler_SameMessageDeltaAndTurnComplete(t *testing.T) {
	a := New()
	got := a.Apply(&upstream.Message{OutputTranscript: "再见", TurnComplete: true})
	require.Len(t, got, 1)
	assert.Equal(t, "再见", got[0].Text)
}

func TestAssembler_BlankBuffersNeverCommit(t *testing.T) {
	for _, deltas := range [][]string{nil, {""}, {" ", "\n", "\t "}} {
		a := New()
		for _, d := range deltas {
			a.AppendTrainee(d)
			a.AppendCustomer(d)
		}
		a.CompleteTurn()
		assert.Empty(t, a.History(), "deltas %q", deltas)
		assert.Empty(t, a.Pending(RoleTrainee))
		assert.Empty(t, a.Pending(RoleCustomer))
	}
}

func TestAssembler_InterruptionCommitsMarkedAndResetsPlayback(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	playback := audio.NewScheduler(clk.Now)
	playback.Schedule(3 * time.Second)

	var hookFired bool
	a := New(WithClock(clk.Now), WithInterruptHook(func() {
		hookFired = true
		playback.Reset()
	}))

	a.Apply(&upstream.Message{OutputTranscript: "那这个价格"})
	clk.advance(time.Second)
	got := a.Apply(&upstream.Message{Interrupted: true})

	require.Len(t, got, 1)
	assert.Equal(t, RoleCustomer, got[0].Role)
	assert.Equal(t, "那这个价格"+InterruptionMarker, got[0].Text)
	assert.True(t, got[0].Interrupted)
	assert.Empty(t, a.Pending(RoleCustomer))

	assert.True(t, hookFired)
	assert.Equal(t, clk.t, playback.Next())
	assert.Zero(t, playback.Pending())
}

func TestAssembler_InterruptionOnEmptyBuffer(t *testing.T) {
	fired := 0
	a := New(WithInterruptHook(func() { fired++ }))
	a.AppendTrainee("我想问")

	assert.Empty(t, a.Apply(&upstream.Message{Interrupted: true}))
	assert.Equal(t, 1, fired, "playback reset happens even with nothing to commit")
	assert.Equal(t, "我想问", a.Pending(RoleTrainee), "trainee buffer is not affected")
}

func TestAssembler_CloseFlushesExactlyOnce(t *testing.T) {
	var commits []Utterance
	a := New(WithCommitHook(func(u Utterance) { commits = append(commits, u) }))
	a.Apply(&upstream.Message{OutputTranscript: "您好", TurnComplete: true})
	a.AppendTrainee("我觉得")

	history := a.Close()
	require.Len(t, history, 2)
	assert.Equal(t, Utterance{Role: RoleTrainee, Text: "我觉得", Timestamp: history[1].Timestamp}, history[1])

	// Nothing after close is committed, and closing again does not duplicate.
	a.AppendTrainee("还有")
	a.Apply(&upstream.Message{OutputTranscript: "x", TurnComplete: true})
	assert.Equal(t, history, a.Close())
	assert.Len(t, commits, 2)
}

func TestAssembler_TimestampsNeverDecrease(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	a := New(WithClock(clk.Now))

	a.Apply(&upstream.Message{InputTranscript: "一", TurnComplete: true})
	clk.advance(-time.Minute)
	a.Apply(&upstream.Message{InputTranscript: "二", TurnComplete: true})

	h := a.History()
	require.Len(t, h, 2)
	assert.False(t, h[1].Timestamp.Before(h[0].Timestamp))
}

func TestAssembler_HistoryIsACopy(t *testing.T) {
	a := New()
	a.Apply(&upstream.Message{InputTranscript: "原话", TurnComplete: true})

	h := a.History()
	h[0].Text = "篡改"
	assert.Equal(t, "原话", a.History()[0].Text)
}

func TestAssembler_FlushKeepsAssemblerOpen(t *testing.T) {
	a := New()
	a.AppendCustomer("半句")
	got := a.Flush()
	require.Len(t, got, 1)

	a.Apply(&upstream.Message{InputTranscript: "继续", TurnComplete: true})
	assert.Len(t, a.History(), 2)
}
