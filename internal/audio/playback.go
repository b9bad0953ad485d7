package audio

import (
	"sync"
	"time"
)

// Scheduler mirrors the client's gapless playback queue: each chunk starts at
// max(now, next) and pushes next forward by its duration. Reset drops
// everything still queued and rewinds next to the current clock value.
type Scheduler struct {
	mu   sync.Mutex
	now  func() time.Time
	next time.Time
}

// NewScheduler creates a scheduler reading time from now (time.Now if nil).
func NewScheduler(now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{now: now, next: now()}
}

// Schedule queues d of audio and returns the time it starts playing.
func (s *Scheduler) Schedule(d time.Duration) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.now()
	if s.next.After(start) {
		start = s.next
	}
	s.next = start.Add(d)
	return start
}

// Next is the earliest time a newly scheduled chunk could start.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Pending returns how much queued audio has not started playing yet.
func (s *Scheduler) Pending() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked(s.now())
}

// Reset stops all scheduled output and returns how much audio was discarded.
func (s *Scheduler) Reset() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	dropped := s.pendingLocked(now)
	s.next = now
	return dropped
}

func (s *Scheduler) pendingLocked(now time.Time) time.Duration {
	if !s.next.After(now) {
		return 0
	}
	return s.next.Sub(now)
}
