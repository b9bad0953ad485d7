package transcript

import (
	"sync"
	"time"
)

// Record is the hand-off produced when a client connection ends.
type Record struct {
	SessionID string      `json:"session_id"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   time.Time   `json:"ended_at"`
	History   []Utterance `json:"history"`
}

type archived struct {
	rec     Record
	expires time.Time
}

// Archive holds finished histories in memory until the evaluation request
// picks them up or they expire. Nothing is written to disk.
type Archive struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]archived
}

// NewArchive creates an archive whose records live for ttl.
func NewArchive(ttl time.Duration, now func() time.Time) *Archive {
	if now == nil {
		now = time.Now
	}
	return &Archive{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]archived),
	}
}

// Put stores rec, replacing any record with the same session id, and
// evicts expired records.
func (a *Archive) Put(rec Record) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.pruneLocked(now)
	a.entries[rec.SessionID] = archived{rec: rec, expires: now.Add(a.ttl)}
}

// Get returns the record for id if it has not expired.
func (a *Archive) Get(id string) (Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[id]
	if !ok {
		return Record{}, false
	}
	if !a.now().Before(e.expires) {
		delete(a.entries, id)
		return Record{}, false
	}
	return e.rec, true
}

// Len counts live records.
func (a *Archive) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked(a.now())
	return len(a.entries)
}

func (a *Archive) pruneLocked(now time.Time) {
	for id, e := range a.entries {
		if !now.Before(e.expires) {
			delete(a.entries, id)
		}
	}
}
