// Package history keeps a rolling, time-windowed log of similarity scores
// per session, with an event channel for live broadcast to clients.
package history

import (
	"sync"
	"time"
)

// Event is emitted for every recorded score.
type Event struct {
	SessionID int
	MasterID  string
	Score     float32
}

// Entry is one stored score.
type Entry struct {
	Timestamp time.Time
	SessionID int
	MasterID  string
	Score     float32
}

// Store is the interface the engine records scores through.
type Store interface {
	Add(sessionID int, masterID string, score float32)
	Recent(sessionID int, window time.Duration) []Entry
	Drop(sessionID int)
	Events() <-chan Event
}

// MemoryStore implements an in-memory rolling score log.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  []Entry
	maxSize  int
	eventsCh chan Event
}

// NewStore creates a store keeping at most maxEntries scores.
func NewStore(maxEntries, eventBuffer int) *MemoryStore {
	return &MemoryStore{
		entries:  make([]Entry, 0, maxEntries),
		maxSize:  maxEntries,
		eventsCh: make(chan Event, eventBuffer),
	}
}

// Add records a score and emits an event. The event channel is best-effort:
// a slow consumer drops events rather than stalling the scorer.
func (s *MemoryStore) Add(sessionID int, masterID string, score float32) {
	s.mu.Lock()
	s.entries = append(s.entries, Entry{
		Timestamp: time.Now(),
		SessionID: sessionID,
		MasterID:  masterID,
		Score:     score,
	})
	if len(s.entries) > s.maxSize {
		s.entries = s.entries[len(s.entries)-s.maxSize:]
	}
	s.mu.Unlock()

	select {
	case s.eventsCh <- Event{SessionID: sessionID, MasterID: masterID, Score: score}:
	default:
	}
}

// Recent returns the session's scores from the last window, oldest first.
func (s *MemoryStore) Recent(sessionID int, window time.Duration) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	var out []Entry
	for _, e := range s.entries {
		if e.SessionID == sessionID && e.Timestamp.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// Drop discards all entries for a session, called when the session ends.
func (s *MemoryStore) Drop(sessionID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.SessionID != sessionID {
			kept = append(kept, e)
		}
	}
	s.entries = kept
}

// Events returns the broadcast channel.
func (s *MemoryStore) Events() <-chan Event {
	return s.eventsCh
}
