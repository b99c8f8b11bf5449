// Package progress keeps the latest known answer for each in-flight or
// just-settled turn until a poller collects it.
package progress

import (
	"sync"
	"time"

	"github.com/clawinfra/bingrelay/internal/upstream"
)

type entry struct {
	answer    upstream.Answer
	updatedAt time.Time
}

// Store maps turn ids to their latest answer. Every method is atomic with
// respect to the others; callers never need their own locking.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Put records a as the latest answer for id, replacing any previous one.
func (s *Store) Put(id string, a upstream.Answer) {
	s.mu.Lock()
	s.entries[id] = entry{answer: a, updatedAt: s.now()}
	s.mu.Unlock()
}

// Get returns the latest answer for id.
func (s *Store) Get(id string) (upstream.Answer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e.answer, ok
}

// TakeIfDone returns the latest answer for id and removes it when it is done.
// A done answer is therefore returned by exactly one call.
func (s *Store) TakeIfDone(id string) (upstream.Answer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if ok && e.answer.Done {
		delete(s.entries, id)
	}
	return e.answer, ok
}

// Update applies fn to the stored answer for id, if there is one, and
// returns the result.
func (s *Store) Update(id string, fn func(*upstream.Answer)) (upstream.Answer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return upstream.Answer{}, false
	}
	fn(&e.answer)
	e.updatedAt = s.now()
	s.entries[id] = e
	return e.answer, true
}

// Sweep drops done answers last updated before now-retention and returns
// how many were removed. Answers still streaming are left alone.
func (s *Store) Sweep(now time.Time, retention time.Duration) int {
	cutoff := now.Add(-retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.entries {
		if e.answer.Done && e.updatedAt.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of stored answers.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
