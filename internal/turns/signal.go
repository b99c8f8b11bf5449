package turns

import "sync"

// signal is a one-shot, first-writer-wins handoff. Any number of goroutines
// may call fire; only the first value is delivered.
type signal[T any] struct {
	once sync.Once
	ch   chan T
}

func newSignal[T any]() *signal[T] {
	return &signal[T]{ch: make(chan T, 1)}
}

// fire delivers v if nothing was delivered before and reports whether it won.
func (s *signal[T]) fire(v T) bool {
	won := false
	s.once.Do(func() {
		s.ch <- v
		won = true
	})
	return won
}

// C yields the delivered value once.
func (s *signal[T]) C() <-chan T {
	return s.ch
}
