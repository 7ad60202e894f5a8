package engine

import "sync"

// publishSignal is a broadcast: every waiter holding the current channel is
// released when it is closed, and a fresh channel takes its place.
type publishSignal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newPublishSignal() *publishSignal {
	return &publishSignal{ch: make(chan struct{})}
}

// wait returns the channel the next notify will close
func (s *publishSignal) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *publishSignal) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.ch)
	s.ch = make(chan struct{})
}
