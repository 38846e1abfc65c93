package pipeline

import "sync"

// Slot is a single-holder admission slot. It is the only place that decides
// whether a pipeline may become active.
type Slot struct {
	mu     sync.Mutex
	holder string
}

// TryAcquire takes the slot for id if it is free. It never blocks or queues.
func (s *Slot) TryAcquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holder != "" {
		return false
	}
	s.holder = id
	return true
}

// Release frees the slot if id holds it.
func (s *Slot) Release(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holder != id || id == "" {
		return false
	}
	s.holder = ""
	return true
}

// Holder returns the id holding the slot, or "".
func (s *Slot) Holder() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holder
}

// Reset forces the slot to id ("" frees it). Used when restoring a snapshot.
func (s *Slot) Reset(id string) {
	s.mu.Lock()
	s.holder = id
	s.mu.Unlock()
}
