// Package lifecycle holds the process-wide active flag read at every
// suspension point of a fetch.
package lifecycle

import "sync/atomic"

// State is an atomic active flag with an explicit start/shutdown lifecycle.
type State struct {
	active atomic.Bool
}

// New returns an inactive State.
func New() *State {
	return &State{}
}

// NewActive returns a State that is already started.
func NewActive() *State {
	s := New()
	s.Start()
	return s
}

// Start marks the process active.
func (s *State) Start() {
	s.active.Store(true)
}

// Shutdown marks the process inactive. It returns false if it was not active.
func (s *State) Shutdown() bool {
	return s.active.Swap(false)
}

// IsActive reports whether the process is running.
func (s *State) IsActive() bool {
	return s.active.Load()
}
