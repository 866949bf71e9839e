// Package lipsync drives the shared mouth signal sampled by the render layer.
package lipsync

import "sync"

// Source identifies who is writing the signal. Live bot playback and cached
// replay both drive the same mouth; ownership keeps one from clobbering the
// other's teardown.
type Source string

const (
	SourceNone   Source = ""
	SourceBot    Source = "bot"
	SourceReplay Source = "replay"
)

// State is one frame of the mouth signal.
type State struct {
	ActiveSound      string
	ActiveMorphValue float64
	ActiveFrequency  float64
	Source           Source
}

// Idle is the resting state.
var Idle = State{ActiveSound: "none"}

// Signal is the single shared lip-sync value. Writers set whole frames,
// readers take snapshots; there is exactly one Signal per avatar.
type Signal struct {
	mu       sync.RWMutex
	state    State
	onChange func(State)
}

// NewSignal returns a Signal at rest.
func NewSignal() *Signal {
	return &Signal{state: Idle}
}

// SetOnChange registers a callback invoked (synchronously) on every write.
func (s *Signal) SetOnChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Set replaces the current frame.
func (s *Signal) Set(state State) {
	s.mu.Lock()
	s.state = state
	cb := s.onChange
	s.mu.Unlock()

	if cb != nil {
		cb(state)
	}
}

// Snapshot returns the current frame.
func (s *Signal) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Reset returns the signal to rest, but only if source currently owns it.
// A replay teardown must not blank a mouth the live bot has since taken
// over, and vice versa. Returns true if the reset applied.
func (s *Signal) Reset(source Source) bool {
	s.mu.Lock()
	if s.state.Source != source && s.state.Source != SourceNone {
		s.mu.Unlock()
		return false
	}
	s.state = Idle
	cb := s.onChange
	s.mu.Unlock()

	if cb != nil {
		cb(Idle)
	}
	return true
}
