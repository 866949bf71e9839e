// Package alert collects user-facing error notices with dedup.
package alert

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/lingopod/avatarclient/internal/bus"
)

// Common alert texts.
const (
	MsgConnectionLost = "Connection to the tutor was lost. Please check your network and try again."
	MsgTranslation    = "Something failed when attempting to translate this message, try again later"
	MsgFeedback       = "Something failed when attempting to get feedback for this message, try again later"
	MsgUnexpected     = "An unexpected error occurred. Please try again later."
	MsgNoTemplate     = "Missing lesson template, please reload or try again"
)

// Alerter raises each alert key at most once until cleared. The UI layer
// consumes alerts via callback or bus events.
type Alerter struct {
	logger zerolog.Logger
	bus    *bus.EventBus

	mu      sync.Mutex
	active  map[string]string
	onAlert func(key, message string)
}

// New creates an Alerter. eventBus may be nil.
func New(logger zerolog.Logger, eventBus *bus.EventBus) *Alerter {
	return &Alerter{
		logger: logger.With().Str("component", "alert").Logger(),
		bus:    eventBus,
		active: make(map[string]string),
	}
}

// SetOnAlert registers a callback fired for each newly raised alert.
func (a *Alerter) SetOnAlert(fn func(key, message string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onAlert = fn
}

// Raise shows message for key. A key already active is not raised again.
// Returns true if the alert was newly raised.
func (a *Alerter) Raise(key, message string) bool {
	a.mu.Lock()
	if _, ok := a.active[key]; ok {
		a.mu.Unlock()
		return false
	}
	a.active[key] = message
	cb := a.onAlert
	a.mu.Unlock()

	a.logger.Warn().Str("key", key).Str("message", message).Msg("Alert raised")
	if cb != nil {
		cb(key, message)
	}
	if a.bus != nil {
		a.bus.Publish(bus.Event{Type: bus.EventTypeAlert, Data: map[string]any{"key": key, "message": message}})
	}
	return true
}

// Clear dismisses one alert key so it may fire again.
func (a *Alerter) Clear(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.active, key)
}

// Active returns the currently raised alerts.
func (a *Alerter) Active() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string, len(a.active))
	for k, v := range a.active {
		out[k] = v
	}
	return out
}

// Reset dismisses everything, e.g. after a successful reconnect.
func (a *Alerter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = make(map[string]string)
}
