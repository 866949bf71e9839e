// Package turn accumulates streamed TTS audio chunks per assistant turn and
// decides when a turn's audio is complete.
package turn

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lingopod/avatarclient/internal/audio"
	"github.com/lingopod/avatarclient/internal/bus"
)

// State is the lifecycle of one turn's audio accumulation.
type State int

const (
	StateCollecting State = iota
	StateFinalizing
	StateDone
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

var (
	// ErrNotCollecting is returned when a chunk arrives for a turn that has
	// already finalized or been abandoned.
	ErrNotCollecting = errors.New("turn: not collecting")
	// ErrInterrupted is returned for chunks arriving after AbandonAll and
	// before the next turn legitimately starts.
	ErrInterrupted = errors.New("turn: interrupted, audio discarded")
	// ErrUnknownTurn is returned for operations on a turn never seen.
	ErrUnknownTurn = errors.New("turn: unknown turn")
)

// Config tunes finalization timing.
type Config struct {
	BaseDelay     time.Duration // inactivity window after a chunk
	TextEndDelay  time.Duration // shorter window once the text stream ended
	PerChunkDelay time.Duration // growth per accumulated chunk
	MaxChunks     int           // beyond this the oldest chunks are evicted
}

// DefaultConfig mirrors production timing: a turn with n chunks waits
// max(base, n*perChunk) after the last event before finalizing.
func DefaultConfig() *Config {
	return &Config{
		BaseDelay:     3 * time.Second,
		TextEndDelay:  1500 * time.Millisecond,
		PerChunkDelay: 500 * time.Millisecond,
		MaxChunks:     100,
	}
}

// Finalized is a completed turn handed to the finalize callback.
type Finalized struct {
	TurnID     string
	Data       []byte
	ChunkCount int
}

// FinalizeFunc consumes a finalized turn. A returned error completes the
// turn without audio; the error rides on the completion event so the
// message layer can mark the audio aspect failed.
type FinalizeFunc func(Finalized) error

type turnEntry struct {
	state  State
	chunks [][]byte
	timer  *time.Timer
	gen    uint64 // bumped on every re-arm; stale timer callbacks check it
}

// Accumulator collects audio chunks per turn and finalizes each turn
// exactly once: after an inactivity timeout, after a shortened post-text
// window, or on explicit flush, whichever fires first.
type Accumulator struct {
	logger   zerolog.Logger
	config   *Config
	bus      *bus.EventBus
	finalize FinalizeFunc

	mu     sync.Mutex
	turns  map[string]*turnEntry
	fenced bool // set by AbandonAll, lifted by Resume
}

// NewAccumulator creates an accumulator delivering completed turns to fn.
func NewAccumulator(logger zerolog.Logger, cfg *Config, eventBus *bus.EventBus, fn FinalizeFunc) *Accumulator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Accumulator{
		logger:   logger.With().Str("component", "accumulator").Logger(),
		config:   cfg,
		bus:      eventBus,
		finalize: fn,
		turns:    make(map[string]*turnEntry),
	}
}

func (a *Accumulator) publish(t bus.EventType, data map[string]any) {
	if a.bus != nil {
		a.bus.Publish(bus.Event{Type: t, Data: data})
	}
}

// delay computes the inactivity window for a turn with n chunks.
func (a *Accumulator) delay(base time.Duration, n int) time.Duration {
	scaled := time.Duration(n) * a.config.PerChunkDelay
	if scaled > base {
		return scaled
	}
	return base
}

// Append adds a chunk to a turn, creating the turn on first sight. The
// inactivity timer re-arms on every append. At the chunk cap the oldest
// chunks are evicted so the newest audio survives.
func (a *Accumulator) Append(turnID string, chunk []byte) error {
	a.mu.Lock()

	if a.fenced {
		a.mu.Unlock()
		return fmt.Errorf("%w (turn %s)", ErrInterrupted, turnID)
	}

	entry, ok := a.turns[turnID]
	if !ok {
		entry = &turnEntry{state: StateCollecting}
		a.turns[turnID] = entry
		a.publish(bus.EventTypeTurnStarted, map[string]any{"turnID": turnID})
	}

	if entry.state != StateCollecting {
		state := entry.state
		a.mu.Unlock()
		return fmt.Errorf("%w (turn %s is %s)", ErrNotCollecting, turnID, state)
	}

	if len(entry.chunks) >= a.config.MaxChunks {
		drop := len(entry.chunks) - a.config.MaxChunks + 1
		entry.chunks = append(entry.chunks[:0], entry.chunks[drop:]...)
		a.logger.Warn().Str("turnID", turnID).Int("dropped", drop).Int("cap", a.config.MaxChunks).Msg("Chunk cap reached, evicting oldest audio")
	}

	entry.chunks = append(entry.chunks, chunk)
	n := len(entry.chunks)
	a.armLocked(turnID, entry, a.delay(a.config.BaseDelay, n))
	a.mu.Unlock()

	a.logger.Debug().Str("turnID", turnID).Int("chunks", n).Int("bytes", len(chunk)).Msg("Chunk accumulated")
	a.publish(bus.EventTypeTurnChunk, map[string]any{"turnID": turnID, "chunks": n})
	return nil
}

// TextEnd signals that the text stream for a turn has completed, shrinking
// the inactivity window so playback starts sooner.
func (a *Accumulator) TextEnd(turnID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.turns[turnID]
	if !ok {
		return ErrUnknownTurn
	}
	if entry.state != StateCollecting {
		return nil // already on its way out
	}
	a.armLocked(turnID, entry, a.delay(a.config.TextEndDelay, len(entry.chunks)))
	return nil
}

// Flush finalizes a turn immediately.
func (a *Accumulator) Flush(turnID string) error {
	a.mu.Lock()
	entry, ok := a.turns[turnID]
	if !ok {
		a.mu.Unlock()
		return ErrUnknownTurn
	}
	a.beginFinalizeLocked(turnID, entry)
	a.mu.Unlock()
	return nil
}

// armLocked (re)starts the turn's inactivity timer. The generation check
// defuses a timer that already fired but was waiting on the mutex while a
// newer chunk re-armed the window.
func (a *Accumulator) armLocked(turnID string, entry *turnEntry, d time.Duration) {
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.gen++
	gen := entry.gen
	entry.timer = time.AfterFunc(d, func() {
		a.mu.Lock()
		e, ok := a.turns[turnID]
		if ok && e.gen == gen {
			a.beginFinalizeLocked(turnID, e)
		}
		a.mu.Unlock()
	})
}

// beginFinalizeLocked moves a collecting turn into finalizing and spawns
// the finalize callback. Any later trigger sees a non-collecting state and
// becomes a no-op, which is what makes finalization single-flight.
func (a *Accumulator) beginFinalizeLocked(turnID string, entry *turnEntry) {
	if entry.state != StateCollecting {
		return
	}
	entry.state = StateFinalizing
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	chunks := entry.chunks
	entry.chunks = nil

	go a.runFinalize(turnID, chunks)
}

func (a *Accumulator) runFinalize(turnID string, chunks [][]byte) {
	data := audio.Concatenate(chunks)
	a.logger.Info().Str("turnID", turnID).Int("chunks", len(chunks)).Int("bytes", len(data)).Msg("Finalizing turn audio")

	var err error
	if a.finalize != nil {
		err = a.finalize(Finalized{TurnID: turnID, Data: data, ChunkCount: len(chunks)})
	}

	a.mu.Lock()
	entry, ok := a.turns[turnID]
	if !ok || entry.state != StateFinalizing {
		a.mu.Unlock()
		return
	}
	// A finalize error still completes the turn; it just has no audio. The
	// completion event carries the error for the message layer.
	entry.state = StateDone
	a.mu.Unlock()

	payload := map[string]any{"turnID": turnID, "chunks": len(chunks)}
	if err != nil {
		a.logger.Error().Err(err).Str("turnID", turnID).Msg("Turn finalize failed, completing without audio")
		payload["error"] = err.Error()
	}
	a.publish(bus.EventTypeTurnFinalized, payload)
}

func (a *Accumulator) abandonLocked(turnID string, entry *turnEntry, reason string) {
	if entry.state == StateDone || entry.state == StateAbandoned {
		return
	}
	entry.state = StateAbandoned
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	entry.chunks = nil
	a.logger.Warn().Str("turnID", turnID).Str("reason", reason).Msg("Turn abandoned")
	a.publish(bus.EventTypeTurnAbandoned, map[string]any{"turnID": turnID, "reason": reason})
}

// Abandon drops a single turn's pending audio.
func (a *Accumulator) Abandon(turnID string, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if entry, ok := a.turns[turnID]; ok {
		a.abandonLocked(turnID, entry, reason)
	}
}

// AbandonAll drops every pending turn, e.g. when the user interrupts. It
// also fences the accumulator: chunks still in flight when the interrupt
// happened are discarded on arrival, even for turn ids never seen, until
// Resume lifts the fence.
func (a *Accumulator) AbandonAll(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fenced = true
	for id, entry := range a.turns {
		a.abandonLocked(id, entry, reason)
	}
}

// Resume lifts the post-interrupt fence. Called when the next turn
// legitimately begins (a new bot text stream or conversation).
func (a *Accumulator) Resume() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fenced {
		a.fenced = false
		a.logger.Debug().Msg("Accepting turn audio again")
	}
}

// StateOf reports a turn's state.
func (a *Accumulator) StateOf(turnID string) (State, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.turns[turnID]
	if !ok {
		return 0, false
	}
	return entry.state, true
}

// PendingChunks returns how many chunks a collecting turn holds.
func (a *Accumulator) PendingChunks(turnID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if entry, ok := a.turns[turnID]; ok {
		return len(entry.chunks)
	}
	return 0
}

// Forget drops bookkeeping for completed turns. Useful once the scheduler
// has consumed the audio and replay goes through the cache.
func (a *Accumulator) Forget(turnID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if entry, ok := a.turns[turnID]; ok && entry.state != StateCollecting && entry.state != StateFinalizing {
		delete(a.turns, turnID)
	}
}

// Close stops all timers without finalizing anything.
func (a *Accumulator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, entry := range a.turns {
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
	}
}
