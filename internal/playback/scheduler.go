// Package playback schedules decoded turn audio for gapless output and
// owns the lip-sync driver lifecycle around it.
package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lingopod/avatarclient/internal/analysis"
	"github.com/lingopod/avatarclient/internal/audio"
	"github.com/lingopod/avatarclient/internal/bus"
	"github.com/lingopod/avatarclient/internal/lipsync"
)

// Item is one scheduled piece of audio.
type Item struct {
	TurnID string
	Buffer *audio.Buffer
	Source lipsync.Source
}

// Config tunes queueing and the prebuffer gate.
type Config struct {
	QueueCap         int
	PrebufferChunks  int           // start once this many items are queued...
	PrebufferTimeout time.Duration // ...or this much time has passed
}

// DefaultConfig mirrors production: start after 2 buffers or 250ms.
func DefaultConfig() *Config {
	return &Config{
		QueueCap:         50,
		PrebufferChunks:  2,
		PrebufferTimeout: 250 * time.Millisecond,
	}
}

// ErrStopped is returned by Enqueue after Close.
var ErrStopped = errors.New("playback: scheduler closed")

// Callbacks fire around each item. OnPlayStart and OnPlayEnd are invoked
// exactly once per item that starts; an item interrupted by a hard Stop
// gets no OnPlayEnd.
type Callbacks struct {
	OnPlayStart func(Item)
	OnPlayEnd   func(Item)
}

// Scheduler drains a bounded queue through a Sink, one item at a time.
type Scheduler struct {
	logger   zerolog.Logger
	config   *Config
	bus      *bus.EventBus
	sink     Sink
	output   audio.Output
	driver   *lipsync.Driver
	spectrum *analysis.Spectrum

	mu            sync.Mutex
	queue         []Item
	callbacks     Callbacks
	notify        chan struct{}
	idleCh        chan struct{} // closed whenever the scheduler is idle
	cancelCurrent context.CancelFunc
	currentTurn   string // turn id of the item being played
	skipEnd       bool   // hard stop: suppress OnPlayEnd for the current item
	playing       bool
	closed        bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler wires a scheduler over the given sink. driver and spectrum
// may be nil when lip-sync is not wanted (e.g. in pipeline tests).
func NewScheduler(logger zerolog.Logger, cfg *Config, eventBus *bus.EventBus, sink Sink, output audio.Output, driver *lipsync.Driver, spectrum *analysis.Spectrum) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if output == nil {
		output = audio.AlwaysRunningOutput{}
	}
	idle := make(chan struct{})
	close(idle)
	return &Scheduler{
		logger:   logger.With().Str("component", "scheduler").Logger(),
		config:   cfg,
		bus:      eventBus,
		sink:     sink,
		output:   output,
		driver:   driver,
		spectrum: spectrum,
		notify:   make(chan struct{}, 1),
		idleCh:   idle,
	}
}

// SetCallbacks registers playback lifecycle callbacks. Call before Start.
func (s *Scheduler) SetCallbacks(cb Callbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = cb
}

func (s *Scheduler) publish(t bus.EventType, data map[string]any) {
	if s.bus != nil {
		s.bus.Publish(bus.Event{Type: t, Data: data})
	}
}

// Start launches the drain loop. It runs until ctx is canceled or Close.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.drainLoop(ctx)
	}()
}

// Enqueue adds an item. At capacity the oldest queued item is dropped so
// fresh audio keeps flowing.
func (s *Scheduler) Enqueue(item Item) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStopped
	}
	if len(s.queue) >= s.config.QueueCap {
		dropped := s.queue[0]
		s.queue = s.queue[1:]
		s.logger.Warn().Str("turnID", dropped.TurnID).Int("cap", s.config.QueueCap).Msg("Queue full, dropping oldest item")
		s.publish(bus.EventTypePlaybackDropped, map[string]any{"turnID": dropped.TurnID})
	}
	s.queue = append(s.queue, item)
	// Leaving idle: arm the idle channel before waking the drain loop.
	select {
	case <-s.idleCh:
		s.idleCh = make(chan struct{})
	default:
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// ClearForTurn drops every item belonging to turnID: queued items are
// removed and, if the item currently playing belongs to the turn, it is
// interrupted the same way Stop interrupts (no OnPlayEnd). Other turns'
// audio is untouched.
func (s *Scheduler) ClearForTurn(turnID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.queue[:0]
	removed := 0
	for _, it := range s.queue {
		if it.TurnID == turnID {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	s.queue = kept
	if s.currentTurn == turnID && s.cancelCurrent != nil {
		s.skipEnd = true
		s.cancelCurrent()
		removed++
	}
	if removed > 0 {
		s.logger.Debug().Str("turnID", turnID).Int("removed", removed).Msg("Cleared audio for turn")
	}
}

// Stop is the hard stop: the current item is interrupted without an
// OnPlayEnd, the queue is emptied, and the mouth goes back to rest.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.queue = nil
	if s.cancelCurrent != nil {
		s.skipEnd = true
		s.cancelCurrent()
	}
	s.mu.Unlock()

	if s.driver != nil {
		s.driver.Stop()
	}
	if s.spectrum != nil {
		s.spectrum.Reset()
	}
	s.publish(bus.EventTypePlaybackStopped, nil)
}

// Close shuts the scheduler down after a hard stop.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	s.Stop()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Drain blocks until the queue is empty and nothing is playing.
func (s *Scheduler) Drain(ctx context.Context) error {
	for {
		s.mu.Lock()
		idle := len(s.queue) == 0 && !s.playing
		ch := s.idleCh
		s.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// QueueLen reports how many items wait behind the current one.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) drainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
		}

		if !s.waitPrebuffer(ctx) {
			return
		}
		s.runSession(ctx)
	}
}

// waitPrebuffer holds the first playback of a session until enough audio is
// queued or the timeout expires, so short network stalls do not cause an
// immediate underrun.
func (s *Scheduler) waitPrebuffer(ctx context.Context) bool {
	deadline := time.NewTimer(s.config.PrebufferTimeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		n := len(s.queue)
		s.mu.Unlock()
		if n == 0 || n >= s.config.PrebufferChunks {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			s.publish(bus.EventTypePrebufferTimeout, map[string]any{"queued": n})
			return true
		case <-s.notify:
		}
	}
}

// runSession plays queued items until the queue empties.
func (s *Scheduler) runSession(ctx context.Context) {
	started := false
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.setIdleLocked()
			s.mu.Unlock()
			break
		}
		item := s.queue[0]
		s.queue = s.queue[1:]
		s.playing = true
		s.currentTurn = item.TurnID
		playCtx, cancel := context.WithCancel(ctx)
		s.cancelCurrent = cancel
		s.skipEnd = false
		cb := s.callbacks
		s.mu.Unlock()

		if !started {
			started = true
			s.beginSession(ctx, item)
		}

		if s.spectrum != nil && item.Buffer != nil {
			s.spectrum.SetSampleRate(item.Buffer.SampleRate)
		}

		if cb.OnPlayStart != nil {
			cb.OnPlayStart(item)
		}
		s.publish(bus.EventTypePlaybackStarted, map[string]any{"turnID": item.TurnID})

		err := s.sink.Play(playCtx, item.Buffer)
		cancel()

		s.mu.Lock()
		s.cancelCurrent = nil
		s.currentTurn = ""
		interrupted := s.skipEnd || errors.Is(err, context.Canceled)
		s.skipEnd = false
		s.mu.Unlock()

		if err != nil && !interrupted {
			s.logger.Error().Err(err).Str("turnID", item.TurnID).Msg("Sink playback failed")
		}
		if !interrupted {
			if cb.OnPlayEnd != nil {
				cb.OnPlayEnd(item)
			}
			s.publish(bus.EventTypePlaybackEnded, map[string]any{"turnID": item.TurnID})
		}
		if ctx.Err() != nil {
			s.mu.Lock()
			s.setIdleLocked()
			s.mu.Unlock()
			return
		}
	}

	s.endSession()
}

func (s *Scheduler) beginSession(ctx context.Context, first Item) {
	if s.output.State() == audio.OutputSuspended {
		if err := s.output.Resume(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Output resume failed, playing anyway")
		}
	}
	if s.driver != nil && s.spectrum != nil {
		s.driver.Start(ctx, s.spectrum, first.Source)
	}
}

func (s *Scheduler) endSession() {
	if s.driver != nil {
		s.driver.Stop()
	}
	if s.spectrum != nil {
		s.spectrum.Reset()
	}
	s.publish(bus.EventTypeQueueDrained, nil)
}

// setIdleLocked marks the scheduler idle and releases Drain waiters.
func (s *Scheduler) setIdleLocked() {
	s.playing = false
	select {
	case <-s.idleCh:
		// already released
	default:
		close(s.idleCh)
	}
}
