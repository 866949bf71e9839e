package playback

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lingopod/avatarclient/internal/audio"
)

// Strategy decides how finalized buffers reach the scheduler. It is chosen
// once at startup; components submit audio without caring which one runs.
type Strategy interface {
	Name() string
	Submit(item Item) error
	// FlushTurn forces any held audio for a turn out immediately.
	FlushTurn(turnID string)
	Close()
}

// Capabilities describe what the output platform can do.
type Capabilities struct {
	// SupportsStreaming is false on platforms that glitch when buffers are
	// appended mid-playback; those get the coalescing strategy.
	SupportsStreaming bool
}

// SelectStrategy maps a config value (auto, streaming, coalescing) and the
// probed capabilities to a concrete strategy.
func SelectStrategy(name string, caps Capabilities, logger zerolog.Logger, s *Scheduler, quietWindow time.Duration) Strategy {
	switch name {
	case "streaming":
		return NewStreamingStrategy(s)
	case "coalescing":
		return NewCoalescingStrategy(logger, s, quietWindow)
	default:
		if caps.SupportsStreaming {
			return NewStreamingStrategy(s)
		}
		return NewCoalescingStrategy(logger, s, quietWindow)
	}
}

// StreamingStrategy hands buffers straight to the scheduler as they
// finalize, so playback starts while later audio is still arriving.
type StreamingStrategy struct {
	scheduler *Scheduler
}

func NewStreamingStrategy(s *Scheduler) *StreamingStrategy {
	return &StreamingStrategy{scheduler: s}
}

func (st *StreamingStrategy) Name() string { return "streaming" }

func (st *StreamingStrategy) Submit(item Item) error {
	return st.scheduler.Enqueue(item)
}

func (st *StreamingStrategy) FlushTurn(string) {}

func (st *StreamingStrategy) Close() {}

// CoalescingStrategy holds a turn's buffers until no new one has arrived
// for a quiet window, then merges them and plays the turn as a single
// buffer. This is the path for outputs that cannot stream appends.
type CoalescingStrategy struct {
	logger    zerolog.Logger
	scheduler *Scheduler
	quiet     time.Duration

	mu      sync.Mutex
	pending map[string]*pendingTurn
	closed  bool
}

type pendingTurn struct {
	items []Item
	timer *time.Timer
}

func NewCoalescingStrategy(logger zerolog.Logger, s *Scheduler, quietWindow time.Duration) *CoalescingStrategy {
	if quietWindow <= 0 {
		quietWindow = 500 * time.Millisecond
	}
	return &CoalescingStrategy{
		logger:    logger.With().Str("component", "coalescing").Logger(),
		scheduler: s,
		quiet:     quietWindow,
		pending:   make(map[string]*pendingTurn),
	}
}

func (st *CoalescingStrategy) Name() string { return "coalescing" }

func (st *CoalescingStrategy) Submit(item Item) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return ErrStopped
	}

	p, ok := st.pending[item.TurnID]
	if !ok {
		p = &pendingTurn{}
		st.pending[item.TurnID] = p
	}
	p.items = append(p.items, item)

	if p.timer != nil {
		p.timer.Stop()
	}
	turnID := item.TurnID
	p.timer = time.AfterFunc(st.quiet, func() { st.FlushTurn(turnID) })
	return nil
}

// FlushTurn merges and enqueues everything held for turnID.
func (st *CoalescingStrategy) FlushTurn(turnID string) {
	st.mu.Lock()
	p, ok := st.pending[turnID]
	if !ok {
		st.mu.Unlock()
		return
	}
	delete(st.pending, turnID)
	if p.timer != nil {
		p.timer.Stop()
	}
	items := p.items
	st.mu.Unlock()

	if len(items) == 0 {
		return
	}
	merged := mergeItems(items)
	st.logger.Debug().Str("turnID", turnID).Int("parts", len(items)).Msg("Coalesced turn audio")
	if err := st.scheduler.Enqueue(merged); err != nil {
		st.logger.Warn().Err(err).Str("turnID", turnID).Msg("Coalesced enqueue failed")
	}
}

func (st *CoalescingStrategy) Close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
	for _, p := range st.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	st.pending = make(map[string]*pendingTurn)
}

// mergeItems concatenates PCM of items that share a turn. A turn's chunks
// come from one synthesis pass, so sample rate and channel count match.
func mergeItems(items []Item) Item {
	first := items[0]
	if len(items) == 1 {
		return first
	}
	total := 0
	for _, it := range items {
		if it.Buffer != nil {
			total += len(it.Buffer.PCM)
		}
	}
	pcm := make([]int16, 0, total)
	for _, it := range items {
		if it.Buffer == nil {
			continue
		}
		pcm = append(pcm, it.Buffer.PCM...)
	}
	return Item{
		TurnID: first.TurnID,
		Source: first.Source,
		Buffer: &audio.Buffer{
			SampleRate: first.Buffer.SampleRate,
			Channels:   first.Buffer.Channels,
			PCM:        pcm,
		},
	}
}
