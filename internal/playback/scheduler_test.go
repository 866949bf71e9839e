package playback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingopod/avatarclient/internal/audio"
	"github.com/lingopod/avatarclient/internal/lipsync"
)

// fakeSink plays for a fixed duration, honoring cancellation.
type fakeSink struct {
	mu       sync.Mutex
	playTime time.Duration
	played   []string
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) Play(ctx context.Context, buf *audio.Buffer) error {
	f.mu.Lock()
	d := f.playTime
	f.mu.Unlock()
	if d > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
	return nil
}

// recorder captures callback invocations.
type recorder struct {
	mu     sync.Mutex
	starts []string
	ends   []string
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnPlayStart: func(it Item) {
			r.mu.Lock()
			r.starts = append(r.starts, it.TurnID)
			r.mu.Unlock()
		},
		OnPlayEnd: func(it Item) {
			r.mu.Lock()
			r.ends = append(r.ends, it.TurnID)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.starts...), append([]string(nil), r.ends...)
}

func item(turnID string) Item {
	return Item{
		TurnID: turnID,
		Source: lipsync.SourceBot,
		Buffer: &audio.Buffer{SampleRate: 16000, Channels: 1, PCM: make([]int16, 160)},
	}
}

func fastSchedulerConfig() *Config {
	return &Config{
		QueueCap:         50,
		PrebufferChunks:  1,
		PrebufferTimeout: 10 * time.Millisecond,
	}
}

func newTestScheduler(t *testing.T, sink Sink, cfg *Config) (*Scheduler, *recorder) {
	t.Helper()
	if cfg == nil {
		cfg = fastSchedulerConfig()
	}
	s := NewScheduler(zerolog.Nop(), cfg, nil, sink, nil, nil, nil)
	rec := &recorder{}
	s.SetCallbacks(rec.callbacks())
	s.Start(context.Background())
	t.Cleanup(s.Close)
	return s, rec
}

func TestPlaysItemsInOrder(t *testing.T) {
	sink := &fakeSink{}
	s, rec := newTestScheduler(t, sink, nil)

	require.NoError(t, s.Enqueue(item("t1")))
	require.NoError(t, s.Enqueue(item("t2")))
	require.NoError(t, s.Enqueue(item("t3")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Drain(ctx))

	starts, ends := rec.snapshot()
	assert.Equal(t, []string{"t1", "t2", "t3"}, starts)
	assert.Equal(t, []string{"t1", "t2", "t3"}, ends)
}

func TestHardStopSuppressesOnPlayEnd(t *testing.T) {
	sink := &fakeSink{playTime: 200 * time.Millisecond}
	s, rec := newTestScheduler(t, sink, nil)

	require.NoError(t, s.Enqueue(item("t1")))
	require.NoError(t, s.Enqueue(item("t2")))

	require.Eventually(t, func() bool {
		starts, _ := rec.snapshot()
		return len(starts) == 1
	}, time.Second, 2*time.Millisecond)

	s.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Drain(ctx))

	starts, ends := rec.snapshot()
	assert.Equal(t, []string{"t1"}, starts, "queued item must not start after a hard stop")
	assert.Empty(t, ends, "interrupted item must not fire OnPlayEnd")
	assert.Zero(t, s.QueueLen())
}

func TestClearForTurnStopsCurrent(t *testing.T) {
	sink := &fakeSink{playTime: 400 * time.Millisecond}
	s, rec := newTestScheduler(t, sink, nil)

	require.NoError(t, s.Enqueue(item("t1")))
	require.Eventually(t, func() bool {
		starts, _ := rec.snapshot()
		return len(starts) == 1
	}, time.Second, 2*time.Millisecond)

	// Queue more of t1 and one of t2, then clear t1: the playing t1 item is
	// interrupted without OnPlayEnd, the queued t1 disappears, t2 still plays.
	require.NoError(t, s.Enqueue(item("t1")))
	require.NoError(t, s.Enqueue(item("t2")))
	s.ClearForTurn("t1")

	// t2 starting well inside t1's 400ms proves t1 was cut off.
	require.Eventually(t, func() bool {
		starts, _ := rec.snapshot()
		return len(starts) == 2
	}, 250*time.Millisecond, 2*time.Millisecond, "cleared item must not play out")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Drain(ctx))

	starts, ends := rec.snapshot()
	assert.Equal(t, []string{"t1", "t2"}, starts)
	assert.Equal(t, []string{"t2"}, ends, "interrupted item must not fire OnPlayEnd")
}

func TestClearForTurnKeepsOtherTurn(t *testing.T) {
	sink := &fakeSink{playTime: 150 * time.Millisecond}
	s, rec := newTestScheduler(t, sink, nil)

	require.NoError(t, s.Enqueue(item("t1")))
	require.Eventually(t, func() bool {
		starts, _ := rec.snapshot()
		return len(starts) == 1
	}, time.Second, 2*time.Millisecond)

	require.NoError(t, s.Enqueue(item("t2")))
	s.ClearForTurn("t2")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Drain(ctx))

	starts, ends := rec.snapshot()
	assert.Equal(t, []string{"t1"}, starts)
	assert.Equal(t, []string{"t1"}, ends, "clearing another turn must not interrupt playback")
}

func TestQueueCapDropsOldest(t *testing.T) {
	sink := &fakeSink{playTime: 300 * time.Millisecond}
	cfg := fastSchedulerConfig()
	cfg.QueueCap = 2
	s, rec := newTestScheduler(t, sink, cfg)

	require.NoError(t, s.Enqueue(item("t1")))
	require.Eventually(t, func() bool {
		starts, _ := rec.snapshot()
		return len(starts) == 1
	}, time.Second, 2*time.Millisecond)

	// t1 is playing; fill the queue past its cap.
	require.NoError(t, s.Enqueue(item("q1")))
	require.NoError(t, s.Enqueue(item("q2")))
	require.NoError(t, s.Enqueue(item("q3"))) // drops q1

	assert.Equal(t, 2, s.QueueLen())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Drain(ctx))

	starts, _ := rec.snapshot()
	assert.Equal(t, []string{"t1", "q2", "q3"}, starts)
}

func TestPrebufferWaitsForSecondChunk(t *testing.T) {
	sink := &fakeSink{}
	cfg := &Config{
		QueueCap:         50,
		PrebufferChunks:  2,
		PrebufferTimeout: 150 * time.Millisecond,
	}
	s, rec := newTestScheduler(t, sink, cfg)

	require.NoError(t, s.Enqueue(item("t1")))
	time.Sleep(30 * time.Millisecond)
	starts, _ := rec.snapshot()
	assert.Empty(t, starts, "must hold for the prebuffer gate")

	require.NoError(t, s.Enqueue(item("t1")))
	require.Eventually(t, func() bool {
		starts, _ := rec.snapshot()
		return len(starts) == 2
	}, time.Second, 2*time.Millisecond)
}

func TestPrebufferTimeoutStartsAnyway(t *testing.T) {
	sink := &fakeSink{}
	cfg := &Config{
		QueueCap:         50,
		PrebufferChunks:  2,
		PrebufferTimeout: 20 * time.Millisecond,
	}
	s, rec := newTestScheduler(t, sink, cfg)

	require.NoError(t, s.Enqueue(item("t1")))
	require.Eventually(t, func() bool {
		starts, _ := rec.snapshot()
		return len(starts) == 1
	}, time.Second, 2*time.Millisecond)
}

func TestEnqueueAfterClose(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeSink{}, nil)
	s.Close()
	assert.ErrorIs(t, s.Enqueue(item("t1")), ErrStopped)
}

func TestStreamingStrategyPassesThrough(t *testing.T) {
	s, rec := newTestScheduler(t, &fakeSink{}, nil)
	st := NewStreamingStrategy(s)
	require.NoError(t, st.Submit(item("t1")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Drain(ctx))
	starts, _ := rec.snapshot()
	assert.Equal(t, []string{"t1"}, starts)
}

func TestCoalescingStrategyMergesTurn(t *testing.T) {
	s, rec := newTestScheduler(t, &fakeSink{}, nil)
	st := NewCoalescingStrategy(zerolog.Nop(), s, 20*time.Millisecond)
	defer st.Close()

	a := item("t1")
	a.Buffer.PCM = []int16{1, 2}
	b := item("t1")
	b.Buffer.PCM = []int16{3, 4}
	require.NoError(t, st.Submit(a))
	require.NoError(t, st.Submit(b))

	// One merged item after the quiet window.
	require.Eventually(t, func() bool {
		starts, _ := rec.snapshot()
		return len(starts) == 1
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Drain(ctx))
	starts, ends := rec.snapshot()
	assert.Equal(t, []string{"t1"}, starts)
	assert.Equal(t, []string{"t1"}, ends)
}

func TestSelectStrategy(t *testing.T) {
	s := NewScheduler(zerolog.Nop(), nil, nil, &fakeSink{}, nil, nil, nil)

	st := SelectStrategy("auto", Capabilities{SupportsStreaming: true}, zerolog.Nop(), s, 0)
	assert.Equal(t, "streaming", st.Name())

	st = SelectStrategy("auto", Capabilities{SupportsStreaming: false}, zerolog.Nop(), s, 0)
	assert.Equal(t, "coalescing", st.Name())

	st = SelectStrategy("coalescing", Capabilities{SupportsStreaming: true}, zerolog.Nop(), s, 0)
	assert.Equal(t, "coalescing", st.Name())
}
