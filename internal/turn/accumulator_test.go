package turn

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingopod/avatarclient/internal/bus"
)

type finalizeRecorder struct {
	mu    sync.Mutex
	calls []Finalized
	err   error
}

func (r *finalizeRecorder) fn(f Finalized) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, f)
	return r.err
}

func (r *finalizeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *finalizeRecorder) last() Finalized {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

func fastConfig() *Config {
	return &Config{
		BaseDelay:     30 * time.Millisecond,
		TextEndDelay:  15 * time.Millisecond,
		PerChunkDelay: 5 * time.Millisecond,
		MaxChunks:     100,
	}
}

func TestFinalizeAfterInactivity(t *testing.T) {
	rec := &finalizeRecorder{}
	acc := NewAccumulator(zerolog.Nop(), fastConfig(), nil, rec.fn)
	defer acc.Close()

	require.NoError(t, acc.Append("t1", []byte{1, 2}))
	require.NoError(t, acc.Append("t1", []byte{3, 4}))
	require.NoError(t, acc.Append("t1", []byte{5, 6}))

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	got := rec.last()
	assert.Equal(t, "t1", got.TurnID)
	assert.Equal(t, 3, got.ChunkCount)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, got.Data)

	require.Eventually(t, func() bool {
		st, ok := acc.StateOf("t1")
		return ok && st == StateDone
	}, time.Second, 5*time.Millisecond)
}

func TestFinalizeExactlyOnce(t *testing.T) {
	rec := &finalizeRecorder{}
	acc := NewAccumulator(zerolog.Nop(), fastConfig(), nil, rec.fn)
	defer acc.Close()

	require.NoError(t, acc.Append("t1", []byte{1}))
	// Pile every trigger on top of the timer.
	require.NoError(t, acc.TextEnd("t1"))
	require.NoError(t, acc.Flush("t1"))
	require.NoError(t, acc.Flush("t1"))

	require.Eventually(t, func() bool {
		st, ok := acc.StateOf("t1")
		return ok && st == StateDone
	}, time.Second, 5*time.Millisecond)

	// Give straggler timers a chance to misfire.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestLateAppendRejected(t *testing.T) {
	rec := &finalizeRecorder{}
	acc := NewAccumulator(zerolog.Nop(), fastConfig(), nil, rec.fn)
	defer acc.Close()

	require.NoError(t, acc.Append("t1", []byte{1}))
	require.NoError(t, acc.Flush("t1"))

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	err := acc.Append("t1", []byte{2})
	assert.ErrorIs(t, err, ErrNotCollecting)
	assert.Equal(t, 1, rec.count())
}

func TestTimerScalesWithChunkCount(t *testing.T) {
	cfg := &Config{
		BaseDelay:     20 * time.Millisecond,
		TextEndDelay:  10 * time.Millisecond,
		PerChunkDelay: 15 * time.Millisecond,
		MaxChunks:     100,
	}
	rec := &finalizeRecorder{}
	acc := NewAccumulator(zerolog.Nop(), cfg, nil, rec.fn)
	defer acc.Close()

	// 4 chunks: window is max(20ms, 4*15ms) = 60ms.
	for i := 0; i < 4; i++ {
		require.NoError(t, acc.Append("t1", []byte{byte(i)}))
	}
	time.Sleep(35 * time.Millisecond)
	assert.Zero(t, rec.count(), "finalized before the scaled window elapsed")

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestTextEndShortensWindow(t *testing.T) {
	cfg := &Config{
		BaseDelay:     500 * time.Millisecond,
		TextEndDelay:  10 * time.Millisecond,
		PerChunkDelay: 1 * time.Millisecond,
		MaxChunks:     100,
	}
	rec := &finalizeRecorder{}
	acc := NewAccumulator(zerolog.Nop(), cfg, nil, rec.fn)
	defer acc.Close()

	require.NoError(t, acc.Append("t1", []byte{1}))
	require.NoError(t, acc.TextEnd("t1"))

	require.Eventually(t, func() bool { return rec.count() == 1 }, 200*time.Millisecond, 5*time.Millisecond)
}

func TestChunkCapEvictsOldest(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxChunks = 3
	rec := &finalizeRecorder{}
	acc := NewAccumulator(zerolog.Nop(), cfg, nil, rec.fn)
	defer acc.Close()

	// Five appends against a cap of three: the two oldest fall off, the
	// turn keeps collecting.
	for i := 0; i < 5; i++ {
		require.NoError(t, acc.Append("t1", []byte{byte(i)}))
	}
	assert.Equal(t, 3, acc.PendingChunks("t1"))

	require.NoError(t, acc.Flush("t1"))
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	got := rec.last()
	assert.Equal(t, 3, got.ChunkCount)
	assert.Equal(t, []byte{2, 3, 4}, got.Data, "the newest chunks must survive eviction")
}

func TestFinalizeErrorCompletesWithoutAudio(t *testing.T) {
	rec := &finalizeRecorder{err: errors.New("decode failed")}
	eventBus := bus.NewEventBus()

	var mu sync.Mutex
	var completions []bus.Event
	eventBus.Subscribe(bus.EventTypeTurnFinalized, func(ev bus.Event) {
		mu.Lock()
		completions = append(completions, ev)
		mu.Unlock()
	})

	acc := NewAccumulator(zerolog.Nop(), fastConfig(), eventBus, rec.fn)
	defer acc.Close()

	require.NoError(t, acc.Append("t1", []byte{1}))
	require.NoError(t, acc.Flush("t1"))

	// The turn still completes; the error rides on the completion event.
	require.Eventually(t, func() bool {
		st, ok := acc.StateOf("t1")
		return ok && st == StateDone
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(completions) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "t1", completions[0].Data["turnID"])
	assert.Equal(t, "decode failed", completions[0].Data["error"])
}

func TestAbandonAll(t *testing.T) {
	rec := &finalizeRecorder{}
	acc := NewAccumulator(zerolog.Nop(), fastConfig(), nil, rec.fn)
	defer acc.Close()

	require.NoError(t, acc.Append("t1", []byte{1}))
	require.NoError(t, acc.Append("t2", []byte{2}))
	acc.AbandonAll("user interrupted")

	for _, id := range []string{"t1", "t2"} {
		st, ok := acc.StateOf(id)
		require.True(t, ok)
		assert.Equal(t, StateAbandoned, st)
	}

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, rec.count(), "abandoned turns must not finalize")
}

func TestInterruptDiscardsLateChunks(t *testing.T) {
	rec := &finalizeRecorder{}
	acc := NewAccumulator(zerolog.Nop(), fastConfig(), nil, rec.fn)
	defer acc.Close()

	require.NoError(t, acc.Append("t1", []byte{1}))
	acc.AbandonAll("user interrupted")

	// A chunk in flight at interrupt time must not resurrect the turn,
	// even under an id the accumulator has never seen.
	assert.ErrorIs(t, acc.Append("t1", []byte{2}), ErrInterrupted)
	assert.ErrorIs(t, acc.Append("t2", []byte{3}), ErrInterrupted)
	_, ok := acc.StateOf("t2")
	assert.False(t, ok, "discarded chunk must not create a turn")

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, rec.count(), "interrupted audio must never finalize")

	// The next legitimate turn lifts the fence.
	acc.Resume()
	require.NoError(t, acc.Append("t3", []byte{4}))
	require.NoError(t, acc.Flush("t3"))
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "t3", rec.last().TurnID)
}

func TestRearmOutlivesStaleTimer(t *testing.T) {
	cfg := &Config{
		BaseDelay:     50 * time.Millisecond,
		TextEndDelay:  25 * time.Millisecond,
		PerChunkDelay: 40 * time.Millisecond,
		MaxChunks:     100,
	}
	rec := &finalizeRecorder{}
	acc := NewAccumulator(zerolog.Nop(), cfg, nil, rec.fn)
	defer acc.Close()

	// Second append lands just before the first window (50ms) expires and
	// re-arms it to 80ms. A stale first timer firing anyway must not
	// finalize early with both chunks.
	require.NoError(t, acc.Append("t1", []byte{1}))
	time.Sleep(45 * time.Millisecond)
	require.NoError(t, acc.Append("t1", []byte{2}))

	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, rec.count(), "re-armed window must hold")

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, rec.last().ChunkCount)
}

func TestConcurrentAppends(t *testing.T) {
	rec := &finalizeRecorder{}
	acc := NewAccumulator(zerolog.Nop(), fastConfig(), nil, rec.fn)
	defer acc.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = acc.Append("t1", []byte{byte(i)})
		}(i)
	}
	wg.Wait()

	require.NoError(t, acc.Flush("t1"))
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 10, rec.last().ChunkCount)
	assert.Len(t, rec.last().Data, 10)
}
