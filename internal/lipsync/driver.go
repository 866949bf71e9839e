package lipsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lingopod/avatarclient/internal/analysis"
)

// Config tunes the sampling loop.
type Config struct {
	Interval time.Duration // time between analyser polls
	WarmUp   time.Duration // delay before the first poll
	Analysis analysis.Config
}

// DefaultConfig matches the production cadence: ~83 polls per second.
func DefaultConfig() *Config {
	return &Config{
		Interval: 12 * time.Millisecond,
		WarmUp:   100 * time.Millisecond,
		Analysis: analysis.DefaultConfig(),
	}
}

// Driver samples an analyser on a fixed cadence and writes mouth frames
// into the shared signal. One driver runs per playback session; Start while
// running is a no-op.
type Driver struct {
	logger zerolog.Logger
	config *Config
	signal *Signal

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDriver creates a stopped driver.
func NewDriver(logger zerolog.Logger, signal *Signal, cfg *Config) *Driver {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Driver{
		logger: logger.With().Str("component", "lipsync").Logger(),
		config: cfg,
		signal: signal,
	}
}

// Start begins sampling analyser frames tagged with source. It returns
// immediately; sampling stops when ctx is canceled or Stop is called.
func (d *Driver) Start(ctx context.Context, analyser analysis.Analyser, source Source) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	d.running = true
	d.cancel = cancel
	d.done = make(chan struct{})
	done := d.done
	d.mu.Unlock()

	d.logger.Debug().Str("source", string(source)).Msg("Lip-sync sampling started")

	go func() {
		defer close(done)
		defer func() {
			d.mu.Lock()
			d.running = false
			d.mu.Unlock()
			d.signal.Reset(source)
			d.logger.Debug().Str("source", string(source)).Msg("Lip-sync sampling stopped")
		}()
		d.run(ctx, analyser, source)
	}()
}

func (d *Driver) run(ctx context.Context, analyser analysis.Analyser, source Source) {
	if d.config.WarmUp > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.config.WarmUp):
		}
	}

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	bins := make([]byte, analyser.BinCount())
	prev := 0.0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := analyser.FrequencyData(bins)
			res := analysis.Analyze(bins[:n], analyser.SampleRate(), prev, d.config.Analysis)
			prev = res.Amplitude
			d.signal.Set(State{
				ActiveSound:      res.Phoneme,
				ActiveMorphValue: res.Amplitude,
				ActiveFrequency:  res.DominantHz,
				Source:           source,
			})
		}
	}
}

// Stop halts sampling and waits for the loop to exit. The signal is reset
// if this driver's source still owns it.
func (d *Driver) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	cancel := d.cancel
	done := d.done
	d.mu.Unlock()

	cancel()
	<-done
}

// Running reports whether the sampling loop is active.
func (d *Driver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}
