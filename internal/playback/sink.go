package playback

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lingopod/avatarclient/internal/analysis"
	"github.com/lingopod/avatarclient/internal/audio"
)

// Sink renders one decoded buffer. Play blocks until the buffer has been
// fully rendered or ctx is canceled.
type Sink interface {
	Name() string
	Play(ctx context.Context, buf *audio.Buffer) error
}

// ClockSink renders audio against the wall clock, feeding the analysis
// spectrum block by block as samples "play". It is the device-less output
// used when no real audio backend is attached: timing, lip-sync, and
// completion behave exactly as they would against a sound card.
type ClockSink struct {
	logger   zerolog.Logger
	spectrum *analysis.Spectrum
	block    time.Duration
}

// NewClockSink creates a clock-driven sink. spectrum may be nil.
func NewClockSink(logger zerolog.Logger, spectrum *analysis.Spectrum) *ClockSink {
	return &ClockSink{
		logger:   logger.With().Str("component", "clock-sink").Logger(),
		spectrum: spectrum,
		block:    10 * time.Millisecond,
	}
}

func (c *ClockSink) Name() string { return "clock" }

func (c *ClockSink) Play(ctx context.Context, buf *audio.Buffer) error {
	if buf == nil || len(buf.PCM) == 0 {
		return nil
	}
	if buf.SampleRate <= 0 {
		return fmt.Errorf("playback: invalid sample rate %d", buf.SampleRate)
	}

	mono := buf.Mono()
	if c.spectrum != nil {
		c.spectrum.SetSampleRate(buf.SampleRate)
	}

	blockSamples := int(float64(buf.SampleRate) * c.block.Seconds())
	if blockSamples < 1 {
		blockSamples = 1
	}

	ticker := time.NewTicker(c.block)
	defer ticker.Stop()

	for off := 0; off < len(mono); off += blockSamples {
		end := off + blockSamples
		if end > len(mono) {
			end = len(mono)
		}
		if c.spectrum != nil {
			c.spectrum.Feed(mono[off:end])
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
