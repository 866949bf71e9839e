package analysis

import (
	"math"
	"math/cmplx"
	"sync"
)

// Analyser exposes byte frequency data the lip-sync driver samples.
// FrequencyData fills dst with 0..255 magnitude bins and returns the
// number of bins written.
type Analyser interface {
	FrequencyData(dst []byte) int
	BinCount() int
	SampleRate() int
}

// Spectrum computes frequency bins from the most recent PCM window fed by
// the playback path. It stands in for a platform analyser node: the sink
// feeds samples as they play, the driver polls FrequencyData.
type Spectrum struct {
	mu         sync.Mutex
	sampleRate int
	fftSize    int
	window     []float64 // ring of the last fftSize samples, -1..1
	pos        int
	filled     bool
	hann       []float64
}

// NewSpectrum creates a Spectrum with the given FFT size (power of two).
func NewSpectrum(sampleRate, fftSize int) *Spectrum {
	if fftSize <= 0 || fftSize&(fftSize-1) != 0 {
		fftSize = 1024
	}
	hann := make([]float64, fftSize)
	for i := range hann {
		hann[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(fftSize-1)))
	}
	return &Spectrum{
		sampleRate: sampleRate,
		fftSize:    fftSize,
		window:     make([]float64, fftSize),
		hann:       hann,
	}
}

// SampleRate returns the rate of the PCM being analyzed.
func (s *Spectrum) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampleRate
}

// SetSampleRate is called when a new buffer with a different rate starts.
func (s *Spectrum) SetSampleRate(rate int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampleRate = rate
}

// BinCount returns fftSize/2.
func (s *Spectrum) BinCount() int {
	return s.fftSize / 2
}

// Feed appends mono PCM16 samples to the analysis window.
func (s *Spectrum) Feed(samples []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range samples {
		s.window[s.pos] = float64(v) / 32768
		s.pos++
		if s.pos == s.fftSize {
			s.pos = 0
			s.filled = true
		}
	}
}

// Reset clears the window so a stopped source reads as silence.
func (s *Spectrum) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.window {
		s.window[i] = 0
	}
	s.pos = 0
	s.filled = false
}

// FrequencyData computes the magnitude spectrum of the current window into
// dst as 0..255 bytes. Returns the number of bins written.
func (s *Spectrum) FrequencyData(dst []byte) int {
	s.mu.Lock()
	frame := make([]complex128, s.fftSize)
	// Unroll the ring so frame[0] is the oldest sample.
	start := s.pos
	if !s.filled {
		start = 0
	}
	for i := 0; i < s.fftSize; i++ {
		frame[i] = complex(s.window[(start+i)%s.fftSize]*s.hann[i], 0)
	}
	s.mu.Unlock()

	fft(frame)

	bins := s.fftSize / 2
	if len(dst) < bins {
		bins = len(dst)
	}
	// Scale magnitudes so a full-scale sine lands near 255.
	scale := 255 / (float64(s.fftSize) / 4)
	for i := 0; i < bins; i++ {
		v := cmplx.Abs(frame[i]) * scale
		if v > 255 {
			v = 255
		}
		dst[i] = byte(v)
	}
	return bins
}

// fft performs an in-place iterative radix-2 transform.
func fft(a []complex128) {
	n := len(a)
	// Bit-reversal permutation.
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j |= bit
		if i < j {
			a[i], a[j] = a[j], a[i]
		}
	}
	for length := 2; length <= n; length <<= 1 {
		ang := -2 * math.Pi / float64(length)
		wl := cmplx.Rect(1, ang)
		for i := 0; i < n; i += length {
			w := complex(1, 0)
			for j := 0; j < length/2; j++ {
				u := a[i+j]
				v := a[i+j+length/2] * w
				a[i+j] = u + v
				a[i+j+length/2] = u - v
				w *= wl
			}
		}
	}
}
