// Package analysis maps audio frequency data to mouth amplitudes and
// phoneme labels for lip-sync.
package analysis

// Config tunes the analyzer.
type Config struct {
	Threshold   float64 // minimum band energy to count as speech
	Smoothness  float64 // 0..1, weight of the previous amplitude
	SpeechMinHz float64
	SpeechMaxHz float64
}

// DefaultConfig returns the tuning used by the production avatar.
func DefaultConfig() Config {
	return Config{
		Threshold:   0.02,
		Smoothness:  0.5,
		SpeechMinHz: 150,
		SpeechMaxHz: 3000,
	}
}

// Band is a frequency range mapped to a mouth phoneme label.
type Band struct {
	Name    string
	Phoneme string
	MinHz   float64
	MaxHz   float64
}

// Bands ordered low to high. Labels name the mouth shape the band drives.
var Bands = []Band{
	{Name: "very-low", Phoneme: "uuu", MinHz: 100, MaxHz: 300},
	{Name: "low", Phoneme: "www", MinHz: 300, MaxHz: 600},
	{Name: "mid", Phoneme: "rrr", MinHz: 600, MaxHz: 1200},
	{Name: "high", Phoneme: "eh", MinHz: 1200, MaxHz: 2000},
	{Name: "very-high", Phoneme: "sss", MinHz: 2000, MaxHz: 4000},
}

// PhonemeNone is reported when no band has enough energy.
const PhonemeNone = "none"

// Result is one analysis frame.
type Result struct {
	Amplitude  float64
	Phoneme    string
	DominantHz float64 // center of the winning band, 0 when silent
}

// bandEnergy sums the bins whose center frequency falls inside [minHz, maxHz)
// and normalizes to 0..1 (byte bins, 255 = full scale).
func bandEnergy(bins []byte, binWidth, minHz, maxHz float64) float64 {
	var sum float64
	count := 0
	for i, v := range bins {
		f := (float64(i) + 0.5) * binWidth
		if f < minHz {
			continue
		}
		if f >= maxHz {
			break
		}
		sum += float64(v)
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / (float64(count) * 255)
}

// Analyze inspects one frame of byte frequency data and returns the smoothed
// mouth amplitude plus the dominant phoneme label. prevAmplitude is the
// amplitude of the previous frame; callers thread it through to get temporal
// smoothing.
func Analyze(bins []byte, sampleRate int, prevAmplitude float64, cfg Config) Result {
	if len(bins) == 0 || sampleRate <= 0 {
		return Result{Amplitude: 0, Phoneme: PhonemeNone}
	}

	// Each bin covers nyquist/len(bins) Hz.
	binWidth := float64(sampleRate) / 2 / float64(len(bins))

	phoneme := PhonemeNone
	best := 0.0
	dominant := 0.0
	for _, b := range Bands {
		e := bandEnergy(bins, binWidth, b.MinHz, b.MaxHz)
		if e > best {
			best = e
			phoneme = b.Phoneme
			dominant = (b.MinHz + b.MaxHz) / 2
		}
	}

	raw := 0.0
	if best >= cfg.Threshold {
		raw = bandEnergy(bins, binWidth, cfg.SpeechMinHz, cfg.SpeechMaxHz)
	} else {
		phoneme = PhonemeNone
		dominant = 0
	}

	amplitude := prevAmplitude*cfg.Smoothness + raw*(1-cfg.Smoothness)
	return Result{Amplitude: amplitude, Phoneme: phoneme, DominantHz: dominant}
}
