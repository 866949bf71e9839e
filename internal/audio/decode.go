package audio

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hajimehoshi/go-mp3"
)

// DefaultSampleRate is assumed for headerless PCM payloads.
const DefaultSampleRate = 24000

// ErrUnsupportedFormat is returned when the payload matches no known container.
var ErrUnsupportedFormat = errors.New("audio: unsupported format")

// Buffer is decoded PCM ready for scheduling.
type Buffer struct {
	SampleRate int
	Channels   int
	PCM        []int16 // interleaved
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 || b.Channels <= 0 {
		return 0
	}
	frames := len(b.PCM) / b.Channels
	return time.Duration(frames) * time.Second / time.Duration(b.SampleRate)
}

// Mono downmixes interleaved channels by averaging.
func (b *Buffer) Mono() []int16 {
	if b.Channels <= 1 {
		return b.PCM
	}
	frames := len(b.PCM) / b.Channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for c := 0; c < b.Channels; c++ {
			sum += int(b.PCM[i*b.Channels+c])
		}
		out[i] = int16(sum / b.Channels)
	}
	return out
}

// Decode turns an encoded TTS payload into PCM. The payload is first
// round-tripped through base64 to normalize anything that survived JSON
// transport; if decoding fails, a byte-by-byte copy into a fresh buffer is
// retried before giving up.
func Decode(encoded []byte) (*Buffer, error) {
	if len(encoded) == 0 {
		return nil, fmt.Errorf("audio: empty payload")
	}

	normalized, err := base64RoundTrip(encoded)
	if err != nil {
		normalized = encoded
	}

	buf, err := decodeSniffed(normalized)
	if err == nil {
		return buf, nil
	}

	// Retry with a fresh aligned copy.
	copied := make([]byte, len(encoded))
	for i := range encoded {
		copied[i] = encoded[i]
	}
	buf, retryErr := decodeSniffed(copied)
	if retryErr != nil {
		return nil, fmt.Errorf("audio: decode failed: %w", err)
	}
	return buf, nil
}

func base64RoundTrip(raw []byte) ([]byte, error) {
	enc := base64.StdEncoding.EncodeToString(raw)
	return base64.StdEncoding.DecodeString(enc)
}

func decodeSniffed(raw []byte) (*Buffer, error) {
	switch {
	case len(raw) >= 12 && bytes.Equal(raw[:4], []byte("RIFF")) && bytes.Equal(raw[8:12], []byte("WAVE")):
		return decodeWAV(raw)
	case len(raw) >= 3 && bytes.Equal(raw[:3], []byte("ID3")):
		return decodeMP3(raw)
	case len(raw) >= 2 && raw[0] == 0xFF && raw[1]&0xE0 == 0xE0:
		return decodeMP3(raw)
	case len(raw)%2 == 0:
		return decodePCM16(raw, DefaultSampleRate, 1), nil
	default:
		return nil, ErrUnsupportedFormat
	}
}

func decodePCM16(raw []byte, sampleRate, channels int) *Buffer {
	pcm := make([]int16, len(raw)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return &Buffer{SampleRate: sampleRate, Channels: channels, PCM: pcm}
}

func decodeWAV(raw []byte) (*Buffer, error) {
	r := bytes.NewReader(raw[12:])

	var (
		sampleRate    int
		channels      int
		bitsPerSample int
		data          []byte
	)
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			break
		}
		id := string(hdr[:4])
		size := binary.LittleEndian.Uint32(hdr[4:])
		body := make([]byte, size)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("audio: truncated wav chunk %q: %w", id, err)
		}
		switch id {
		case "fmt ":
			if len(body) < 16 {
				return nil, fmt.Errorf("audio: short wav fmt chunk")
			}
			format := binary.LittleEndian.Uint16(body[0:])
			if format != 1 { // PCM only
				return nil, fmt.Errorf("audio: wav format %d not supported", format)
			}
			channels = int(binary.LittleEndian.Uint16(body[2:]))
			sampleRate = int(binary.LittleEndian.Uint32(body[4:]))
			bitsPerSample = int(binary.LittleEndian.Uint16(body[14:]))
		case "data":
			data = body
		}
		if size%2 == 1 {
			// Chunks are word aligned.
			if _, err := r.Seek(1, io.SeekCurrent); err != nil {
				break
			}
		}
	}

	if sampleRate == 0 || channels == 0 || data == nil {
		return nil, fmt.Errorf("audio: wav missing fmt or data chunk")
	}
	if bitsPerSample != 16 {
		return nil, fmt.Errorf("audio: wav %d-bit samples not supported", bitsPerSample)
	}
	return decodePCM16(data, sampleRate, channels), nil
}

func decodeMP3(raw []byte) (*Buffer, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("audio: mp3 decode: %w", err)
	}
	out, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("audio: mp3 read: %w", err)
	}
	// go-mp3 always emits 16-bit stereo.
	return decodePCM16(out, dec.SampleRate(), 2), nil
}
