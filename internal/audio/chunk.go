// Package audio holds the decode and buffer types for backend TTS audio.
package audio

// TransportBuffer is the JSON shape the backend uses for binary audio:
// a node-style buffer object with one int per byte.
type TransportBuffer struct {
	Type string `json:"type"`
	Data []int  `json:"data"`
}

// Bytes converts the transport representation into raw bytes. Values are
// truncated to the low byte, matching how the producer serializes them.
func (b TransportBuffer) Bytes() []byte {
	out := make([]byte, len(b.Data))
	for i, v := range b.Data {
		out[i] = byte(v)
	}
	return out
}

// Concatenate joins audio chunks in arrival order. The result length is the
// exact sum of the inputs; empty chunks contribute nothing.
func Concatenate(chunks [][]byte) []byte {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
