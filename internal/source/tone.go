// ABOUTME: Sine tone microphone for testing without a capture device
// ABOUTME: Generates a mono tone at the voice sample rate
package source

import (
	"math"
)

// Tone generates an endless mono sine wave.
type Tone struct {
	frequency  float64
	sampleRate int
	amplitude  float32
	index      uint64
}

// NewTone creates a tone at half scale.
func NewTone(frequency float64, sampleRate int) *Tone {
	return &Tone{frequency: frequency, sampleRate: sampleRate, amplitude: 0.5}
}

// Read fills out with the next samples. A tone never completes.
func (t *Tone) Read(out []float32) bool {
	step := 2 * math.Pi * t.frequency / float64(t.sampleRate)
	for i := range out {
		out[i] = t.amplitude * float32(math.Sin(step*float64(t.index)))
		t.index++
	}
	return false
}

// Title describes the source for display.
func (t *Tone) Title() string {
	return "Test Tone"
}

// Close implements io.Closer.
func (t *Tone) Close() error { return nil }
