// ABOUTME: Tests for microphone sources
// ABOUTME: Covers the tone generator and file source selection
package source

import (
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToneAmplitudeAndContinuity(t *testing.T) {
	tone := NewTone(1000, 48000)
	a := make([]float32, 480)
	b := make([]float32, 480)
	assert.False(t, tone.Read(a))
	assert.False(t, tone.Read(b))

	var peak float32
	for _, s := range append(a, b...) {
		peak = max(peak, float32(math.Abs(float64(s))))
	}
	assert.InDelta(t, 0.5, peak, 0.01)

	// Sample 480 continues where the first buffer ended.
	want := 0.5 * math.Sin(2*math.Pi*1000*480/48000)
	assert.InDelta(t, want, b[0], 1e-5)
}

func TestEmptyPathIsTone(t *testing.T) {
	src, err := New("", 48000, false, nil)
	require.NoError(t, err)
	assert.Equal(t, "Test Tone", src.Title())
	assert.NoError(t, src.Close())
}

func TestMissingFile(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "nope.mp3"), 48000, false, nil)
	assert.Error(t, err)
}

func TestUnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.ogg")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	_, err := New(path, 48000, false, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported audio format")
}

type fakeDecoder struct {
	samples []float32
	pos     int
	rewinds int
}

func (d *fakeDecoder) read(out []float32) (int, error) {
	n := copy(out, d.samples[d.pos:])
	d.pos += n
	if d.pos == len(d.samples) {
		return n, io.EOF
	}
	return n, nil
}

func (d *fakeDecoder) rate() int { return 8000 }

func (d *fakeDecoder) rewind() error {
	d.pos = 0
	d.rewinds++
	return nil
}

func (d *fakeDecoder) Close() error { return nil }

func TestFileCompletesAtEOF(t *testing.T) {
	dec := &fakeDecoder{samples: []float32{0.1, 0.2, 0.3}}
	f := &File{dec: dec}
	out := make([]float32, 5)
	assert.True(t, f.readNative(out))
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0, 0}, out)
}

func TestFileLoops(t *testing.T) {
	dec := &fakeDecoder{samples: []float32{0.1, 0.2}}
	f := &File{dec: dec, loop: true}
	out := make([]float32, 5)
	assert.False(t, f.readNative(out))
	assert.Equal(t, []float32{0.1, 0.2, 0.1, 0.2, 0.1}, out)
	assert.Equal(t, 2, dec.rewinds)
}
