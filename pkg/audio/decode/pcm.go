// ABOUTME: PCM voice decoder
// ABOUTME: Decodes 16-bit little-endian frames and conceals loss by repetition
package decode

import (
	"encoding/binary"
	"fmt"

	"github.com/Resonate-Protocol/resonate-voice/pkg/audio"
	"github.com/Resonate-Protocol/resonate-voice/pkg/wire"
)

// PCMDecoder decodes PCM audio
type PCMDecoder struct {
	format audio.Format
	last   []float32
}

// NewPCM creates a new PCM decoder
func NewPCM(format audio.Format) (*PCMDecoder, error) {
	if format.Codec != wire.CodecPCM {
		return nil, fmt.Errorf("invalid codec for PCM decoder: %s", format.Codec)
	}
	return &PCMDecoder{
		format: format,
		last:   make([]float32, format.FrameSamples()),
	}, nil
}

// Decode converts PCM bytes to float32 samples
func (d *PCMDecoder) Decode(data []byte, pcm []float32) (int, error) {
	n := d.format.FrameSamples()
	if len(pcm) < n {
		return 0, fmt.Errorf("pcm buffer too small: %d < %d", len(pcm), n)
	}
	if len(data) != n*2 {
		return 0, fmt.Errorf("pcm frame is %d bytes, expected %d", len(data), n*2)
	}
	for i := 0; i < n; i++ {
		pcm[i] = audio.FromInt16(int16(binary.LittleEndian.Uint16(data[i*2:])))
	}
	copy(d.last, pcm[:n])
	return d.format.FrameSize, nil
}

// Conceal repeats the next frame when it is known, otherwise the last
// decoded frame faded to half level.
func (d *PCMDecoder) Conceal(next []byte, pcm []float32) (int, error) {
	n := d.format.FrameSamples()
	if len(pcm) < n {
		return 0, fmt.Errorf("pcm buffer too small: %d < %d", len(pcm), n)
	}
	if next != nil && len(next) == n*2 {
		for i := 0; i < n; i++ {
			pcm[i] = audio.FromInt16(int16(binary.LittleEndian.Uint16(next[i*2:])))
		}
		return d.format.FrameSize, nil
	}
	for i := 0; i < n; i++ {
		d.last[i] *= 0.5
		pcm[i] = d.last[i]
	}
	return d.format.FrameSize, nil
}

// Reset clears the concealment history
func (d *PCMDecoder) Reset() error {
	clear(d.last)
	return nil
}

// Close releases resources
func (d *PCMDecoder) Close() error {
	return nil
}
