// ABOUTME: PCM voice encoder
// ABOUTME: Encodes float32 frames to 16-bit little-endian bytes
package encode

import (
	"encoding/binary"
	"fmt"

	"github.com/Resonate-Protocol/resonate-voice/pkg/audio"
	"github.com/Resonate-Protocol/resonate-voice/pkg/wire"
)

// PCMEncoder encodes PCM audio
type PCMEncoder struct {
	format audio.Format
	data   []byte
}

// NewPCM creates a new PCM encoder
func NewPCM(format audio.Format) (*PCMEncoder, error) {
	if format.Codec != wire.CodecPCM {
		return nil, fmt.Errorf("invalid codec for PCM encoder: %s", format.Codec)
	}
	return &PCMEncoder{
		format: format,
		data:   make([]byte, format.FrameSamples()*2),
	}, nil
}

// Encode converts float32 samples to 16-bit PCM bytes
func (e *PCMEncoder) Encode(pcm []float32) ([]byte, error) {
	if len(pcm) != e.format.FrameSamples() {
		return nil, fmt.Errorf("frame has %d samples, expected %d", len(pcm), e.format.FrameSamples())
	}
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(e.data[i*2:], uint16(audio.ToInt16(s)))
	}
	return e.data, nil
}

// Close releases resources
func (e *PCMEncoder) Close() error {
	return nil
}
