// ABOUTME: Opus voice encoder
// ABOUTME: Encodes float32 frames with in-band FEC enabled for loss recovery
package encode

import (
	"fmt"

	"github.com/Resonate-Protocol/resonate-voice/pkg/audio"
	"github.com/Resonate-Protocol/resonate-voice/pkg/wire"
	"gopkg.in/hraban/opus.v2"
)

// maxOpusPacket is the largest packet libopus recommends buffering for.
const maxOpusPacket = 4000

// OpusEncoder encodes Opus audio
type OpusEncoder struct {
	encoder *opus.Encoder
	format  audio.Format
	data    []byte
}

// NewOpus creates a new Opus encoder tuned for speech
func NewOpus(format audio.Format) (*OpusEncoder, error) {
	if format.Codec != wire.CodecOpus {
		return nil, fmt.Errorf("invalid codec for Opus encoder: %s", format.Codec)
	}

	encoder, err := opus.NewEncoder(format.SampleRate, format.Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	if err := encoder.SetInBandFEC(true); err != nil {
		return nil, fmt.Errorf("failed to enable opus fec: %w", err)
	}
	if err := encoder.SetPacketLossPerc(10); err != nil {
		return nil, fmt.Errorf("failed to set opus loss estimate: %w", err)
	}

	return &OpusEncoder{
		encoder: encoder,
		format:  format,
		data:    make([]byte, maxOpusPacket),
	}, nil
}

// Encode converts one float32 frame to an Opus packet
func (e *OpusEncoder) Encode(pcm []float32) ([]byte, error) {
	if len(pcm) != e.format.FrameSamples() {
		return nil, fmt.Errorf("frame has %d samples, expected %d", len(pcm), e.format.FrameSamples())
	}
	n, err := e.encoder.EncodeFloat32(pcm, e.data)
	if err != nil {
		return nil, fmt.Errorf("opus encode error: %w", err)
	}
	return e.data[:n], nil
}

// Close releases resources
func (e *OpusEncoder) Close() error {
	return nil
}
