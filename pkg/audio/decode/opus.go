// ABOUTME: Opus voice decoder
// ABOUTME: Decodes Opus frames to float32 with FEC and PLC concealment
package decode

import (
	"fmt"

	"github.com/Resonate-Protocol/resonate-voice/pkg/audio"
	"github.com/Resonate-Protocol/resonate-voice/pkg/wire"
	"gopkg.in/hraban/opus.v2"
)

// OpusDecoder decodes Opus audio
type OpusDecoder struct {
	decoder *opus.Decoder
	format  audio.Format
}

// NewOpus creates a new Opus decoder
func NewOpus(format audio.Format) (*OpusDecoder, error) {
	if format.Codec != wire.CodecOpus {
		return nil, fmt.Errorf("invalid codec for Opus decoder: %s", format.Codec)
	}

	dec, err := opus.NewDecoder(format.SampleRate, format.Channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}

	return &OpusDecoder{
		decoder: dec,
		format:  format,
	}, nil
}

func (d *OpusDecoder) frame(pcm []float32) ([]float32, error) {
	n := d.format.FrameSamples()
	if len(pcm) < n {
		return nil, fmt.Errorf("pcm buffer too small: %d < %d", len(pcm), n)
	}
	return pcm[:n], nil
}

// Decode converts one Opus packet to float32 samples
func (d *OpusDecoder) Decode(data []byte, pcm []float32) (int, error) {
	n, err := d.decoder.DecodeFloat32(data, pcm)
	if err != nil {
		return 0, fmt.Errorf("opus decode failed: %w", err)
	}
	return n, nil
}

// Conceal recovers a lost frame from the next packet's FEC data when it is
// available and falls back to packet loss concealment.
func (d *OpusDecoder) Conceal(next []byte, pcm []float32) (int, error) {
	frame, err := d.frame(pcm)
	if err != nil {
		return 0, err
	}
	if next != nil {
		if err := d.decoder.DecodeFECFloat32(next, frame); err == nil {
			return d.format.FrameSize, nil
		}
	}
	if err := d.decoder.DecodePLCFloat32(frame); err != nil {
		return 0, fmt.Errorf("opus plc failed: %w", err)
	}
	return d.format.FrameSize, nil
}

// Reset reinitializes decoder state
func (d *OpusDecoder) Reset() error {
	if err := d.decoder.Init(d.format.SampleRate, d.format.Channels); err != nil {
		return fmt.Errorf("failed to reset opus decoder: %w", err)
	}
	return nil
}

// Close releases decoder resources
func (d *OpusDecoder) Close() error {
	return nil
}
