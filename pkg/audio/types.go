// ABOUTME: Audio format description and sample conversions
// ABOUTME: Float32 is the working sample type of the playback chain
package audio

import (
	"fmt"
	"math"
	"time"

	"github.com/Resonate-Protocol/resonate-voice/pkg/wire"
)

// Format describes an encoded voice stream.
type Format struct {
	Codec      wire.Codec
	SampleRate int
	Channels   int
	// FrameSize is samples per channel in one encoded frame.
	FrameSize int
}

// FormatFromSettings converts negotiated codec settings. Voice is mono.
func FormatFromSettings(s wire.CodecSettings) Format {
	return Format{
		Codec:      s.Codec,
		SampleRate: int(s.SampleRate),
		Channels:   1,
		FrameSize:  int(s.FrameSize),
	}
}

// Settings is the wire form of f.
func (f Format) Settings() wire.CodecSettings {
	return wire.CodecSettings{Codec: f.Codec, FrameSize: uint32(f.FrameSize), SampleRate: uint32(f.SampleRate)}
}

// FrameDuration is the playback length of one frame.
func (f Format) FrameDuration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.FrameSize) * time.Second / time.Duration(f.SampleRate)
}

// FrameSamples is the interleaved length of one decoded frame.
func (f Format) FrameSamples() int {
	return f.FrameSize * f.Channels
}

// Validate checks the format is usable by the pipeline.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("invalid channel count: %d", f.Channels)
	}
	if f.FrameSize <= 0 {
		return fmt.Errorf("invalid frame size: %d", f.FrameSize)
	}
	return nil
}

func (f Format) String() string {
	return fmt.Sprintf("%s/%dHz/%dch/%d", f.Codec, f.SampleRate, f.Channels, f.FrameSize)
}

// Source is one stage of the pull-model playback chain. Read always fills
// out, padding with silence, and reports whether the stream has ended.
type Source interface {
	Read(out []float32) (complete bool)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(out []float32) bool

func (f SourceFunc) Read(out []float32) bool { return f(out) }

// Silence zeroes buf.
func Silence(buf []float32) {
	clear(buf)
}

// FromInt16 scales a 16-bit sample into [-1, 1).
func FromInt16(s int16) float32 {
	return float32(s) / 32768
}

// ToInt16 scales and clamps a float sample to 16 bits.
func ToInt16(s float32) int16 {
	v := math.Round(float64(s) * 32768)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// FromInt scales a signed integer sample of the given bit depth into [-1, 1).
func FromInt(s int32, bitDepth int) float32 {
	return float32(float64(s) / float64(int64(1)<<(bitDepth-1)))
}
