// ABOUTME: Tests for audio formats, conversions and the soft clipper
// ABOUTME: Checks frame math and limiter bounds
package audio

import (
	"testing"
	"time"

	"github.com/Resonate-Protocol/resonate-voice/pkg/wire"
	"github.com/stretchr/testify/assert"
)

func TestFrameDuration(t *testing.T) {
	f := Format{Codec: wire.CodecOpus, SampleRate: 48000, Channels: 1, FrameSize: 960}
	assert.Equal(t, 20*time.Millisecond, f.FrameDuration())
	assert.Equal(t, 960, f.FrameSamples())
	assert.NoError(t, f.Validate())

	assert.Zero(t, Format{}.FrameDuration())
	assert.Error(t, Format{}.Validate())
}

func TestFormatSettingsRoundTrip(t *testing.T) {
	f := Format{Codec: wire.CodecPCM, SampleRate: 16000, Channels: 1, FrameSize: 320}
	assert.Equal(t, f, FormatFromSettings(f.Settings()))
}

func TestInt16Conversion(t *testing.T) {
	tests := []struct {
		name string
		in   int16
	}{
		{"zero", 0},
		{"positive", 1234},
		{"negative", -1234},
		{"max", 32767},
		{"min", -32768},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.in, ToInt16(FromInt16(tt.in)))
		})
	}
	assert.Equal(t, int16(32767), ToInt16(2))
	assert.Equal(t, int16(-32768), ToInt16(-2))
}

func TestFromInt(t *testing.T) {
	assert.InDelta(t, 0.5, FromInt(1<<22, 24), 1e-7)
	assert.InDelta(t, -1, FromInt(-(1 << 15), 16), 1e-7)
}

func TestSoftClip(t *testing.T) {
	buf := []float32{0, 0.5, -0.8, 0.9, -1.5, 10, -10}
	SoftClip(buf)

	assert.Equal(t, float32(0), buf[0])
	assert.Equal(t, float32(0.5), buf[1])
	assert.Equal(t, float32(-0.8), buf[2])
	assert.Greater(t, buf[3], float32(0.8))
	assert.Less(t, buf[3], float32(0.9))
	for _, s := range buf {
		assert.LessOrEqual(t, s, float32(1))
		assert.GreaterOrEqual(t, s, float32(-1))
	}
	assert.Less(t, buf[4], float32(0))
}
