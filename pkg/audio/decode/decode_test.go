// ABOUTME: Tests for voice decoders and encoders
// ABOUTME: PCM round trips, concealment by repetition and codec validation
package decode

import (
	"testing"

	"github.com/Resonate-Protocol/resonate-voice/pkg/audio"
	"github.com/Resonate-Protocol/resonate-voice/pkg/audio/encode"
	"github.com/Resonate-Protocol/resonate-voice/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pcmFormat = audio.Format{Codec: wire.CodecPCM, SampleRate: 16000, Channels: 1, FrameSize: 4}

func TestPCMRoundTrip(t *testing.T) {
	enc, err := encode.NewPCM(pcmFormat)
	require.NoError(t, err)
	dec, err := NewPCM(pcmFormat)
	require.NoError(t, err)

	in := []float32{0, 0.5, -0.5, 0.25}
	data, err := enc.Encode(in)
	require.NoError(t, err)
	assert.Len(t, data, 8)

	out := make([]float32, 4)
	n, err := dec.Decode(data, out)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	for i := range in {
		assert.InDelta(t, in[i], out[i], 1.0/32768)
	}
}

func TestPCMConcealRepeatsNext(t *testing.T) {
	enc, _ := encode.NewPCM(pcmFormat)
	dec, _ := NewPCM(pcmFormat)

	next, _ := enc.Encode([]float32{0.1, 0.2, 0.3, 0.4})
	out := make([]float32, 4)
	n, err := dec.Conceal(next, out)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.InDelta(t, 0.3, out[2], 1e-4)
}

func TestPCMConcealFadesLast(t *testing.T) {
	enc, _ := encode.NewPCM(pcmFormat)
	dec, _ := NewPCM(pcmFormat)

	data, _ := enc.Encode([]float32{0.8, 0.8, 0.8, 0.8})
	out := make([]float32, 4)
	_, err := dec.Decode(data, out)
	require.NoError(t, err)

	_, err = dec.Conceal(nil, out)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, out[0], 1e-4)

	require.NoError(t, dec.Reset())
	_, err = dec.Conceal(nil, out)
	require.NoError(t, err)
	assert.Zero(t, out[0])
}

func TestPCMRejectsWrongFrameLength(t *testing.T) {
	dec, _ := NewPCM(pcmFormat)
	_, err := dec.Decode([]byte{1, 2}, make([]float32, 4))
	assert.Error(t, err)
}

func TestNewDispatch(t *testing.T) {
	dec, err := New(pcmFormat)
	require.NoError(t, err)
	assert.IsType(t, &PCMDecoder{}, dec)

	_, err = New(audio.Format{Codec: wire.Codec(9), SampleRate: 48000, Channels: 1, FrameSize: 960})
	assert.Error(t, err)
}

func TestNewOpusInvalidCodec(t *testing.T) {
	_, err := NewOpus(pcmFormat)
	require.Error(t, err)
	assert.Equal(t, "invalid codec for Opus decoder: pcm", err.Error())
}

func TestOpusRoundTrip(t *testing.T) {
	format := audio.Format{Codec: wire.CodecOpus, SampleRate: 48000, Channels: 1, FrameSize: 960}
	enc, err := encode.NewOpus(format)
	require.NoError(t, err)
	dec, err := NewOpus(format)
	require.NoError(t, err)

	frame := make([]float32, 960)
	data, err := enc.Encode(frame)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	out := make([]float32, 960)
	n, err := dec.Decode(data, out)
	require.NoError(t, err)
	assert.Equal(t, 960, n)

	n, err = dec.Conceal(nil, out)
	require.NoError(t, err)
	assert.Equal(t, 960, n)
	require.NoError(t, dec.Reset())
}
