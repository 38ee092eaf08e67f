// ABOUTME: Tests for the decode pipeline, estimator, volume ramp and pool
// ABOUTME: Uses the PCM codec so decoded samples are predictable
package pipeline

import (
	"testing"
	"time"

	"github.com/Resonate-Protocol/resonate-voice/pkg/audio"
	"github.com/Resonate-Protocol/resonate-voice/pkg/audio/encode"
	"github.com/Resonate-Protocol/resonate-voice/pkg/jitter"
	"github.com/Resonate-Protocol/resonate-voice/pkg/pool"
	"github.com/Resonate-Protocol/resonate-voice/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFormat = audio.Format{Codec: wire.CodecPCM, SampleRate: 48000, Channels: 1, FrameSize: 480}

func framePacket(t *testing.T, seq uint32, v float32) jitter.Packet {
	t.Helper()
	enc, err := encode.NewPCM(testFormat)
	require.NoError(t, err)
	pcm := make([]float32, testFormat.FrameSamples())
	for i := range pcm {
		pcm[i] = v
	}
	data, err := enc.Encode(pcm)
	require.NoError(t, err)
	return jitter.Packet{Sequence: seq, Payload: append([]byte(nil), data...)}
}

func TestPipelineGapIsConcealed(t *testing.T) {
	p, err := New(Config{Format: testFormat})
	require.NoError(t, err)

	now := time.Unix(0, 0)
	for _, seq := range []uint32{0, 1, 3, 4} {
		p.Push(framePacket(t, seq, float32(seq+1)/10), now)
	}
	p.Stop()

	out := make([]float32, 480)
	want := []float32{0.1, 0.2, 0.4, 0.4, 0.5}
	for i, w := range want {
		complete := p.Read(out)
		assert.False(t, complete, "read %d", i)
		assert.InDelta(t, w, out[0], 1e-3, "read %d", i)
		assert.InDelta(t, w, out[479], 1e-3, "read %d", i)
	}

	assert.True(t, p.Read(out))
	st := p.Stats()
	assert.InDelta(t, 1.0/5, st.Jitter.LossRatio, 1e-9)
	assert.Equal(t, uint64(1), st.Jitter.Lost)
}

func TestPipelineStartsAtEarliestArrival(t *testing.T) {
	p, err := New(Config{Format: testFormat})
	require.NoError(t, err)

	now := time.Unix(0, 0)
	for _, seq := range []uint32{65, 64, 66} {
		p.Push(framePacket(t, seq, float32(seq-63)/10), now)
	}
	p.Stop()

	out := make([]float32, 480)
	for i, w := range []float32{0.1, 0.2, 0.3} {
		p.Read(out)
		assert.InDelta(t, w, out[240], 1e-3, "read %d", i)
	}
	assert.True(t, p.Read(out))
	st := p.Stats()
	assert.Zero(t, st.Jitter.Lost)
	assert.Zero(t, st.Jitter.Late)
}

func TestPipelineReadsAcrossFrameBoundaries(t *testing.T) {
	p, err := New(Config{Format: testFormat})
	require.NoError(t, err)
	p.Push(framePacket(t, 0, 0.1), time.Now())
	p.Push(framePacket(t, 1, 0.2), time.Now())

	out := make([]float32, 300)
	p.Read(out)
	assert.InDelta(t, 0.1, out[299], 1e-3)
	p.Read(out)
	assert.InDelta(t, 0.1, out[179], 1e-3)
	assert.InDelta(t, 0.2, out[180], 1e-3)
}

func TestPipelineRecyclesPayloads(t *testing.T) {
	payloads := pool.NewBytes(testFormat.FrameSamples()*2, 0)
	p, err := New(Config{Format: testFormat, Payloads: payloads})
	require.NoError(t, err)

	pk := framePacket(t, 0, 0.3)
	pk.Payload = payloads.Copy(pk.Payload)
	p.Push(pk, time.Now())
	p.Read(make([]float32, 480))
	assert.Equal(t, 1, payloads.Free())
}

func TestPipelineArrivalJitter(t *testing.T) {
	p, err := New(Config{Format: testFormat})
	require.NoError(t, err)
	est := NewJitterEstimator(16)
	p.SetEstimator(est)

	t0 := time.Unix(100, 0)
	offsets := []time.Duration{0, 2, -3, 8, 0, 5, -1, 4}
	for i, off := range offsets {
		at := t0.Add(time.Duration(i)*10*time.Millisecond + off*time.Millisecond)
		p.Push(framePacket(t, uint32(i), 0), at)
	}
	assert.Greater(t, est.StdDev(), time.Duration(0))
	assert.InDelta(t, 0.5, est.Confidence(), 1e-9)
}

func TestPipelineVolumeRamp(t *testing.T) {
	p, err := New(Config{Format: testFormat})
	require.NoError(t, err)
	p.Push(framePacket(t, 0, 0.5), time.Now())
	p.Push(framePacket(t, 1, 0.5), time.Now())

	p.SetVolume(0)
	out := make([]float32, 480)
	p.Read(out)
	assert.Greater(t, out[0], float32(0.49))
	assert.InDelta(t, 0, out[479], 1e-6)
	assert.Greater(t, out[100], out[300])

	p.Read(out)
	assert.Zero(t, out[0])
}

func TestPipelineRequestReset(t *testing.T) {
	p, err := New(Config{Format: testFormat})
	require.NoError(t, err)
	for seq := uint32(0); seq < 4; seq++ {
		p.Push(framePacket(t, seq, 0.5), time.Now())
	}
	p.RequestReset()

	out := make([]float32, 480)
	p.Read(out)
	st := p.Stats()
	assert.Equal(t, 0, st.Jitter.Pending)
	assert.Equal(t, uint32(1), st.Jitter.Cursor)
}

func TestPipelineFastForward(t *testing.T) {
	p, err := New(Config{Format: testFormat})
	require.NoError(t, err)
	for seq := uint32(0); seq < 10; seq++ {
		p.Push(framePacket(t, seq, float32(seq)/10), time.Now())
	}
	assert.Equal(t, 100*time.Millisecond, p.BufferedDuration())

	dropped := p.FastForward(50 * time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, dropped)
	assert.Equal(t, 50*time.Millisecond, p.BufferedDuration())

	out := make([]float32, 480)
	p.Read(out)
	assert.InDelta(t, 0.5, out[0], 1e-3)
}

func TestPipelineDeviceRateConversion(t *testing.T) {
	format := audio.Format{Codec: wire.CodecPCM, SampleRate: 16000, Channels: 1, FrameSize: 320}
	p, err := New(Config{Format: format, DeviceRate: 48000})
	require.NoError(t, err)
	require.NotNil(t, p.hq)

	out := make([]float32, 960)
	assert.False(t, p.Read(out))
}

func TestPipelineFixedRateIgnoresEnableSync(t *testing.T) {
	p, err := New(Config{Format: testFormat, FixedRate: true})
	require.NoError(t, err)
	p.EnableSync()
	assert.False(t, p.Stats().Sync.Enabled)

	p, err = New(Config{Format: testFormat})
	require.NoError(t, err)
	p.EnableSync()
	assert.True(t, p.Stats().Sync.Enabled)
}

func TestPoolResetsOnCheckout(t *testing.T) {
	pl := NewPool(Config{})
	est := NewJitterEstimator(0)

	a, err := pl.Get(testFormat, est)
	require.NoError(t, err)
	a.Push(framePacket(t, 0, 0.1), time.Now())
	a.SetVolume(0.2)
	require.NoError(t, pl.Put(a))

	b, err := pl.Get(testFormat, est)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 0, b.Stats().Jitter.Pending)
	assert.Equal(t, float32(1), b.Stats().Gain)

	other := testFormat
	other.FrameSize = 960
	c, err := pl.Get(other, est)
	require.NoError(t, err)
	assert.NotSame(t, b, c)

	assert.NoError(t, pl.Put(b))
	assert.ErrorIs(t, pl.Put(b), pool.ErrForeign)
}

func TestEstimatorWindow(t *testing.T) {
	e := NewJitterEstimator(4)
	assert.Zero(t, e.StdDev())
	for i := 0; i < 10; i++ {
		e.Add(10 * time.Millisecond)
	}
	assert.Zero(t, e.StdDev())
	assert.Equal(t, 1.0, e.Confidence())

	e.Add(0)
	e.Add(20 * time.Millisecond)
	assert.InDelta(t, float64(7071067*time.Nanosecond), float64(e.StdDev()), float64(time.Microsecond))

	e.Clear()
	assert.Zero(t, e.Confidence())
}

func TestVolumeRampSteady(t *testing.T) {
	v := NewVolumeRamp(1)
	buf := []float32{1, 1, 1, 1}
	v.Apply(buf, 1)
	assert.Equal(t, []float32{1, 1, 1, 1}, buf)

	v.SetTarget(-1)
	assert.Zero(t, v.Target())
	v.Apply(buf, 2)
	assert.Equal(t, []float32{0.5, 0.5, 0, 0}, buf)
	assert.Zero(t, v.Current())
}
