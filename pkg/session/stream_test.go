// ABOUTME: Tests for speech session scheduling
// ABOUTME: Covers activation delay bounds, dequeue timing, fast-forward and reset
package session

import (
	"sync"
	"testing"
	"time"

	"github.com/Resonate-Protocol/resonate-voice/pkg/audio"
	"github.com/Resonate-Protocol/resonate-voice/pkg/audio/encode"
	"github.com/Resonate-Protocol/resonate-voice/pkg/jitter"
	"github.com/Resonate-Protocol/resonate-voice/pkg/pipeline"
	"github.com/Resonate-Protocol/resonate-voice/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFormat = audio.Format{Codec: wire.CodecPCM, SampleRate: 48000, Channels: 1, FrameSize: 480}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newStream(t *testing.T) (*Stream, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	s := NewStream(Config{
		Pool:  pipeline.NewPool(pipeline.Config{}),
		Clock: clock.Now,
	})
	return s, clock
}

func pushFrames(t *testing.T, s *Stream, n int, now time.Time) {
	t.Helper()
	enc, err := encode.NewPCM(testFormat)
	require.NoError(t, err)
	pcm := make([]float32, testFormat.FrameSamples())
	for i := 0; i < n; i++ {
		data, err := enc.Encode(pcm)
		require.NoError(t, err)
		ok := s.Push(jitter.Packet{Sequence: uint32(i), Payload: append([]byte(nil), data...)}, now)
		require.True(t, ok)
	}
}

func TestActivationDelayBounds(t *testing.T) {
	frames := []time.Duration{0, 2500 * time.Microsecond, 10 * time.Millisecond, 20 * time.Millisecond, 60 * time.Millisecond, time.Second}
	stddevs := []time.Duration{0, time.Millisecond, 40 * time.Millisecond, 200 * time.Millisecond, 2 * time.Second}
	confidences := []float64{-1, 0, 0.25, 0.5, 1, 3}

	for _, frame := range frames {
		lo := time.Duration(float64(frame) * MinDelayFrames)
		if lo > MaxDelay {
			lo = MaxDelay
		}
		for _, sd := range stddevs {
			for _, c := range confidences {
				d := ActivationDelay(frame, sd, c)
				assert.GreaterOrEqual(t, d, lo, "frame=%v sd=%v c=%v", frame, sd, c)
				assert.LessOrEqual(t, d, MaxDelay, "frame=%v sd=%v c=%v", frame, sd, c)
			}
		}
	}
}

func TestActivationDelayInterpolates(t *testing.T) {
	frame := 20 * time.Millisecond
	assert.Equal(t, BaseDelay, ActivationDelay(frame, 0, 0))
	assert.Equal(t, 250*time.Millisecond, ActivationDelay(frame, 100*time.Millisecond, 1))
	assert.Equal(t, 175*time.Millisecond, ActivationDelay(frame, 100*time.Millisecond, 0.5))
	// Low jitter with full confidence is held at 1.5 frames.
	assert.Equal(t, 30*time.Millisecond, ActivationDelay(frame, time.Millisecond, 1))
}

func TestTryDequeueWaitsForActivation(t *testing.T) {
	s, clock := newStream(t)
	ss, err := s.StartSession(testFormat)
	require.NoError(t, err)
	assert.Equal(t, BaseDelay, ss.Delay)
	assert.Equal(t, 1, s.Pending())

	assert.False(t, s.TryDequeue(clock.Now().Add(50*time.Millisecond)))
	assert.False(t, s.Playing())

	assert.True(t, s.TryDequeue(clock.Now().Add(101*time.Millisecond)))
	assert.True(t, s.Playing())
	assert.Equal(t, 0, s.Pending())

	st, ok := s.Stats()
	require.True(t, ok)
	assert.True(t, st.Sync.Enabled)
}

func TestPrepareFastForwardsBacklog(t *testing.T) {
	s, clock := newStream(t)
	ss, err := s.StartSession(testFormat)
	require.NoError(t, err)
	pushFrames(t, s, 60, clock.Now())
	require.Equal(t, 600*time.Millisecond, ss.Pipeline.BufferedDuration())

	require.True(t, s.TryDequeue(clock.Now().Add(time.Second)))
	assert.Equal(t, ss.Delay, ss.Pipeline.BufferedDuration())
}

func TestPrepareKeepsModestBacklog(t *testing.T) {
	s, clock := newStream(t)
	ss, err := s.StartSession(testFormat)
	require.NoError(t, err)
	pushFrames(t, s, 30, clock.Now())

	require.True(t, s.TryDequeue(clock.Now().Add(time.Second)))
	assert.Equal(t, 300*time.Millisecond, ss.Pipeline.BufferedDuration())
}

func TestReadSilentWhenIdle(t *testing.T) {
	s, _ := newStream(t)
	out := []float32{1, 1, 1}
	assert.False(t, s.Read(out))
	assert.Equal(t, []float32{0, 0, 0}, out)
}

func TestCompletedSessionIsRecycled(t *testing.T) {
	s, clock := newStream(t)
	first, err := s.StartSession(testFormat)
	require.NoError(t, err)
	pushFrames(t, s, 2, clock.Now())
	s.Stop()
	assert.False(t, s.Push(jitter.Packet{}, clock.Now()))

	clock.Advance(200 * time.Millisecond)
	out := make([]float32, 480)
	for i := 0; i < 20 && (s.Playing() || s.Pending() > 0); i++ {
		s.Read(out)
	}
	assert.False(t, s.Playing())

	second, err := s.StartSession(testFormat)
	require.NoError(t, err)
	assert.Same(t, first.Pipeline, second.Pipeline)
	assert.Equal(t, 0, second.Pipeline.Stats().Jitter.Pending)
}

func TestSessionsPlayInOrder(t *testing.T) {
	s, clock := newStream(t)
	a, err := s.StartSession(testFormat)
	require.NoError(t, err)
	b, err := s.StartSession(testFormat)
	require.NoError(t, err)
	assert.Less(t, a.ID, b.ID)
	assert.Equal(t, 2, s.Pending())

	// Starting b stopped a, so a drains and b takes over.
	clock.Advance(200 * time.Millisecond)
	out := make([]float32, 480)
	for i := 0; i < 20 && s.Pending() > 0; i++ {
		s.Read(out)
	}
	assert.Equal(t, 0, s.Pending())
	assert.True(t, s.Playing())
}

func TestForceResetKeepsNewestQueued(t *testing.T) {
	s, clock := newStream(t)
	for i := 0; i < 10; i++ {
		s.Estimator().Add(time.Duration(i) * time.Millisecond)
	}

	active, err := s.StartSession(testFormat)
	require.NoError(t, err)
	pushFrames(t, s, 5, clock.Now())
	require.True(t, s.TryDequeue(clock.Now().Add(time.Second)))

	_, err = s.StartSession(testFormat)
	require.NoError(t, err)
	newest, err := s.StartSession(testFormat)
	require.NoError(t, err)
	require.Equal(t, 2, s.Pending())

	s.ForceReset()
	assert.Equal(t, 1, s.Pending())
	assert.Zero(t, s.Estimator().Confidence())

	// The reset lands on the next read and the stopped session completes.
	s.Read(make([]float32, 480))
	assert.Equal(t, 0, active.Pipeline.Stats().Jitter.Pending)
	assert.False(t, s.Playing())

	clock.Advance(time.Second)
	assert.True(t, s.TryDequeue(clock.Now()))
	st, ok := s.Stats()
	require.True(t, ok)
	assert.Equal(t, newest.Pipeline.Stats(), st)
}

func TestSetVolumeCarriesToNewSessions(t *testing.T) {
	s, _ := newStream(t)
	s.SetVolume(0.25)
	ss, err := s.StartSession(testFormat)
	require.NoError(t, err)
	assert.Equal(t, float32(0.25), ss.Pipeline.Stats().Gain)
}

func TestCloseReleasesEverything(t *testing.T) {
	s, clock := newStream(t)
	_, err := s.StartSession(testFormat)
	require.NoError(t, err)
	require.True(t, s.TryDequeue(clock.Now().Add(time.Second)))
	_, err = s.StartSession(testFormat)
	require.NoError(t, err)

	s.Close()
	assert.False(t, s.Playing())
	assert.Equal(t, 0, s.Pending())
}
