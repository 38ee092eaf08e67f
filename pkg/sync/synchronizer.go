// ABOUTME: Rate compensation and hard skips between ideal and actual playback
// ABOUTME: Smooths the playback rate and tracks desync for one speaker
package sync

import (
	"sync"
	"time"

	"github.com/Resonate-Protocol/resonate-voice/pkg/audio"
	"github.com/Resonate-Protocol/resonate-voice/pkg/audio/resample"
	"github.com/sirupsen/logrus"
)

const (
	DefaultDeadZone      = 29 * time.Millisecond
	DefaultMaxRateChange = 0.15
	DefaultSkipThreshold = time.Second
	DefaultRampUp        = 0.05
)

// Config tunes a Synchronizer. Zero fields take defaults.
type Config struct {
	SampleRate int
	Channels   int

	// DeadZone ignores desync smaller than this.
	DeadZone time.Duration
	// MaxRateChange bounds the rate to 1 +- MaxRateChange.
	MaxRateChange float64
	// SkipThreshold triggers a hard skip beyond this desync.
	SkipThreshold time.Duration
	// RampUp is the per-read interpolation factor when speeding up.
	RampUp float64

	// Clock returns the current time. Defaults to time.Now.
	Clock  func() time.Time
	Logger logrus.FieldLogger
}

// State is a snapshot of the synchronizer, recomputed on every read.
type State struct {
	Ideal   time.Duration
	Actual  time.Duration
	Desync  time.Duration
	Rate    float64
	Enabled bool
	// LastSkip is the number of frames discarded by the most recent hard skip.
	LastSkip int
	Skips    uint64
}

// Synchronizer corrects the speed of an upstream source so that its
// position tracks wall-clock time. It is driven from the audio callback;
// State may be read from any goroutine.
type Synchronizer struct {
	cfg      Config
	upstream audio.Source
	linear   *resample.Linear

	enabled bool
	started bool
	start   time.Time
	skipped uint64 // frames discarded by hard skips
	discard []float32

	mu    sync.RWMutex
	state State
}

// New wraps upstream. The synchronizer starts disabled.
func New(upstream audio.Source, cfg Config) *Synchronizer {
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.DeadZone == 0 {
		cfg.DeadZone = DefaultDeadZone
	}
	if cfg.MaxRateChange == 0 {
		cfg.MaxRateChange = DefaultMaxRateChange
	}
	if cfg.SkipThreshold == 0 {
		cfg.SkipThreshold = DefaultSkipThreshold
	}
	if cfg.RampUp == 0 {
		cfg.RampUp = DefaultRampUp
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Synchronizer{
		cfg:      cfg,
		upstream: upstream,
		linear:   resample.NewLinear(upstream, cfg.Channels, 1),
		state:    State{Rate: 1},
	}
}

// Enable turns on rate compensation. The timer starts at the next read.
func (s *Synchronizer) Enable() {
	s.enabled = true
	s.setState(func(st *State) { st.Enabled = true })
}

// Disable freezes the rate at 1.0 and passes upstream through untouched.
func (s *Synchronizer) Disable() {
	s.enabled = false
	s.linear.SetRatio(1)
	s.setState(func(st *State) {
		st.Enabled = false
		st.Rate = 1
	})
}

// Enabled reports whether compensation is on.
func (s *Synchronizer) Enabled() bool { return s.enabled }

// Reset stops the timer, clears counters and disables compensation.
func (s *Synchronizer) Reset() {
	s.enabled = false
	s.started = false
	s.skipped = 0
	s.linear.Reset()
	s.linear.SetRatio(1)
	s.mu.Lock()
	s.state = State{Rate: 1}
	s.mu.Unlock()
}

// State returns the latest snapshot.
func (s *Synchronizer) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Synchronizer) setState(fn func(*State)) {
	s.mu.Lock()
	fn(&s.state)
	s.mu.Unlock()
}

func (s *Synchronizer) frames(d time.Duration) int {
	return int(d.Seconds() * float64(s.cfg.SampleRate))
}

func (s *Synchronizer) position() time.Duration {
	consumed := s.linear.Consumed() + s.skipped
	return time.Duration(float64(consumed) / float64(s.cfg.SampleRate) * float64(time.Second))
}

// Read fills out from upstream at the compensated rate.
func (s *Synchronizer) Read(out []float32) bool {
	if !s.enabled {
		return s.upstream.Read(out)
	}

	now := s.cfg.Clock()
	if !s.started {
		s.started = true
		s.start = now
	}

	ideal := now.Sub(s.start)
	actual := s.position()
	desync := ideal - actual
	rate := s.linear.Ratio()

	var (
		skipFrames int
		skipped    bool
		complete   bool
	)
	if desync > s.cfg.SkipThreshold || desync < -s.cfg.SkipThreshold {
		skipped = true
		if desync > 0 {
			skipFrames = s.frames(desync)
			complete = s.skip(skipFrames)
		} else {
			// Ahead of the clock: move the timer instead of inventing audio.
			s.start = now.Add(-actual)
		}
		rate = 1
		actual = s.position()
		ideal = now.Sub(s.start)
		desync = ideal - actual
	}

	if desync > -s.cfg.DeadZone && desync < s.cfg.DeadZone {
		desync = 0
	}

	if !skipped {
		rate = s.nextRate(rate, desync)
	}
	s.linear.SetRatio(rate)

	if !complete {
		complete = s.linear.Read(out)
	} else {
		audio.Silence(out)
	}

	s.mu.Lock()
	s.state.Ideal = ideal
	s.state.Actual = actual
	s.state.Desync = desync
	s.state.Rate = rate
	s.state.Enabled = true
	if skipped {
		s.state.LastSkip = skipFrames
		s.state.Skips++
	}
	s.mu.Unlock()

	if skipped {
		s.cfg.Logger.WithFields(logrus.Fields{
			"skipped_frames": skipFrames,
			"ideal":          ideal,
			"actual":         actual,
		}).Warn("Playback desync beyond threshold, skipped to realign")
	}
	return complete
}

// nextRate moves the current rate toward the rate the desync asks for.
// Slowing down is applied at once, speeding up is interpolated.
func (s *Synchronizer) nextRate(current float64, desync time.Duration) float64 {
	secs := desync.Seconds()
	if secs > 1 {
		secs = 1
	} else if secs < -1 {
		secs = -1
	}
	target := 1 + secs*s.cfg.MaxRateChange
	if target <= current {
		return target
	}
	return current + (target-current)*s.cfg.RampUp
}

// skip discards n upstream frames and reports whether upstream completed.
func (s *Synchronizer) skip(n int) bool {
	const chunk = 4096
	if s.discard == nil {
		s.discard = make([]float32, chunk*s.cfg.Channels)
	}
	done := false
	left := n
	for left > 0 && !done {
		m := min(left, chunk)
		done = s.upstream.Read(s.discard[:m*s.cfg.Channels])
		left -= m
	}
	s.skipped += uint64(n - left)
	return done
}
