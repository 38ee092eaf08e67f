// ABOUTME: Per-speaker queue of speech sessions and their activation timing
// ABOUTME: Delays playback by a jitter-derived amount and recycles pipelines
package session

import (
	"sync"
	"time"

	"github.com/Resonate-Protocol/resonate-voice/pkg/audio"
	"github.com/Resonate-Protocol/resonate-voice/pkg/jitter"
	"github.com/Resonate-Protocol/resonate-voice/pkg/pipeline"
	"github.com/sirupsen/logrus"
)

const (
	BaseDelay            = 100 * time.Millisecond
	MaxDelay             = 750 * time.Millisecond
	JitterScale          = 2.5
	MinDelayFrames       = 1.5
	FastForwardTolerance = 100 * time.Millisecond
)

// ActivationDelay returns how long a new session waits before playing. The
// delay moves from BaseDelay toward JitterScale standard deviations as the
// estimate gains confidence, bounded to [1.5 frames, MaxDelay].
func ActivationDelay(frame, stddev time.Duration, confidence float64) time.Duration {
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}
	target := float64(stddev) * JitterScale
	d := time.Duration(float64(BaseDelay) + (target-float64(BaseDelay))*confidence)

	lo := time.Duration(float64(frame) * MinDelayFrames)
	if lo > MaxDelay {
		lo = MaxDelay
	}
	if d < lo {
		d = lo
	}
	if d > MaxDelay {
		d = MaxDelay
	}
	return d
}

// SpeechSession is one continuous stretch of a speaker talking.
type SpeechSession struct {
	ID       uint64
	Created  time.Time
	Delay    time.Duration
	Pipeline *pipeline.Pipeline
}

// ActivateAt is when the session may start playing.
func (s *SpeechSession) ActivateAt() time.Time {
	return s.Created.Add(s.Delay)
}

// Config configures a Stream.
type Config struct {
	Pool *pipeline.Pool
	// Estimator is shared by every session of the speaker. Defaults to a
	// new estimator with the default window.
	Estimator *pipeline.JitterEstimator
	// Tolerance is added to the fast-forward threshold.
	Tolerance time.Duration
	Clock     func() time.Time
	Logger    logrus.FieldLogger
}

// Stream queues the speech sessions of one speaker. StartSession, Push,
// Stop and ForceReset are called from the network side; TryDequeue and Read
// from the audio side.
type Stream struct {
	cfg Config

	mu      sync.Mutex
	queue   []*SpeechSession
	active  *SpeechSession
	latest  *SpeechSession
	counter uint64
	volume  float32
}

// NewStream creates an empty stream.
func NewStream(cfg Config) *Stream {
	if cfg.Estimator == nil {
		cfg.Estimator = pipeline.NewJitterEstimator(0)
	}
	if cfg.Tolerance == 0 {
		cfg.Tolerance = FastForwardTolerance
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Stream{cfg: cfg, volume: 1}
}

// Estimator returns the speaker's arrival jitter estimator.
func (s *Stream) Estimator() *pipeline.JitterEstimator { return s.cfg.Estimator }

// StartSession checks out a pipeline for format and queues a new session
// behind any that are still waiting or playing.
func (s *Stream) StartSession(format audio.Format) (*SpeechSession, error) {
	pl, err := s.cfg.Pool.Get(format, s.cfg.Estimator)
	if err != nil {
		return nil, err
	}
	est := s.cfg.Estimator
	ss := &SpeechSession{
		Created:  s.cfg.Clock(),
		Delay:    ActivationDelay(format.FrameDuration(), est.StdDev(), est.Confidence()),
		Pipeline: pl,
	}

	s.mu.Lock()
	s.counter++
	ss.ID = s.counter
	pl.SetVolume(s.volume)
	if s.latest != nil {
		s.latest.Pipeline.Stop()
	}
	s.queue = append(s.queue, ss)
	s.latest = ss
	s.mu.Unlock()

	s.cfg.Logger.WithFields(logrus.Fields{
		"session": ss.ID,
		"delay":   ss.Delay,
	}).Debug("Queued speech session")
	return ss, nil
}

// Push hands a packet to the newest session. It reports false when no
// session is open.
func (s *Stream) Push(pk jitter.Packet, now time.Time) bool {
	s.mu.Lock()
	ss := s.latest
	s.mu.Unlock()
	if ss == nil {
		return false
	}
	ss.Pipeline.Push(pk, now)
	return true
}

// Stop ends the newest session. Its audio plays out and the pipeline is
// recycled once drained.
func (s *Stream) Stop() {
	s.mu.Lock()
	ss := s.latest
	s.latest = nil
	s.mu.Unlock()
	if ss != nil {
		ss.Pipeline.Stop()
	}
}

// TryDequeue activates the head of the queue if nothing is playing and its
// activation time has passed. It reports whether a session is active.
func (s *Stream) TryDequeue(now time.Time) bool {
	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return true
	}
	if len(s.queue) == 0 || !s.queue[0].ActivateAt().Before(now) {
		s.mu.Unlock()
		return false
	}
	ss := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.active = ss
	s.mu.Unlock()

	s.prepare(ss)
	return true
}

// prepare drops a stale backlog so playback starts close to now, then turns
// on rate compensation.
func (s *Stream) prepare(ss *SpeechSession) {
	buffered := ss.Pipeline.BufferedDuration()
	if buffered > 3*ss.Delay+s.cfg.Tolerance {
		dropped := ss.Pipeline.FastForward(buffered - ss.Delay)
		s.cfg.Logger.WithFields(logrus.Fields{
			"session":  ss.ID,
			"buffered": buffered,
			"dropped":  dropped,
		}).Info("Fast-forwarded speech session backlog")
	}
	ss.Pipeline.EnableSync()
}

// Read fills out from the active session. It reports false and writes
// silence when nothing is playing.
func (s *Stream) Read(out []float32) bool {
	if !s.TryDequeue(s.cfg.Clock()) {
		audio.Silence(out)
		return false
	}

	s.mu.Lock()
	ss := s.active
	s.mu.Unlock()
	if ss == nil {
		audio.Silence(out)
		return false
	}

	if ss.Pipeline.Read(out) {
		s.finish(ss)
	}
	return true
}

// finish retires a completed session.
func (s *Stream) finish(ss *SpeechSession) {
	s.mu.Lock()
	if s.active == ss {
		s.active = nil
	}
	if s.latest == ss {
		s.latest = nil
	}
	s.mu.Unlock()
	s.release(ss)
}

func (s *Stream) release(ss *SpeechSession) {
	if err := s.cfg.Pool.Put(ss.Pipeline); err != nil {
		s.cfg.Logger.WithError(err).Warn("Failed to return pipeline to pool")
	}
}

// ForceReset resets the playing pipeline, drops every queued session but
// the newest and clears the jitter statistics.
func (s *Stream) ForceReset() {
	var dropped []*SpeechSession

	s.mu.Lock()
	if s.active != nil {
		s.active.Pipeline.RequestReset()
	}
	if n := len(s.queue); n > 1 {
		dropped = append(dropped, s.queue[:n-1]...)
		s.queue = append(s.queue[:0], s.queue[n-1])
	}
	s.mu.Unlock()

	s.cfg.Estimator.Clear()
	for _, ss := range dropped {
		s.release(ss)
	}
	s.cfg.Logger.WithField("dropped", len(dropped)).Debug("Speech stream force reset")
}

// Playing reports whether a session is active.
func (s *Stream) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Pending reports how many sessions wait for activation.
func (s *Stream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Stats returns the active pipeline's stats, or ok=false when idle.
func (s *Stream) Stats() (pipeline.Stats, bool) {
	s.mu.Lock()
	ss := s.active
	s.mu.Unlock()
	if ss == nil {
		return pipeline.Stats{}, false
	}
	return ss.Pipeline.Stats(), true
}

// SetVolume applies g to the active, queued and future sessions.
func (s *Stream) SetVolume(g float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = g
	if s.active != nil {
		s.active.Pipeline.SetVolume(g)
	}
	for _, ss := range s.queue {
		ss.Pipeline.SetVolume(g)
	}
}

// Close returns every pipeline to the pool. The stream must not be read
// afterwards.
func (s *Stream) Close() {
	s.mu.Lock()
	all := s.queue
	if s.active != nil {
		all = append(all, s.active)
	}
	s.queue, s.active, s.latest = nil, nil, nil
	s.mu.Unlock()

	for _, ss := range all {
		s.release(ss)
	}
}
