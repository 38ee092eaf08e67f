// ABOUTME: State of one remote speaker: talking flag, epochs and playback
// ABOUTME: Network side updates it per packet, audio side reads its stream
package voice

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/Resonate-Protocol/resonate-voice/pkg/audio"
	"github.com/Resonate-Protocol/resonate-voice/pkg/channel"
	"github.com/Resonate-Protocol/resonate-voice/pkg/jitter"
	"github.com/Resonate-Protocol/resonate-voice/pkg/pipeline"
	"github.com/Resonate-Protocol/resonate-voice/pkg/session"
	"github.com/Resonate-Protocol/resonate-voice/pkg/wire"
)

// SpeakerStats is a display snapshot of one speaker.
type SpeakerStats struct {
	ID       uint16
	Talking  bool
	Playing  bool
	Pending  int
	Muted    bool
	Options  channel.Options
	Packets  uint64
	Dropped  uint64
	Pipeline pipeline.Stats
}

// Speaker is one remote client whose audio reaches this listener.
type Speaker struct {
	id     uint16
	stream *session.Stream

	// Guarded by mu; touched only by the network side.
	mu       sync.Mutex
	epochs   *channel.EpochTracker
	seq      jitter.Sequencer
	open     bool
	topEpoch uint8
	haveTop  bool
	format   audio.Format

	options atomic.Pointer[channel.Options]
	muted   atomic.Bool
	volume  atomic.Uint32 // float32 bits
	packets atomic.Uint64
	dropped atomic.Uint64

	// Audio side.
	gain float32
}

func newSpeaker(id uint16, stream *session.Stream, format audio.Format) *Speaker {
	s := &Speaker{
		id:     id,
		stream: stream,
		epochs: channel.NewEpochTracker(),
		format: format,
		gain:   1,
	}
	opts := channel.DefaultOptions()
	s.options.Store(&opts)
	s.SetVolume(1)
	return s
}

// ID is the speaker's client id.
func (s *Speaker) ID() uint16 { return s.id }

// Options is the playback metadata derived from the latest packet.
func (s *Speaker) Options() channel.Options { return *s.options.Load() }

// Talking reports whether the speaker has open channels to this listener.
func (s *Speaker) Talking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Playing reports whether audio from the speaker is being played.
func (s *Speaker) Playing() bool { return s.stream.Playing() }

// SetMuted silences the speaker locally.
func (s *Speaker) SetMuted(m bool) { s.muted.Store(m) }

// Muted reports the local mute state.
func (s *Speaker) Muted() bool { return s.muted.Load() }

// SetVolume sets the local gain for the speaker.
func (s *Speaker) SetVolume(g float32) {
	if g < 0 {
		g = 0
	}
	s.volume.Store(math.Float32bits(g))
}

// Volume returns the local gain.
func (s *Speaker) Volume() float32 { return math.Float32frombits(s.volume.Load()) }

func (s *Speaker) setFormat(f audio.Format) {
	s.mu.Lock()
	s.format = f
	s.mu.Unlock()
}

// Stats returns a display snapshot.
func (s *Speaker) Stats() SpeakerStats {
	st := SpeakerStats{
		ID:      s.id,
		Talking: s.Talking(),
		Pending: s.stream.Pending(),
		Muted:   s.Muted(),
		Options: s.Options(),
		Packets: s.packets.Load(),
		Dropped: s.dropped.Load(),
	}
	st.Pipeline, st.Playing = s.stream.Stats()
	return st
}

// effectiveOptions merges the channels addressed to this listener:
// positional only if every channel is, the loudest amplitude and the
// highest priority.
func effectiveOptions(chans []channel.Descriptor) channel.Options {
	if len(chans) == 0 {
		return channel.DefaultOptions()
	}
	opts := channel.Options{Priority: channel.None, Positional: true}
	for _, c := range chans {
		opts.Positional = opts.Positional && c.Positional
		if c.Amplitude > opts.Amplitude {
			opts.Amplitude = c.Amplitude
		}
		if c.Priority > opts.Priority {
			opts.Priority = c.Priority
		}
	}
	return opts
}

// receiveResult tells the receiver which stream operations a packet
// requires. They run after the speaker lock is released.
type receiveResult struct {
	events []EventType
	stop   bool
	start  bool
	format audio.Format
	reset  bool
	push   bool
	late   bool
	offset uint32
}

// receive applies one packet to the speaker's state. relevant holds only
// the channels addressed to this listener.
func (s *Speaker) receive(v *wire.VoiceData, relevant []channel.Descriptor) receiveResult {
	var res receiveResult

	allClosing := true
	live := relevant[:0:0]
	for _, c := range relevant {
		if !c.Closing {
			allClosing = false
			live = append(live, c)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	obs := s.epochs.Observe(relevant, s.open)
	topChanged := s.haveTop && v.ChannelSession != s.topEpoch
	s.topEpoch, s.haveTop = v.ChannelSession, true

	if allClosing {
		if s.open {
			s.open = false
			s.seq.Reset()
			res.stop = true
			res.events = append(res.events, SpeakingStopped)
		}
		return res
	}

	startNew, reset := false, false
	switch {
	case !s.open:
		s.open = true
		startNew = true
		res.events = append(res.events, SpeakingStarted)
	case obs.ForceReset:
		startNew, reset = true, true
		res.events = append(res.events, SpeakerReset)
	case topChanged:
		// Same speaker, new conversation: let the current one play out.
		startNew = true
	}

	if startNew {
		s.seq.Reset()
		res.start = true
		res.format = s.format
	}
	res.reset = reset

	opts := effectiveOptions(live)
	s.options.Store(&opts)

	res.offset, res.push = s.seq.Offset(v.Sequence)
	res.late = !res.push
	return res
}

// Read fills out with the speaker's audio and reports whether anything is
// playing. It is called from the audio side only.
func (s *Speaker) Read(out []float32) bool {
	return s.stream.Read(out)
}

// apply runs the stream side of a receive.
func (s *Speaker) apply(res receiveResult) error {
	if res.stop {
		s.stream.Stop()
	}
	if res.start {
		if _, err := s.stream.StartSession(res.format); err != nil {
			s.mu.Lock()
			s.open = false
			s.mu.Unlock()
			return err
		}
	}
	if res.reset {
		// The new session is the newest, so it survives the reset while
		// stale ones are dropped or cut short.
		s.stream.ForceReset()
	}
	return nil
}

// applyGain forwards a gain change to the stream's volume ramps.
func (s *Speaker) applyGain(g float32) {
	if g == s.gain {
		return
	}
	s.gain = g
	s.stream.SetVolume(g)
}

func (s *Speaker) close() {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	s.stream.Close()
}
