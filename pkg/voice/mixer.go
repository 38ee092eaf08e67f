// ABOUTME: Sums every speaker into the output buffer
// ABOUTME: Ducks speakers below the highest active priority and soft clips
package voice

import (
	"math"
	"sync/atomic"

	"github.com/Resonate-Protocol/resonate-voice/pkg/audio"
	"github.com/Resonate-Protocol/resonate-voice/pkg/channel"
)

// DefaultDuckGain is applied to speakers outranked by a louder priority.
const DefaultDuckGain = 0.3

// SpeakerSource lists the speakers to mix. Speakers is called on every
// device callback and should return a cached slice.
type SpeakerSource interface {
	Speakers() []*Speaker
}

// MixerConfig configures a Mixer.
type MixerConfig struct {
	// Channels is the device layout. Speakers are mono and copied to
	// every channel.
	Channels int
	// DuckGain scales outranked speakers. Defaults to DefaultDuckGain;
	// negative disables ducking.
	DuckGain float32
	// SoftClip limits the summed output.
	SoftClip bool
}

// Mixer is the audio device's source. Read is called from the audio
// callback; the volume and mute setters may be called from anywhere.
type Mixer struct {
	cfg     MixerConfig
	source  SpeakerSource
	master  atomic.Uint32 // float32 bits
	muted   atomic.Bool
	closed  atomic.Bool
	scratch []float32
	active  atomic.Int32
}

// NewMixer mixes the speakers of source.
func NewMixer(source SpeakerSource, cfg MixerConfig) *Mixer {
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.DuckGain == 0 {
		cfg.DuckGain = DefaultDuckGain
	}
	m := &Mixer{cfg: cfg, source: source}
	m.SetVolume(1)
	return m
}

// SetVolume sets the master gain.
func (m *Mixer) SetVolume(g float32) {
	if g < 0 {
		g = 0
	}
	m.master.Store(math.Float32bits(g))
}

// Volume returns the master gain.
func (m *Mixer) Volume() float32 { return math.Float32frombits(m.master.Load()) }

// SetMuted mutes every speaker.
func (m *Mixer) SetMuted(v bool) { m.muted.Store(v) }

// Muted reports the master mute.
func (m *Mixer) Muted() bool { return m.muted.Load() }

// Active reports how many speakers produced audio in the last Read.
func (m *Mixer) Active() int { return int(m.active.Load()) }

// Close makes the next Read report completion.
func (m *Mixer) Close() { m.closed.Store(true) }

// Read fills out with the mix. It reports completion only after Close.
func (m *Mixer) Read(out []float32) bool {
	audio.Silence(out)
	if m.closed.Load() {
		return true
	}
	ch := m.cfg.Channels
	frames := len(out) / ch
	if cap(m.scratch) < frames {
		m.scratch = make([]float32, frames)
	}
	scratch := m.scratch[:frames]

	speakers := m.source.Speakers()
	top := channel.None
	for _, sp := range speakers {
		if sp.Playing() {
			if p := sp.Options().Priority; p > top {
				top = p
			}
		}
	}

	master := m.Volume()
	if m.muted.Load() {
		master = 0
	}

	active := int32(0)
	for _, sp := range speakers {
		opts := sp.Options()
		g := sp.Volume() * opts.Amplitude
		if sp.Muted() {
			g = 0
		}
		if m.cfg.DuckGain > 0 && opts.Priority < top {
			g *= m.cfg.DuckGain
		}
		sp.applyGain(g)

		if !sp.Read(scratch) {
			continue
		}
		active++
		for i, s := range scratch {
			for c := 0; c < ch; c++ {
				out[i*ch+c] += s
			}
		}
	}
	m.active.Store(active)

	if master != 1 {
		for i := range out {
			out[i] *= master
		}
	}
	if m.cfg.SoftClip {
		audio.SoftClip(out)
	}
	return false
}
