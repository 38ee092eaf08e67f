// ABOUTME: Decode pipeline for one speaker's speech session
// ABOUTME: Pulls frames through decode, ramp, resample, sync and soft clip
package pipeline

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/resonate-voice/pkg/audio"
	"github.com/Resonate-Protocol/resonate-voice/pkg/audio/decode"
	"github.com/Resonate-Protocol/resonate-voice/pkg/audio/resample"
	"github.com/Resonate-Protocol/resonate-voice/pkg/jitter"
	"github.com/Resonate-Protocol/resonate-voice/pkg/pool"
	vsync "github.com/Resonate-Protocol/resonate-voice/pkg/sync"
	"github.com/sirupsen/logrus"
)

// Config describes a pipeline. Zero fields take defaults.
type Config struct {
	Format audio.Format
	// DeviceRate is the output rate. Defaults to Format.SampleRate.
	DeviceRate int
	SoftClip   bool
	// FixedRate leaves the synchronizer off so playback runs at the
	// nominal rate and never skips.
	FixedRate bool
	// Payloads receives packet buffers once they are decoded or dropped.
	Payloads *pool.Bytes

	Jitter jitter.Config
	Sync   vsync.Config
	// NewDecoder overrides decoder construction, mainly for tests.
	NewDecoder func(audio.Format) (decode.Decoder, error)
	Logger     logrus.FieldLogger
}

// Stats is a snapshot of one pipeline.
type Stats struct {
	Jitter       jitter.Stats
	Sync         vsync.State
	DecodeErrors uint64
	Gain         float32
}

// Pipeline decodes one speech session. Push, Stop and RequestReset are for
// the network side; Read, Reset, FastForward and EnableSync are for the
// audio side.
type Pipeline struct {
	cfg    Config
	format audio.Format

	buffer  *jitter.Buffer
	decoder decode.Decoder
	ramp    *VolumeRamp
	hq      *resample.HQ
	sync    *vsync.Synchronizer

	// decode stage state, audio side only
	frame    []float32
	frameOff int
	frameLen int

	arrivalMu    sync.Mutex
	estimator    *JitterEstimator
	firstArrival time.Time
	firstSeq     uint32
	haveFirst    bool

	resetRequested atomic.Bool
	decodeErrors   atomic.Uint64
}

// New builds a pipeline and its decoder.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}
	if cfg.DeviceRate <= 0 {
		cfg.DeviceRate = cfg.Format.SampleRate
	}
	if cfg.NewDecoder == nil {
		cfg.NewDecoder = decode.New
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	dec, err := cfg.NewDecoder(cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	p := &Pipeline{
		cfg:     cfg,
		format:  cfg.Format,
		decoder: dec,
		ramp:    NewVolumeRamp(1),
		frame:   make([]float32, cfg.Format.FrameSamples()),
	}

	jcfg := cfg.Jitter
	jcfg.StartAtFirst = true
	jcfg.Logger = cfg.Logger
	if cfg.Payloads != nil {
		payloads := cfg.Payloads
		jcfg.Recycle = func(pk jitter.Packet) { payloads.Put(pk.Payload) }
	}
	p.buffer = jitter.NewBuffer(jcfg)

	var upstream audio.Source = audio.SourceFunc(p.readRamped)
	if cfg.DeviceRate != cfg.Format.SampleRate {
		p.hq, err = resample.NewHQ(upstream, cfg.Format.Channels, cfg.Format.SampleRate, cfg.DeviceRate)
		if err != nil {
			dec.Close()
			return nil, err
		}
		upstream = p.hq
	}

	scfg := cfg.Sync
	scfg.SampleRate = cfg.DeviceRate
	scfg.Channels = cfg.Format.Channels
	scfg.Logger = cfg.Logger
	p.sync = vsync.New(upstream, scfg)
	return p, nil
}

// Format returns the stream format.
func (p *Pipeline) Format() audio.Format { return p.format }

// SetEstimator attaches the speaker's jitter estimator.
func (p *Pipeline) SetEstimator(e *JitterEstimator) {
	p.arrivalMu.Lock()
	p.estimator = e
	p.arrivalMu.Unlock()
}

// Push queues a packet and records how late it arrived relative to the
// schedule set by the first packet of the session.
func (p *Pipeline) Push(pk jitter.Packet, now time.Time) {
	p.arrivalMu.Lock()
	if !p.haveFirst {
		p.haveFirst = true
		p.firstArrival = now
		p.firstSeq = pk.Sequence
	}
	frames := int64(pk.Sequence) - int64(p.firstSeq)
	expected := p.firstArrival.Add(time.Duration(frames) * p.format.FrameDuration())
	est := p.estimator
	p.arrivalMu.Unlock()

	if est != nil {
		est.Add(now.Sub(expected))
	}
	p.buffer.Push(pk)
}

// Stop marks that no more packets will arrive.
func (p *Pipeline) Stop() {
	p.buffer.Stop()
}

// RequestReset asks the audio side to reset at its next Read.
func (p *Pipeline) RequestReset() {
	p.resetRequested.Store(true)
}

// Reset clears every stage. It must not race with Read.
func (p *Pipeline) Reset() {
	p.resetRequested.Store(false)
	p.buffer.Reset()
	if err := p.decoder.Reset(); err != nil {
		p.cfg.Logger.WithError(err).Warn("Failed to reset decoder")
	}
	if p.hq != nil {
		if err := p.hq.Reset(); err != nil {
			p.cfg.Logger.WithError(err).Warn("Failed to reset resampler")
		}
	}
	p.sync.Reset()
	p.ramp.Snap(1)
	p.frameOff, p.frameLen = 0, 0
	p.decodeErrors.Store(0)

	p.arrivalMu.Lock()
	p.haveFirst = false
	p.estimator = nil
	p.arrivalMu.Unlock()
}

// resetInPlace handles RequestReset while keeping the session running. A
// stopped session stays stopped so it still completes.
func (p *Pipeline) resetInPlace() {
	syncOn := p.sync.Enabled()
	stopped := p.buffer.Stopped()
	gain := p.ramp.Target()
	p.arrivalMu.Lock()
	est := p.estimator
	p.arrivalMu.Unlock()

	p.Reset()
	p.SetEstimator(est)
	p.ramp.Snap(gain)
	if stopped {
		p.buffer.Stop()
	}
	if syncOn {
		p.sync.Enable()
	}
}

// EnableSync turns on playback rate compensation.
func (p *Pipeline) EnableSync() {
	if p.cfg.FixedRate {
		return
	}
	p.sync.Enable()
}

// SetVolume sets the gain the ramp moves toward.
func (p *Pipeline) SetVolume(g float32) {
	p.ramp.SetTarget(g)
}

// BufferedDuration is the audio waiting in the jitter buffer.
func (p *Pipeline) BufferedDuration() time.Duration {
	return time.Duration(p.buffer.Len()) * p.format.FrameDuration()
}

// FastForward discards about d of buffered audio and returns how much
// was dropped.
func (p *Pipeline) FastForward(d time.Duration) time.Duration {
	fd := p.format.FrameDuration()
	if fd <= 0 || d <= 0 {
		return 0
	}
	n := p.buffer.Skip(int(d / fd))
	return time.Duration(n) * fd
}

// Read fills out with device-rate samples and reports when the session
// has finished playing.
func (p *Pipeline) Read(out []float32) bool {
	if p.resetRequested.Load() {
		p.resetInPlace()
	}
	complete := p.sync.Read(out)
	if p.cfg.SoftClip {
		audio.SoftClip(out)
	}
	return complete
}

// readRamped is the decode and volume stage at codec rate.
func (p *Pipeline) readRamped(out []float32) bool {
	complete := p.readFrames(out)
	p.ramp.Apply(out, p.format.Channels)
	return complete
}

// readFrames copies decoded frames into out, decoding as needed.
func (p *Pipeline) readFrames(out []float32) bool {
	written := 0
	for written < len(out) {
		if p.frameOff >= p.frameLen {
			if done := p.decodeNext(); done {
				audio.Silence(out[written:])
				return true
			}
		}
		n := copy(out[written:], p.frame[p.frameOff:p.frameLen])
		p.frameOff += n
		written += n
	}
	return false
}

// decodeNext decodes the frame at the jitter cursor into p.frame.
func (p *Pipeline) decodeNext() (done bool) {
	f := p.buffer.Read()
	if f.Complete && !f.Present {
		return true
	}

	var (
		n   int
		err error
	)
	switch {
	case !f.Lost:
		n, err = p.decoder.Decode(f.Packet.Payload, p.frame)
		p.buffer.Recycle(f.Packet)
	case f.Present:
		n, err = p.decoder.Conceal(f.Packet.Payload, p.frame)
	default:
		n, err = p.decoder.Conceal(nil, p.frame)
	}
	if err != nil {
		if p.decodeErrors.Add(1) == 1 {
			p.cfg.Logger.WithError(err).Warn("Failed to decode voice frame")
		}
		audio.Silence(p.frame)
		n = p.format.FrameSize
	}
	p.frameOff = 0
	p.frameLen = n * p.format.Channels
	return false
}

// Stats returns a snapshot for display.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Jitter:       p.buffer.Stats(),
		Sync:         p.sync.State(),
		DecodeErrors: p.decodeErrors.Load(),
		Gain:         p.ramp.Target(),
	}
}

// Close releases the decoder.
func (p *Pipeline) Close() error {
	return p.decoder.Close()
}
