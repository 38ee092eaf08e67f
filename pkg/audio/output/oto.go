// ABOUTME: Oto-based audio output implementation
// ABOUTME: Oto pulls float32 little-endian bytes converted from the source
package output

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/Resonate-Protocol/resonate-voice/pkg/audio"
	"github.com/ebitengine/oto/v3"
	"github.com/sirupsen/logrus"
)

// Oto output implementation using oto library
type Oto struct {
	mu         sync.Mutex
	otoCtx     *oto.Context
	player     *oto.Player
	sampleRate int
	channels   int
	log        logrus.FieldLogger
}

// NewOto creates a new Oto output
func NewOto() *Oto {
	return &Oto{log: logrus.StandardLogger()}
}

// Start opens the device. Oto allows one context per process, so a second
// Start with a different format is refused.
func (o *Oto) Start(src audio.Source, sampleRate, channels int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.otoCtx != nil && (o.sampleRate != sampleRate || o.channels != channels) {
		return fmt.Errorf("oto already running at %dHz/%dch", o.sampleRate, o.channels)
	}

	if o.otoCtx == nil {
		ctx, readyChan, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: channels,
			Format:       oto.FormatFloat32LE,
		})
		if err != nil {
			return fmt.Errorf("failed to create oto context: %w", err)
		}
		<-readyChan
		o.otoCtx = ctx
		o.sampleRate = sampleRate
		o.channels = channels
	}

	if o.player != nil {
		o.player.Close()
	}
	o.player = o.otoCtx.NewPlayer(NewReader(src, channels))
	o.player.Play()

	o.log.WithFields(logrus.Fields{
		"sample_rate": sampleRate,
		"channels":    channels,
	}).Info("Audio output started")
	return nil
}

// Close releases output resources
func (o *Oto) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var err error
	if o.player != nil {
		err = o.player.Close()
		o.player = nil
	}
	if o.otoCtx != nil {
		if serr := o.otoCtx.Suspend(); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}

// Reader adapts a source to the float32 little-endian byte stream oto
// consumes. It returns io.EOF after the source completes.
type Reader struct {
	src       audio.Source
	frameSize int
	buf       []float32
	done      bool
}

// NewReader wraps src producing interleaved frames of channels samples.
func NewReader(src audio.Source, channels int) *Reader {
	return &Reader{src: src, frameSize: 4 * channels}
}

// Read fills whole frames of p.
func (r *Reader) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	n := len(p) / r.frameSize * r.frameSize
	if n == 0 {
		return 0, nil
	}
	samples := n / 4
	if cap(r.buf) < samples {
		r.buf = make([]float32, samples)
	}
	buf := r.buf[:samples]
	r.done = r.src.Read(buf)
	for i, s := range buf {
		binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(s))
	}
	return n, nil
}
