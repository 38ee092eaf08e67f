// ABOUTME: Microphone capture loop feeding the sender
// ABOUTME: Reads and encodes frames on one goroutine and sends on another
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/resonate-voice/internal/logging"
	"github.com/Resonate-Protocol/resonate-voice/pkg/audio"
	"github.com/Resonate-Protocol/resonate-voice/pkg/audio/encode"
	"github.com/sirupsen/logrus"
)

// CaptureConfig configures a Capture loop.
type CaptureConfig struct {
	// Source is the microphone. Completion ends the loop.
	Source  audio.Source
	Encoder encode.Encoder
	Format  audio.Format
	Sender  *Sender
	// Paced reads one frame per frame duration. Sources that do not block
	// on a device clock need it.
	Paced bool
	// QueueLimit bounds encoded frames waiting to be sent. Defaults to 16.
	QueueLimit int
	Logger     logrus.FieldLogger
}

// CaptureStats counts frames through the loop.
type CaptureStats struct {
	Captured     uint64
	Encoded      uint64
	EncodeErrors uint64
	SendErrors   uint64
	Dropped      uint64
}

// Capture reads the microphone, encodes while transmitting and hands
// frames to the sender through a double-buffered queue.
type Capture struct {
	cfg     CaptureConfig
	queue   *Queue[[]byte]
	sendLog *logging.Limited

	transmit atomic.Bool
	shutdown atomic.Bool

	captured     atomic.Uint64
	encoded      atomic.Uint64
	encodeErrors atomic.Uint64
	sendErrors   atomic.Uint64
}

// NewCapture validates cfg and creates a stopped loop.
func NewCapture(cfg CaptureConfig) (*Capture, error) {
	if cfg.Source == nil || cfg.Encoder == nil || cfg.Sender == nil {
		return nil, errors.New("capture needs a source, an encoder and a sender")
	}
	if err := cfg.Format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid capture format: %w", err)
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 16
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Capture{
		cfg:     cfg,
		queue:   NewQueue[[]byte](cfg.QueueLimit),
		sendLog: logging.NewLimited(cfg.Logger, time.Second, 3),
	}, nil
}

// SetTransmit starts or stops encoding captured frames.
func (c *Capture) SetTransmit(on bool) { c.transmit.Store(on) }

// Transmitting reports whether captured frames are sent.
func (c *Capture) Transmitting() bool { return c.transmit.Load() }

// Stats returns loop counters.
func (c *Capture) Stats() CaptureStats {
	return CaptureStats{
		Captured:     c.captured.Load(),
		Encoded:      c.encoded.Load(),
		EncodeErrors: c.encodeErrors.Load(),
		SendErrors:   c.sendErrors.Load(),
		Dropped:      c.queue.Dropped(),
	}
}

// Run captures until ctx ends or the source completes.
func (c *Capture) Run(ctx context.Context) error {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.sendLoop(done)
	}()

	err := c.captureLoop(ctx)

	c.shutdown.Store(true)
	close(done)
	wg.Wait()
	return err
}

func (c *Capture) captureLoop(ctx context.Context) error {
	pcm := make([]float32, c.cfg.Format.FrameSamples())

	var tick <-chan time.Time
	if c.cfg.Paced {
		ticker := time.NewTicker(c.cfg.Format.FrameDuration())
		defer ticker.Stop()
		tick = ticker.C
	}

	wasOn := false
	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		complete := c.cfg.Source.Read(pcm)
		c.captured.Add(1)

		on := c.transmit.Load()
		switch {
		case on:
			data, err := c.cfg.Encoder.Encode(pcm)
			if err != nil {
				c.encodeErrors.Add(1)
				c.cfg.Logger.WithError(err).Debug("Failed to encode captured frame")
				break
			}
			c.encoded.Add(1)
			c.queue.Push(append([]byte(nil), data...))
		case wasOn:
			// nil asks the send loop to flush channel closes.
			c.queue.Push(nil)
		}
		wasOn = on

		if complete {
			c.cfg.Logger.Info("Capture source finished")
			return nil
		}
	}
}

// sendLoop wakes on queued frames and exits once shutdown is set and the
// queue is drained.
func (c *Capture) sendLoop(done <-chan struct{}) {
	send := func(frame []byte) {
		var err error
		if frame == nil {
			err = c.cfg.Sender.Flush()
		} else {
			err = c.cfg.Sender.Send(frame)
		}
		if err != nil {
			c.sendErrors.Add(1)
			c.sendLog.Warn(logrus.Fields{"error": err}, "Failed to send voice frame")
		}
	}

	for {
		select {
		case <-c.queue.Wake():
		case <-done:
		}
		c.queue.Drain(send)
		if c.shutdown.Load() {
			c.queue.Drain(send)
			c.cfg.Sender.CloseAll()
			send(nil)
			return
		}
	}
}
