//go:build portaudio

// ABOUTME: PortAudio output implementation
// ABOUTME: The PortAudio callback reads float32 frames straight from the source
package output

import (
	"fmt"
	"sync/atomic"

	"github.com/Resonate-Protocol/resonate-voice/pkg/audio"
	"github.com/gordonklaus/portaudio"
)

// PortAudio output implementation
type PortAudio struct {
	stream *portaudio.Stream
	done   atomic.Bool
}

// NewPortAudio creates a new PortAudio output
func NewPortAudio() *PortAudio {
	return &PortAudio{}
}

// Start opens the default device with a callback pulling from src.
func (p *PortAudio) Start(src audio.Source, sampleRate, channels int) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize portaudio: %w", err)
	}

	stream, err := portaudio.OpenDefaultStream(0, channels, float64(sampleRate), 0, func(out []float32) {
		if p.done.Load() {
			audio.Silence(out)
			return
		}
		if src.Read(out) {
			p.done.Store(true)
		}
	})
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("failed to open stream: %w", err)
	}

	p.stream = stream
	return stream.Start()
}

// Close releases resources
func (p *PortAudio) Close() error {
	if p.stream != nil {
		if err := p.stream.Stop(); err != nil {
			return err
		}
		if err := p.stream.Close(); err != nil {
			return err
		}
		p.stream = nil
	}
	return portaudio.Terminate()
}
