// ABOUTME: Audio output interface definition
// ABOUTME: Common interface for pull-model playback backends
package output

import (
	"fmt"

	"github.com/Resonate-Protocol/resonate-voice/pkg/audio"
)

// Output represents an audio output device
type Output interface {
	// Start opens the device and pulls interleaved samples from src until
	// src completes or Close is called.
	Start(src audio.Source, sampleRate, channels int) error

	// Close releases output resources
	Close() error
}

// New returns the named backend: "oto" (the default) or "portaudio".
func New(backend string) (Output, error) {
	switch backend {
	case "", "oto":
		return NewOto(), nil
	case "portaudio":
		return NewPortAudio(), nil
	default:
		return nil, fmt.Errorf("unknown audio output %q (supported: oto, portaudio)", backend)
	}
}
