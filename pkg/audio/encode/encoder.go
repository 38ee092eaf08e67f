// ABOUTME: Encoder interface definition
// ABOUTME: Common interface for voice frame encoders and a codec dispatcher
package encode

import (
	"fmt"

	"github.com/Resonate-Protocol/resonate-voice/pkg/audio"
	"github.com/Resonate-Protocol/resonate-voice/pkg/wire"
)

// Encoder encodes one fixed-size PCM frame per call
type Encoder interface {
	// Encode converts one frame to encoded audio data. The returned slice
	// is only valid until the next call.
	Encode(pcm []float32) ([]byte, error)

	// Close releases encoder resources
	Close() error
}

// New creates an encoder for format.Codec.
func New(format audio.Format) (Encoder, error) {
	switch format.Codec {
	case wire.CodecOpus:
		return NewOpus(format)
	case wire.CodecPCM:
		return NewPCM(format)
	default:
		return nil, fmt.Errorf("unsupported codec: %s", format.Codec)
	}
}
