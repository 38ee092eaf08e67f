// ABOUTME: Decoder interface definition
// ABOUTME: Common interface for voice frame decoders and a codec dispatcher
package decode

import (
	"fmt"

	"github.com/Resonate-Protocol/resonate-voice/pkg/audio"
	"github.com/Resonate-Protocol/resonate-voice/pkg/wire"
)

// Decoder decodes one fixed-size frame at a time.
type Decoder interface {
	// Decode fills pcm with one frame and returns samples per channel.
	Decode(data []byte, pcm []float32) (int, error)

	// Conceal fills pcm with a replacement for a lost frame. next is the
	// frame after the lost one, or nil when it has not arrived.
	Conceal(next []byte, pcm []float32) (int, error)

	// Reset discards decoder history before a new stream.
	Reset() error

	// Close releases decoder resources
	Close() error
}

// New creates a decoder for format.Codec.
func New(format audio.Format) (Decoder, error) {
	switch format.Codec {
	case wire.CodecOpus:
		return NewOpus(format)
	case wire.CodecPCM:
		return NewPCM(format)
	default:
		return nil, fmt.Errorf("unsupported codec: %s", format.Codec)
	}
}
