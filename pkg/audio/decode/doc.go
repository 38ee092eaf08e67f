// ABOUTME: Voice frame decoders with loss concealment
// ABOUTME: Provides the Decoder interface with Opus and 16-bit PCM implementations
// Package decode turns encoded voice frames into float32 PCM.
//
// Every decoder produces exactly one frame per call. When a frame is lost,
// Conceal synthesizes a replacement, using the following frame when the
// jitter buffer could peek at it.
//
// Example:
//
//	dec, err := decode.New(format)
//	n, err := dec.Decode(payload, pcm)
//	n, err = dec.Conceal(nextPayload, pcm) // nextPayload may be nil
package decode
