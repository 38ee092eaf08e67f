// ABOUTME: Voice frame encoders for the capture path
// ABOUTME: Provides the Encoder interface with Opus and 16-bit PCM implementations
// Package encode turns float32 PCM frames into encoded voice payloads.
//
// Example:
//
//	enc, err := encode.New(format)
//	payload, err := enc.Encode(frame)
package encode
