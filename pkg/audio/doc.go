// ABOUTME: Audio fundamentals shared by the voice pipeline
// ABOUTME: Defines Format, the pull-model Source and sample conversions
// Package audio provides the sample-level types used throughout resonate-voice.
//
// Samples are interleaved float32 in [-1, 1]. Stages of the playback chain
// implement Source and are pulled by the device callback:
//
//	type Source interface {
//	    Read(out []float32) (complete bool)
//	}
//
// Format ties a codec to its frame size and sample rate:
//
//	format := audio.Format{Codec: wire.CodecOpus, SampleRate: 48000, Channels: 1, FrameSize: 960}
//	format.FrameDuration() // 20ms
package audio
