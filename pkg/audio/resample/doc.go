// ABOUTME: Audio resampling stages for the playback chain
// ABOUTME: Variable-ratio linear stream and high-quality fixed-rate converter
// Package resample provides sample rate conversion as pull-model sources.
//
// Linear interpolates with a ratio that can change between reads, which the
// playback synchronizer uses to nudge speed. HQ wraps
// github.com/tphakala/go-audio-resampling for the fixed codec-to-device
// rate conversion.
//
// Example:
//
//	lin := resample.NewLinear(src, 1, 1.0)
//	lin.SetRatio(1.05) // consume 5% more input per output frame
//	lin.Read(out)
package resample
