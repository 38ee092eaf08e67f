// ABOUTME: Per-speaker decode pipeline from jitter buffer to device samples
// ABOUTME: Jitter estimation, volume ramping and pooled pipelines
// Package pipeline turns a speaker's encoded packets into device-rate PCM.
//
// Stages, in pull order from the device:
//
//	jitter buffer -> decode -> frame buffering -> volume ramp -> resample -> synchronizer -> soft clip
//
// Push is called from the network side; Read from the audio callback.
// Pipelines are pooled per (codec, frame size, sample rate) and reset on
// checkout.
package pipeline
