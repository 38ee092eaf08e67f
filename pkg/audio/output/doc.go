// ABOUTME: Audio output package for device playback
// ABOUTME: Pull-model outputs that read float32 audio from a source
// Package output plays audio pulled from an audio.Source.
//
// The device callback drives playback: every time the backend needs
// samples it reads them from the source, usually the voice mixer.
//
// Example:
//
//	out, err := output.New("oto")
//	err = out.Start(mixer, 48000, 2)
//	defer out.Close()
package output
