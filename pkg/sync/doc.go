// ABOUTME: Playback clock synchronization package
// ABOUTME: Keeps a speaker's playback position aligned with wall-clock time
// Package sync keeps decoded audio playing in real time.
//
// A Synchronizer sits between the decode pipeline and the device. Each read
// compares the wall-clock time since playback started (ideal position) with
// the audio actually consumed (actual position). Small differences are
// ignored, moderate ones nudge the playback rate by up to 15%, and gross
// stalls are fixed by skipping audio.
//
// Example:
//
//	s := sync.New(upstream, sync.Config{SampleRate: 48000, Channels: 1})
//	s.Enable()
//	complete := s.Read(out)
//	state := s.State()
package sync
