// ABOUTME: High-level Resonate voice library API
// ABOUTME: Provides a single VoiceClient for most use cases
// Package resonate provides the high-level API for Resonate voice chat.
//
// A VoiceClient connects to a relay, plays every speaker that addresses it
// and, when given a microphone source, transmits on the channels it opens.
//
// For lower-level control, see the voice, protocol, pipeline and discovery
// packages.
//
// Example:
//
//	vc, err := resonate.NewVoiceClient(resonate.Config{
//	    ServerAddr: "localhost:8927",
//	    Name:       "Kitchen",
//	    Rooms:      []string{"house"},
//	    Source:     mic,
//	})
//	err = vc.Connect(ctx)
//	vc.OpenRoom("house", channel.DefaultOptions())
//	vc.SetTransmit(true)
package resonate
