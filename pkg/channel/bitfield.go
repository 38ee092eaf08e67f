// ABOUTME: Per-channel metadata packed into a 16-bit field
// ABOUTME: Type, positional, closing, priority, 2-bit session and amplitude
package channel

import (
	"fmt"
	"math"
)

// Type is the kind of recipient a channel addresses.
type Type uint8

const (
	// Player addresses one client by id.
	Player Type = 0
	// Room addresses every member of a room by room id.
	Room Type = 1
)

func (t Type) String() string {
	if t == Room {
		return "room"
	}
	return "player"
}

// Priority orders concurrent speakers. Higher values win.
type Priority int8

const (
	// None is the priority of silence. It is never transmitted.
	None    Priority = -2
	Low     Priority = -1
	Default Priority = 0
	Medium  Priority = 1
	High    Priority = 2
)

func (p Priority) String() string {
	switch p {
	case None:
		return "none"
	case Low:
		return "low"
	case Default:
		return "default"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int8(p))
	}
}

const (
	typeMask       = 0x0001
	positionalMask = 0x0002
	closingMask    = 0x0004
	priorityMask   = 0x0018
	priorityShift  = 3
	sessionMask    = 0x0060
	sessionShift   = 5
	amplitudeShift = 8

	// MaxAmplitude is the top of the amplitude range.
	MaxAmplitude = 2.0
)

// Bitfield is the packed 16-bit form of a channel's metadata.
type Bitfield uint16

// Options is the per-channel playback metadata a sender attaches.
type Options struct {
	Priority   Priority
	Amplitude  float32 // in [0, 2]
	Positional bool
}

// DefaultOptions plays at unit amplitude with default priority.
func DefaultOptions() Options {
	return Options{Priority: Default, Amplitude: 1}
}

// Pack encodes a channel into its bitfield. Session is reduced mod 4.
func Pack(t Type, opts Options, closing bool, session uint8) Bitfield {
	var b uint16
	if t == Room {
		b |= typeMask
	}
	if opts.Positional {
		b |= positionalMask
	}
	if closing {
		b |= closingMask
	}
	b |= uint16(packPriority(opts.Priority)) << priorityShift
	b |= uint16(session&0x03) << sessionShift
	b |= uint16(QuantizeAmplitude(opts.Amplitude)) << amplitudeShift
	return Bitfield(b)
}

func (b Bitfield) Type() Type {
	if uint16(b)&typeMask != 0 {
		return Room
	}
	return Player
}

func (b Bitfield) Positional() bool { return uint16(b)&positionalMask != 0 }

func (b Bitfield) Closing() bool { return uint16(b)&closingMask != 0 }

func (b Bitfield) Priority() Priority {
	return unpackPriority(uint8((uint16(b) & priorityMask) >> priorityShift))
}

// Session is the channel's 2-bit rolling epoch.
func (b Bitfield) Session() uint8 {
	return uint8((uint16(b) & sessionMask) >> sessionShift)
}

func (b Bitfield) Amplitude() float32 {
	return DequantizeAmplitude(uint8(uint16(b) >> amplitudeShift))
}

// Options returns the playback metadata stored in b.
func (b Bitfield) Options() Options {
	return Options{Priority: b.Priority(), Amplitude: b.Amplitude(), Positional: b.Positional()}
}

func packPriority(p Priority) uint8 {
	switch p {
	case Low:
		return 1
	case Medium:
		return 2
	case High:
		return 3
	default:
		return 0
	}
}

func unpackPriority(v uint8) Priority {
	switch v {
	case 1:
		return Low
	case 2:
		return Medium
	case 3:
		return High
	default:
		return Default
	}
}

// QuantizeAmplitude maps [0, 2] onto a byte, clamping out-of-range input.
func QuantizeAmplitude(a float32) uint8 {
	if math.IsNaN(float64(a)) || a <= 0 {
		return 0
	}
	if a >= MaxAmplitude {
		return 255
	}
	return uint8(math.Round(float64(a) / MaxAmplitude * 255))
}

// DequantizeAmplitude is (b/255)*2.
func DequantizeAmplitude(v uint8) float32 {
	return float32(v) / 255 * MaxAmplitude
}
