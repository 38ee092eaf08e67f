// ABOUTME: Channel descriptors, composite keys and room id hashing
// ABOUTME: Converts between wire entries and typed descriptors
package channel

import (
	"hash/fnv"

	"github.com/Resonate-Protocol/resonate-voice/pkg/wire"
)

// Key identifies a channel independently of its metadata.
type Key struct {
	Type      Type
	Recipient uint16
}

// Descriptor is one target channel of a voice packet.
type Descriptor struct {
	Type      Type
	Recipient uint16
	Options
	Closing bool
	// Session increments each time the channel goes from closed to open.
	Session uint8
}

// Key returns the composite (type, recipient) key.
func (d Descriptor) Key() Key {
	return Key{Type: d.Type, Recipient: d.Recipient}
}

// Entry packs d for the wire.
func (d Descriptor) Entry() wire.ChannelEntry {
	return wire.ChannelEntry{
		Bitfield:  uint16(Pack(d.Type, d.Options, d.Closing, d.Session)),
		Recipient: d.Recipient,
	}
}

// FromEntry unpacks a wire entry.
func FromEntry(e wire.ChannelEntry) Descriptor {
	b := Bitfield(e.Bitfield)
	return Descriptor{
		Type:      b.Type(),
		Recipient: e.Recipient,
		Options:   b.Options(),
		Closing:   b.Closing(),
		Session:   b.Session(),
	}
}

// RoomID folds the FNV-1a hash of a room name into 16 bits.
func RoomID(name string) uint16 {
	h := fnv.New32a()
	h.Write([]byte(name))
	sum := h.Sum32()
	return uint16(sum>>16) ^ uint16(sum)
}
