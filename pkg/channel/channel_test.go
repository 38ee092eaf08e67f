// ABOUTME: Tests for channel bitfield packing and epoch tracking
// ABOUTME: Exercises the all-channels-changed reset rule and eviction
package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackRoundTrip(t *testing.T) {
	priorities := []Priority{Low, Default, Medium, High}
	for _, typ := range []Type{Player, Room} {
		for _, pri := range priorities {
			for session := uint8(0); session < 4; session++ {
				for _, flags := range [][2]bool{{false, false}, {true, false}, {false, true}, {true, true}} {
					opts := Options{Priority: pri, Amplitude: 1.3, Positional: flags[0]}
					b := Pack(typ, opts, flags[1], session)

					assert.Equal(t, typ, b.Type())
					assert.Equal(t, pri, b.Priority())
					assert.Equal(t, session, b.Session())
					assert.Equal(t, flags[0], b.Positional())
					assert.Equal(t, flags[1], b.Closing())
					assert.InDelta(t, 1.3, b.Amplitude(), 2.0/255)
				}
			}
		}
	}
}

func TestPackBitPositions(t *testing.T) {
	b := Pack(Room, Options{Priority: High, Amplitude: 2, Positional: true}, true, 3)
	assert.Equal(t, Bitfield(0xFF7F), b)

	b = Pack(Player, Options{Priority: Default}, false, 0)
	assert.Equal(t, Bitfield(0), b)

	b = Pack(Player, Options{Priority: Low}, false, 1)
	assert.Equal(t, Bitfield(1<<3|1<<5), b)
}

func TestSessionIsTwoBits(t *testing.T) {
	assert.Equal(t, uint8(1), Pack(Player, Options{}, false, 5).Session())
}

func TestNonePriorityPacksAsDefault(t *testing.T) {
	assert.Equal(t, Default, Pack(Player, Options{Priority: None}, false, 0).Priority())
}

func TestAmplitudeQuantization(t *testing.T) {
	tests := []struct {
		in   float32
		want uint8
	}{
		{-1, 0},
		{0, 0},
		{1, 128},
		{2, 255},
		{5, 255},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, QuantizeAmplitude(tt.in), "amplitude %v", tt.in)
	}
	assert.Equal(t, float32(2), DequantizeAmplitude(255))
	assert.Equal(t, float32(0), DequantizeAmplitude(0))

	for a := float32(0); a <= 2; a += 0.01 {
		got := DequantizeAmplitude(QuantizeAmplitude(a))
		assert.InDelta(t, a, got, 2.0/255, "amplitude %v", a)
	}
}

func TestDescriptorEntryRoundTrip(t *testing.T) {
	d := Descriptor{
		Type:      Room,
		Recipient: RoomID("lobby"),
		Options:   Options{Priority: Medium, Amplitude: 2, Positional: true},
		Closing:   true,
		Session:   2,
	}
	assert.Equal(t, d, FromEntry(d.Entry()))
}

func TestRoomIDStable(t *testing.T) {
	assert.Equal(t, RoomID("lobby"), RoomID("lobby"))
	assert.NotEqual(t, RoomID("lobby"), RoomID("team"))
}

func chans(sessions ...uint8) []Descriptor {
	out := make([]Descriptor, len(sessions))
	for i, s := range sessions {
		out[i] = Descriptor{Type: Player, Recipient: uint16(i), Session: s}
	}
	return out
}

func TestEpochChangeOnOneChannelDoesNotReset(t *testing.T) {
	tr := NewEpochTracker()
	tr.Observe(chans(0, 0), false)

	obs := tr.Observe(chans(1, 0), true)
	assert.False(t, obs.ForceReset)
	assert.Equal(t, []Key{{Type: Player, Recipient: 0}}, obs.Changed)

	e, ok := tr.Epoch(Key{Type: Player, Recipient: 0})
	require.True(t, ok)
	assert.Equal(t, uint8(1), e)
}

func TestEpochChangeOnAllChannelsResets(t *testing.T) {
	tr := NewEpochTracker()
	tr.Observe(chans(0, 0), false)

	obs := tr.Observe(chans(1, 1), true)
	assert.True(t, obs.ForceReset)
	assert.Len(t, obs.Changed, 2)
}

func TestEpochChangeWhileClosedDoesNotReset(t *testing.T) {
	tr := NewEpochTracker()
	tr.Observe(chans(0, 0), false)

	obs := tr.Observe(chans(1, 1), false)
	assert.False(t, obs.ForceReset)
	assert.Len(t, obs.Changed, 2)
}

func TestNewChannelBlocksReset(t *testing.T) {
	tr := NewEpochTracker()
	tr.Observe(chans(0), false)

	// Channel 0 changed but channel 1 is new, so not every channel changed.
	obs := tr.Observe(chans(1, 0), true)
	assert.False(t, obs.ForceReset)
}

func TestMissingChannelIsEvicted(t *testing.T) {
	tr := NewEpochTracker()
	tr.Observe(chans(0, 0), false)

	obs := tr.Observe(chans(0), true)
	assert.Equal(t, []Key{{Type: Player, Recipient: 1}}, obs.Evicted)
	assert.Equal(t, 1, tr.Len())

	// The evicted channel comes back with a new epoch: it is treated as new.
	obs = tr.Observe(chans(0, 3), true)
	assert.Empty(t, obs.Changed)
	assert.False(t, obs.ForceReset)
}

func TestEmptyPacketNeverResets(t *testing.T) {
	tr := NewEpochTracker()
	tr.Observe(chans(0), false)
	obs := tr.Observe(nil, true)
	assert.False(t, obs.ForceReset)
	assert.Equal(t, 0, tr.Len())
}

func TestDefaultOptionsAreAudible(t *testing.T) {
	b := Pack(Player, DefaultOptions(), false, 0)
	assert.InDelta(t, 1, b.Amplitude(), 2.0/255)
	assert.Equal(t, Default, b.Priority())
}
