// ABOUTME: Tests for relay routing decisions
// ABOUTME: Covers room membership, deduplication and sender exclusion
package server

import (
	"testing"

	"github.com/Resonate-Protocol/resonate-voice/pkg/channel"
	"github.com/Resonate-Protocol/resonate-voice/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRoster(t *testing.T, rooms map[uint16][]string) *roster {
	t.Helper()
	r := newRoster()
	for id, names := range rooms {
		r.add(wire.ClientInfo{ClientID: id, Name: "c", Rooms: names})
	}
	return r
}

func entry(typ channel.Type, recipient uint16) wire.ChannelEntry {
	return channel.Descriptor{Type: typ, Recipient: recipient, Options: channel.DefaultOptions()}.Entry()
}

func TestAllocateSkipsUsedAndZero(t *testing.T) {
	r := newRoster()
	r.add(wire.ClientInfo{ClientID: 1})
	id, ok := r.allocate()
	require.True(t, ok)
	assert.Equal(t, uint16(2), id)

	r.nextID = 0xFFFF
	id, _ = r.allocate()
	assert.Equal(t, uint16(0xFFFF), id)
	id, _ = r.allocate()
	assert.Equal(t, uint16(2), id, "wraps past 0 and the used id 1")
}

func TestVoiceTargetsDeduplicateAndExcludeSender(t *testing.T) {
	r := newTestRoster(t, map[uint16][]string{
		1: {"lobby"},
		2: {"lobby", "team"},
		3: {"team"},
		4: nil,
	})

	targets := r.voiceTargets(1, []wire.ChannelEntry{
		entry(channel.Room, channel.RoomID("lobby")),
		entry(channel.Room, channel.RoomID("team")),
		entry(channel.Player, 2),
		entry(channel.Player, 1),
	})
	assert.Equal(t, []uint16{2, 3}, targets)
}

func TestVoiceTargetsIgnoreUnknownPlayers(t *testing.T) {
	r := newTestRoster(t, map[uint16][]string{1: nil, 2: nil})
	assert.Empty(t, r.voiceTargets(1, []wire.ChannelEntry{entry(channel.Player, 9)}))
	assert.Equal(t, []uint16{2}, r.voiceTargets(1, []wire.ChannelEntry{entry(channel.Player, 2)}))
}

func TestSetRoomReportsChanges(t *testing.T) {
	r := newTestRoster(t, map[uint16][]string{1: nil, 2: nil})
	assert.True(t, r.setRoom(2, "lobby", true))
	assert.False(t, r.setRoom(2, "lobby", true))
	assert.Equal(t, []string{"lobby"}, r.roomNames())
	assert.Equal(t, []uint16{2}, r.voiceTargets(1, []wire.ChannelEntry{entry(channel.Room, channel.RoomID("lobby"))}))

	assert.True(t, r.setRoom(2, "lobby", false))
	assert.Empty(t, r.roomNames())
	assert.False(t, r.setRoom(9, "lobby", true), "unknown client")
}

func TestTextTargets(t *testing.T) {
	r := newTestRoster(t, map[uint16][]string{1: {"lobby"}, 2: {"lobby"}, 3: nil})
	room := &wire.TextData{RecipientType: wire.RecipientRoom, Recipient: channel.RoomID("lobby")}
	assert.Equal(t, []uint16{2}, r.textTargets(1, room))

	player := &wire.TextData{RecipientType: wire.RecipientPlayer, Recipient: 3}
	assert.Equal(t, []uint16{3}, r.textTargets(1, player))
}

func TestRelayTargetsFilterUnknown(t *testing.T) {
	r := newTestRoster(t, map[uint16][]string{1: nil, 2: nil, 3: nil})
	assert.Equal(t, []uint16{2, 3}, r.relayTargets(1, []uint16{3, 2, 2, 1, 7}))
}

func TestUpdateKeepsID(t *testing.T) {
	r := newTestRoster(t, map[uint16][]string{5: nil})
	info, ok := r.update(5, wire.ClientInfo{ClientID: 99, Name: "renamed", Rooms: []string{"b", "a"}})
	require.True(t, ok)
	assert.Equal(t, uint16(5), info.ClientID)
	assert.Equal(t, []string{"a", "b"}, info.Rooms)

	infos := r.infos()
	require.Len(t, infos, 1)
	assert.Equal(t, "renamed", infos[0].Name)
}

func TestOthers(t *testing.T) {
	r := newTestRoster(t, map[uint16][]string{1: nil, 2: nil, 3: nil})
	assert.Equal(t, []uint16{1, 3}, r.others(2))
	assert.True(t, r.remove(3))
	assert.False(t, r.remove(3))
	assert.Equal(t, []uint16{1}, r.others(2))
}
