// ABOUTME: Client roster and room membership for the relay
// ABOUTME: Resolves voice, text and relay packets to destination client ids
package server

import (
	"slices"

	"github.com/Resonate-Protocol/resonate-voice/pkg/channel"
	"github.com/Resonate-Protocol/resonate-voice/pkg/wire"
)

// member is one registered client as peers see it.
type member struct {
	info  wire.ClientInfo
	rooms map[string]struct{}
}

// roster tracks clients and their rooms. It is not safe for concurrent use;
// the server guards it with clientsMu.
type roster struct {
	members map[uint16]*member
	nextID  uint16
}

func newRoster() *roster {
	return &roster{members: make(map[uint16]*member), nextID: 1}
}

// allocate returns an unused non-zero client id.
func (r *roster) allocate() (uint16, bool) {
	for range 0xFFFF {
		id := r.nextID
		r.nextID++
		if r.nextID == 0 {
			r.nextID = 1
		}
		if _, used := r.members[id]; !used {
			return id, true
		}
	}
	return 0, false
}

func (r *roster) add(info wire.ClientInfo) {
	m := &member{info: info, rooms: make(map[string]struct{})}
	for _, room := range info.Rooms {
		m.rooms[room] = struct{}{}
	}
	m.info.Rooms = m.roomList()
	r.members[info.ClientID] = m
}

func (r *roster) remove(id uint16) bool {
	_, ok := r.members[id]
	delete(r.members, id)
	return ok
}

func (r *roster) has(id uint16) bool {
	_, ok := r.members[id]
	return ok
}

// update replaces a client's announced state, keeping its id.
func (r *roster) update(id uint16, info wire.ClientInfo) (wire.ClientInfo, bool) {
	m, ok := r.members[id]
	if !ok {
		return wire.ClientInfo{}, false
	}
	info.ClientID = id
	m.rooms = make(map[string]struct{}, len(info.Rooms))
	for _, room := range info.Rooms {
		m.rooms[room] = struct{}{}
	}
	m.info = info
	m.info.Rooms = m.roomList()
	return m.info, true
}

// setRoom records a join or leave and reports whether anything changed.
func (r *roster) setRoom(id uint16, room string, joined bool) bool {
	m, ok := r.members[id]
	if !ok {
		return false
	}
	_, in := m.rooms[room]
	if in == joined {
		return false
	}
	if joined {
		m.rooms[room] = struct{}{}
	} else {
		delete(m.rooms, room)
	}
	m.info.Rooms = m.roomList()
	return true
}

func (m *member) roomList() []string {
	out := make([]string, 0, len(m.rooms))
	for room := range m.rooms {
		out = append(out, room)
	}
	slices.Sort(out)
	return out
}

func (m *member) inRoom(id uint16) bool {
	for room := range m.rooms {
		if channel.RoomID(room) == id {
			return true
		}
	}
	return false
}

// infos snapshots every client ordered by id.
func (r *roster) infos() []wire.ClientInfo {
	out := make([]wire.ClientInfo, 0, len(r.members))
	for _, m := range r.members {
		info := m.info
		info.Rooms = slices.Clone(m.info.Rooms)
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b wire.ClientInfo) int { return int(a.ClientID) - int(b.ClientID) })
	return out
}

// roomNames lists every room with at least one member.
func (r *roster) roomNames() []string {
	seen := make(map[string]struct{})
	for _, m := range r.members {
		for room := range m.rooms {
			seen[room] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for room := range seen {
		out = append(out, room)
	}
	slices.Sort(out)
	return out
}

// roomMembers adds every client in the room with this id to dst.
func (r *roster) roomMembers(roomID uint16, dst map[uint16]struct{}) {
	for id, m := range r.members {
		if m.inRoom(roomID) {
			dst[id] = struct{}{}
		}
	}
}

// voiceTargets resolves channel entries to clients, each at most once and
// never the sender.
func (r *roster) voiceTargets(sender uint16, entries []wire.ChannelEntry) []uint16 {
	dst := make(map[uint16]struct{})
	for _, e := range entries {
		d := channel.FromEntry(e)
		switch d.Type {
		case channel.Player:
			if r.has(d.Recipient) {
				dst[d.Recipient] = struct{}{}
			}
		case channel.Room:
			r.roomMembers(d.Recipient, dst)
		}
	}
	return targetList(sender, dst)
}

// textTargets resolves a text message recipient.
func (r *roster) textTargets(sender uint16, m *wire.TextData) []uint16 {
	dst := make(map[uint16]struct{})
	switch m.RecipientType {
	case wire.RecipientRoom:
		r.roomMembers(m.Recipient, dst)
	default:
		if r.has(m.Recipient) {
			dst[m.Recipient] = struct{}{}
		}
	}
	return targetList(sender, dst)
}

// relayTargets keeps the listed destinations that are connected.
func (r *roster) relayTargets(sender uint16, destinations []uint16) []uint16 {
	dst := make(map[uint16]struct{}, len(destinations))
	for _, id := range destinations {
		if r.has(id) {
			dst[id] = struct{}{}
		}
	}
	return targetList(sender, dst)
}

// others lists every client except id.
func (r *roster) others(id uint16) []uint16 {
	dst := make(map[uint16]struct{}, len(r.members))
	for other := range r.members {
		dst[other] = struct{}{}
	}
	return targetList(id, dst)
}

func targetList(sender uint16, dst map[uint16]struct{}) []uint16 {
	delete(dst, sender)
	out := make([]uint16, 0, len(dst))
	for id := range dst {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
