package hub

import "sort"

// roomTracker keeps the many-to-many relation between rooms and channels.
// A room exists only while it has at least one member. It emits nothing;
// the Hub decides who gets told about a change.
type roomTracker struct {
	members map[RoomName]map[ChannelID]Channel
	rooms   map[ChannelID]map[RoomName]struct{}
}

func newRoomTracker() roomTracker {
	return roomTracker{
		members: make(map[RoomName]map[ChannelID]Channel),
		rooms:   make(map[ChannelID]map[RoomName]struct{}),
	}
}

// join is idempotent; it reports whether ch was newly added.
func (t *roomTracker) join(room RoomName, ch Channel) bool {
	m, ok := t.members[room]
	if !ok {
		m = make(map[ChannelID]Channel)
		t.members[room] = m
	}
	if _, dup := m[ch.ID()]; dup {
		return false
	}
	m[ch.ID()] = ch

	rs, ok := t.rooms[ch.ID()]
	if !ok {
		rs = make(map[RoomName]struct{})
		t.rooms[ch.ID()] = rs
	}
	rs[room] = struct{}{}
	return true
}

func (t *roomTracker) leave(room RoomName, chID ChannelID) bool {
	m, ok := t.members[room]
	if !ok {
		return false
	}
	if _, ok := m[chID]; !ok {
		return false
	}
	delete(m, chID)
	if len(m) == 0 {
		delete(t.members, room)
	}
	if rs, ok := t.rooms[chID]; ok {
		delete(rs, room)
		if len(rs) == 0 {
			delete(t.rooms, chID)
		}
	}
	return true
}

func (t *roomTracker) has(room RoomName, chID ChannelID) bool {
	_, ok := t.members[room][chID]
	return ok
}

// membersOf returns the channels of room ordered by id; unknown rooms are empty.
func (t *roomTracker) membersOf(room RoomName) []Channel {
	m := t.members[room]
	out := make([]Channel, 0, len(m))
	for _, ch := range m {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (t *roomTracker) roomsOf(chID ChannelID) []RoomName {
	rs := t.rooms[chID]
	out := make([]RoomName, 0, len(rs))
	for r := range rs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (t *roomTracker) size(room RoomName) int { return len(t.members[room]) }

// shareRoom reports whether a and b are both members of some room of kind.
func (t *roomTracker) shareRoom(a, b ChannelID, kind RoomKind) bool {
	for r := range t.rooms[a] {
		if r.Kind() != kind {
			continue
		}
		if _, ok := t.members[r][b]; ok {
			return true
		}
	}
	return false
}

func (t *roomTracker) groupActivity() []GroupActivity {
	out := make([]GroupActivity, 0)
	for r, m := range t.members {
		if r.Kind() != RoomGroup || len(m) == 0 {
			continue
		}
		out = append(out, GroupActivity{GroupID: r.Key(), ActiveMemberCount: len(m)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}
