// Package room keeps channel and personal room membership.
package room

// PresenceRoom is joined by every identified connection and receives presence transitions.
const PresenceRoom = "presence"

// ChannelRoom returns the room name for a channel.
func ChannelRoom(channelID string) string {
	return "channel:" + channelID
}

// UserRoom returns the personal room name for a user.
func UserRoom(userID string) string {
	return "user:" + userID
}

// Directory maps rooms to member connections and back.
// Rooms exist while they have members; the last leave reclaims the entry.
//
// Directory is not safe for concurrent use; the hub goroutine owns it.
type Directory struct {
	rooms       map[string]map[string]struct{}
	memberships map[string]map[string]struct{}
}

// NewDirectory creates an empty Directory.
func NewDirectory() *Directory {
	return &Directory{
		rooms:       make(map[string]map[string]struct{}),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Join adds connID to roomID, creating the room if needed.
// It reports whether the membership is new.
func (d *Directory) Join(roomID, connID string) bool {
	members := d.rooms[roomID]
	if members == nil {
		members = make(map[string]struct{})
		d.rooms[roomID] = members
	}
	if _, ok := members[connID]; ok {
		return false
	}
	members[connID] = struct{}{}

	joined := d.memberships[connID]
	if joined == nil {
		joined = make(map[string]struct{})
		d.memberships[connID] = joined
	}
	joined[roomID] = struct{}{}
	return true
}

// Leave removes connID from roomID. It reports whether connID was a member.
func (d *Directory) Leave(roomID, connID string) bool {
	members, ok := d.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := members[connID]; !ok {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(d.rooms, roomID)
	}

	if joined := d.memberships[connID]; joined != nil {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(d.memberships, connID)
		}
	}
	return true
}

// LeaveAll removes connID from every room and returns the rooms it left.
func (d *Directory) LeaveAll(connID string) []string {
	joined := d.memberships[connID]
	left := make([]string, 0, len(joined))
	for roomID := range joined {
		left = append(left, roomID)
		members := d.rooms[roomID]
		delete(members, connID)
		if len(members) == 0 {
			delete(d.rooms, roomID)
		}
	}
	delete(d.memberships, connID)
	return left
}

// Members returns a snapshot of roomID's members.
func (d *Directory) Members(roomID string) []string {
	members := d.rooms[roomID]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// IsMember reports whether connID is in roomID.
func (d *Directory) IsMember(roomID, connID string) bool {
	_, ok := d.rooms[roomID][connID]
	return ok
}

// RoomsOf returns a snapshot of the rooms connID belongs to.
func (d *Directory) RoomsOf(connID string) []string {
	joined := d.memberships[connID]
	out := make([]string, 0, len(joined))
	for id := range joined {
		out = append(out, id)
	}
	return out
}

// Len returns the number of non-empty rooms.
func (d *Directory) Len() int {
	return len(d.rooms)
}
