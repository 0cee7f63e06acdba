package room

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJoinIsIdempotent(t *testing.T) {
	d := NewDirectory()

	assert.True(t, d.Join("channel:general", "c1"))
	assert.False(t, d.Join("channel:general", "c1"))

	assert.Equal(t, []string{"c1"}, d.Members("channel:general"))
	assert.Equal(t, []string{"channel:general"}, d.RoomsOf("c1"))
	assert.Equal(t, 1, d.Len())
}

func TestLeaveReclaimsEmptyRoom(t *testing.T) {
	d := NewDirectory()
	d.Join("channel:general", "c1")
	d.Join("channel:general", "c2")

	assert.True(t, d.Leave("channel:general", "c1"))
	assert.False(t, d.Leave("channel:general", "c1"))
	assert.Equal(t, 1, d.Len())

	assert.True(t, d.Leave("channel:general", "c2"))
	assert.Equal(t, 0, d.Len())
	assert.Empty(t, d.Members("channel:general"))
	assert.Empty(t, d.RoomsOf("c2"))
}

func TestLeaveUnknownRoomIsNoop(t *testing.T) {
	d := NewDirectory()
	assert.False(t, d.Leave("channel:none", "c1"))
}

func TestLeaveAllRemovesEveryMembership(t *testing.T) {
	d := NewDirectory()
	d.Join(ChannelRoom("general"), "c1")
	d.Join(ChannelRoom("random"), "c1")
	d.Join(UserRoom("alice"), "c1")
	d.Join(ChannelRoom("general"), "c2")

	left := d.LeaveAll("c1")
	assert.ElementsMatch(t, []string{"channel:general", "channel:random", "user:alice"}, left)

	assert.False(t, d.IsMember(ChannelRoom("general"), "c1"))
	assert.Equal(t, []string{"c2"}, d.Members(ChannelRoom("general")))
	assert.Equal(t, 1, d.Len())
	assert.Empty(t, d.LeaveAll("c1"))
}

func TestMembersIsSnapshot(t *testing.T) {
	d := NewDirectory()
	d.Join("r", "c1")

	snapshot := d.Members("r")
	d.Join("r", "c2")

	assert.Len(t, snapshot, 1)
	assert.Len(t, d.Members("r"), 2)
}
