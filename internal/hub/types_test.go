package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomName_KindAndKey(t *testing.T) {
	cases := []struct {
		room RoomName
		kind RoomKind
		key  string
	}{
		{GroupRoom("g1"), RoomGroup, "g1"},
		{SessionRoom("s-9"), RoomSession, "s-9"},
		{UserRoom("u:42"), RoomUser, "u:42"},
		{"group:", RoomUnknown, ""},
		{"lobby", RoomUnknown, ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.kind, c.room.Kind(), c.room)
		if c.kind != RoomUnknown {
			assert.Equal(t, c.key, c.room.Key(), c.room)
		}
	}
}

func TestParseRoom(t *testing.T) {
	r, err := ParseRoom("session:abc")
	require.NoError(t, err)
	assert.Equal(t, SessionRoom("abc"), r)

	_, err = ParseRoom("chat:abc")
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	clk := newClock()
	rl := newRateLimiter(2, time.Second, clk.Now)

	assert.True(t, rl.Allow("a"))
	clk.Advance(400 * time.Millisecond)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	clk.Advance(700 * time.Millisecond)
	assert.True(t, rl.Allow("a"), "first attempt slid out of the window")
	assert.False(t, rl.Allow("a"))

	rl.Forget("a")
	assert.True(t, rl.Allow("a"))
}
