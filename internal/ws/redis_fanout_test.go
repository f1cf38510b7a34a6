package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studyhub/internal/hub"
)

type recordingPublisher struct{ got []hub.Notice }

func (r *recordingPublisher) Publish(_ context.Context, n hub.Notice) error {
	r.got = append(r.got, n)
	return nil
}

func TestRedisNotifier_Publish(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	n := hub.Notice{
		Rooms: []hub.RoomName{hub.SessionRoom("s1")},
		Event: hub.Outbound{Event: hub.EvSessionForceEnd, Body: hub.ForceEndBody{SessionID: "s1", Reason: "cancelled"}},
		Close: true,
		At:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	payload, err := json.Marshal(n)
	require.NoError(t, err)
	mock.ExpectPublish("studyhub:notices", payload).SetVal(1)

	require.NoError(t, NewRedisNotifier(rdb).Publish(context.Background(), n))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliverNotice(t *testing.T) {
	local := &recordingPublisher{}
	payload := `{"rooms":["session:s1"],"event":{"event":"participant-left","body":{"sessionId":"s1","identity":"p2"}},` +
		`"session":"s1","departed":"p2","at":"2026-03-01T09:00:00Z"}`

	require.NoError(t, deliverNotice(context.Background(), local, payload))
	require.Len(t, local.got, 1)
	got := local.got[0]
	assert.Equal(t, []hub.RoomName{"session:s1"}, got.Rooms)
	assert.Equal(t, hub.EvParticipantLeft, got.Event.Event)
	assert.Equal(t, hub.SessionID("s1"), got.Session)
	assert.Equal(t, hub.Identity("p2"), got.Departed)
	assert.False(t, got.Close)

	assert.Error(t, deliverNotice(context.Background(), local, "garbage"))
	assert.Len(t, local.got, 1)
}
