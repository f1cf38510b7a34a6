package studysession

import (
	"context"
	"errors"
	"fmt"

	"studyhub/internal/hub"
)

// RoomAuthorizer is the join policy for the real-time layer: group rooms
// need group membership, session rooms need the host or an active
// participant of a session that has not finished.
type RoomAuthorizer struct {
	store Store
}

var _ hub.Authorizer = (*RoomAuthorizer)(nil)

func NewRoomAuthorizer(store Store) *RoomAuthorizer { return &RoomAuthorizer{store: store} }

func (a *RoomAuthorizer) CanJoinRoom(ctx context.Context, id hub.Identity, room hub.RoomName) error {
	switch room.Kind() {
	case hub.RoomGroup:
		member, err := a.store.IsGroupMember(ctx, room.Key(), string(id))
		if err != nil {
			return err
		}
		if !member {
			return fmt.Errorf("%w: %w", hub.ErrForbidden, ErrNotGroupMember)
		}
		return nil

	case hub.RoomSession:
		s, err := a.store.GetSession(ctx, room.Key())
		if errors.Is(err, ErrSessionNotFound) {
			return fmt.Errorf("%w: %w", hub.ErrForbidden, err)
		}
		if err != nil {
			return err
		}
		if s.Status.Terminal() {
			return fmt.Errorf("%w: %w", hub.ErrForbidden, ErrWrongState)
		}
		if s.HostID == string(id) {
			return nil
		}
		if p, ok := s.participant(string(id)); ok && p.Active() {
			return nil
		}
		return fmt.Errorf("%w: %w", hub.ErrForbidden, ErrNotParticipant)
	}
	return nil
}
