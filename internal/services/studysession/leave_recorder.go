package studysession

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"studyhub/internal/hub"
)

// LeaveRecorder persists departures the real-time layer observes on its own,
// such as a closed tab, so credit stops accruing when the user actually left
// the call. The host stays a participant until the session ends.
type LeaveRecorder struct {
	store Store
}

var _ hub.SessionObserver = (*LeaveRecorder)(nil)

func NewLeaveRecorder(store Store) *LeaveRecorder { return &LeaveRecorder{store: store} }

func (r *LeaveRecorder) ParticipantLeft(ctx context.Context, sid hub.SessionID, id hub.Identity, at time.Time) {
	if err := r.record(ctx, string(sid), string(id), at.UTC()); err != nil {
		zap.L().Warn("studysession.record_leave",
			zap.String("session", string(sid)),
			zap.String("identity", string(id)),
			zap.Error(err))
	}
}

func (r *LeaveRecorder) record(ctx context.Context, sid, userID string, at time.Time) error {
	s, err := r.store.GetSession(ctx, sid)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if s.HostID == userID || s.Status.Terminal() {
		return nil
	}
	if p, ok := s.participant(userID); !ok || !p.Active() {
		return nil
	}
	err = r.store.MarkParticipantLeft(ctx, sid, userID, at)
	if errors.Is(err, ErrNotParticipant) {
		return nil
	}
	return err
}
