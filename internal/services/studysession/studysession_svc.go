package studysession

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"studyhub/internal/hub"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const ReasonScheduledEnd = "scheduled_end_reached"

const reasonCancelled = "cancelled"

// forceEndRetry is how long a failed forced end waits before the timer
// fires again.
const forceEndRetry = 30 * time.Second

// Store is the persistence collaborator. Every state change is a
// compare-and-set on the session status and fails with ErrWrongState when
// the session moved on in the meantime.
type Store interface {
	IsGroupMember(ctx context.Context, groupID, userID string) (bool, error)
	CreateSession(ctx context.Context, s *SessionDTO) error
	GetSession(ctx context.Context, id string) (*SessionDTO, error)
	ListSessions(ctx context.Context, f ListFilter) ([]SessionDTO, error)
	StartSession(ctx context.Context, id string, at time.Time) error
	AddParticipant(ctx context.Context, id, userID string, at time.Time) error
	MarkParticipantLeft(ctx context.Context, id, userID string, at time.Time) error
	CancelSession(ctx context.Context, id string, at time.Time) error
	CompleteSession(ctx context.Context, c Completion) error
}

// Notifier delivers notices to the real-time layer, locally or through the
// cross-process fan-out.
type Notifier interface {
	Publish(ctx context.Context, n hub.Notice) error
}

// Timer arms the scheduled-end deadline of a live session.
type Timer interface {
	Arm(ctx context.Context, sessionID string, at time.Time) error
	Disarm(ctx context.Context, sessionID string) error
}

// Locker serialises finalisation of one session across processes. ok is
// false when another process holds the lock; err reports that the lock
// could not be checked at all.
type Locker interface {
	TryLock(ctx context.Context, sessionID string) (release func(), ok bool, err error)
}

type IStudySessionService interface {
	CreateSession(ctx context.Context, hostID string, req CreateRequest) (*SessionDTO, error)
	StartSession(ctx context.Context, id, callerID string) (*SessionDTO, error)
	EndSession(ctx context.Context, id, callerID, notes string, insights []string) (*Summary, error)
	CancelSession(ctx context.Context, id, callerID string) error
	JoinSession(ctx context.Context, id, userID string) error
	LeaveSession(ctx context.Context, id, userID string) error
	ForceEnd(ctx context.Context, id, reason string) error
	GetSession(ctx context.Context, id string) (*SessionDTO, error)
	ListSessions(ctx context.Context, f ListFilter) ([]SessionDTO, error)
}

type studySessionService struct {
	store           Store
	notifier        Notifier
	timer           Timer
	locker          Locker
	defaultCapacity int
	now             func() time.Time
	newID           func() string
}

var _ IStudySessionService = (*studySessionService)(nil)

// NewStudySessionService wires the lifecycle coordinator. timer and locker
// may be nil.
func NewStudySessionService(store Store, notifier Notifier, timer Timer, locker Locker, defaultCapacity int) IStudySessionService {
	if timer == nil {
		timer = noopTimer{}
	}
	if locker == nil {
		locker = noopLocker{}
	}
	return &studySessionService{
		store:           store,
		notifier:        notifier,
		timer:           timer,
		locker:          locker,
		defaultCapacity: defaultCapacity,
		now:             func() time.Time { return time.Now().UTC() },
		newID:           uuid.NewString,
	}
}

func (svc *studySessionService) CreateSession(ctx context.Context, hostID string, req CreateRequest) (*SessionDTO, error) {
	if req.GroupID != "" {
		member, err := svc.store.IsGroupMember(ctx, req.GroupID, hostID)
		if err != nil {
			return nil, err
		}
		if !member {
			return nil, ErrNotGroupMember
		}
	}

	now := svc.now()
	start := req.ScheduledStart.UTC()
	if start.IsZero() || req.StartNow {
		start = now
	}
	if req.ScheduledEnd != nil && !req.ScheduledEnd.After(start) {
		return nil, ErrInvalidSchedule
	}
	capacity := req.MaxParticipants
	if capacity <= 0 {
		capacity = svc.defaultCapacity
	}

	s := &SessionDTO{
		ID:              svc.newID(),
		GroupID:         req.GroupID,
		HostID:          hostID,
		Title:           strings.TrimSpace(req.Title),
		Status:          StatusScheduled,
		MaxParticipants: capacity,
		ScheduledStart:  start,
		ScheduledEnd:    req.ScheduledEnd,
		Participants:    []ParticipantDTO{{UserID: hostID, JoinedAt: now}},
	}
	if req.StartNow {
		s.Status = StatusLive
		s.ActualStart = &now
	}

	if err := svc.store.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	metricTransitions.WithLabelValues(string(s.Status)).Inc()

	if s.Status == StatusLive {
		svc.armTimer(ctx, s)
		svc.publish(ctx, hub.Notice{
			Rooms: svc.announceRooms(s),
			Event: hub.Outbound{Event: hub.EvSessionStarted, Body: summaryOf(s)},
		})
	}
	return s, nil
}

func (svc *studySessionService) StartSession(ctx context.Context, id, callerID string) (*SessionDTO, error) {
	s, err := svc.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.HostID != callerID {
		return nil, ErrNotHost
	}
	if s.Status != StatusScheduled {
		return nil, ErrWrongState
	}

	now := svc.now()
	if err := svc.store.StartSession(ctx, id, now); err != nil {
		return nil, err
	}
	s.Status = StatusLive
	s.ActualStart = &now
	metricTransitions.WithLabelValues(string(StatusLive)).Inc()

	svc.armTimer(ctx, s)
	svc.publish(ctx, hub.Notice{
		Rooms: append(svc.announceRooms(s), hub.SessionRoom(hub.SessionID(s.ID))),
		Event: hub.Outbound{Event: hub.EvSessionStarted, Body: summaryOf(s)},
	})
	return s, nil
}

func (svc *studySessionService) EndSession(ctx context.Context, id, callerID, notes string, insights []string) (*Summary, error) {
	release, ok, err := svc.locker.TryLock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finalisation lock: %w", err)
	}
	if !ok {
		return nil, ErrWrongState
	}
	defer release()

	s, err := svc.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.HostID != callerID {
		return nil, ErrNotHost
	}
	if s.Status != StatusLive {
		return nil, ErrWrongState
	}

	sum, err := svc.complete(ctx, s, notes, insights)
	if err != nil {
		return nil, err
	}
	svc.publish(ctx, hub.Notice{
		Rooms:   svc.endedRooms(s),
		Event:   hub.Outbound{Event: hub.EvSessionEnded, Body: sum},
		Session: hub.SessionID(s.ID),
		Close:   true,
	})
	return sum, nil
}

// ForceEnd completes a live session on behalf of the system. It is a no-op
// for sessions that are no longer live or are being finalised elsewhere.
// When the lock or the store fails, the timer is re-armed so the forced end
// is tried again.
func (svc *studySessionService) ForceEnd(ctx context.Context, id, reason string) error {
	release, ok, err := svc.locker.TryLock(ctx, id)
	if err != nil {
		svc.retryForceEnd(ctx, id)
		return fmt.Errorf("finalisation lock: %w", err)
	}
	if !ok {
		return nil
	}
	defer release()

	s, err := svc.store.GetSession(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		svc.retryForceEnd(ctx, id)
		return err
	}
	if s.Status != StatusLive {
		return nil
	}

	sum, err := svc.complete(ctx, s, "", nil)
	if err != nil {
		svc.retryForceEnd(ctx, id)
		return err
	}
	sid := hub.SessionID(s.ID)
	svc.publish(ctx, hub.Notice{
		Rooms: []hub.RoomName{hub.SessionRoom(sid)},
		Event: hub.Outbound{Event: hub.EvSessionForceEnd, Body: hub.ForceEndBody{SessionID: sid, Reason: reason}},
	})
	svc.publish(ctx, hub.Notice{
		Rooms:   svc.endedRooms(s),
		Event:   hub.Outbound{Event: hub.EvSessionEnded, Body: sum},
		Session: sid,
		Close:   true,
	})
	return nil
}

func (svc *studySessionService) CancelSession(ctx context.Context, id, callerID string) error {
	s, err := svc.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if s.HostID != callerID {
		return ErrNotHost
	}
	if s.Status.Terminal() {
		return ErrWrongState
	}

	if err := svc.store.CancelSession(ctx, id, svc.now()); err != nil {
		return err
	}
	metricTransitions.WithLabelValues(string(StatusCancelled)).Inc()

	if err := svc.timer.Disarm(ctx, id); err != nil {
		zap.L().Warn("studysession.timer_disarm", zap.String("id", id), zap.Error(err))
	}
	sid := hub.SessionID(s.ID)
	rooms := []hub.RoomName{hub.SessionRoom(sid)}
	for _, p := range s.Participants {
		if p.Active() {
			rooms = append(rooms, hub.UserRoom(hub.Identity(p.UserID)))
		}
	}
	svc.publish(ctx, hub.Notice{
		Rooms:   rooms,
		Event:   hub.Outbound{Event: hub.EvSessionForceEnd, Body: hub.ForceEndBody{SessionID: sid, Reason: reasonCancelled}},
		Session: sid,
		Close:   true,
	})
	return nil
}

func (svc *studySessionService) JoinSession(ctx context.Context, id, userID string) error {
	s, err := svc.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if s.Status != StatusScheduled && s.Status != StatusLive {
		return ErrWrongState
	}
	if p, ok := s.participant(userID); ok && p.Active() {
		return ErrAlreadyParticipant
	}
	if s.activeCount() >= s.MaxParticipants {
		return ErrSessionFull
	}
	if s.GroupID != "" {
		member, err := svc.store.IsGroupMember(ctx, s.GroupID, userID)
		if err != nil {
			return err
		}
		if !member {
			return ErrNotGroupMember
		}
	}
	return svc.store.AddParticipant(ctx, id, userID, svc.now())
}

func (svc *studySessionService) LeaveSession(ctx context.Context, id, userID string) error {
	s, err := svc.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if s.HostID == userID {
		return ErrHostCannotLeave
	}
	if s.Status.Terminal() {
		return ErrWrongState
	}
	if p, ok := s.participant(userID); !ok || !p.Active() {
		return ErrNotParticipant
	}

	if err := svc.store.MarkParticipantLeft(ctx, id, userID, svc.now()); err != nil {
		return err
	}
	svc.publish(ctx, hub.Notice{Session: hub.SessionID(id), Departed: hub.Identity(userID)})
	return nil
}

func (svc *studySessionService) GetSession(ctx context.Context, id string) (*SessionDTO, error) {
	return svc.store.GetSession(ctx, id)
}

func (svc *studySessionService) ListSessions(ctx context.Context, f ListFilter) ([]SessionDTO, error) {
	if f.Limit == 0 {
		f.Limit = 10
	}
	return svc.store.ListSessions(ctx, f)
}

// complete computes every participant's credit and persists the completion.
// Nothing is published when the write fails.
func (svc *studySessionService) complete(ctx context.Context, s *SessionDTO, notes string, insights []string) (*Summary, error) {
	now := svc.now()
	credits := make(map[string]int64, len(s.Participants))
	for _, p := range s.Participants {
		until := now
		if p.LeftAt != nil {
			until = *p.LeftAt
		}
		credits[p.UserID] = p.CreditedSeconds + segmentSeconds(p.JoinedAt, until, s.ActualStart)
	}

	if err := svc.store.CompleteSession(ctx, Completion{
		SessionID: s.ID,
		GroupID:   s.GroupID,
		EndedAt:   now,
		Notes:     notes,
		Insights:  insights,
		Credits:   credits,
	}); err != nil {
		return nil, fmt.Errorf("complete session: %w", err)
	}
	metricTransitions.WithLabelValues(string(StatusCompleted)).Inc()

	if err := svc.timer.Disarm(ctx, s.ID); err != nil {
		zap.L().Warn("studysession.timer_disarm", zap.String("id", s.ID), zap.Error(err))
	}

	s.Status = StatusCompleted
	s.ActualEnd = &now
	s.Notes = notes
	s.Insights = insights
	sum := summaryOf(s)
	sum.Durations = credits
	return sum, nil
}

func (svc *studySessionService) retryForceEnd(ctx context.Context, id string) {
	if err := svc.timer.Arm(ctx, id, svc.now().Add(forceEndRetry)); err != nil {
		zap.L().Error("studysession.force_end_retry", zap.String("id", id), zap.Error(err))
	}
}

func (svc *studySessionService) armTimer(ctx context.Context, s *SessionDTO) {
	if s.ScheduledEnd == nil {
		return
	}
	if err := svc.timer.Arm(ctx, s.ID, *s.ScheduledEnd); err != nil {
		zap.L().Warn("studysession.timer_arm", zap.String("id", s.ID), zap.Error(err))
	}
}

// announceRooms is where session-started goes: the group, or the host alone
// for sessions outside a group.
func (svc *studySessionService) announceRooms(s *SessionDTO) []hub.RoomName {
	if s.GroupID != "" {
		return []hub.RoomName{hub.GroupRoom(s.GroupID)}
	}
	return []hub.RoomName{hub.UserRoom(hub.Identity(s.HostID))}
}

// endedRooms covers the group room plus every participant's own room, so
// participants outside the group room hear about it too.
func (svc *studySessionService) endedRooms(s *SessionDTO) []hub.RoomName {
	rooms := make([]hub.RoomName, 0, len(s.Participants)+1)
	if s.GroupID != "" {
		rooms = append(rooms, hub.GroupRoom(s.GroupID))
	}
	for _, p := range s.Participants {
		rooms = append(rooms, hub.UserRoom(hub.Identity(p.UserID)))
	}
	return rooms
}

func (svc *studySessionService) publish(ctx context.Context, n hub.Notice) {
	n.At = svc.now()
	if err := svc.notifier.Publish(ctx, n); err != nil {
		zap.L().Warn("studysession.publish", zap.String("event", n.Event.Event), zap.Error(err))
	}
}

func summaryOf(s *SessionDTO) *Summary {
	return &Summary{
		SessionID:   s.ID,
		GroupID:     s.GroupID,
		HostID:      s.HostID,
		Title:       s.Title,
		Status:      s.Status,
		ActualStart: s.ActualStart,
		ActualEnd:   s.ActualEnd,
		Notes:       s.Notes,
		Insights:    s.Insights,
	}
}

type noopTimer struct{}

func (noopTimer) Arm(context.Context, string, time.Time) error { return nil }
func (noopTimer) Disarm(context.Context, string) error         { return nil }

type noopLocker struct{}

func (noopLocker) TryLock(context.Context, string) (func(), bool, error) { return func() {}, true, nil }
