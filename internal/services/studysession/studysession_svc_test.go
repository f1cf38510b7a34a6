package studysession

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"studyhub/internal/hub"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore mirrors the compare-and-set behaviour of the Postgres store.
type memStore struct {
	mu          sync.Mutex
	sessions    map[string]*SessionDTO
	members     map[string]map[string]bool
	credits     map[string]int64
	completions int
	failWrites  error
}

func newMemStore() *memStore {
	return &memStore{
		sessions: map[string]*SessionDTO{},
		members:  map[string]map[string]bool{},
		credits:  map[string]int64{},
	}
}

func (m *memStore) addMember(group string, users ...string) {
	if m.members[group] == nil {
		m.members[group] = map[string]bool{}
	}
	for _, u := range users {
		m.members[group][u] = true
	}
}

func (m *memStore) IsGroupMember(_ context.Context, groupID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[groupID][userID], nil
}

func (m *memStore) CreateSession(_ context.Context, s *SessionDTO) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites != nil {
		return m.failWrites
	}
	cp := *s
	cp.Participants = append([]ParticipantDTO(nil), s.Participants...)
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memStore) GetSession(_ context.Context, id string) (*SessionDTO, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	cp.Participants = append([]ParticipantDTO(nil), s.Participants...)
	return &cp, nil
}

func (m *memStore) ListSessions(_ context.Context, f ListFilter) ([]SessionDTO, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SessionDTO
	for _, s := range m.sessions {
		if (f.GroupID == "" || s.GroupID == f.GroupID) && (f.Status == "" || s.Status == f.Status) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) StartSession(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites != nil {
		return m.failWrites
	}
	s := m.sessions[id]
	if s == nil || s.Status != StatusScheduled {
		return ErrWrongState
	}
	s.Status = StatusLive
	s.ActualStart = &at
	return nil
}

func (m *memStore) AddParticipant(_ context.Context, id, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s == nil {
		return ErrSessionNotFound
	}
	if s.Status.Terminal() {
		return ErrWrongState
	}
	for i, p := range s.Participants {
		if p.UserID != userID {
			continue
		}
		if p.Active() {
			return ErrAlreadyParticipant
		}
		if s.activeCount() >= s.MaxParticipants {
			return ErrSessionFull
		}
		s.Participants[i] = ParticipantDTO{
			UserID:          userID,
			JoinedAt:        at,
			CreditedSeconds: p.CreditedSeconds + segmentSeconds(p.JoinedAt, *p.LeftAt, s.ActualStart),
		}
		return nil
	}
	if s.activeCount() >= s.MaxParticipants {
		return ErrSessionFull
	}
	s.Participants = append(s.Participants, ParticipantDTO{UserID: userID, JoinedAt: at})
	return nil
}

func (m *memStore) MarkParticipantLeft(_ context.Context, id, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	for i, p := range s.Participants {
		if p.UserID == userID && p.Active() {
			s.Participants[i].LeftAt = &at
			return nil
		}
	}
	return ErrNotParticipant
}

func (m *memStore) CancelSession(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s == nil || s.Status.Terminal() {
		return ErrWrongState
	}
	s.Status = StatusCancelled
	s.ActualEnd = &at
	return nil
}

func (m *memStore) CompleteSession(_ context.Context, c Completion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites != nil {
		return m.failWrites
	}
	s := m.sessions[c.SessionID]
	if s == nil || s.Status != StatusLive {
		return ErrWrongState
	}
	s.Status = StatusCompleted
	s.ActualEnd = &c.EndedAt
	for u, secs := range c.Credits {
		m.credits[u] += secs
	}
	m.completions++
	return nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []hub.Notice
}

func (n *recordingNotifier) Publish(_ context.Context, notice hub.Notice) error {
	n.mu.Lock()
	n.notices = append(n.notices, notice)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, x := range n.notices {
		out = append(out, x.Event.Event)
	}
	return out
}

func (n *recordingNotifier) last() hub.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.notices[len(n.notices)-1]
}

type recordingTimer struct {
	armed    map[string]time.Time
	disarmed []string
}

func (t *recordingTimer) Arm(_ context.Context, id string, at time.Time) error {
	t.armed[id] = at
	return nil
}

func (t *recordingTimer) Disarm(_ context.Context, id string) error {
	t.disarmed = append(t.disarmed, id)
	return nil
}

type heldLocker struct{}

func (heldLocker) TryLock(context.Context, string) (func(), bool, error) { return nil, false, nil }

type brokenLocker struct{ err error }

func (l brokenLocker) TryLock(context.Context, string) (func(), bool, error) { return nil, false, l.err }

type fixture struct {
	svc      *studySessionService
	store    *memStore
	notifier *recordingNotifier
	timer    *recordingTimer
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    newMemStore(),
		notifier: &recordingNotifier{},
		timer:    &recordingTimer{armed: map[string]time.Time{}},
		now:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.store.addMember("g1", "host", "p2", "p3")
	f.svc = NewStudySessionService(f.store, f.notifier, f.timer, nil, 2).(*studySessionService)
	f.svc.now = func() time.Time { return f.now }
	f.svc.newID = func() string { return "s1" }
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func TestCreateSession_ImmediateStartBroadcastsToGroup(t *testing.T) {
	f := newFixture(t)
	end := f.now.Add(time.Hour)

	s, err := f.svc.CreateSession(context.Background(), "host", CreateRequest{
		Title: " Linear algebra ", GroupID: "g1", ScheduledEnd: &end, StartNow: true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusLive, s.Status)
	require.NotNil(t, s.ActualStart)
	assert.Equal(t, f.now, *s.ActualStart)
	assert.Equal(t, "Linear algebra", s.Title)
	assert.Equal(t, 2, s.MaxParticipants)
	assert.Equal(t, end, f.timer.armed["s1"])

	n := f.notifier.last()
	assert.Equal(t, hub.EvSessionStarted, n.Event.Event)
	assert.Equal(t, []hub.RoomName{hub.GroupRoom("g1")}, n.Rooms)
	assert.Equal(t, "s1", n.Event.Body.(*Summary).SessionID)
}

func TestCreateSession_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateSession(ctx, "stranger", CreateRequest{Title: "x", GroupID: "g1"})
	assert.ErrorIs(t, err, ErrNotGroupMember)

	past := f.now.Add(-time.Minute)
	_, err = f.svc.CreateSession(ctx, "host", CreateRequest{Title: "x", ScheduledEnd: &past})
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	f.store.failWrites = errors.New("db down")
	_, err = f.svc.CreateSession(ctx, "host", CreateRequest{Title: "x", StartNow: true})
	assert.Error(t, err)
	assert.Empty(t, f.notifier.events(), "nothing is broadcast when the write fails")
}

func TestStartSession_OnlyHostAndOnlyScheduled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateSession(ctx, "host", CreateRequest{Title: "x", GroupID: "g1", ScheduledStart: f.now.Add(time.Hour)})
	require.NoError(t, err)
	require.NoError(t, f.svc.JoinSession(ctx, "s1", "p2"))

	_, err = f.svc.StartSession(ctx, "s1", "p2")
	assert.ErrorIs(t, err, ErrNotHost)

	f.advance(time.Hour)
	s, err := f.svc.StartSession(ctx, "s1", "host")
	require.NoError(t, err)
	assert.Equal(t, StatusLive, s.Status)
	require.NotNil(t, s.ActualStart)
	assert.Equal(t, f.now, *s.ActualStart)
	assert.Len(t, s.Participants, 2, "starting removes nobody")

	n := f.notifier.last()
	assert.Equal(t, hub.EvSessionStarted, n.Event.Event)
	assert.Contains(t, n.Rooms, hub.SessionRoom("s1"))

	_, err = f.svc.StartSession(ctx, "s1", "host")
	assert.ErrorIs(t, err, ErrWrongState)
	_, err = f.svc.StartSession(ctx, "missing", "host")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestEndSession_EarlyJoinersCreditedFromStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateSession(ctx, "host", CreateRequest{Title: "x", GroupID: "g1", ScheduledStart: f.now.Add(time.Hour)})
	require.NoError(t, err)
	require.NoError(t, f.svc.JoinSession(ctx, "s1", "p2"))

	f.advance(45 * time.Minute)
	_, err = f.svc.StartSession(ctx, "s1", "host")
	require.NoError(t, err)

	f.advance(30 * time.Minute)
	sum, err := f.svc.EndSession(ctx, "s1", "host", "", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"host": 1800, "p2": 1800}, sum.Durations)
}

func TestEndSession_CreditsDurationsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := f.now

	_, err := f.svc.CreateSession(ctx, "host", CreateRequest{Title: "x", GroupID: "g1", StartNow: true, MaxParticipants: 5})
	require.NoError(t, err)
	require.NoError(t, f.svc.JoinSession(ctx, "s1", "p2"))

	f.advance(20 * time.Minute)
	t1 := f.now
	require.NoError(t, f.svc.LeaveSession(ctx, "s1", "p2"))

	f.advance(40 * time.Minute)
	t2 := f.now
	sum, err := f.svc.EndSession(ctx, "s1", "host", "chapter 3 done", []string{"focus"})
	require.NoError(t, err)

	assert.Equal(t, int64(t2.Sub(t0)/time.Second), sum.Durations["host"])
	assert.Equal(t, int64(t1.Sub(t0)/time.Second), sum.Durations["p2"])
	assert.Equal(t, StatusCompleted, sum.Status)
	assert.Equal(t, "chapter 3 done", sum.Notes)
	assert.Equal(t, map[string]int64{"host": 3600, "p2": 1200}, f.store.credits)
	assert.Equal(t, []string{"s1"}, f.timer.disarmed)

	n := f.notifier.last()
	assert.Equal(t, hub.EvSessionEnded, n.Event.Event)
	assert.True(t, n.Close)
	assert.Equal(t, hub.SessionID("s1"), n.Session)
	assert.ElementsMatch(t, []hub.RoomName{
		hub.GroupRoom("g1"), hub.UserRoom("host"), hub.UserRoom("p2"),
	}, n.Rooms)

	_, err = f.svc.EndSession(ctx, "s1", "host", "", nil)
	assert.ErrorIs(t, err, ErrWrongState)
	assert.Equal(t, 1, f.store.completions)
	assert.Equal(t, map[string]int64{"host": 3600, "p2": 1200}, f.store.credits)
}

func TestEndSession_PersistenceFailureBroadcastsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateSession(ctx, "host", CreateRequest{Title: "x", StartNow: true})
	require.NoError(t, err)
	before := len(f.notifier.events())

	f.store.failWrites = errors.New("db down")
	_, err = f.svc.EndSession(ctx, "s1", "host", "", nil)
	require.Error(t, err)
	assert.Len(t, f.notifier.events(), before)

	s, err := f.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusLive, s.Status)
}

func TestEndSession_WrongActorAndState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateSession(ctx, "host", CreateRequest{Title: "x"})
	require.NoError(t, err)

	_, err = f.svc.EndSession(ctx, "s1", "p2", "", nil)
	assert.ErrorIs(t, err, ErrNotHost)
	_, err = f.svc.EndSession(ctx, "s1", "host", "", nil)
	assert.ErrorIs(t, err, ErrWrongState)
}

func TestLeaveSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateSession(ctx, "host", CreateRequest{Title: "x", StartNow: true})
	require.NoError(t, err)
	require.NoError(t, f.svc.JoinSession(ctx, "s1", "p2"))

	assert.ErrorIs(t, f.svc.LeaveSession(ctx, "s1", "host"), ErrHostCannotLeave)
	assert.ErrorIs(t, f.svc.LeaveSession(ctx, "s1", "p3"), ErrNotParticipant)

	require.NoError(t, f.svc.LeaveSession(ctx, "s1", "p2"))
	n := f.notifier.last()
	assert.Equal(t, hub.SessionID("s1"), n.Session)
	assert.Equal(t, hub.Identity("p2"), n.Departed)
	assert.ErrorIs(t, f.svc.LeaveSession(ctx, "s1", "p2"), ErrNotParticipant)
}

func TestJoinSession_Rules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateSession(ctx, "host", CreateRequest{Title: "x", GroupID: "g1", StartNow: true})
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.JoinSession(ctx, "s1", "host"), ErrAlreadyParticipant)
	assert.ErrorIs(t, f.svc.JoinSession(ctx, "s1", "outsider"), ErrNotGroupMember)
	require.NoError(t, f.svc.JoinSession(ctx, "s1", "p2"))
	assert.ErrorIs(t, f.svc.JoinSession(ctx, "s1", "p3"), ErrSessionFull)

	// a participant who left may come back when there is room
	f.advance(10 * time.Minute)
	require.NoError(t, f.svc.LeaveSession(ctx, "s1", "p2"))
	f.advance(10 * time.Minute)
	require.NoError(t, f.svc.JoinSession(ctx, "s1", "p2"))
	s, _ := f.store.GetSession(ctx, "s1")
	p, ok := s.participant("p2")
	require.True(t, ok)
	assert.Equal(t, int64(600), p.CreditedSeconds)

	f.advance(10 * time.Minute)
	sum, err := f.svc.EndSession(ctx, "s1", "host", "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), sum.Durations["p2"])

	assert.ErrorIs(t, f.svc.JoinSession(ctx, "s1", "p3"), ErrWrongState)
	assert.ErrorIs(t, f.svc.JoinSession(ctx, "nope", "p3"), ErrSessionNotFound)
}

func TestCancelSession_FromAnyNonTerminalState(t *testing.T) {
	ctx := context.Background()
	for _, startNow := range []bool{false, true} {
		f := newFixture(t)
		_, err := f.svc.CreateSession(ctx, "host", CreateRequest{Title: "x", StartNow: startNow})
		require.NoError(t, err)
		require.NoError(t, f.svc.JoinSession(ctx, "s1", "p2"))

		assert.ErrorIs(t, f.svc.CancelSession(ctx, "s1", "p2"), ErrNotHost)
		require.NoError(t, f.svc.CancelSession(ctx, "s1", "host"))

		s, _ := f.store.GetSession(ctx, "s1")
		assert.Equal(t, StatusCancelled, s.Status)

		n := f.notifier.last()
		assert.Equal(t, hub.EvSessionForceEnd, n.Event.Event)
		assert.Equal(t, hub.ForceEndBody{SessionID: "s1", Reason: "cancelled"}, n.Event.Body)
		assert.True(t, n.Close)
		assert.ElementsMatch(t, []hub.RoomName{
			hub.SessionRoom("s1"), hub.UserRoom("host"), hub.UserRoom("p2"),
		}, n.Rooms)

		assert.ErrorIs(t, f.svc.CancelSession(ctx, "s1", "host"), ErrWrongState)
	}
}

func TestForceEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateSession(ctx, "host", CreateRequest{Title: "x", GroupID: "g1", StartNow: true})
	require.NoError(t, err)
	f.advance(time.Hour)

	require.NoError(t, f.svc.ForceEnd(ctx, "s1", ReasonScheduledEnd))
	evs := f.notifier.events()
	require.Len(t, evs, 3)
	assert.Equal(t, []string{hub.EvSessionStarted, hub.EvSessionForceEnd, hub.EvSessionEnded}, evs)
	assert.Equal(t, int64(3600), f.store.credits["host"])

	// already completed: nothing happens
	require.NoError(t, f.svc.ForceEnd(ctx, "s1", ReasonScheduledEnd))
	assert.Len(t, f.notifier.events(), 3)
	assert.Equal(t, 1, f.store.completions)
}

func TestForceEnd_SkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateSession(ctx, "host", CreateRequest{Title: "x", StartNow: true})
	require.NoError(t, err)
	f.svc.locker = heldLocker{}

	require.NoError(t, f.svc.ForceEnd(ctx, "s1", ReasonScheduledEnd))
	assert.Equal(t, 0, f.store.completions)
	_, err = f.svc.EndSession(ctx, "s1", "host", "", nil)
	assert.ErrorIs(t, err, ErrWrongState)
}

func TestLockFailure_IsNotAConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	end := f.now.Add(time.Hour)
	_, err := f.svc.CreateSession(ctx, "host", CreateRequest{Title: "x", ScheduledEnd: &end, StartNow: true})
	require.NoError(t, err)
	lockErr := errors.New("redis: connection refused")
	f.svc.locker = brokenLocker{err: lockErr}
	f.advance(time.Hour)

	_, err = f.svc.EndSession(ctx, "s1", "host", "", nil)
	require.ErrorIs(t, err, lockErr)
	assert.False(t, errors.Is(err, ErrWrongState))

	// the timer has already fired, so a failed forced end must schedule another try
	err = f.svc.ForceEnd(ctx, "s1", ReasonScheduledEnd)
	require.ErrorIs(t, err, lockErr)
	assert.Equal(t, f.now.Add(forceEndRetry), f.timer.armed["s1"])
	assert.Equal(t, 0, f.store.completions)

	s, _ := f.store.GetSession(ctx, "s1")
	assert.Equal(t, StatusLive, s.Status)

	f.svc.locker = noopLocker{}
	f.advance(forceEndRetry)
	require.NoError(t, f.svc.ForceEnd(ctx, "s1", ReasonScheduledEnd))
	assert.Equal(t, 1, f.store.completions)
}

func TestForceEnd_StoreFailureRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateSession(ctx, "host", CreateRequest{Title: "x", StartNow: true})
	require.NoError(t, err)
	f.advance(time.Hour)
	f.store.failWrites = errors.New("db down")

	assert.Error(t, f.svc.ForceEnd(ctx, "s1", ReasonScheduledEnd))
	assert.Equal(t, f.now.Add(forceEndRetry), f.timer.armed["s1"])
}

func TestSegmentSeconds(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, int64(0), segmentSeconds(start, start.Add(time.Hour), nil))
	assert.Equal(t, int64(1800), segmentSeconds(start.Add(-time.Hour), start.Add(30*time.Minute), &start))
	assert.Equal(t, int64(600), segmentSeconds(start.Add(5*time.Minute), start.Add(15*time.Minute), &start))
	assert.Equal(t, int64(0), segmentSeconds(start.Add(-time.Hour), start.Add(-time.Minute), &start))
}
