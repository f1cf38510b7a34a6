package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Authorizer decides whether an identity may join a group or session room.
// Denials must wrap ErrForbidden; any other error is treated as a failed
// lookup and also rejects the join.
type Authorizer interface {
	CanJoinRoom(ctx context.Context, id Identity, room RoomName) error
}

// PresenceMirror receives every presence view the hub broadcasts.
// MirrorPresence is called with the hub lock held and must not block.
type PresenceMirror interface {
	MirrorPresence(view PresenceView)
}

// MessageSink persists accepted session messages.
type MessageSink interface {
	Append(ctx context.Context, msg ChatMessage) error
}

// SessionObserver hears about identities leaving a session call through
// the real-time layer: an explicit leave-session, a disconnect or a
// replaced channel. It is called after the hub lock is released.
type SessionObserver interface {
	ParticipantLeft(ctx context.Context, sid SessionID, id Identity, at time.Time)
}

// Hub is the in-memory coordinator of connections, rooms and session calls.
// All state is private and every mutation runs under one lock, so readers
// always see the registries in agreement with each other.
type Hub struct {
	mu           sync.RWMutex
	conns        connRegistry
	rooms        roomTracker
	participants participantRegistry
	status       map[Identity]*LiveStatus

	auth       Authorizer
	policy     Policy
	mirror     PresenceMirror
	sink       MessageSink
	observer   SessionObserver
	limiter    *rateLimiter
	rateLimit  int
	rateWindow time.Duration
	now        func() time.Time
}

type Option func(*Hub)

func WithAuthorizer(a Authorizer) Option { return func(h *Hub) { h.auth = a } }

func WithPolicy(p Policy) Option { return func(h *Hub) { h.policy = p } }

func WithPresenceMirror(m PresenceMirror) Option { return func(h *Hub) { h.mirror = m } }

func WithMessageSink(s MessageSink) Option { return func(h *Hub) { h.sink = s } }

func WithSessionObserver(o SessionObserver) Option { return func(h *Hub) { h.observer = o } }

func WithClock(now func() time.Time) Option { return func(h *Hub) { h.now = now } }

// WithRateLimit caps signaling and chat events per identity per window.
func WithRateLimit(limit int, window time.Duration) Option {
	return func(h *Hub) {
		h.rateLimit = limit
		h.rateWindow = window
	}
}

func New(opts ...Option) *Hub {
	h := &Hub{
		conns:        newConnRegistry(),
		rooms:        newRoomTracker(),
		participants: newParticipantRegistry(),
		status:       make(map[Identity]*LiveStatus),
		policy:       SignalingPolicy{},
		rateLimit:    200,
		rateWindow:   10 * time.Second,
		now:          time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	h.limiter = newRateLimiter(h.rateLimit, h.rateWindow, h.now)
	return h
}

// Dispatch is the single entry point for inbound client events.
func (h *Hub) Dispatch(ctx context.Context, ch Channel, ev Event) error {
	var err error
	switch e := ev.(type) {
	case Connect:
		err = h.connect(ctx, ch, e.Identity)
	case Disconnect:
		h.disconnect(ctx, ch)
	case JoinRoom:
		err = h.joinRoom(ctx, ch, e.Room)
	case LeaveRoom:
		err = h.leaveRoom(ch, e.Room)
	case JoinSession:
		err = h.joinSession(ctx, ch, e)
	case LeaveSession:
		err = h.leaveSession(ctx, ch, e.Session)
	case Signal:
		err = h.relay(ch, e)
	case StatusChange:
		err = h.statusChange(ch, e)
	case SessionMessage:
		err = h.sessionMessage(ctx, ch, e)
	default:
		err = fmt.Errorf("%w: unsupported event %T", ErrProtocol, ev)
	}
	if err != nil && errors.Is(err, ErrProtocol) {
		metricProtocolViolations.Inc()
	}
	return err
}

func (h *Hub) connect(ctx context.Context, ch Channel, id Identity) error {
	if id == "" {
		return fmt.Errorf("%w: empty identity", ErrProtocol)
	}

	var left []sessionLeave
	defer func() { h.notifyLeft(ctx, left) }()

	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.conns.identityOf(ch.ID()); ok {
		if cur == id {
			return nil
		}
		return fmt.Errorf("%w: channel already bound to %s", ErrProtocol, cur)
	}

	now := h.now()
	if stale := h.conns.register(id, ch); stale != nil {
		left = h.cleanupChannelLocked(stale, id)
		zap.L().Debug("hub.stale_channel_detached",
			zap.String("identity", string(id)),
			zap.String("channel", string(stale.ID())))
	}
	h.rooms.join(UserRoom(id), ch)
	h.status[id] = &LiveStatus{LastActivity: now}

	h.deliver(ch, Outbound{Event: EvWelcome, Body: WelcomeBody{
		Identity:    id,
		ChannelID:   ch.ID(),
		OnlineCount: h.conns.count(),
	}})
	h.broadcastPresenceLocked()
	return nil
}

func (h *Hub) disconnect(ctx context.Context, ch Channel) {
	var left []sessionLeave
	defer func() { h.notifyLeft(ctx, left) }()

	h.mu.Lock()
	defer h.mu.Unlock()

	id, ok := h.conns.identityOf(ch.ID())
	if !ok {
		return
	}
	left = h.cleanupChannelLocked(ch, id)
	h.conns.unregister(ch.ID())
	if _, still := h.conns.channelOf(id); !still {
		delete(h.status, id)
		h.limiter.Forget(id)
	}
	h.broadcastPresenceLocked()
}

// cleanupChannelLocked removes ch from every session and room it is in and
// tells the remaining members. It returns the session calls ch was part of.
func (h *Hub) cleanupChannelLocked(ch Channel, id Identity) []sessionLeave {
	now := h.now()
	var left []sessionLeave
	for _, sid := range h.participants.sessionsOf(ch.ID()) {
		if _, ok := h.participants.leave(sid, ch.ID(), now); ok {
			left = append(left, sessionLeave{sid: sid, id: id, at: now})
		}
		room := SessionRoom(sid)
		h.rooms.leave(room, ch.ID())
		h.broadcastLocked(room, Outbound{Event: EvParticipantLeft, Body: ParticipantLeftBody{
			SessionID: sid,
			Identity:  id,
			ChannelID: ch.ID(),
		}}, "")
	}
	for _, room := range h.rooms.roomsOf(ch.ID()) {
		h.rooms.leave(room, ch.ID())
		if room.Kind() == RoomGroup {
			h.broadcastLocked(room, Outbound{Event: EvUserLeftGroup, Body: GroupMemberBody{
				GroupID:  room.Key(),
				Identity: id,
			}}, "")
		}
	}
	return left
}

func (h *Hub) joinRoom(ctx context.Context, ch Channel, room RoomName) error {
	id, err := h.identity(ch)
	if err != nil {
		return err
	}
	switch room.Kind() {
	case RoomGroup:
	case RoomUser:
		if room != UserRoom(id) {
			return fmt.Errorf("%w: %s belongs to another identity", ErrForbidden, room)
		}
		return nil
	case RoomSession:
		return fmt.Errorf("%w: session rooms are joined with join-session", ErrProtocol)
	default:
		return fmt.Errorf("%w: invalid room %q", ErrProtocol, room)
	}
	if err := h.authorize(ctx, id, room); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.stillBoundLocked(ch, id); err != nil {
		return err
	}
	if !h.rooms.join(room, ch) {
		return nil
	}
	h.touchLocked(id, func(st *LiveStatus) { st.CurrentGroup = room.Key() })
	h.broadcastLocked(room, Outbound{Event: EvUserJoinedGroup, Body: GroupMemberBody{
		GroupID:  room.Key(),
		Identity: id,
	}}, ch.ID())
	h.broadcastPresenceLocked()
	return nil
}

func (h *Hub) leaveRoom(ch Channel, room RoomName) error {
	switch room.Kind() {
	case RoomGroup:
	case RoomSession:
		return fmt.Errorf("%w: session rooms are left with leave-session", ErrProtocol)
	default:
		return fmt.Errorf("%w: cannot leave %q", ErrProtocol, room)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	id, ok := h.conns.identityOf(ch.ID())
	if !ok {
		return fmt.Errorf("%w: %w", ErrProtocol, ErrNotConnected)
	}
	if !h.rooms.leave(room, ch.ID()) {
		return nil
	}
	h.touchLocked(id, func(st *LiveStatus) {
		if st.CurrentGroup == room.Key() {
			st.CurrentGroup = ""
		}
	})
	h.broadcastLocked(room, Outbound{Event: EvUserLeftGroup, Body: GroupMemberBody{
		GroupID:  room.Key(),
		Identity: id,
	}}, "")
	h.broadcastPresenceLocked()
	return nil
}

func (h *Hub) joinSession(ctx context.Context, ch Channel, e JoinSession) error {
	if e.Session == "" {
		return fmt.Errorf("%w: empty session id", ErrProtocol)
	}
	id, err := h.identity(ch)
	if err != nil {
		return err
	}
	room := SessionRoom(e.Session)
	if err := h.authorize(ctx, id, room); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.stillBoundLocked(ch, id); err != nil {
		return err
	}
	now := h.now()
	existing := h.participants.join(e.Session, id, ch.ID(), e.MicEnabled, e.VideoEnabled, now)
	h.rooms.join(room, ch)

	h.deliver(ch, Outbound{Event: EvExistingParticipants, Body: ExistingParticipantsBody{
		SessionID:    e.Session,
		Participants: existing,
	}})
	h.broadcastLocked(room, Outbound{Event: EvParticipantJoined, Body: ParticipantJoinedBody{
		SessionID: e.Session,
		Participant: Participant{
			Identity:     id,
			Channel:      ch.ID(),
			JoinedAt:     now,
			MicEnabled:   e.MicEnabled,
			VideoEnabled: e.VideoEnabled,
		},
	}}, ch.ID())
	h.touchLocked(id, func(st *LiveStatus) {
		st.IsStudying = true
		st.CurrentSession = e.Session
	})
	metricSessionJoins.Inc()
	return nil
}

func (h *Hub) leaveSession(ctx context.Context, ch Channel, sid SessionID) error {
	var left []sessionLeave
	defer func() { h.notifyLeft(ctx, left) }()

	h.mu.Lock()
	defer h.mu.Unlock()

	id, ok := h.conns.identityOf(ch.ID())
	if !ok {
		return fmt.Errorf("%w: %w", ErrProtocol, ErrNotConnected)
	}
	now := h.now()
	if _, ok := h.participants.leave(sid, ch.ID(), now); !ok {
		return fmt.Errorf("%w: %w", ErrProtocol, ErrNotParticipant)
	}
	left = append(left, sessionLeave{sid: sid, id: id, at: now})
	room := SessionRoom(sid)
	h.rooms.leave(room, ch.ID())
	h.broadcastLocked(room, Outbound{Event: EvParticipantLeft, Body: ParticipantLeftBody{
		SessionID: sid,
		Identity:  id,
		ChannelID: ch.ID(),
	}}, "")
	h.touchLocked(id, clearSession(sid))
	return nil
}

// relay forwards a negotiation message to exactly one channel. Deliveries
// are enqueued while the lock is held, so messages from one sender reach a
// target in the order the sender produced them.
func (h *Hub) relay(from Channel, sig Signal) error {
	if !IsSignalKind(sig.Kind) {
		return fmt.Errorf("%w: unknown signal kind %q", ErrProtocol, sig.Kind)
	}
	if sig.To == from.ID() {
		return fmt.Errorf("%w: signal addressed to sender", ErrProtocol)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	id, ok := h.conns.identityOf(from.ID())
	if !ok {
		return fmt.Errorf("%w: %w", ErrProtocol, ErrNotConnected)
	}
	if !h.limiter.Allow(id) {
		metricSignalsDropped.WithLabelValues("rate_limited").Inc()
		return fmt.Errorf("%w: %w", ErrProtocol, ErrRateLimited)
	}
	target, ok := h.conns.channel(sig.To)
	if !ok {
		metricSignalsDropped.WithLabelValues("target_gone").Inc()
		return nil
	}
	if !h.rooms.shareRoom(from.ID(), target.ID(), RoomSession) {
		metricSignalsDropped.WithLabelValues("forbidden").Inc()
		return fmt.Errorf("%w: no shared session with %s", ErrForbidden, sig.To)
	}

	if h.deliver(target, Outbound{Event: sig.Kind, Body: SignalBody{
		From:        id,
		FromChannel: from.ID(),
		Payload:     sig.Payload,
	}}) {
		metricSignalsRelayed.WithLabelValues(sig.Kind).Inc()
	} else {
		metricSignalsDropped.WithLabelValues("undeliverable").Inc()
	}
	return nil
}

func (h *Hub) statusChange(ch Channel, e StatusChange) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	id, ok := h.conns.identityOf(ch.ID())
	if !ok {
		return fmt.Errorf("%w: %w", ErrProtocol, ErrNotConnected)
	}
	st := h.status[id]
	if st == nil || st.CurrentSession == "" {
		return fmt.Errorf("%w: %w", ErrProtocol, ErrNotParticipant)
	}
	sid := st.CurrentSession
	if !h.participants.updateStatus(sid, id, e.MicEnabled, e.VideoEnabled) {
		return fmt.Errorf("%w: %w", ErrProtocol, ErrNotParticipant)
	}
	st.LastActivity = h.now()
	h.broadcastLocked(SessionRoom(sid), Outbound{Event: EvParticipantStatusChange, Body: StatusBody{
		SessionID:    sid,
		Identity:     id,
		MicEnabled:   e.MicEnabled,
		VideoEnabled: e.VideoEnabled,
	}}, ch.ID())
	return nil
}

func (h *Hub) sessionMessage(ctx context.Context, ch Channel, e SessionMessage) error {
	body := strings.TrimSpace(e.Body)
	if body == "" || len(body) > maxMessageLen {
		return fmt.Errorf("%w: message body must be 1..%d bytes", ErrProtocol, maxMessageLen)
	}
	if k := e.Room.Kind(); k != RoomGroup && k != RoomSession {
		return fmt.Errorf("%w: messages go to group or session rooms", ErrProtocol)
	}

	h.mu.Lock()
	id, ok := h.conns.identityOf(ch.ID())
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrProtocol, ErrNotConnected)
	}
	if !h.limiter.Allow(id) {
		h.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrProtocol, ErrRateLimited)
	}
	if !h.rooms.has(e.Room, ch.ID()) {
		h.mu.Unlock()
		return fmt.Errorf("%w: not a member of %s", ErrForbidden, e.Room)
	}
	msg := ChatMessage{Room: e.Room, From: id, Body: body, SentAt: h.now().UTC()}
	h.broadcastLocked(e.Room, Outbound{Event: EvSessionMessage, Body: msg}, "")
	h.touchLocked(id, func(*LiveStatus) {})
	h.mu.Unlock()

	if h.sink != nil {
		if err := h.sink.Append(ctx, msg); err != nil {
			zap.L().Warn("hub.message_sink", zap.String("room", string(msg.Room)), zap.Error(err))
		}
	}
	return nil
}

// Publish delivers a control-plane notice to the local rooms it names.
func (h *Hub) Publish(_ context.Context, n Notice) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n.Session != "" && n.Departed != "" {
		room := SessionRoom(n.Session)
		if chID, ok := h.participants.leaveIdentity(n.Session, n.Departed, h.now()); ok {
			h.rooms.leave(room, chID)
			h.broadcastLocked(room, Outbound{Event: EvParticipantLeft, Body: ParticipantLeftBody{
				SessionID: n.Session,
				Identity:  n.Departed,
				ChannelID: chID,
			}}, "")
			h.touchLocked(n.Departed, clearSession(n.Session))
		}
	}

	if n.Event.Event != "" {
		seen := make(map[ChannelID]struct{})
		for _, room := range n.Rooms {
			for _, ch := range h.rooms.membersOf(room) {
				if _, dup := seen[ch.ID()]; dup {
					continue
				}
				seen[ch.ID()] = struct{}{}
				h.deliver(ch, n.Event)
			}
		}
	}

	if n.Close && n.Session != "" {
		room := SessionRoom(n.Session)
		for _, ch := range h.rooms.membersOf(room) {
			h.rooms.leave(room, ch.ID())
			if id, ok := h.conns.identityOf(ch.ID()); ok {
				h.touchLocked(id, clearSession(n.Session))
			}
		}
		h.participants.forget(n.Session)
	}
	return nil
}

// ─────────────────────────────── reads ───────────────────────────────────────

func (h *Hub) ChannelOf(id Identity) (ChannelID, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.conns.channelOf(id)
	if !ok {
		return "", false
	}
	return ch.ID(), true
}

func (h *Hub) IdentityOf(chID ChannelID) (Identity, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns.identityOf(chID)
}

func (h *Hub) MembersOf(room RoomName) []ChannelID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := h.rooms.membersOf(room)
	out := make([]ChannelID, len(members))
	for i, ch := range members {
		out[i] = ch.ID()
	}
	return out
}

func (h *Hub) RoomsOf(chID ChannelID) []RoomName {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms.roomsOf(chID)
}

// Snapshot returns every descriptor of the session, left ones included.
func (h *Hub) Snapshot(sid SessionID) []Participant {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.participants.snapshot(sid)
}

func (h *Hub) ActiveParticipants(sid SessionID) []Participant {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.participants.active(sid)
}

func (h *Hub) LiveStatus(id Identity) (LiveStatus, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.status[id]
	if !ok {
		return LiveStatus{}, false
	}
	return *st, true
}

// ─────────────────────────────── helpers ─────────────────────────────────────

func (h *Hub) identity(ch Channel) (Identity, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.conns.identityOf(ch.ID())
	if !ok {
		return "", fmt.Errorf("%w: %w", ErrProtocol, ErrNotConnected)
	}
	return id, nil
}

// stillBoundLocked re-checks a binding observed before an unlocked
// authorization call.
func (h *Hub) stillBoundLocked(ch Channel, id Identity) error {
	if cur, ok := h.conns.identityOf(ch.ID()); !ok || cur != id {
		return fmt.Errorf("%w: %w", ErrProtocol, ErrNotConnected)
	}
	return nil
}

func (h *Hub) authorize(ctx context.Context, id Identity, room RoomName) error {
	if h.auth == nil {
		return nil
	}
	if err := h.auth.CanJoinRoom(ctx, id, room); err != nil {
		if errors.Is(err, ErrForbidden) {
			return err
		}
		return fmt.Errorf("authorize %s: %w", room, err)
	}
	return nil
}

type sessionLeave struct {
	sid SessionID
	id  Identity
	at  time.Time
}

// notifyLeft must run without the hub lock held.
func (h *Hub) notifyLeft(ctx context.Context, left []sessionLeave) {
	if h.observer == nil {
		return
	}
	for _, l := range left {
		h.observer.ParticipantLeft(ctx, l.sid, l.id, l.at)
	}
}

func (h *Hub) touchLocked(id Identity, fn func(st *LiveStatus)) {
	st, ok := h.status[id]
	if !ok {
		return
	}
	fn(st)
	st.LastActivity = h.now()
}

func clearSession(sid SessionID) func(st *LiveStatus) {
	return func(st *LiveStatus) {
		if st.CurrentSession == sid {
			st.CurrentSession = ""
			st.IsStudying = false
		}
	}
}

func (h *Hub) broadcastLocked(room RoomName, ev Outbound, except ChannelID) {
	for _, ch := range h.rooms.membersOf(room) {
		if ch.ID() == except {
			continue
		}
		h.deliver(ch, ev)
	}
}

// deliver enqueues ev on ch and applies the backpressure policy when the
// queue is full. It reports whether the event was accepted.
func (h *Hub) deliver(ch Channel, ev Outbound) bool {
	err := ch.Send(ev)
	if err == nil {
		return true
	}
	if errors.Is(err, ErrBackpressure) {
		switch h.policy.OnBackpressure(ch, ev) {
		case KickChannel:
			metricBackpressure.WithLabelValues("kick").Inc()
			zap.L().Warn("hub.slow_channel_kicked",
				zap.String("channel", string(ch.ID())),
				zap.String("event", ev.Event))
			ch.Close()
		default:
			metricBackpressure.WithLabelValues("drop").Inc()
		}
	}
	return false
}
