package hub

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrProtocol       = errors.New("protocol violation")
	ErrNotConnected   = errors.New("channel not connected")
	ErrForbidden      = errors.New("forbidden")
	ErrRateLimited    = errors.New("rate limited")
	ErrNotParticipant = errors.New("not a session participant")
)

// Event is the closed set of inbound client events accepted by Dispatch.
type Event interface{ inbound() }

type Connect struct {
	Identity Identity
}

type Disconnect struct{}

type JoinRoom struct {
	Room RoomName
}

type LeaveRoom struct {
	Room RoomName
}

type JoinSession struct {
	Session      SessionID
	MicEnabled   bool
	VideoEnabled bool
}

type LeaveSession struct {
	Session SessionID
}

// Signal carries an opaque negotiation payload to one channel.
type Signal struct {
	Kind    string
	To      ChannelID
	Payload json.RawMessage
}

type StatusChange struct {
	MicEnabled   bool
	VideoEnabled bool
}

type SessionMessage struct {
	Room RoomName
	Body string
}

func (Connect) inbound()        {}
func (Disconnect) inbound()     {}
func (JoinRoom) inbound()       {}
func (LeaveRoom) inbound()      {}
func (JoinSession) inbound()    {}
func (LeaveSession) inbound()   {}
func (Signal) inbound()         {}
func (StatusChange) inbound()   {}
func (SessionMessage) inbound() {}

// Outbound event names.
const (
	EvWelcome                 = "welcome"
	EvUserCountUpdate         = "user-count-update"
	EvLiveGroupsUpdate        = "live-groups-update"
	EvUserJoinedGroup         = "user-joined-group"
	EvUserLeftGroup           = "user-left-group"
	EvExistingParticipants    = "existing-participants"
	EvParticipantJoined       = "participant-joined"
	EvParticipantLeft         = "participant-left"
	EvParticipantStatusChange = "participant-status-change"
	EvSessionStarted          = "session-started"
	EvSessionEnded            = "session-ended"
	EvSessionForceEnd         = "session-force-end"
	EvSessionMessage          = "session-message"
	EvError                   = "error"

	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
)

func IsSignalKind(kind string) bool {
	switch kind {
	case SignalOffer, SignalAnswer, SignalCandidate:
		return true
	}
	return false
}

const maxMessageLen = 4000

type WelcomeBody struct {
	Identity    Identity  `json:"identity"`
	ChannelID   ChannelID `json:"channelId"`
	OnlineCount int       `json:"onlineCount"`
}

type CountBody struct {
	Count int `json:"count"`
}

type LiveGroupsBody struct {
	Groups []GroupActivity `json:"groups"`
}

type GroupMemberBody struct {
	GroupID  string   `json:"groupId"`
	Identity Identity `json:"identity"`
}

type ExistingParticipantsBody struct {
	SessionID    SessionID     `json:"sessionId"`
	Participants []Participant `json:"participants"`
}

type ParticipantJoinedBody struct {
	SessionID   SessionID   `json:"sessionId"`
	Participant Participant `json:"participant"`
}

type ParticipantLeftBody struct {
	SessionID SessionID `json:"sessionId"`
	Identity  Identity  `json:"identity"`
	ChannelID ChannelID `json:"channelId"`
}

type SignalBody struct {
	From        Identity        `json:"from"`
	FromChannel ChannelID       `json:"fromChannel"`
	Payload     json.RawMessage `json:"payload"`
}

type StatusBody struct {
	SessionID    SessionID `json:"sessionId"`
	Identity     Identity  `json:"identity"`
	MicEnabled   bool      `json:"micEnabled"`
	VideoEnabled bool      `json:"videoEnabled"`
}

type ForceEndBody struct {
	SessionID SessionID `json:"sessionId"`
	Reason    string    `json:"reason"`
}

// Notice is a control-plane notification delivered to local rooms.
//
// Departed, when set together with Session, marks that identity as having
// left the session before delivery. Close drops the whole session after
// delivery.
type Notice struct {
	Rooms    []RoomName `json:"rooms,omitempty"`
	Event    Outbound   `json:"event"`
	Session  SessionID  `json:"session,omitempty"`
	Departed Identity   `json:"departed,omitempty"`
	Close    bool       `json:"close,omitempty"`
	At       time.Time  `json:"at"`
}
