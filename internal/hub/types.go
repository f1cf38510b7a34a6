package hub

import (
	"fmt"
	"strings"
	"time"
)

type (
	Identity  string
	ChannelID string
	SessionID string
	RoomName  string
)

type RoomKind int

const (
	RoomUnknown RoomKind = iota
	RoomGroup
	RoomSession
	RoomUser
)

const (
	groupRoomPrefix   = "group:"
	sessionRoomPrefix = "session:"
	userRoomPrefix    = "user:"
)

func GroupRoom(groupID string) RoomName   { return RoomName(groupRoomPrefix + groupID) }
func SessionRoom(id SessionID) RoomName   { return RoomName(sessionRoomPrefix + string(id)) }
func UserRoom(identity Identity) RoomName { return RoomName(userRoomPrefix + string(identity)) }

func (r RoomName) Kind() RoomKind {
	s := string(r)
	switch {
	case strings.HasPrefix(s, groupRoomPrefix) && len(s) > len(groupRoomPrefix):
		return RoomGroup
	case strings.HasPrefix(s, sessionRoomPrefix) && len(s) > len(sessionRoomPrefix):
		return RoomSession
	case strings.HasPrefix(s, userRoomPrefix) && len(s) > len(userRoomPrefix):
		return RoomUser
	}
	return RoomUnknown
}

// Key is the room name without its kind prefix ("group:g1" -> "g1").
func (r RoomName) Key() string {
	if _, key, ok := strings.Cut(string(r), ":"); ok {
		return key
	}
	return ""
}

// ParseRoom validates a client-supplied room name.
func ParseRoom(s string) (RoomName, error) {
	r := RoomName(s)
	if r.Kind() == RoomUnknown {
		return "", fmt.Errorf("%w: invalid room %q", ErrProtocol, s)
	}
	return r, nil
}

// Participant describes one identity inside a session call.
type Participant struct {
	Identity     Identity   `json:"identity"`
	Channel      ChannelID  `json:"channelId"`
	JoinedAt     time.Time  `json:"joinedAt"`
	LeftAt       *time.Time `json:"leftAt,omitempty"`
	MicEnabled   bool       `json:"micEnabled"`
	VideoEnabled bool       `json:"videoEnabled"`
}

func (p Participant) Active() bool { return p.LeftAt == nil }

func (p Participant) clone() Participant {
	if p.LeftAt != nil {
		t := *p.LeftAt
		p.LeftAt = &t
	}
	return p
}

type LiveStatus struct {
	IsStudying     bool      `json:"isStudying"`
	CurrentGroup   string    `json:"currentGroup,omitempty"`
	CurrentSession SessionID `json:"currentSession,omitempty"`
	LastActivity   time.Time `json:"lastActivity"`
}

type GroupActivity struct {
	GroupID           string `json:"groupId"`
	ActiveMemberCount int    `json:"activeMemberCount"`
}

type PresenceView struct {
	OnlineCount int             `json:"onlineCount"`
	LiveGroups  []GroupActivity `json:"liveGroups"`
}

// ChatMessage is a session-message accepted by the hub.
type ChatMessage struct {
	Room   RoomName  `json:"room"`
	From   Identity  `json:"from"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sentAt"`
}
