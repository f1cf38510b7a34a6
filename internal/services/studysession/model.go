package studysession

import (
	"errors"
	"time"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusLive      Status = "live"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrWrongState         = errors.New("session is not in a state that allows this")
	ErrNotHost            = errors.New("only the host can do this")
	ErrSessionFull        = errors.New("session is full")
	ErrAlreadyParticipant = errors.New("already a participant")
	ErrNotParticipant     = errors.New("not a participant")
	ErrHostCannotLeave    = errors.New("host cannot leave the session")
	ErrNotGroupMember     = errors.New("not a member of the group")
	ErrInvalidSchedule    = errors.New("scheduled end must be after scheduled start")
)

type ParticipantDTO struct {
	UserID          string     `json:"user_id"`
	JoinedAt        time.Time  `json:"joined_at"`
	LeftAt          *time.Time `json:"left_at,omitempty"`
	CreditedSeconds int64      `json:"credited_seconds"`
}

func (p ParticipantDTO) Active() bool { return p.LeftAt == nil }

type SessionDTO struct {
	ID              string           `json:"id"`
	GroupID         string           `json:"group_id,omitempty"`
	HostID          string           `json:"host_id"`
	Title           string           `json:"title"`
	Status          Status           `json:"status"          example:"live"`
	MaxParticipants int              `json:"max_participants"`
	ScheduledStart  time.Time        `json:"scheduled_start" example:"2026-03-01T09:00:00Z"`
	ScheduledEnd    *time.Time       `json:"scheduled_end,omitempty"`
	ActualStart     *time.Time       `json:"actual_start,omitempty"`
	ActualEnd       *time.Time       `json:"actual_end,omitempty"`
	Notes           string           `json:"notes,omitempty"`
	Insights        []string         `json:"insights,omitempty"`
	Participants    []ParticipantDTO `json:"participants,omitempty"`
}

func (s *SessionDTO) participant(userID string) (ParticipantDTO, bool) {
	for _, p := range s.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return ParticipantDTO{}, false
}

func (s *SessionDTO) activeCount() int {
	n := 0
	for _, p := range s.Participants {
		if p.Active() {
			n++
		}
	}
	return n
}

// Summary is the body of session-started and session-ended events.
type Summary struct {
	SessionID   string           `json:"sessionId"`
	GroupID     string           `json:"groupId,omitempty"`
	HostID      string           `json:"hostId"`
	Title       string           `json:"title"`
	Status      Status           `json:"status"`
	ActualStart *time.Time       `json:"actualStart,omitempty"`
	ActualEnd   *time.Time       `json:"actualEnd,omitempty"`
	// Durations holds the credited seconds per participant. Only time after
	// ActualStart counts: joining a scheduled session early earns nothing
	// until the host starts it.
	Durations   map[string]int64 `json:"durations,omitempty"`
	Notes       string           `json:"notes,omitempty"`
	Insights    []string         `json:"insights,omitempty"`
}

type CreateRequest struct {
	Title           string
	GroupID         string
	ScheduledStart  time.Time
	ScheduledEnd    *time.Time
	MaxParticipants int
	StartNow        bool
}

type ListFilter struct {
	GroupID string
	Status  Status
	Limit   int
	Offset  int
}

// Completion is everything written when a live session completes.
type Completion struct {
	SessionID string
	GroupID   string
	EndedAt   time.Time
	Notes     string
	Insights  []string
	Credits   map[string]int64
}

// segmentSeconds is the time spent in a live session between joined and
// until; time before the session went live does not count.
func segmentSeconds(joined, until time.Time, actualStart *time.Time) int64 {
	if actualStart == nil {
		return 0
	}
	from := joined
	if actualStart.After(from) {
		from = *actualStart
	}
	if !until.After(from) {
		return 0
	}
	return int64(until.Sub(from) / time.Second)
}
