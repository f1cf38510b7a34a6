package sessionhandler

import (
	"time"

	"studyhub/internal/hub"
)

type CreateSessionBody struct {
	Title           string     `json:"title"            binding:"required,max=200"         example:"Linear algebra sprint"`
	GroupID         string     `json:"group_id"         binding:"omitempty,max=64"         example:"grp42"`
	ScheduledStart  *time.Time `json:"scheduled_start"                                     example:"2026-03-01T09:00:00Z"`
	ScheduledEnd    *time.Time `json:"scheduled_end"                                       example:"2026-03-01T10:00:00Z"`
	MaxParticipants int        `json:"max_participants" binding:"omitempty,min=2,max=100"  example:"8"`
	StartNow        bool       `json:"start_now"`
} // @name CreateSessionRequest

type EndSessionBody struct {
	Notes    string   `json:"notes"    binding:"max=10000"        example:"Covered chapters 3-4"`
	Insights []string `json:"insights" binding:"max=50,dive,max=500"`
} // @name EndSessionRequest

type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty" example:"wrong_state"`
} // @name ErrorResponse

type ListSessionsQuery struct {
	GroupID string `form:"group_id"`
	Status  string `form:"status"           binding:"omitempty,oneof=scheduled live completed cancelled"`
	Limit   int    `form:"limit,default=10" binding:"gte=0,lte=100"`
	Offset  int    `form:"offset,default=0" binding:"gte=0"`
} // @name ListSessionsQuery

type UserPresenceResponse struct {
	Identity string          `json:"identity"`
	Online   bool            `json:"online"`
	Status   *hub.LiveStatus `json:"status,omitempty"`
} // @name UserPresenceResponse
