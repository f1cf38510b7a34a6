package sessionhandler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"studyhub/internal/hub"
	"studyhub/internal/services/studysession"
)

const (
	identityHeader = "X-User-ID"
	identityKey    = "identity"
)

// PresenceReader is the read side of the real-time hub.
type PresenceReader interface {
	Presence() hub.PresenceView
	LiveStatus(id hub.Identity) (hub.LiveStatus, bool)
	ActiveParticipants(sid hub.SessionID) []hub.Participant
}

type Handler struct {
	svc      studysession.IStudySessionService
	presence PresenceReader
}

func New(svc studysession.IStudySessionService, presence PresenceReader) *Handler {
	return &Handler{svc: svc, presence: presence}
}

func (h *Handler) Register(r gin.IRouter) {
	r.GET("/presence", h.presenceInfo)
	r.GET("/presence/users/:id", h.userPresence)

	s := r.Group("/sessions", RequireIdentity())
	s.POST("", h.create)
	s.GET("", h.list)
	s.GET("/:id", h.info)
	s.GET("/:id/participants", h.participants)
	s.POST("/:id/start", h.start)
	s.POST("/:id/end", h.end)
	s.POST("/:id/cancel", h.cancel)
	s.POST("/:id/join", h.join)
	s.POST("/:id/leave", h.leave)
}

// RequireIdentity takes the caller identity from the authenticating gateway.
func RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(identityHeader)
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "missing " + identityHeader, Reason: "unauthenticated"})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// @Summary		Create a study session
// @Description	Schedules a session, or starts it right away with start_now. The caller becomes the host.
// @Tags			Sessions
// @Param			X-User-ID	header		string				true	"Caller identity"
// @Param			body		body		CreateSessionBody	true	"Session payload"
// @Success		201			{object}	studysession.SessionDTO
// @Failure		400			{object}	ErrorResponse
// @Failure		403			{object}	ErrorResponse
// @Router			/sessions [post]
func (h *Handler) create(c *gin.Context) {
	var body CreateSessionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Reason: "invalid_request"})
		return
	}
	req := studysession.CreateRequest{
		Title:           body.Title,
		GroupID:         body.GroupID,
		ScheduledEnd:    body.ScheduledEnd,
		MaxParticipants: body.MaxParticipants,
		StartNow:        body.StartNow,
	}
	if body.ScheduledStart != nil {
		req.ScheduledStart = *body.ScheduledStart
	}
	dto, err := h.svc.CreateSession(c.Request.Context(), c.GetString(identityKey), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto)
}

// @Summary		List sessions
// @Description	Retrieves a paginated list of sessions, optionally filtered by group and status.
// @Tags			Sessions
// @Param			X-User-ID	header		string	true	"Caller identity"
// @Param			group_id	query		string	false	"Group filter"
// @Param			status		query		string	false	"Status filter"			Enums(scheduled,live,completed,cancelled)
// @Param			limit		query		int		false	"Max results (0-100)"	minimum(0)	maximum(100)	default(10)
// @Param			offset		query		int		false	"Offset for pagination"	minimum(0)	default(0)
// @Success		200			{array}		studysession.SessionDTO
// @Failure		400			{object}	ErrorResponse
// @Failure		500			{object}	ErrorResponse
// @Router			/sessions [get]
func (h *Handler) list(c *gin.Context) {
	var q ListSessionsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Reason: "invalid_request"})
		return
	}
	out, err := h.svc.ListSessions(c.Request.Context(), studysession.ListFilter{
		GroupID: q.GroupID,
		Status:  studysession.Status(q.Status),
		Limit:   q.Limit,
		Offset:  q.Offset,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// @Summary		Get session details
// @Tags			Sessions
// @Param			X-User-ID	header		string	true	"Caller identity"
// @Param			id			path		string	true	"Session ID"
// @Success		200			{object}	studysession.SessionDTO
// @Failure		404			{object}	ErrorResponse
// @Router			/sessions/{id} [get]
func (h *Handler) info(c *gin.Context) {
	dto, err := h.svc.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto)
}

// @Summary		Live call participants
// @Description	Participants currently connected to the session call on this instance.
// @Tags			Sessions
// @Param			X-User-ID	header	string	true	"Caller identity"
// @Param			id			path	string	true	"Session ID"
// @Success		200			{array}	hub.Participant
// @Router			/sessions/{id}/participants [get]
func (h *Handler) participants(c *gin.Context) {
	c.JSON(http.StatusOK, h.presence.ActiveParticipants(hub.SessionID(c.Param("id"))))
}

// @Summary		Start a session
// @Description	Host moves a scheduled session to live.
// @Tags			Sessions
// @Param			X-User-ID	header		string	true	"Caller identity"
// @Param			id			path		string	true	"Session ID"
// @Success		200			{object}	studysession.SessionDTO
// @Failure		403			{object}	ErrorResponse
// @Failure		409			{object}	ErrorResponse
// @Router			/sessions/{id}/start [post]
func (h *Handler) start(c *gin.Context) {
	dto, err := h.svc.StartSession(c.Request.Context(), c.Param("id"), c.GetString(identityKey))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto)
}

// @Summary		End a session
// @Description	Host completes a live session; study time is credited to every participant.
// @Tags			Sessions
// @Param			X-User-ID	header		string			true	"Caller identity"
// @Param			id			path		string			true	"Session ID"
// @Param			body		body		EndSessionBody	false	"Notes and insights"
// @Success		200			{object}	studysession.Summary
// @Failure		403			{object}	ErrorResponse
// @Failure		409			{object}	ErrorResponse
// @Router			/sessions/{id}/end [post]
func (h *Handler) end(c *gin.Context) {
	var body EndSessionBody
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Reason: "invalid_request"})
		return
	}
	sum, err := h.svc.EndSession(c.Request.Context(), c.Param("id"), c.GetString(identityKey), body.Notes, body.Insights)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// @Summary		Cancel a session
// @Description	Host cancels a scheduled or live session. Nobody is credited.
// @Tags			Sessions
// @Param			X-User-ID	header	string	true	"Caller identity"
// @Param			id			path	string	true	"Session ID"
// @Success		202
// @Failure		403	{object}	ErrorResponse
// @Failure		409	{object}	ErrorResponse
// @Router			/sessions/{id}/cancel [post]
func (h *Handler) cancel(c *gin.Context) {
	if err := h.svc.CancelSession(c.Request.Context(), c.Param("id"), c.GetString(identityKey)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// @Summary		Join a session
// @Tags			Sessions
// @Param			X-User-ID	header	string	true	"Caller identity"
// @Param			id			path	string	true	"Session ID"
// @Success		202
// @Failure		403	{object}	ErrorResponse
// @Failure		409	{object}	ErrorResponse
// @Router			/sessions/{id}/join [post]
func (h *Handler) join(c *gin.Context) {
	if err := h.svc.JoinSession(c.Request.Context(), c.Param("id"), c.GetString(identityKey)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// @Summary		Leave a session
// @Description	A participant leaves; the host has to end or cancel instead.
// @Tags			Sessions
// @Param			X-User-ID	header	string	true	"Caller identity"
// @Param			id			path	string	true	"Session ID"
// @Success		202
// @Failure		409	{object}	ErrorResponse
// @Router			/sessions/{id}/leave [post]
func (h *Handler) leave(c *gin.Context) {
	if err := h.svc.LeaveSession(c.Request.Context(), c.Param("id"), c.GetString(identityKey)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// @Summary		Presence overview
// @Description	Online identity count and groups with members in their rooms.
// @Tags			Presence
// @Success		200	{object}	hub.PresenceView
// @Router			/presence [get]
func (h *Handler) presenceInfo(c *gin.Context) {
	c.JSON(http.StatusOK, h.presence.Presence())
}

// @Summary		User presence
// @Tags			Presence
// @Param			id	path		string	true	"User ID"
// @Success		200	{object}	UserPresenceResponse
// @Router			/presence/users/{id} [get]
func (h *Handler) userPresence(c *gin.Context) {
	id := c.Param("id")
	resp := UserPresenceResponse{Identity: id}
	if st, ok := h.presence.LiveStatus(hub.Identity(id)); ok {
		resp.Online = true
		resp.Status = &st
	}
	c.JSON(http.StatusOK, resp)
}

var errorTable = []struct {
	err    error
	status int
	reason string
}{
	{studysession.ErrSessionNotFound, http.StatusNotFound, "not_found"},
	{studysession.ErrNotHost, http.StatusForbidden, "wrong_actor"},
	{studysession.ErrNotGroupMember, http.StatusForbidden, "not_group_member"},
	{studysession.ErrWrongState, http.StatusConflict, "wrong_state"},
	{studysession.ErrSessionFull, http.StatusConflict, "session_full"},
	{studysession.ErrAlreadyParticipant, http.StatusConflict, "already_participant"},
	{studysession.ErrHostCannotLeave, http.StatusConflict, "host_cannot_leave"},
	{studysession.ErrNotParticipant, http.StatusConflict, "not_participant"},
	{studysession.ErrInvalidSchedule, http.StatusBadRequest, "invalid_schedule"},
}

func writeError(c *gin.Context, err error) {
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			c.JSON(e.status, ErrorResponse{Error: err.Error(), Reason: e.reason})
			return
		}
	}
	zap.L().Error("sessionhandler.internal", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
}
