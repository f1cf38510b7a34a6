package ws

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"studyhub/internal/hub"
)

// ConnContext is what a decoder knows about the connection a frame came from.
type ConnContext struct {
	Identity hub.Identity
	Channel  hub.ChannelID
}

// internal (untyped) decoder signature.
type rawDecoder func(c *ConnContext, body json.RawMessage) (hub.Event, error)

// Router maps wire event names to hub events.
type Router struct {
	mu       sync.RWMutex
	decoders map[string]rawDecoder
	validate *validator.Validate
}

func NewRouter() *Router {
	return &Router{decoders: make(map[string]rawDecoder), validate: validator.New()}
}

// Register binds an event name to a strongly-typed request and the hub event
// it becomes.
func Register[Req any](r *Router, event string, build func(c *ConnContext, req Req) (hub.Event, error)) {
	if event == "" {
		panic("ws router: empty event")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.decoders[event] = func(c *ConnContext, body json.RawMessage) (hub.Event, error) {
		var req Req
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", hub.ErrProtocol, event, err)
			}
		}
		if err := r.validate.Struct(req); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", hub.ErrProtocol, event, err)
		}
		return build(c, req)
	}
}

// decode is called by the server's reader loop.
func (r *Router) decode(c *ConnContext, env Envelope) (hub.Event, error) {
	r.mu.RLock()
	d, ok := r.decoders[env.Event]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown event %q", hub.ErrProtocol, env.Event)
	}
	return d(c, env.Body)
}

// NewEventRouter knows every inbound client event.
func NewEventRouter() *Router {
	r := NewRouter()

	Register(r, "connect", func(c *ConnContext, _ EmptyRequest) (hub.Event, error) {
		return hub.Connect{Identity: c.Identity}, nil
	})
	Register(r, "disconnect", func(*ConnContext, EmptyRequest) (hub.Event, error) {
		return hub.Disconnect{}, nil
	})
	Register(r, "join-room", func(_ *ConnContext, req RoomRequest) (hub.Event, error) {
		room, err := req.room()
		if err != nil {
			return nil, err
		}
		return hub.JoinRoom{Room: room}, nil
	})
	Register(r, "leave-room", func(_ *ConnContext, req RoomRequest) (hub.Event, error) {
		room, err := req.room()
		if err != nil {
			return nil, err
		}
		return hub.LeaveRoom{Room: room}, nil
	})
	Register(r, "join-session", func(_ *ConnContext, req SessionRequest) (hub.Event, error) {
		return hub.JoinSession{
			Session:      hub.SessionID(req.SessionID),
			MicEnabled:   boolOr(req.MicEnabled, true),
			VideoEnabled: boolOr(req.VideoEnabled, true),
		}, nil
	})
	Register(r, "leave-session", func(_ *ConnContext, req SessionRequest) (hub.Event, error) {
		return hub.LeaveSession{Session: hub.SessionID(req.SessionID)}, nil
	})
	for _, kind := range []string{hub.SignalOffer, hub.SignalAnswer, hub.SignalCandidate} {
		Register(r, kind, func(_ *ConnContext, req SignalRequest) (hub.Event, error) {
			return hub.Signal{Kind: kind, To: hub.ChannelID(req.To), Payload: req.Payload}, nil
		})
	}
	Register(r, "status-change", func(_ *ConnContext, req StatusRequest) (hub.Event, error) {
		return hub.StatusChange{MicEnabled: req.MicEnabled, VideoEnabled: req.VideoEnabled}, nil
	})
	Register(r, hub.EvSessionMessage, func(_ *ConnContext, req MessageRequest) (hub.Event, error) {
		room, err := hub.ParseRoom(req.Room)
		if err != nil {
			return nil, err
		}
		return hub.SessionMessage{Room: room, Body: req.Body}, nil
	})
	return r
}

func (req RoomRequest) room() (hub.RoomName, error) {
	if req.Room == "" {
		return hub.GroupRoom(req.GroupID), nil
	}
	return hub.ParseRoom(req.Room)
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
