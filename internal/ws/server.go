package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"studyhub/internal/hub"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be < pongWait
	dispatchWait   = 2 * time.Second
	identityHeader = "X-User-ID"
)

// Dispatcher is the coordinator every decoded frame is handed to.
type Dispatcher interface {
	Dispatch(ctx context.Context, ch hub.Channel, ev hub.Event) error
}

type Options struct {
	SendBuffer     int
	ReadLimit      int64
	AllowedOrigins []string
}

type WsServer struct {
	hub      Dispatcher
	router   *Router
	upgrader websocket.Upgrader
	opts     Options
}

func NewWsServer(h Dispatcher, opts Options) *WsServer {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 << 10
	}
	srv := &WsServer{
		hub:    h,
		router: NewEventRouter(),
		opts:   opts,
	}
	srv.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     srv.checkOrigin,
	}
	return srv
}

// ---------------------------------------------------------------------------
//  Public: Gin entry-point
// ---------------------------------------------------------------------------

// Handle upgrades the request and binds the connection to the identity the
// gateway authenticated.
func (s *WsServer) Handle(ginCtx *gin.Context) {
	identity := ginCtx.GetHeader(identityHeader)
	if identity == "" {
		identity = ginCtx.Query("user_id")
	}
	if identity == "" {
		ginCtx.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}

	rawConn, err := s.upgrader.Upgrade(ginCtx.Writer, ginCtx.Request, nil)
	if err != nil {
		zap.L().Warn("ws.accept", zap.Error(err))
		return
	}
	rawConn.SetReadLimit(s.opts.ReadLimit)

	conn := newClientConn(rawConn, s.opts.SendBuffer)
	go conn.writePump()

	cc := &ConnContext{Identity: hub.Identity(identity), Channel: conn.ID()}
	if err := s.dispatch(conn, hub.Connect{Identity: cc.Identity}); err != nil {
		zap.L().Warn("ws.connect", zap.String("identity", identity), zap.Error(err))
		conn.Close()
		return
	}
	go s.reader(cc, conn)
}

// ---------------------------------------------------------------------------
//  Private helpers
// ---------------------------------------------------------------------------

func (s *WsServer) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return slices.ContainsFunc(s.opts.AllowedOrigins, func(allowed string) bool {
		return strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host)
	})
}

func (s *WsServer) dispatch(conn *clientConn, ev hub.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchWait)
	defer cancel()
	return s.hub.Dispatch(ctx, conn, ev)
}

func (s *WsServer) reader(cc *ConnContext, conn *clientConn) {
	defer func() {
		_ = s.dispatch(conn, hub.Disconnect{})
		conn.Close()
	}()

	_ = conn.rawConn.SetReadDeadline(time.Now().Add(pongWait))
	conn.rawConn.SetPongHandler(func(string) error {
		return conn.rawConn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.rawConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				zap.L().Debug("ws.read", zap.String("channel", string(conn.ID())), zap.Error(err))
			}
			return // client closed or errored
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.reject(conn, "", hub.ErrProtocol)
			continue
		}
		ev, err := s.router.decode(cc, env)
		if err == nil {
			if _, ok := ev.(hub.Disconnect); ok {
				return
			}
			err = s.dispatch(conn, ev)
		}
		if err != nil {
			s.reject(conn, env.Event, err)
		}
	}
}

// reject answers a refused frame with an "error" event. The connection stays
// open.
func (s *WsServer) reject(conn *clientConn, event string, err error) {
	if errors.Is(err, hub.ErrProtocol) {
		zap.L().Warn("ws.protocol_violation",
			zap.String("channel", string(conn.ID())),
			zap.String("event", event),
			zap.Error(err))
	}
	_ = conn.Send(hub.Outbound{Event: hub.EvError, Body: ErrorBody{Event: event, Error: err.Error()}})
}
