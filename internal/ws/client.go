package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"studyhub/internal/hub"
)

// clientConn is one websocket connection as the hub sees it. Every frame is
// written by writePump, so the socket has a single writer and Send only
// enqueues.
type clientConn struct {
	id      hub.ChannelID
	rawConn *websocket.Conn
	send    chan hub.Outbound
	done    chan struct{}
	once    sync.Once
}

var _ hub.Channel = (*clientConn)(nil)

func newClientConn(raw *websocket.Conn, buffer int) *clientConn {
	return &clientConn{
		id:      hub.ChannelID(uuid.NewString()),
		rawConn: raw,
		send:    make(chan hub.Outbound, buffer),
		done:    make(chan struct{}),
	}
}

func (c *clientConn) ID() hub.ChannelID { return c.id }

func (c *clientConn) Send(ev hub.Outbound) error {
	select {
	case <-c.done:
		return hub.ErrChannelClosed
	default:
	}
	select {
	case c.send <- ev:
		return nil
	default:
		return hub.ErrBackpressure
	}
}

// Close stops the writer and drops the socket; the reader then fails and
// reports the disconnect. It does not wait for the peer, since the hub may
// call it with its lock held. Safe to call more than once.
func (c *clientConn) Close() {
	c.once.Do(func() {
		close(c.done)
		go func() {
			_ = c.rawConn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = c.rawConn.Close()
		}()
	})
}

func (c *clientConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			_ = c.rawConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.rawConn.WriteJSON(ev); err != nil {
				zap.L().Debug("ws.write", zap.String("channel", string(c.id)), zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.rawConn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		}
	}
}
