package hub

import "errors"

var (
	ErrBackpressure  = errors.New("channel send queue full")
	ErrChannelClosed = errors.New("channel closed")
)

// Outbound is a single server -> client event.
type Outbound struct {
	Event string `json:"event"`
	Body  any    `json:"body,omitempty"`
}

// Channel is a live, addressable client connection.
//
// Send must not block: implementations enqueue onto a per-channel writer and
// return ErrBackpressure when the queue is full. The hub calls Send while
// holding its lock, which is what keeps deliveries to one channel in the
// order they were produced.
type Channel interface {
	ID() ChannelID
	Send(ev Outbound) error
	Close()
}

type BackpressureAction int

const (
	DropEvent BackpressureAction = iota
	KickChannel
)

// Policy decides what happens to a channel whose send queue is full.
type Policy interface {
	OnBackpressure(ch Channel, ev Outbound) BackpressureAction
}

// SignalingPolicy kicks channels that fall behind on negotiation traffic
// and drops everything else. A missing offer or candidate leaves the peer
// connection in a state the client cannot recover from without reconnecting.
type SignalingPolicy struct{}

func (SignalingPolicy) OnBackpressure(_ Channel, ev Outbound) BackpressureAction {
	if IsSignalKind(ev.Event) {
		return KickChannel
	}
	return DropEvent
}
