package hub

// Presence returns the current online count and live groups.
func (h *Hub) Presence() PresenceView {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.presenceLocked()
}

func (h *Hub) presenceLocked() PresenceView {
	return PresenceView{
		OnlineCount: h.conns.count(),
		LiveGroups:  h.rooms.groupActivity(),
	}
}

// broadcastPresenceLocked pushes the presence view to every connected
// channel. Delivery is best effort; a full queue just misses this update.
func (h *Hub) broadcastPresenceLocked() {
	view := h.presenceLocked()
	count := Outbound{Event: EvUserCountUpdate, Body: CountBody{Count: view.OnlineCount}}
	groups := Outbound{Event: EvLiveGroupsUpdate, Body: LiveGroupsBody{Groups: view.LiveGroups}}
	for _, ch := range h.conns.all() {
		h.deliver(ch, count)
		h.deliver(ch, groups)
	}
	metricOnline.Set(float64(view.OnlineCount))
	if h.mirror != nil {
		h.mirror.MirrorPresence(view)
	}
}
