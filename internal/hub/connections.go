package hub

// connRegistry maps identities to their current channel and back.
// Not safe for concurrent use; the Hub lock guards it.
type connRegistry struct {
	byIdentity map[Identity]Channel
	byChannel  map[ChannelID]Identity
	channels   map[ChannelID]Channel
}

func newConnRegistry() connRegistry {
	return connRegistry{
		byIdentity: make(map[Identity]Channel),
		byChannel:  make(map[ChannelID]Identity),
		channels:   make(map[ChannelID]Channel),
	}
}

// register binds identity to ch. A previous channel of the same identity is
// detached and returned so the caller can clean up after it; it is not closed.
func (r *connRegistry) register(id Identity, ch Channel) (stale Channel) {
	if prev, ok := r.byIdentity[id]; ok && prev.ID() != ch.ID() {
		stale = prev
		delete(r.byChannel, prev.ID())
		delete(r.channels, prev.ID())
	}
	r.byIdentity[id] = ch
	r.byChannel[ch.ID()] = id
	r.channels[ch.ID()] = ch
	return stale
}

// unregister removes ch in both directions. It is a no-op for unknown or
// already detached channels.
func (r *connRegistry) unregister(chID ChannelID) (Identity, bool) {
	id, ok := r.byChannel[chID]
	if !ok {
		return "", false
	}
	delete(r.byChannel, chID)
	delete(r.channels, chID)
	if cur, ok := r.byIdentity[id]; ok && cur.ID() == chID {
		delete(r.byIdentity, id)
	}
	return id, true
}

func (r *connRegistry) channelOf(id Identity) (Channel, bool) {
	ch, ok := r.byIdentity[id]
	return ch, ok
}

func (r *connRegistry) identityOf(chID ChannelID) (Identity, bool) {
	id, ok := r.byChannel[chID]
	return id, ok
}

func (r *connRegistry) channel(chID ChannelID) (Channel, bool) {
	ch, ok := r.channels[chID]
	return ch, ok
}

func (r *connRegistry) count() int { return len(r.byIdentity) }

func (r *connRegistry) all() []Channel {
	out := make([]Channel, 0, len(r.byIdentity))
	for _, ch := range r.byIdentity {
		out = append(out, ch)
	}
	return out
}
