package hub

import (
	"sort"
	"time"
)

// participantRegistry holds one descriptor per (session, identity).
// Left descriptors stay until the identity rejoins or the session closes.
type participantRegistry struct {
	sessions map[SessionID]map[Identity]*Participant
}

func newParticipantRegistry() participantRegistry {
	return participantRegistry{sessions: make(map[SessionID]map[Identity]*Participant)}
}

// join records identity on chID and returns the other active participants
// as they were immediately before the join.
func (r *participantRegistry) join(sid SessionID, id Identity, chID ChannelID, mic, video bool, now time.Time) []Participant {
	ps, ok := r.sessions[sid]
	if !ok {
		ps = make(map[Identity]*Participant)
		r.sessions[sid] = ps
	}

	existing := make([]Participant, 0, len(ps))
	for other, p := range ps {
		if other == id || !p.Active() {
			continue
		}
		existing = append(existing, p.clone())
	}
	sortParticipants(existing)

	ps[id] = &Participant{
		Identity:     id,
		Channel:      chID,
		JoinedAt:     now,
		MicEnabled:   mic,
		VideoEnabled: video,
	}
	return existing
}

// leave marks the active descriptor bound to chID as left.
func (r *participantRegistry) leave(sid SessionID, chID ChannelID, now time.Time) (Identity, bool) {
	for id, p := range r.sessions[sid] {
		if p.Channel == chID && p.Active() {
			t := now
			p.LeftAt = &t
			return id, true
		}
	}
	return "", false
}

func (r *participantRegistry) leaveIdentity(sid SessionID, id Identity, now time.Time) (ChannelID, bool) {
	p, ok := r.sessions[sid][id]
	if !ok || !p.Active() {
		return "", false
	}
	t := now
	p.LeftAt = &t
	return p.Channel, true
}

func (r *participantRegistry) updateStatus(sid SessionID, id Identity, mic, video bool) bool {
	p, ok := r.sessions[sid][id]
	if !ok || !p.Active() {
		return false
	}
	p.MicEnabled = mic
	p.VideoEnabled = video
	return true
}

// sessionsOf lists the sessions where chID holds an active descriptor.
func (r *participantRegistry) sessionsOf(chID ChannelID) []SessionID {
	var out []SessionID
	for sid, ps := range r.sessions {
		for _, p := range ps {
			if p.Channel == chID && p.Active() {
				out = append(out, sid)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *participantRegistry) snapshot(sid SessionID) []Participant {
	ps := r.sessions[sid]
	out := make([]Participant, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.clone())
	}
	sortParticipants(out)
	return out
}

func (r *participantRegistry) active(sid SessionID) []Participant {
	ps := r.sessions[sid]
	out := make([]Participant, 0, len(ps))
	for _, p := range ps {
		if p.Active() {
			out = append(out, p.clone())
		}
	}
	sortParticipants(out)
	return out
}

func (r *participantRegistry) forget(sid SessionID) { delete(r.sessions, sid) }

func sortParticipants(ps []Participant) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].JoinedAt.Before(ps[j].JoinedAt)
		}
		return ps[i].Identity < ps[j].Identity
	})
}
