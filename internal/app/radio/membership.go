package radio

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Radio/internal/core"
	"github.com/dkeye/Radio/internal/domain"
	"github.com/rs/zerolog/log"
)

// Membership tracks who else is on the active channel. It only observes; the
// Coordinator decides what happens to sessions of evicted peers.
type Membership struct {
	relay  core.Relay
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	active  bool
	gen     uint64
	self    domain.ParticipantID
	channel domain.ChannelIndex
	members map[domain.ParticipantID]domain.Participant
	// absent records when a peer was first seen missing from membership.
	absent map[domain.ParticipantID]time.Time
}

func NewMembership(relay core.Relay, window time.Duration, now func() time.Time) *Membership {
	if now == nil {
		now = time.Now
	}
	return &Membership{
		relay:   relay,
		window:  window,
		now:     now,
		members: make(map[domain.ParticipantID]domain.Participant),
		absent:  make(map[domain.ParticipantID]time.Time),
	}
}

// Reset starts tracking a channel from scratch. In-flight refreshes for the
// previous channel are discarded.
func (m *Membership) Reset(self domain.ParticipantID, channel domain.ChannelIndex) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.active = true
	m.self = self
	m.channel = channel
	m.members = make(map[domain.ParticipantID]domain.Participant)
	m.absent = make(map[domain.ParticipantID]time.Time)
}

// Clear stops tracking.
func (m *Membership) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.active = false
	m.self = ""
	m.members = make(map[domain.ParticipantID]domain.Participant)
	m.absent = make(map[domain.ParticipantID]time.Time)
}

// Refresh replaces the snapshot with the present rows of the channel.
func (m *Membership) Refresh(ctx context.Context) error {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return nil
	}
	gen, self, channel := m.gen, m.self, m.channel
	m.mu.Unlock()

	now := m.now()
	rows, err := m.relay.QueryParticipants(ctx, core.ParticipantFilter{
		Channel:    &channel,
		OnlineOnly: true,
		SeenSince:  now.Add(-m.window),
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		log.Debug().Str("module", "radio.members").Msg("discarding refresh for previous channel")
		return nil
	}

	next := make(map[domain.ParticipantID]domain.Participant, len(rows))
	for _, p := range rows {
		// The store filter is advisory; staleness is judged on the local clock.
		if p.ID == self || p.Channel != channel || !p.Present(now, m.window) {
			continue
		}
		next[p.ID] = p
	}
	for id := range m.members {
		if _, ok := next[id]; !ok {
			m.markAbsentLocked(id, now)
		}
	}
	for id := range next {
		delete(m.absent, id)
	}
	m.members = next
	return nil
}

// OnParticipantChanged applies one pushed row change. Reports whether the
// membership changed.
func (m *Membership) OnParticipantChanged(p domain.Participant, kind core.EventKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active || p.ID == m.self {
		return false
	}
	now := m.now()
	if kind == core.EventDelete || p.Channel != m.channel || !p.Present(now, m.window) {
		if _, ok := m.members[p.ID]; !ok {
			return false
		}
		delete(m.members, p.ID)
		m.markAbsentLocked(p.ID, now)
		return true
	}
	m.members[p.ID] = p
	delete(m.absent, p.ID)
	return true
}

// Sweep returns the tracked peers that have been missing from membership for
// longer than one staleness window.
func (m *Membership) Sweep(tracked []domain.ParticipantID) []domain.ParticipantID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return nil
	}
	now := m.now()
	var evicted []domain.ParticipantID
	seen := make(map[domain.ParticipantID]struct{}, len(tracked))
	for _, id := range tracked {
		seen[id] = struct{}{}
		if _, ok := m.members[id]; ok {
			delete(m.absent, id)
			continue
		}
		since := m.markAbsentLocked(id, now)
		if now.Sub(since) > m.window {
			evicted = append(evicted, id)
			delete(m.absent, id)
		}
	}
	for id, since := range m.absent {
		if _, ok := seen[id]; !ok && now.Sub(since) > m.window {
			delete(m.absent, id)
		}
	}
	return evicted
}

func (m *Membership) markAbsentLocked(id domain.ParticipantID, now time.Time) time.Time {
	since, ok := m.absent[id]
	if !ok {
		m.absent[id] = now
		return now
	}
	return since
}

// Snapshot returns the current members ordered by callsign.
func (m *Membership) Snapshot() []domain.Participant {
	m.mu.Lock()
	out := make([]domain.Participant, 0, len(m.members))
	for _, p := range m.members {
		out = append(out, p)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Callsign != out[j].Callsign {
			return out[i].Callsign < out[j].Callsign
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Membership) Has(id domain.ParticipantID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.members[id]
	return ok
}

func (m *Membership) Callsign(id domain.ParticipantID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[id].Callsign
}
