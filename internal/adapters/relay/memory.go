package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Radio/internal/core"
	"github.com/dkeye/Radio/internal/domain"
)

// Memory is a process-local relay. Nodes sharing one Memory see each other;
// nothing survives a restart.
type Memory struct {
	hub *hub

	mu           sync.RWMutex
	closed       bool
	participants map[domain.ParticipantID]domain.Participant
	envelopes    []domain.Envelope
	messages     []domain.Message
	seq          int64
}

func NewMemory() *Memory {
	return &Memory{
		hub:          newHub(),
		participants: make(map[domain.ParticipantID]domain.Participant),
	}
}

func (m *Memory) UpsertParticipant(_ context.Context, p domain.Participant) (domain.Participant, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return p, core.ErrRelayClosed
	}
	_, existed := m.participants[p.ID]
	m.participants[p.ID] = p
	m.mu.Unlock()

	kind := core.EventInsert
	if existed {
		kind = core.EventUpdate
	}
	m.hub.publish(core.Event{Table: core.TableParticipants, Kind: kind, Participant: &p})
	return p, nil
}

func (m *Memory) UpdateParticipant(_ context.Context, id domain.ParticipantID, patch core.ParticipantPatch) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return core.ErrRelayClosed
	}
	p, ok := m.participants[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: participant %s", ErrNotFound, id)
	}
	patch.Apply(&p)
	m.participants[id] = p
	m.mu.Unlock()

	m.hub.publish(core.Event{Table: core.TableParticipants, Kind: core.EventUpdate, Participant: &p})
	return nil
}

func (m *Memory) QueryParticipants(_ context.Context, f core.ParticipantFilter) ([]domain.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, core.ErrRelayClosed
	}
	out := make([]domain.Participant, 0, len(m.participants))
	for _, p := range m.participants {
		if f.Match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Callsign != out[j].Callsign {
			return out[i].Callsign < out[j].Callsign
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) InsertEnvelope(_ context.Context, env domain.Envelope) error {
	if err := checkEnvelope(env); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return core.ErrRelayClosed
	}
	m.seq++
	env.ID = m.seq
	m.envelopes = append(m.envelopes, env)
	m.mu.Unlock()

	m.hub.publish(core.Event{Table: core.TableEnvelopes, Kind: core.EventInsert, Envelope: &env})
	return nil
}

func (m *Memory) PurgeEnvelopes(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, core.ErrRelayClosed
	}
	kept := m.envelopes[:0]
	for _, env := range m.envelopes {
		if !env.Timestamp.Before(olderThan) {
			kept = append(kept, env)
		}
	}
	n := int64(len(m.envelopes) - len(kept))
	m.envelopes = kept
	return n, nil
}

func (m *Memory) InsertMessage(_ context.Context, msg domain.Message) error {
	if err := checkMessage(msg); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return core.ErrRelayClosed
	}
	m.seq++
	msg.ID = m.seq
	m.messages = append(m.messages, msg)
	m.mu.Unlock()

	m.hub.publish(core.Event{Table: core.TableMessages, Kind: core.EventInsert, Message: &msg})
	return nil
}

func (m *Memory) QueryMessages(_ context.Context, channel domain.ChannelIndex, limit int) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, core.ErrRelayClosed
	}
	var out []domain.Message
	for i := len(m.messages) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.messages[i].Channel == channel {
			out = append(out, m.messages[i])
		}
	}
	reverse(out)
	return out, nil
}

func (m *Memory) Subscribe(table core.Table, mask core.EventKind, fn func(core.Event)) (core.Subscription, error) {
	return m.hub.subscribe(table, mask, fn)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.hub.close()
	return nil
}

func reverse(msgs []domain.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
