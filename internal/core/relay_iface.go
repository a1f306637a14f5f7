package core

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Radio/internal/domain"
)

var ErrRelayClosed = errors.New("relay closed")

type Table string

const (
	TableParticipants Table = "participants"
	TableEnvelopes    Table = "signaling_envelopes"
	TableMessages     Table = "radio_messages"
)

// EventKind is a bitmask of row events.
type EventKind uint8

const (
	EventInsert EventKind = 1 << iota
	EventUpdate
	EventDelete

	EventAll = EventInsert | EventUpdate | EventDelete
)

// Event is one row change. Exactly one of the row pointers is set, matching Table.
type Event struct {
	Table       Table
	Kind        EventKind
	Participant *domain.Participant
	Envelope    *domain.Envelope
	Message     *domain.Message
}

type ParticipantFilter struct {
	Channel    *domain.ChannelIndex
	OnlineOnly bool
	SeenSince  time.Time
	Limit      int
}

// ParticipantPatch updates only the non-nil fields. LastSeen is always written
// when non-zero.
type ParticipantPatch struct {
	Channel        *domain.ChannelIndex
	Transmitting   *bool
	Online         *bool
	SignalStrength *int
	LastSeen       time.Time
}

type Subscription interface {
	Unsubscribe()
}

// Relay is a row store with row-level change notification. Callbacks run
// asynchronously, in order per subscription; delivery is at-least-once.
type Relay interface {
	UpsertParticipant(ctx context.Context, p domain.Participant) (domain.Participant, error)
	UpdateParticipant(ctx context.Context, id domain.ParticipantID, patch ParticipantPatch) error
	QueryParticipants(ctx context.Context, f ParticipantFilter) ([]domain.Participant, error)

	InsertEnvelope(ctx context.Context, env domain.Envelope) error
	PurgeEnvelopes(ctx context.Context, olderThan time.Time) (int64, error)

	InsertMessage(ctx context.Context, m domain.Message) error
	QueryMessages(ctx context.Context, channel domain.ChannelIndex, limit int) ([]domain.Message, error)

	Subscribe(table Table, mask EventKind, fn func(Event)) (Subscription, error)
	Close() error
}

// Apply merges the patch into p. Shared by relay implementations.
func (patch ParticipantPatch) Apply(p *domain.Participant) {
	if patch.Channel != nil {
		p.Channel = *patch.Channel
	}
	if patch.Transmitting != nil {
		p.Transmitting = *patch.Transmitting
	}
	if patch.Online != nil {
		p.Online = *patch.Online
	}
	if patch.SignalStrength != nil {
		p.SignalStrength = *patch.SignalStrength
	}
	if !patch.LastSeen.IsZero() {
		p.LastSeen = patch.LastSeen
	}
}

// Match reports whether p passes the filter.
func (f ParticipantFilter) Match(p domain.Participant) bool {
	if f.Channel != nil && p.Channel != *f.Channel {
		return false
	}
	if f.OnlineOnly && !p.Online {
		return false
	}
	if !f.SeenSince.IsZero() && p.LastSeen.Before(f.SeenSince) {
		return false
	}
	return true
}
