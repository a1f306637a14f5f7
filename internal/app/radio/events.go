package radio

import (
	"sync"
	"time"

	"github.com/dkeye/Radio/internal/domain"
)

type EventType string

const (
	EventStatus   EventType = "status"
	EventMembers  EventType = "members"
	EventMessage  EventType = "message"
	EventActivity EventType = "activity"
)

// Event is pushed to UI listeners.
type Event struct {
	Type     EventType            `json:"type"`
	Status   *Status              `json:"status,omitempty"`
	Members  []domain.Participant `json:"members,omitempty"`
	Message  *domain.Message      `json:"message,omitempty"`
	Activity string               `json:"activity,omitempty"`
	At       time.Time            `json:"at"`
}

type PeerInfo struct {
	ID       domain.ParticipantID `json:"id"`
	Callsign string               `json:"callsign"`
	State    string               `json:"state"`
}

type Status struct {
	State         string               `json:"state"`
	ParticipantID domain.ParticipantID `json:"participant_id,omitempty"`
	Callsign      string               `json:"callsign,omitempty"`
	Channel       domain.ChannelIndex  `json:"channel"`
	ChannelName   string               `json:"channel_name,omitempty"`
	Transmitting  bool                 `json:"transmitting"`
	Peers         []PeerInfo           `json:"peers"`
}

// eventBus fans events out to listeners. Slow listeners lose events.
type eventBus struct {
	mu        sync.RWMutex
	listeners map[chan Event]struct{}
}

func newEventBus() *eventBus {
	return &eventBus{listeners: make(map[chan Event]struct{})}
}

func (b *eventBus) subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 64)

	b.mu.Lock()
	b.listeners[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.listeners[ch]; ok {
			delete(b.listeners, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *eventBus) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}
