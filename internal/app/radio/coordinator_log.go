package radio

import (
	"context"
	"fmt"

	"github.com/dkeye/Radio/internal/domain"
	"github.com/rs/zerolog/log"
)

// announce posts the join notice for p to its channel log. Best effort.
func (c *Coordinator) announce(ctx context.Context, p domain.Participant) {
	ch, err := domain.LookupChannel(p.Channel)
	if err != nil {
		return
	}
	m := domain.Message{
		Callsign:  domain.SystemCallsign,
		Channel:   p.Channel,
		Body:      fmt.Sprintf("%s joined channel %s", p.Callsign, ch.Name),
		Type:      domain.MessageSystem,
		Timestamp: c.opts.Now(),
	}
	if err := c.relay.InsertMessage(ctx, m); err != nil {
		log.Warn().Err(err).Str("module", "radio.coordinator").Msg("join notice")
	}
}

// SendText posts a text entry to the current channel log.
func (c *Coordinator) SendText(ctx context.Context, body string) (domain.Message, error) {
	body, err := domain.NormalizeMessageBody(body)
	if err != nil {
		return domain.Message{}, err
	}
	id := c.identity()
	if !id.connected {
		return domain.Message{}, ErrNotConnected
	}
	m := domain.Message{
		Callsign:  id.callsign,
		Channel:   id.channel,
		Body:      body,
		Type:      domain.MessageText,
		Timestamp: c.opts.Now(),
	}
	if err := c.relay.InsertMessage(ctx, m); err != nil {
		return domain.Message{}, fmt.Errorf("%w: insert message: %v", ErrRelay, err)
	}
	return m, nil
}

// Messages returns the most recent log entries of the current channel, oldest
// first.
func (c *Coordinator) Messages(ctx context.Context) ([]domain.Message, error) {
	id := c.identity()
	if !id.connected {
		return nil, ErrNotConnected
	}
	msgs, err := c.relay.QueryMessages(ctx, id.channel, c.opts.MessageHistory)
	if err != nil {
		return nil, fmt.Errorf("%w: query messages: %v", ErrRelay, err)
	}
	return msgs, nil
}

func (c *Coordinator) onMessage(m domain.Message) {
	id := c.identity()
	if !id.connected || m.Channel != id.channel {
		return
	}
	c.bus.publish(Event{Type: EventMessage, Message: &m, At: c.opts.Now()})
}
