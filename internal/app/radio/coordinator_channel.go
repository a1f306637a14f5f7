package radio

import (
	"context"
	"fmt"

	"github.com/dkeye/Radio/internal/core"
	"github.com/dkeye/Radio/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// ChangeChannel moves the local participant to channel. Every peer session is
// released before the row is updated; an active transmission ends.
func (c *Coordinator) ChangeChannel(ctx context.Context, channel domain.ChannelIndex) error {
	ch, err := domain.LookupChannel(channel)
	if err != nil {
		return err
	}

	c.rowMu.Lock()
	defer c.rowMu.Unlock()

	c.mu.Lock()
	if !c.state.Connected() {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.self.Channel == channel {
		c.mu.Unlock()
		return nil
	}
	from := c.self.Channel
	wasTransmitting := c.state == StateTransmitting
	c.epoch++
	c.state = StateIdle
	c.self.Channel = channel
	c.self.Transmitting = false
	self := c.self
	old := c.sessions
	c.sessions = make(map[domain.ParticipantID]*peerSession)
	c.failed = make(map[domain.ParticipantID][]webrtc.ICECandidateInit)
	c.mu.Unlock()

	if wasTransmitting {
		c.capture.SetLive(false)
	}
	c.teardown(old, "channel change")
	c.members.Reset(self.ID, channel)

	logger := log.With().Str("module", "radio.coordinator").Str("participant", string(self.ID)).Logger()
	off := false
	err = c.relay.UpdateParticipant(ctx, self.ID, core.ParticipantPatch{
		Channel:      &channel,
		Transmitting: &off,
		LastSeen:     c.opts.Now(),
	})
	if err != nil {
		// The next heartbeat rewrites the whole row.
		logger.Warn().Err(err).Int("channel", int(channel)).Msg("channel update failed")
		c.publishStatus()
		return fmt.Errorf("%w: update channel: %v", ErrRelay, err)
	}
	logger.Info().Int("from", int(from)).Int("to", int(channel)).Str("name", ch.Name).Msg("channel changed")

	if err := c.members.Refresh(ctx); err != nil {
		logger.Warn().Err(err).Msg("membership refresh after channel change")
	}
	c.announce(ctx, self)
	c.publishStatus()
	c.publishMembers()
	return nil
}
