package radio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dkeye/Radio/internal/core"
	"github.com/dkeye/Radio/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

// FanoutResult reports which peers were sent an offer by StartTransmit.
type FanoutResult struct {
	Offered []domain.ParticipantID         `json:"offered"`
	Failed  map[domain.ParticipantID]error `json:"-"`
}

// StartTransmit opens the microphone and offers to every present peer on the
// channel. A failing peer is skipped; the transition to transmitting stands.
func (c *Coordinator) StartTransmit(ctx context.Context) (FanoutResult, error) {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
	case StateTransmitting:
		c.mu.Unlock()
		return FanoutResult{}, ErrNotIdle
	default:
		c.mu.Unlock()
		return FanoutResult{}, ErrNotConnected
	}
	c.state = StateTransmitting
	c.self.Transmitting = true
	self, epoch := c.self, c.epoch
	c.mu.Unlock()

	logger := log.With().Str("module", "radio.coordinator").Str("participant", string(self.ID)).Logger()

	on := true
	if err := c.updateRow(ctx, epoch, core.ParticipantPatch{Transmitting: &on, LastSeen: c.opts.Now()}); err != nil {
		logger.Warn().Err(err).Msg("transmit flag update failed")
	}
	c.capture.SetLive(true)
	c.publishStatus()

	res := c.fanout(ctx, epoch, c.members.Snapshot())
	logger.Info().
		Int("offered", len(res.Offered)).
		Int("failed", len(res.Failed)).
		Msg("transmitting")
	return res, nil
}

func (c *Coordinator) fanout(ctx context.Context, epoch uint64, targets []domain.Participant) FanoutResult {
	res := FanoutResult{Failed: make(map[domain.ParticipantID]error)}
	var mu sync.Mutex

	p := pool.New().WithMaxGoroutines(c.opts.FanoutLimit)
	for _, target := range targets {
		p.Go(func() {
			err := c.offer(ctx, epoch, target.ID, target.Callsign)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed[target.ID] = err
				return
			}
			res.Offered = append(res.Offered, target.ID)
		})
	}
	p.Wait()

	for id, err := range res.Failed {
		log.Warn().Err(err).Str("module", "radio.coordinator").Str("peer", string(id)).Msg("offer skipped")
	}
	sort.Slice(res.Offered, func(i, j int) bool { return res.Offered[i] < res.Offered[j] })
	return res
}

// offer negotiates towards one peer. Errors are confined to that peer.
func (c *Coordinator) offer(ctx context.Context, epoch uint64, peer domain.ParticipantID, callsign string) error {
	c.clearFailed(peer)
	s, err := c.ensureSession(epoch, peer, callsign)
	if err != nil {
		return err
	}
	if s.media.SignalingState() != webrtc.SignalingStateStable || dead(s.media.ConnectionState()) {
		if s, err = c.replaceSession(s); err != nil {
			return err
		}
	}

	desc, err := s.media.CreateOffer()
	if err != nil {
		c.dropSession(s, "create offer", true)
		return fmt.Errorf("%w: create offer: %v", ErrNegotiation, err)
	}
	if err := s.media.SetLocalDescription(desc); err != nil {
		c.dropSession(s, "apply offer", true)
		return fmt.Errorf("%w: set local offer: %v", ErrNegotiation, err)
	}
	if !c.live(s) {
		return ErrInterrupted
	}
	payload, err := encodeDescription(desc)
	if err != nil {
		return err
	}
	return c.router.send(ctx, epoch, peer, domain.KindOffer, payload)
}

func dead(st webrtc.PeerConnectionState) bool {
	return st == webrtc.PeerConnectionStateFailed || st == webrtc.PeerConnectionStateClosed
}

// StopTransmit closes the microphone. Sessions stay up for the next push.
func (c *Coordinator) StopTransmit(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateTransmitting {
		c.mu.Unlock()
		if !c.state.Connected() {
			return ErrNotConnected
		}
		return ErrNotTransmitting
	}
	c.state = StateIdle
	c.self.Transmitting = false
	epoch := c.epoch
	c.mu.Unlock()

	c.capture.SetLive(false)
	c.publishStatus()

	off := false
	if err := c.updateRow(ctx, epoch, core.ParticipantPatch{Transmitting: &off, LastSeen: c.opts.Now()}); err != nil {
		log.Warn().Err(err).Str("module", "radio.coordinator").Msg("transmit flag update failed")
		return err
	}
	return nil
}

// updateRow patches the local row unless the context changed meanwhile.
func (c *Coordinator) updateRow(ctx context.Context, epoch uint64, patch core.ParticipantPatch) error {
	c.rowMu.Lock()
	defer c.rowMu.Unlock()

	c.mu.Lock()
	if c.epoch != epoch || !c.state.Connected() {
		c.mu.Unlock()
		return ErrInterrupted
	}
	id := c.self.ID
	c.mu.Unlock()

	if err := c.relay.UpdateParticipant(ctx, id, patch); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: update participant: %v", ErrRelay, err)
	}
	return nil
}
