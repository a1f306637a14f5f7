package radio

import (
	"context"
	"fmt"

	"github.com/dkeye/Radio/internal/core"
	"github.com/dkeye/Radio/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// ensureSession returns the live session for peer, creating one if needed.
// At most one session per peer is ever stored.
func (c *Coordinator) ensureSession(epoch uint64, peer domain.ParticipantID, callsign string) (*peerSession, error) {
	c.mu.Lock()
	if c.epoch != epoch || !c.state.Connected() {
		c.mu.Unlock()
		return nil, ErrInterrupted
	}
	if s, ok := c.sessions[peer]; ok {
		c.mu.Unlock()
		return s, nil
	}
	track := c.track
	c.mu.Unlock()

	s, err := c.newSession(epoch, peer, callsign, track)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.epoch != epoch || !c.state.Connected() {
		c.mu.Unlock()
		s.close()
		return nil, ErrInterrupted
	}
	if existing, ok := c.sessions[peer]; ok {
		c.mu.Unlock()
		s.close()
		return existing, nil
	}
	c.sessions[peer] = s
	c.mu.Unlock()

	log.Debug().Str("module", "radio.coordinator").Str("peer", string(peer)).Msg("session created")
	c.publishStatus()
	return s, nil
}

// replaceSession drops old and creates a fresh session for the same peer.
func (c *Coordinator) replaceSession(old *peerSession) (*peerSession, error) {
	c.dropSession(old, "replaced", false)
	return c.ensureSession(old.epoch, old.peer, old.callsign)
}

// renewSession replaces old for an inbound offer, carrying over the remote
// candidates old was still holding.
func (c *Coordinator) renewSession(old *peerSession) (*peerSession, error) {
	pending := old.takePending()
	s, err := c.replaceSession(old)
	if err != nil {
		return nil, err
	}
	s.buffer(pending)
	return s, nil
}

func (c *Coordinator) newSession(epoch uint64, peer domain.ParticipantID, callsign string, track webrtc.TrackLocal) (*peerSession, error) {
	media, err := c.transport.NewSession(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: new session: %v", ErrNegotiation, err)
	}
	if track != nil {
		if err := media.AttachLocalTrack(track); err != nil {
			_ = media.Close()
			return nil, fmt.Errorf("%w: attach track: %v", ErrNegotiation, err)
		}
	}

	s := newPeerSession(epoch, peer, callsign, media)
	media.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		c.onLocalCandidate(s, ci)
	})
	media.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		switch st {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			c.dropSession(s, "transport "+st.String(), false)
		case webrtc.PeerConnectionStateConnected:
			c.activity(fmt.Sprintf("linked with %s", s.label()))
			c.publishStatus()
		default:
			c.publishStatus()
		}
	})
	media.OnRemoteTrack(func(track *webrtc.TrackRemote) {
		c.onRemoteTrack(s, track)
	})
	return s, nil
}

func (c *Coordinator) onLocalCandidate(s *peerSession, ci webrtc.ICECandidateInit) {
	if !c.live(s) {
		return
	}
	payload, err := encodeCandidate(ci)
	if err != nil {
		log.Warn().Err(err).Str("module", "radio.coordinator").Str("peer", string(s.peer)).Msg("encode candidate")
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, c.opts.SendTimeout)
	defer cancel()
	// Send logs relay failures; a lost candidate only degrades that peer.
	_ = c.router.send(ctx, s.epoch, s.peer, domain.KindCandidate, payload)
}

func (c *Coordinator) onRemoteTrack(s *peerSession, track *webrtc.TrackRemote) {
	logger := log.With().Str("module", "radio.coordinator").Str("peer", string(s.peer)).Logger()
	if c.sinks == nil {
		logger.Debug().Msg("no audio sink configured, ignoring remote track")
		return
	}
	sink, err := s.ensureSink(func() (core.AudioSink, error) {
		return c.sinks(s.peer, s.callsign)
	})
	if err != nil {
		logger.Warn().Err(err).Msg("open audio sink")
		return
	}
	logger.Info().Str("codec", track.Codec().MimeType).Msg("receiving audio")
	c.activity(fmt.Sprintf("receiving %s", s.label()))
	go sink.Play(s.ctx, track)
}

// live reports whether s is still the stored session of the current context.
func (c *Coordinator) live(s *peerSession) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch == s.epoch && c.state.Connected() && c.sessions[s.peer] == s && !s.isClosed()
}

func (c *Coordinator) lookupSession(peer domain.ParticipantID) *peerSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[peer]
}

// dropSession removes s from the session map and releases it. With exclude
// set, the peer is skipped by routing until a new offer involves it.
func (c *Coordinator) dropSession(s *peerSession, reason string, exclude bool) {
	c.mu.Lock()
	removed := false
	if cur, ok := c.sessions[s.peer]; ok && cur == s {
		delete(c.sessions, s.peer)
		removed = true
	}
	if exclude && s.epoch == c.epoch {
		if _, ok := c.failed[s.peer]; !ok {
			c.failed[s.peer] = nil
		}
	}
	c.mu.Unlock()

	s.close()
	if removed {
		log.Info().
			Str("module", "radio.coordinator").
			Str("peer", string(s.peer)).
			Str("reason", reason).
			Bool("excluded", exclude).
			Msg("session torn down")
		c.publishStatus()
	}
}

// teardown closes sessions already detached from the coordinator.
func (c *Coordinator) teardown(sessions map[domain.ParticipantID]*peerSession, reason string) {
	for _, s := range sessions {
		s.close()
	}
	if len(sessions) > 0 {
		log.Info().
			Str("module", "radio.coordinator").
			Int("sessions", len(sessions)).
			Str("reason", reason).
			Msg("sessions torn down")
	}
}

// clearFailed lifts the exclusion of peer and returns the candidates it sent
// while excluded.
func (c *Coordinator) clearFailed(peer domain.ParticipantID) []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	parked := c.failed[peer]
	delete(c.failed, peer)
	return parked
}

// park keeps a candidate of an excluded peer for its next offer. Reports
// false when peer is not excluded.
func (c *Coordinator) park(epoch uint64, peer domain.ParticipantID, ci webrtc.ICECandidateInit) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	parked, ok := c.failed[peer]
	if !ok || c.epoch != epoch {
		return false
	}
	if len(parked) < maxParkedCandidates {
		c.failed[peer] = append(parked, ci)
	}
	return true
}
