package radio

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Radio/internal/core"
	"github.com/dkeye/Radio/internal/domain"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const seenEnvelopes = 1024

// Router moves negotiation messages between peer sessions and the relay. It
// owns no sessions; every session change goes through the Coordinator.
type Router struct {
	relay core.Relay
	c     *Coordinator
	// seen drops redeliveries of the same envelope row.
	seen *lru.Cache[int64, struct{}]
}

func newRouter(relay core.Relay, c *Coordinator) *Router {
	seen, err := lru.New[int64, struct{}](seenEnvelopes)
	if err != nil {
		panic(err)
	}
	return &Router{relay: relay, c: c, seen: seen}
}

// Send writes an envelope from the local participant. Delivery is not
// acknowledged.
func (r *Router) Send(ctx context.Context, to domain.ParticipantID, kind domain.EnvelopeKind, payload string) error {
	return r.send(ctx, r.c.identity().epoch, to, kind, payload)
}

// send writes the envelope only while the context captured at epoch is current.
func (r *Router) send(ctx context.Context, epoch uint64, to domain.ParticipantID, kind domain.EnvelopeKind, payload string) error {
	id := r.c.identity()
	if !id.connected {
		return ErrNotConnected
	}
	if id.epoch != epoch {
		return ErrInterrupted
	}
	env := domain.Envelope{
		From:      id.self,
		To:        to,
		Channel:   id.channel,
		Kind:      kind,
		Payload:   payload,
		Timestamp: r.c.opts.Now(),
	}
	if err := r.relay.InsertEnvelope(ctx, env); err != nil {
		log.Warn().Err(err).
			Str("module", "radio.signal").
			Str("peer", string(to)).
			Str("kind", string(kind)).
			Msg("send failed")
		return fmt.Errorf("%w: send %s: %v", ErrRelay, kind, err)
	}
	log.Debug().Str("module", "radio.signal").Str("peer", string(to)).Str("kind", string(kind)).Msg("sent")
	return nil
}

// OnInbound handles one envelope surfaced by the relay. Envelopes from self,
// for someone else, or for another channel have no effect.
func (r *Router) OnInbound(ctx context.Context, env domain.Envelope) {
	id := r.c.identity()
	if !id.connected || env.From == id.self || env.To != id.self || env.Channel != id.channel {
		return
	}
	if env.ID != 0 {
		if dup, _ := r.seen.ContainsOrAdd(env.ID, struct{}{}); dup {
			return
		}
	}

	logger := log.With().
		Str("module", "radio.signal").
		Str("peer", string(env.From)).
		Str("kind", string(env.Kind)).
		Logger()
	logger.Debug().Int64("envelope", env.ID).Msg("inbound")

	switch env.Kind {
	case domain.KindOffer:
		r.handleOffer(ctx, id, env, logger)
	case domain.KindAnswer:
		r.handleAnswer(id, env, logger)
	case domain.KindCandidate:
		r.handleCandidate(id, env, logger)
	default:
		logger.Warn().Msg("dropping envelope of unknown kind")
	}
}

func (r *Router) handleOffer(ctx context.Context, id identity, env domain.Envelope, logger zerolog.Logger) {
	desc, err := decodeDescription(env.Payload, webrtc.SDPTypeOffer)
	if err != nil {
		logger.Warn().Err(err).Msg("dropping offer")
		return
	}

	parked := r.c.clearFailed(env.From)
	s, err := r.c.ensureSession(id.epoch, env.From, r.c.members.Callsign(env.From))
	if err != nil {
		logSessionErr(logger, err)
		return
	}
	s.buffer(parked)

	switch {
	case s.media.SignalingState() == webrtc.SignalingStateHaveLocalOffer:
		// Both sides offered. The larger id yields.
		if id.self < env.From {
			logger.Debug().Msg("offer collision, keeping local offer")
			return
		}
		logger.Debug().Msg("offer collision, yielding")
		if s, err = r.c.renewSession(s); err != nil {
			logSessionErr(logger, err)
			return
		}
	case dead(s.media.ConnectionState()):
		if s, err = r.c.renewSession(s); err != nil {
			logSessionErr(logger, err)
			return
		}
	}

	answer, err := answerOffer(s, desc)
	if errors.Is(err, ErrNegotiation) {
		logger.Warn().Err(err).Msg("offer failed, retrying on a fresh session")
		if s, err = r.c.renewSession(s); err != nil {
			logSessionErr(logger, err)
			return
		}
		answer, err = answerOffer(s, desc)
	}
	if err != nil {
		if errors.Is(err, ErrNegotiation) {
			r.c.dropSession(s, "offer", true)
		}
		logSessionErr(logger, err)
		return
	}

	if !r.c.live(s) {
		logger.Debug().Msg("context changed before answer was sent")
		return
	}
	payload, err := encodeDescription(answer)
	if err != nil {
		logger.Warn().Err(err).Msg("encode answer")
		return
	}
	_ = r.send(ctx, id.epoch, env.From, domain.KindAnswer, payload)
}

func answerOffer(s *peerSession, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := s.setRemote(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := s.media.CreateAnswer()
	if err != nil {
		return answer, fmt.Errorf("%w: create answer: %v", ErrNegotiation, err)
	}
	if err := s.media.SetLocalDescription(answer); err != nil {
		return answer, fmt.Errorf("%w: set local answer: %v", ErrNegotiation, err)
	}
	return answer, nil
}

func (r *Router) handleAnswer(id identity, env domain.Envelope, logger zerolog.Logger) {
	desc, err := decodeDescription(env.Payload, webrtc.SDPTypeAnswer)
	if err != nil {
		logger.Warn().Err(err).Msg("dropping answer")
		return
	}
	s := r.c.lookupSession(env.From)
	if s == nil || s.epoch != id.epoch {
		logger.Debug().Msg("no session awaits this answer")
		return
	}
	if st := s.media.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		logger.Debug().Str("signaling", st.String()).Msg("ignoring unexpected answer")
		return
	}
	if err := s.setRemote(desc); err != nil {
		if errors.Is(err, ErrNegotiation) {
			r.c.dropSession(s, "answer", true)
		}
		logSessionErr(logger, err)
	}
}

func (r *Router) handleCandidate(id identity, env domain.Envelope, logger zerolog.Logger) {
	ci, err := decodeCandidate(env.Payload)
	if err != nil {
		logger.Warn().Err(err).Msg("dropping candidate")
		return
	}
	if ci.Candidate == "" {
		// end of candidates
		return
	}
	if r.c.park(id.epoch, env.From, ci) {
		logger.Debug().Msg("peer excluded, candidate held for its next offer")
		return
	}

	s, err := r.c.ensureSession(id.epoch, env.From, r.c.members.Callsign(env.From))
	if err != nil {
		logSessionErr(logger, err)
		return
	}
	buffered, err := s.addCandidate(ci)
	if err != nil {
		if errors.Is(err, ErrNegotiation) {
			r.c.dropSession(s, "candidate", true)
		}
		logSessionErr(logger, err)
		return
	}
	if buffered {
		logger.Debug().Msg("candidate buffered until remote description")
	}
}

func logSessionErr(logger zerolog.Logger, err error) {
	switch {
	case errors.Is(err, ErrInterrupted), errors.Is(err, errSessionClosed):
		logger.Debug().Err(err).Msg("discarded")
	default:
		logger.Warn().Err(err).Msg("negotiation error")
	}
}
