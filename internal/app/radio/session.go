package radio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Radio/internal/core"
	"github.com/dkeye/Radio/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var errSessionClosed = errors.New("session closed")

// peerSession is the local, in-memory state for one remote participant on the
// active channel. It is owned by the Coordinator.
type peerSession struct {
	peer     domain.ParticipantID
	callsign string
	epoch    uint64
	media    core.MediaSession

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending []webrtc.ICECandidateInit
	sink    core.AudioSink
	closed  bool
}

func newPeerSession(epoch uint64, peer domain.ParticipantID, callsign string, media core.MediaSession) *peerSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &peerSession{
		peer:     peer,
		callsign: callsign,
		epoch:    epoch,
		media:    media,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// addCandidate applies ci, or buffers it until a remote description exists.
func (s *peerSession) addCandidate(ci webrtc.ICECandidateInit) (buffered bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errSessionClosed
	}
	if !s.media.HasRemoteDescription() {
		s.pending = append(s.pending, ci)
		return true, nil
	}
	if err := s.media.AddICECandidate(ci); err != nil {
		return false, fmt.Errorf("%w: add candidate: %v", ErrNegotiation, err)
	}
	return false, nil
}

// setRemote applies desc and flushes candidates that arrived before it.
func (s *peerSession) setRemote(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	if err := s.media.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote %s: %v", ErrNegotiation, desc.Type, err)
	}
	pending := s.pending
	s.pending = nil
	for _, ci := range pending {
		if err := s.media.AddICECandidate(ci); err != nil {
			return fmt.Errorf("%w: buffered candidate: %v", ErrNegotiation, err)
		}
	}
	if len(pending) > 0 {
		log.Debug().
			Str("module", "radio.session").
			Str("peer", string(s.peer)).
			Int("candidates", len(pending)).
			Msg("flushed buffered candidates")
	}
	return nil
}

// pendingCount is the number of buffered candidates.
func (s *peerSession) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ensureSink returns the session's sink, opening it on first use.
func (s *peerSession) ensureSink(open func() (core.AudioSink, error)) (core.AudioSink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errSessionClosed
	}
	if s.sink != nil {
		return s.sink, nil
	}
	sink, err := open()
	if err != nil {
		return nil, err
	}
	s.sink = sink
	return sink, nil
}

// takePending removes and returns the buffered candidates.
func (s *peerSession) takePending() []webrtc.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.pending
	s.pending = nil
	return pending
}

func (s *peerSession) buffer(cands []webrtc.ICECandidateInit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.pending = append(s.pending, cands...)
	}
}

func (s *peerSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// close releases the transport and stops rendering. Idempotent.
func (s *peerSession) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.pending = nil
	sink := s.sink
	s.mu.Unlock()

	s.cancel()
	if err := s.media.Close(); err != nil {
		log.Warn().Err(err).Str("module", "radio.session").Str("peer", string(s.peer)).Msg("transport close")
	}
	if sink != nil {
		if err := sink.Close(); err != nil {
			log.Warn().Err(err).Str("module", "radio.session").Str("peer", string(s.peer)).Msg("sink close")
		}
	}
}

func (s *peerSession) info() PeerInfo {
	return PeerInfo{
		ID:       s.peer,
		Callsign: s.callsign,
		State:    s.media.ConnectionState().String(),
	}
}

func (s *peerSession) label() string {
	if s.callsign != "" {
		return s.callsign
	}
	return string(s.peer)
}
