package rtc

import (
	"sync"

	"github.com/dkeye/Radio/internal/core"
	"github.com/dkeye/Radio/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Session wraps one PeerConnection to a remote participant.
type Session struct {
	pc     *webrtc.PeerConnection
	peer   domain.ParticipantID
	logger zerolog.Logger

	mu      sync.RWMutex
	onICE   func(webrtc.ICECandidateInit)
	onTrack func(*webrtc.TrackRemote)
	onState func(webrtc.PeerConnectionState)

	closeOnce sync.Once
	closeErr  error
}

var _ core.MediaSession = (*Session)(nil)

func newSession(pc *webrtc.PeerConnection, peer domain.ParticipantID) *Session {
	s := &Session{
		pc:     pc,
		peer:   peer,
		logger: log.With().Str("module", "rtc").Str("peer", string(peer)).Logger(),
	}

	pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		s.logger.Debug().Str("ice_state", st.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.logger.Info().Str("peer_connection_state", st.String()).Msg("Peer state")
		s.mu.RLock()
		fn := s.onState
		s.mu.RUnlock()
		if fn != nil {
			fn(st)
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		s.mu.RLock()
		fn := s.onICE
		s.mu.RUnlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		s.mu.RLock()
		fn := s.onTrack
		s.mu.RUnlock()
		if fn != nil {
			fn(track)
		}
	})

	return s
}

// AttachLocalTrack adds track and drains RTCP for its sender until the
// connection closes.
func (s *Session) AttachLocalTrack(track webrtc.TrackLocal) error {
	sender, err := s.pc.AddTrack(track)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (s *Session) CreateOffer() (webrtc.SessionDescription, error) {
	return s.pc.CreateOffer(nil)
}

func (s *Session) CreateAnswer() (webrtc.SessionDescription, error) {
	return s.pc.CreateAnswer(nil)
}

func (s *Session) SetLocalDescription(desc webrtc.SessionDescription) error {
	return s.pc.SetLocalDescription(desc)
}

func (s *Session) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return s.pc.SetRemoteDescription(desc)
}

func (s *Session) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return s.pc.AddICECandidate(ci)
}

func (s *Session) HasRemoteDescription() bool {
	return s.pc.RemoteDescription() != nil
}

func (s *Session) SignalingState() webrtc.SignalingState {
	return s.pc.SignalingState()
}

func (s *Session) ConnectionState() webrtc.PeerConnectionState {
	return s.pc.ConnectionState()
}

func (s *Session) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	s.mu.Lock()
	s.onTrack = fn
	s.mu.Unlock()
}

func (s *Session) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	s.mu.Lock()
	s.onICE = fn
	s.mu.Unlock()
}

func (s *Session) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

// Close shuts the PeerConnection down once; later calls return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.pc.Close()
		if s.closeErr != nil {
			s.logger.Error().Err(s.closeErr).Msg("close error")
		} else {
			s.logger.Debug().Msg("closed")
		}
	})
	return s.closeErr
}
