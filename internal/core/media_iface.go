package core

import (
	"context"

	"github.com/dkeye/Radio/internal/domain"
	"github.com/pion/webrtc/v4"
)

// PeerTransport creates one media session per remote participant.
type PeerTransport interface {
	NewSession(peer domain.ParticipantID) (MediaSession, error)
}

// MediaSession is a bidirectional audio session with one remote endpoint.
// Create* methods return descriptors without applying them.
type MediaSession interface {
	// AttachLocalTrack adds the local capture track to the session.
	AttachLocalTrack(webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	HasRemoteDescription() bool
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	// OnRemoteTrack sets a callback invoked when the remote side starts sending.
	OnRemoteTrack(func(*webrtc.TrackRemote))
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	// Close releases all underlying media resources. Safe to call twice.
	Close() error
}

// Capture owns the local audio source. Acquire must succeed before presence
// is announced; SetLive gates sending (push-to-talk).
type Capture interface {
	Acquire(ctx context.Context) (webrtc.TrackLocal, error)
	SetLive(live bool)
	Close() error
}

// AudioSink renders one remote participant's audio.
type AudioSink interface {
	Play(ctx context.Context, track *webrtc.TrackRemote)
	Close() error
}

type SinkFactory func(peer domain.ParticipantID, callsign string) (AudioSink, error)
