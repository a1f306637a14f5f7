// Package rtc implements peer media sessions, local capture and remote audio
// sinks on top of pion/webrtc.
package rtc

import (
	"fmt"
	"time"

	"github.com/dkeye/Radio/internal/core"
	"github.com/dkeye/Radio/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// Transport builds PeerConnections that share one configured API.
type Transport struct {
	api    *webrtc.API
	config webrtc.Configuration
}

var _ core.PeerTransport = (*Transport)(nil)

// NewTransport prepares an API with the default codecs and interceptors.
// An empty iceServers list yields host candidates only.
func NewTransport(iceServers []string) (*Transport, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// A short NAT hiccup should not fail the link outright.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(15*time.Second, 60*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: append([]string(nil), iceServers...)}}
	}
	return &Transport{api: api, config: cfg}, nil
}

func (t *Transport) NewSession(peer domain.ParticipantID) (core.MediaSession, error) {
	pc, err := t.api.NewPeerConnection(t.config)
	if err != nil {
		return nil, err
	}
	return newSession(pc, peer), nil
}
