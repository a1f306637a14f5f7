package radio

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Envelope payloads use the browser's JSON shapes for RTCSessionDescription
// and RTCIceCandidateInit, so nodes interoperate with web clients.

func encodeDescription(desc webrtc.SessionDescription) (string, error) {
	b, err := json.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("encode description: %w", err)
	}
	return string(b), nil
}

func decodeDescription(payload string, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal([]byte(payload), &desc); err != nil {
		return desc, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if desc.Type != want {
		return desc, fmt.Errorf("%w: want %s, got %s", ErrMalformedPayload, want, desc.Type)
	}
	if desc.SDP == "" {
		return desc, fmt.Errorf("%w: empty sdp", ErrMalformedPayload)
	}
	return desc, nil
}

func encodeCandidate(ci webrtc.ICECandidateInit) (string, error) {
	b, err := json.Marshal(ci)
	if err != nil {
		return "", fmt.Errorf("encode candidate: %w", err)
	}
	return string(b), nil
}

func decodeCandidate(payload string) (webrtc.ICECandidateInit, error) {
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(payload), &ci); err != nil {
		return ci, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return ci, nil
}
