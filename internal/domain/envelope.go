package domain

import (
	"errors"
	"fmt"
	"time"
)

var ErrUnknownKind = errors.New("unknown envelope kind")

type EnvelopeKind string

const (
	KindOffer     EnvelopeKind = "offer"
	KindAnswer    EnvelopeKind = "answer"
	KindCandidate EnvelopeKind = "ice-candidate"
)

func ParseKind(s string) (EnvelopeKind, error) {
	switch k := EnvelopeKind(s); k {
	case KindOffer, KindAnswer, KindCandidate:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Envelope is a directed, write-once signaling message. Payload is opaque text
// (a JSON session description or ICE candidate).
type Envelope struct {
	ID        int64         `json:"id,omitempty"`
	From      ParticipantID `json:"from"`
	To        ParticipantID `json:"to"`
	Channel   ChannelIndex  `json:"channel"`
	Kind      EnvelopeKind  `json:"kind"`
	Payload   string        `json:"payload"`
	Timestamp time.Time     `json:"timestamp"`
}
