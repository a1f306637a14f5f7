// Package domain contains entities without logic beyond validation, just meta-data
package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	MaxCallsignLen = 16

	// MinSignal and MaxSignal bound the cosmetic signal strength.
	MinSignal = 0
	MaxSignal = 100
)

var (
	ErrCallsignEmpty   = errors.New("callsign empty")
	ErrCallsignTooLong = errors.New("callsign too long")
)

type ParticipantID string

// NewParticipantID returns a random (version 4) identifier. There is no central
// allocator; uniqueness is probabilistic.
func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

// Participant is one connected radio endpoint as stored in the relay.
type Participant struct {
	ID             ParticipantID `json:"id"`
	Callsign       string        `json:"callsign"`
	Channel        ChannelIndex  `json:"channel"`
	Transmitting   bool          `json:"transmitting"`
	Online         bool          `json:"online"`
	SignalStrength int           `json:"signal_strength"`
	LastSeen       time.Time     `json:"last_seen"`
}

// NormalizeCallsign trims and uppercases a user supplied callsign.
// Callsigns are display names only and are not unique.
func NormalizeCallsign(raw string) (string, error) {
	cs := strings.ToUpper(strings.TrimSpace(raw))
	if len(cs) == 0 {
		return "", ErrCallsignEmpty
	}
	if len(cs) > MaxCallsignLen {
		return "", ErrCallsignTooLong
	}
	return cs, nil
}

// Fresh reports whether the row was seen within window of now.
func (p Participant) Fresh(now time.Time, window time.Duration) bool {
	return !p.LastSeen.Before(now.Add(-window))
}

// Present is the membership predicate: online and fresh.
func (p Participant) Present(now time.Time, window time.Duration) bool {
	return p.Online && p.Fresh(now, window)
}

func ClampSignal(v int) int {
	if v < MinSignal {
		return MinSignal
	}
	if v > MaxSignal {
		return MaxSignal
	}
	return v
}
