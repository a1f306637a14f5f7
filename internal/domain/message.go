package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const MaxMessageLen = 500

var (
	ErrMessageEmpty   = errors.New("message empty")
	ErrMessageTooLong = errors.New("message too long")
	ErrUnknownType    = errors.New("unknown message type")
)

type MessageType string

const (
	MessageVoice  MessageType = "voice"
	MessageText   MessageType = "text"
	MessageSystem MessageType = "system"
)

const SystemCallsign = "SYSTEM"

func ParseMessageType(s string) (MessageType, error) {
	switch t := MessageType(s); t {
	case MessageVoice, MessageText, MessageSystem:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
}

// Message is one entry of a channel log.
type Message struct {
	ID        int64        `json:"id,omitempty"`
	Callsign  string       `json:"callsign"`
	Channel   ChannelIndex `json:"channel"`
	Body      string       `json:"body"`
	Type      MessageType  `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
}

func NormalizeMessageBody(raw string) (string, error) {
	body := strings.TrimSpace(raw)
	if body == "" {
		return "", ErrMessageEmpty
	}
	if len(body) > MaxMessageLen {
		return "", ErrMessageTooLong
	}
	return body, nil
}
