package radio

import "errors"

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrConnecting       = errors.New("connect in progress")
	ErrNotIdle          = errors.New("not idle")
	ErrNotTransmitting  = errors.New("not transmitting")
	// ErrInterrupted reports that the coordinator context changed (channel
	// switch, disconnect) while the operation was suspended.
	ErrInterrupted = errors.New("interrupted by state change")

	ErrCaptureUnavailable = errors.New("audio capture unavailable")
	ErrRelay              = errors.New("relay i/o")
	ErrNegotiation        = errors.New("negotiation failed")
	ErrMalformedPayload   = errors.New("malformed payload")
)
