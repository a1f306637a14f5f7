package domain

import (
	"errors"
	"fmt"
)

var ErrUnknownChannel = errors.New("unknown channel")

type ChannelIndex int

// Channel is a statically configured radio channel, addressed by its index.
type Channel struct {
	Freq        string `json:"freq"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var channels = [...]Channel{
	{Freq: "146.520", Name: "Simplex 1", Description: "General Chat"},
	{Freq: "146.540", Name: "Simplex 2", Description: "Emergency"},
	{Freq: "147.000", Name: "Repeater 1", Description: "Local Area"},
	{Freq: "147.120", Name: "Repeater 2", Description: "Wide Coverage"},
	{Freq: "145.500", Name: "Packet", Description: "Data Mode"},
	{Freq: "144.390", Name: "APRS", Description: "Position Reports"},
}

// Channels returns a copy of the channel table.
func Channels() []Channel {
	out := make([]Channel, len(channels))
	copy(out, channels[:])
	return out
}

func LookupChannel(i ChannelIndex) (Channel, error) {
	if !i.Valid() {
		return Channel{}, fmt.Errorf("%w: %d", ErrUnknownChannel, i)
	}
	return channels[i], nil
}

func (i ChannelIndex) Valid() bool {
	return i >= 0 && int(i) < len(channels)
}
