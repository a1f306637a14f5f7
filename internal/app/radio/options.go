package radio

import "time"

const (
	DefaultStalenessWindow = 5 * time.Minute
	DefaultHeartbeatPeriod = 30 * time.Second
	DefaultPollPeriod      = 15 * time.Second
	DefaultResyncDelay     = time.Second
	DefaultEnvelopeTTL     = 2 * time.Minute
	DefaultFanoutLimit     = 8
	DefaultMessageHistory  = 50

	initialSignal       = 85
	// maxParkedCandidates bounds what an excluded peer can queue.
	maxParkedCandidates = 32
)

type Options struct {
	StalenessWindow time.Duration
	HeartbeatPeriod time.Duration
	PollPeriod      time.Duration
	// ResyncDelay coalesces full membership refreshes after push notifications.
	ResyncDelay    time.Duration
	EnvelopeTTL    time.Duration
	FanoutLimit    int
	MessageHistory int
	// SendTimeout bounds relay writes issued from transport callbacks.
	SendTimeout time.Duration

	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.StalenessWindow <= 0 {
		o.StalenessWindow = DefaultStalenessWindow
	}
	if o.HeartbeatPeriod <= 0 {
		o.HeartbeatPeriod = DefaultHeartbeatPeriod
	}
	if o.PollPeriod <= 0 {
		o.PollPeriod = DefaultPollPeriod
	}
	if o.ResyncDelay <= 0 {
		o.ResyncDelay = DefaultResyncDelay
	}
	if o.EnvelopeTTL <= 0 {
		o.EnvelopeTTL = DefaultEnvelopeTTL
	}
	if o.FanoutLimit <= 0 {
		o.FanoutLimit = DefaultFanoutLimit
	}
	if o.MessageHistory <= 0 {
		o.MessageHistory = DefaultMessageHistory
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
