// Package radio coordinates push-to-talk voice sessions between participants
// sharing a channel. Signaling travels through a relay row store; audio
// travels over peer media sessions.
package radio

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Radio/internal/core"
	"github.com/dkeye/Radio/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Coordinator is the single source of truth for the local participant: whether
// it is connected, on which channel, whether it transmits, and which peer
// sessions exist.
//
// Every entry point may run while another is suspended on I/O. Mutations bump
// epoch; continuations compare their captured epoch before acting.
type Coordinator struct {
	relay     core.Relay
	transport core.PeerTransport
	capture   core.Capture
	sinks     core.SinkFactory
	opts      Options

	router  *Router
	members *Membership
	bus     *eventBus

	// rowMu serializes writes of the local participant row.
	rowMu sync.Mutex

	mu       sync.Mutex
	state    State
	self     domain.Participant
	epoch    uint64
	track    webrtc.TrackLocal
	sessions map[domain.ParticipantID]*peerSession
	// failed holds excluded peers and the candidates they sent since.
	failed   map[domain.ParticipantID][]webrtc.ICECandidateInit
	subs     []core.Subscription
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(relay core.Relay, transport core.PeerTransport, capture core.Capture, sinks core.SinkFactory, opts Options) *Coordinator {
	opts = opts.withDefaults()
	c := &Coordinator{
		relay:     relay,
		transport: transport,
		capture:   capture,
		sinks:     sinks,
		opts:      opts,
		bus:       newEventBus(),
		sessions:  make(map[domain.ParticipantID]*peerSession),
		failed:    make(map[domain.ParticipantID][]webrtc.ICECandidateInit),
	}
	c.members = NewMembership(relay, opts.StalenessWindow, opts.Now)
	c.router = newRouter(relay, c)
	return c
}

// identity is a consistent view of the local context at one instant.
type identity struct {
	self      domain.ParticipantID
	callsign  string
	channel   domain.ChannelIndex
	epoch     uint64
	connected bool
}

func (c *Coordinator) identity() identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return identity{
		self:      c.self.ID,
		callsign:  c.self.Callsign,
		channel:   c.self.Channel,
		epoch:     c.epoch,
		connected: c.state.Connected(),
	}
}

// current reports whether a continuation captured at epoch may still act.
func (c *Coordinator) current(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch == epoch && c.state.Connected()
}

// Connect announces the local participant on channel. Audio capture is
// acquired before the row is written so nobody negotiates against a peer
// without a local track. Calling Connect again with the same callsign and
// channel refreshes the same row.
func (c *Coordinator) Connect(ctx context.Context, callsign string, channel domain.ChannelIndex) error {
	cs, err := domain.NormalizeCallsign(callsign)
	if err != nil {
		return err
	}
	if _, err := domain.LookupChannel(channel); err != nil {
		return err
	}

	c.mu.Lock()
	switch c.state {
	case StateConnecting:
		c.mu.Unlock()
		return ErrConnecting
	case StateIdle, StateTransmitting:
		if c.self.Callsign != cs || c.self.Channel != channel {
			c.mu.Unlock()
			return ErrAlreadyConnected
		}
		c.mu.Unlock()
		return c.heartbeat(ctx)
	}
	c.state = StateConnecting
	c.epoch++
	epoch := c.epoch
	c.mu.Unlock()
	c.publishStatus()

	logger := log.With().Str("module", "radio.coordinator").Str("callsign", cs).Logger()

	track, err := c.capture.Acquire(ctx)
	if err != nil {
		c.abortConnect(epoch)
		logger.Error().Err(err).Msg("capture unavailable")
		return fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}

	p := domain.Participant{
		ID:             domain.NewParticipantID(),
		Callsign:       cs,
		Channel:        channel,
		Online:         true,
		SignalStrength: initialSignal,
		LastSeen:       c.opts.Now(),
	}
	if _, err := c.relay.UpsertParticipant(ctx, p); err != nil {
		c.abortConnect(epoch)
		c.releaseCapture()
		logger.Error().Err(err).Msg("announce failed")
		return fmt.Errorf("%w: upsert participant: %v", ErrRelay, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	inbound := make(chan core.Event, 128)
	subs, err := c.subscribe(loopCtx, inbound)
	if err != nil {
		cancel()
		c.abortConnect(epoch)
		c.releaseCapture()
		c.markOffline(ctx, p.ID)
		logger.Error().Err(err).Msg("subscribe failed")
		return fmt.Errorf("%w: subscribe: %v", ErrRelay, err)
	}

	c.mu.Lock()
	if c.state != StateConnecting || c.epoch != epoch {
		c.mu.Unlock()
		cancel()
		for _, s := range subs {
			s.Unsubscribe()
		}
		c.releaseCapture()
		c.markOffline(ctx, p.ID)
		return ErrInterrupted
	}
	c.state = StateIdle
	c.self = p
	c.track = track
	c.epoch++
	c.sessions = make(map[domain.ParticipantID]*peerSession)
	c.failed = make(map[domain.ParticipantID][]webrtc.ICECandidateInit)
	c.subs = subs
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.members.Reset(p.ID, channel)
	go c.run(loopCtx, inbound, done)

	logger.Info().Str("participant", string(p.ID)).Int("channel", int(channel)).Msg("connected")
	if err := c.members.Refresh(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial membership refresh")
	}
	c.announce(ctx, p)
	c.publishStatus()
	c.publishMembers()
	return nil
}

func (c *Coordinator) abortConnect(epoch uint64) {
	c.mu.Lock()
	if c.state == StateConnecting && c.epoch == epoch {
		c.state = StateDisconnected
		c.epoch++
	}
	c.mu.Unlock()
	c.publishStatus()
}

func (c *Coordinator) releaseCapture() {
	c.capture.SetLive(false)
	if err := c.capture.Close(); err != nil {
		log.Warn().Err(err).Str("module", "radio.coordinator").Msg("capture close")
	}
}

func (c *Coordinator) subscribe(ctx context.Context, inbound chan<- core.Event) ([]core.Subscription, error) {
	forward := func(ev core.Event) {
		select {
		case inbound <- ev:
		case <-ctx.Done():
		}
	}
	feeds := []struct {
		table core.Table
		mask  core.EventKind
	}{
		{core.TableParticipants, core.EventAll},
		{core.TableEnvelopes, core.EventInsert},
		{core.TableMessages, core.EventInsert},
	}
	subs := make([]core.Subscription, 0, len(feeds))
	for _, feed := range feeds {
		s, err := c.relay.Subscribe(feed.table, feed.mask, forward)
		if err != nil {
			for _, prev := range subs {
				prev.Unsubscribe()
			}
			return nil, fmt.Errorf("%s: %w", feed.table, err)
		}
		subs = append(subs, s)
	}
	return subs, nil
}

// Disconnect tears down every session, stops capture and marks the row
// offline. The row update is best effort; staleness of last_seen is the
// authoritative absence signal.
func (c *Coordinator) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	wasConnected := c.state.Connected()
	c.state = StateDisconnected
	c.epoch++
	self := c.self
	old := c.sessions
	subs, cancel, done := c.subs, c.cancel, c.done
	c.sessions = make(map[domain.ParticipantID]*peerSession)
	c.failed = make(map[domain.ParticipantID][]webrtc.ICECandidateInit)
	c.self = domain.Participant{}
	c.track = nil
	c.subs, c.cancel, c.done = nil, nil, nil
	c.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	c.teardown(old, "disconnect")
	c.members.Clear()
	if wasConnected {
		// A Connect in flight releases its own capture when it sees the state change.
		c.releaseCapture()
		c.markOffline(ctx, self.ID)
	}

	log.Info().Str("module", "radio.coordinator").Str("participant", string(self.ID)).Msg("disconnected")
	c.publishStatus()
	return nil
}

func (c *Coordinator) markOffline(ctx context.Context, id domain.ParticipantID) {
	if id == "" {
		return
	}
	off := false
	c.rowMu.Lock()
	err := c.relay.UpdateParticipant(ctx, id, core.ParticipantPatch{
		Online:       &off,
		Transmitting: &off,
		LastSeen:     c.opts.Now(),
	})
	c.rowMu.Unlock()
	if err != nil {
		log.Warn().Err(err).Str("module", "radio.coordinator").Str("participant", string(id)).Msg("mark offline failed")
	}
}

// run is the inbound loop: relay notifications, heartbeat and polling are
// handled one at a time.
func (c *Coordinator) run(ctx context.Context, inbound <-chan core.Event, done chan struct{}) {
	defer close(done)

	heartbeat := time.NewTicker(c.opts.HeartbeatPeriod)
	defer heartbeat.Stop()
	poll := time.NewTicker(c.opts.PollPeriod)
	defer poll.Stop()

	var resync <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-inbound:
			if c.handleEvent(ctx, ev) && resync == nil {
				resync = time.After(c.opts.ResyncDelay)
			}
		case <-resync:
			resync = nil
			c.refreshMembers(ctx)
		case <-heartbeat.C:
			if err := c.heartbeat(ctx); err != nil {
				log.Warn().Err(err).Str("module", "radio.coordinator").Msg("heartbeat")
			}
		case <-poll.C:
			c.refreshMembers(ctx)
			c.purgeEnvelopes(ctx)
		}
	}
}

// handleEvent dispatches one relay notification. Reports whether a full
// membership resync should follow.
func (c *Coordinator) handleEvent(ctx context.Context, ev core.Event) bool {
	switch ev.Table {
	case core.TableParticipants:
		if ev.Participant == nil {
			return false
		}
		if c.members.OnParticipantChanged(*ev.Participant, ev.Kind) {
			c.publishMembers()
		}
		return true
	case core.TableEnvelopes:
		if ev.Envelope != nil {
			c.router.OnInbound(ctx, *ev.Envelope)
		}
	case core.TableMessages:
		if ev.Message != nil {
			c.onMessage(*ev.Message)
		}
	}
	return false
}

// heartbeat rewrites the whole local row with a new last_seen. A full upsert
// also heals an earlier failed channel or transmit update.
func (c *Coordinator) heartbeat(ctx context.Context) error {
	c.rowMu.Lock()
	defer c.rowMu.Unlock()

	c.mu.Lock()
	if !c.state.Connected() {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.self.LastSeen = c.opts.Now()
	c.self.SignalStrength = driftSignal(c.self.SignalStrength)
	p := c.self
	c.mu.Unlock()

	if _, err := c.relay.UpsertParticipant(ctx, p); err != nil {
		return fmt.Errorf("%w: heartbeat: %v", ErrRelay, err)
	}
	return nil
}

// driftSignal is a cosmetic random walk, never below 20.
func driftSignal(v int) int {
	v += rand.IntN(11) - 5
	if v < 20 {
		v = 20
	}
	return domain.ClampSignal(v)
}

// refreshMembers resyncs membership and tears down sessions of peers that
// have been gone for longer than the staleness window.
func (c *Coordinator) refreshMembers(ctx context.Context) {
	if err := c.members.Refresh(ctx); err != nil {
		log.Warn().Err(err).Str("module", "radio.members").Msg("refresh failed")
		return
	}
	c.publishMembers()

	c.mu.Lock()
	tracked := make([]domain.ParticipantID, 0, len(c.sessions))
	for id := range c.sessions {
		tracked = append(tracked, id)
	}
	c.mu.Unlock()

	for _, id := range c.members.Sweep(tracked) {
		if s := c.lookupSession(id); s != nil {
			c.dropSession(s, "evicted", false)
		}
	}
}

func (c *Coordinator) purgeEnvelopes(ctx context.Context) {
	n, err := c.relay.PurgeEnvelopes(ctx, c.opts.Now().Add(-c.opts.EnvelopeTTL))
	if err != nil {
		log.Warn().Err(err).Str("module", "radio.coordinator").Msg("purge envelopes")
		return
	}
	if n > 0 {
		log.Debug().Str("module", "radio.coordinator").Int64("purged", n).Msg("expired envelopes")
	}
}

// State returns the current coordinator state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	st := Status{
		State:         c.state.String(),
		ParticipantID: c.self.ID,
		Callsign:      c.self.Callsign,
		Channel:       c.self.Channel,
		Transmitting:  c.state == StateTransmitting,
		Peers:         make([]PeerInfo, 0, len(c.sessions)),
	}
	sessions := make([]*peerSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	if ch, err := domain.LookupChannel(st.Channel); err == nil && st.ParticipantID != "" {
		st.ChannelName = ch.Name
	}
	for _, s := range sessions {
		st.Peers = append(st.Peers, s.info())
	}
	sort.Slice(st.Peers, func(i, j int) bool { return st.Peers[i].ID < st.Peers[j].ID })
	return st
}

// Members returns the participants believed present on the active channel.
func (c *Coordinator) Members() []domain.Participant {
	return c.members.Snapshot()
}

// Subscribe returns a stream of UI events. cancel must be called.
func (c *Coordinator) Subscribe() (<-chan Event, func()) {
	return c.bus.subscribe()
}

func (c *Coordinator) publishStatus() {
	st := c.Status()
	c.bus.publish(Event{Type: EventStatus, Status: &st, At: c.opts.Now()})
}

func (c *Coordinator) publishMembers() {
	c.bus.publish(Event{Type: EventMembers, Members: c.members.Snapshot(), At: c.opts.Now()})
}

func (c *Coordinator) activity(msg string) {
	c.bus.publish(Event{Type: EventActivity, Activity: msg, At: c.opts.Now()})
}
