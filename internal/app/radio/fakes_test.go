package radio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Radio/internal/core"
	"github.com/dkeye/Radio/internal/domain"
	"github.com/pion/webrtc/v4"
)

// journal records side effects in the order they happen.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) index(entry string) int {
	for i, e := range j.list() {
		if e == entry {
			return i
		}
	}
	return -1
}

type fakeRelay struct {
	j *journal

	mu           sync.Mutex
	participants map[domain.ParticipantID]domain.Participant
	envelopes    []domain.Envelope
	messages     []domain.Message
	nextID       int64

	failUpsert error
	failUpdate error
	failInsert error
}

func newFakeRelay(j *journal) *fakeRelay {
	return &fakeRelay{j: j, participants: make(map[domain.ParticipantID]domain.Participant)}
}

func (r *fakeRelay) UpsertParticipant(_ context.Context, p domain.Participant) (domain.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failUpsert != nil {
		return p, r.failUpsert
	}
	r.participants[p.ID] = p
	r.j.add("upsert:%s", p.ID)
	return p, nil
}

func (r *fakeRelay) UpdateParticipant(_ context.Context, id domain.ParticipantID, patch core.ParticipantPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failUpdate != nil {
		return r.failUpdate
	}
	p, ok := r.participants[id]
	if !ok {
		return errors.New("no such participant")
	}
	patch.Apply(&p)
	r.participants[id] = p
	if patch.Channel != nil {
		r.j.add("update-channel:%d", *patch.Channel)
	}
	if patch.Online != nil && !*patch.Online {
		r.j.add("offline:%s", id)
	}
	return nil
}

// QueryParticipants filters by channel only; freshness is the caller's job.
func (r *fakeRelay) QueryParticipants(_ context.Context, f core.ParticipantFilter) ([]domain.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Participant
	for _, p := range r.participants {
		if f.Channel != nil && p.Channel != *f.Channel {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *fakeRelay) InsertEnvelope(_ context.Context, env domain.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failInsert != nil {
		return r.failInsert
	}
	r.nextID++
	env.ID = r.nextID
	r.envelopes = append(r.envelopes, env)
	r.j.add("send:%s:%s", env.Kind, env.To)
	return nil
}

func (r *fakeRelay) PurgeEnvelopes(context.Context, time.Time) (int64, error) { return 0, nil }

func (r *fakeRelay) InsertMessage(_ context.Context, m domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	m.ID = r.nextID
	r.messages = append(r.messages, m)
	return nil
}

func (r *fakeRelay) QueryMessages(_ context.Context, channel domain.ChannelIndex, limit int) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Message
	for _, m := range r.messages {
		if m.Channel == channel {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type nopSub struct{}

func (nopSub) Unsubscribe() {}

func (r *fakeRelay) Subscribe(core.Table, core.EventKind, func(core.Event)) (core.Subscription, error) {
	return nopSub{}, nil
}

func (r *fakeRelay) Close() error { return nil }

func (r *fakeRelay) put(p domain.Participant) {
	r.mu.Lock()
	r.participants[p.ID] = p
	r.mu.Unlock()
}

func (r *fakeRelay) row(id domain.ParticipantID) (domain.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	return p, ok
}

func (r *fakeRelay) sent() []domain.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Envelope(nil), r.envelopes...)
}

func (r *fakeRelay) sentOf(kind domain.EnvelopeKind) []domain.Envelope {
	var out []domain.Envelope
	for _, env := range r.sent() {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

type fakeMedia struct {
	peer domain.ParticipantID
	j    *journal

	mu         sync.Mutex
	signaling  webrtc.SignalingState
	conn       webrtc.PeerConnectionState
	remote     bool
	candidates []string
	closed     bool
	onState    func(webrtc.PeerConnectionState)

	failOffer  error
	failRemote error
}

func (m *fakeMedia) AttachLocalTrack(webrtc.TrackLocal) error { return nil }

func (m *fakeMedia) CreateOffer() (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOffer != nil {
		return webrtc.SessionDescription{}, m.failOffer
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (m *fakeMedia) CreateAnswer() (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (m *fakeMedia) SetLocalDescription(d webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch d.Type {
	case webrtc.SDPTypeOffer:
		m.signaling = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		m.signaling = webrtc.SignalingStateStable
	}
	return nil
}

func (m *fakeMedia) SetRemoteDescription(d webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRemote != nil {
		return m.failRemote
	}
	switch d.Type {
	case webrtc.SDPTypeOffer:
		if m.signaling == webrtc.SignalingStateHaveLocalOffer {
			return errors.New("invalid state: have-local-offer")
		}
		m.signaling = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if m.signaling != webrtc.SignalingStateHaveLocalOffer {
			return errors.New("invalid state for answer")
		}
		m.signaling = webrtc.SignalingStateStable
	}
	m.remote = true
	return nil
}

func (m *fakeMedia) AddICECandidate(ci webrtc.ICECandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.remote {
		return errors.New("remote description not set")
	}
	m.candidates = append(m.candidates, ci.Candidate)
	return nil
}

func (m *fakeMedia) HasRemoteDescription() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

func (m *fakeMedia) SignalingState() webrtc.SignalingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signaling
}

func (m *fakeMedia) ConnectionState() webrtc.PeerConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

func (m *fakeMedia) OnRemoteTrack(func(*webrtc.TrackRemote)) {}

func (m *fakeMedia) OnICECandidate(func(webrtc.ICECandidateInit)) {}

func (m *fakeMedia) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.conn = webrtc.PeerConnectionStateClosed
	m.mu.Unlock()
	m.j.add("close:%s", m.peer)
	return nil
}

func (m *fakeMedia) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *fakeMedia) applied() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.candidates...)
}

type fakeTransport struct {
	j *journal

	mu         sync.Mutex
	sessions   []*fakeMedia
	failOffer  map[domain.ParticipantID]error
	failRemote map[domain.ParticipantID]error
}

func newFakeTransport(j *journal) *fakeTransport {
	return &fakeTransport{
		j:          j,
		failOffer:  make(map[domain.ParticipantID]error),
		failRemote: make(map[domain.ParticipantID]error),
	}
}

func (t *fakeTransport) NewSession(peer domain.ParticipantID) (core.MediaSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := &fakeMedia{
		peer:       peer,
		j:          t.j,
		signaling:  webrtc.SignalingStateStable,
		conn:       webrtc.PeerConnectionStateNew,
		failOffer:  t.failOffer[peer],
		failRemote: t.failRemote[peer],
	}
	t.sessions = append(t.sessions, m)
	return m, nil
}

// open returns the sessions for peer that have not been closed.
func (t *fakeTransport) open(peer domain.ParticipantID) []*fakeMedia {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*fakeMedia
	for _, m := range t.sessions {
		if m.peer == peer && !m.isClosed() {
			out = append(out, m)
		}
	}
	return out
}

func (t *fakeTransport) created() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

type fakeCapture struct {
	mu       sync.Mutex
	fail     error
	live     bool
	acquired int
	closed   int
}

func (c *fakeCapture) Acquire(context.Context) (webrtc.TrackLocal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return nil, c.fail
	}
	c.acquired++
	return webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "radio")
}

func (c *fakeCapture) SetLive(live bool) {
	c.mu.Lock()
	c.live = live
	c.mu.Unlock()
}

func (c *fakeCapture) isLive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

func (c *fakeCapture) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

type harness struct {
	j         *journal
	relay     *fakeRelay
	transport *fakeTransport
	capture   *fakeCapture
	c         *Coordinator
	now       time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	j := &journal{}
	h := &harness{
		j:         j,
		relay:     newFakeRelay(j),
		transport: newFakeTransport(j),
		capture:   &fakeCapture{},
		now:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	h.c = New(h.relay, h.transport, h.capture, nil, Options{
		HeartbeatPeriod: time.Hour,
		PollPeriod:      time.Hour,
		ResyncDelay:     time.Hour,
		Now:             func() time.Time { return h.now },
	})
	t.Cleanup(func() { _ = h.c.Disconnect(context.Background()) })
	return h
}

func (h *harness) connect(t *testing.T, callsign string, channel domain.ChannelIndex) domain.ParticipantID {
	t.Helper()
	if err := h.c.Connect(context.Background(), callsign, channel); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return h.c.Status().ParticipantID
}

// peer stores a present remote participant.
func (h *harness) peer(id domain.ParticipantID, callsign string, channel domain.ChannelIndex) domain.Participant {
	p := domain.Participant{
		ID:             id,
		Callsign:       callsign,
		Channel:        channel,
		Online:         true,
		SignalStrength: 80,
		LastSeen:       h.now,
	}
	h.relay.put(p)
	return p
}

func (h *harness) envelope(from, to domain.ParticipantID, channel domain.ChannelIndex, kind domain.EnvelopeKind, payload string) domain.Envelope {
	h.relay.mu.Lock()
	h.relay.nextID++
	id := h.relay.nextID
	h.relay.mu.Unlock()
	return domain.Envelope{ID: id, From: from, To: to, Channel: channel, Kind: kind, Payload: payload, Timestamp: h.now}
}

func offerPayload(t *testing.T) string {
	t.Helper()
	p, err := encodeDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 remote offer"})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func answerPayload(t *testing.T) string {
	t.Helper()
	p, err := encodeDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 remote answer"})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func candidatePayload(t *testing.T, cand string) string {
	t.Helper()
	p, err := encodeCandidate(webrtc.ICECandidateInit{Candidate: cand})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func sessionIDs(c *Coordinator) []domain.ParticipantID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.ParticipantID, 0, len(c.sessions))
	for id := range c.sessions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Coordinator) isFailed(peer domain.ParticipantID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.failed[peer]
	return ok
}
