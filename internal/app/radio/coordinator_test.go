package radio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Radio/internal/domain"
)

func TestConnectAnnouncesParticipant(t *testing.T) {
	h := newHarness(t)
	self := h.connect(t, " alpha ", 1)

	if h.c.State() != StateIdle {
		t.Fatalf("Expected idle, got %s", h.c.State())
	}
	row, ok := h.relay.row(self)
	if !ok {
		t.Fatal("Participant row not written")
	}
	if row.Callsign != "ALPHA" || row.Channel != 1 || row.Transmitting || !row.Online {
		t.Errorf("Unexpected row: %+v", row)
	}
	if h.capture.acquired != 1 {
		t.Errorf("Expected capture acquired once, got %d", h.capture.acquired)
	}
	msgs, err := h.c.Messages(context.Background())
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Type != domain.MessageSystem {
		t.Errorf("Expected join notice, got %+v", msgs)
	}
}

func TestConnectValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.c.Connect(ctx, "   ", 0); !errors.Is(err, domain.ErrCallsignEmpty) {
		t.Errorf("Expected ErrCallsignEmpty, got %v", err)
	}
	if err := h.c.Connect(ctx, "alpha", 42); !errors.Is(err, domain.ErrUnknownChannel) {
		t.Errorf("Expected ErrUnknownChannel, got %v", err)
	}
	if h.c.State() != StateDisconnected {
		t.Errorf("Expected disconnected, got %s", h.c.State())
	}
}

func TestConnectCaptureFailure(t *testing.T) {
	h := newHarness(t)
	h.capture.fail = errors.New("permission denied")

	err := h.c.Connect(context.Background(), "alpha", 0)
	if !errors.Is(err, ErrCaptureUnavailable) {
		t.Fatalf("Expected ErrCaptureUnavailable, got %v", err)
	}
	if h.c.State() != StateDisconnected {
		t.Errorf("Expected disconnected, got %s", h.c.State())
	}
	if len(h.j.list()) != 0 {
		t.Errorf("Presence announced without capture: %v", h.j.list())
	}
}

func TestConnectUpsertFailure(t *testing.T) {
	h := newHarness(t)
	h.relay.failUpsert = errors.New("relay down")

	err := h.c.Connect(context.Background(), "alpha", 0)
	if !errors.Is(err, ErrRelay) {
		t.Fatalf("Expected ErrRelay, got %v", err)
	}
	if h.c.State() != StateDisconnected {
		t.Errorf("Expected disconnected, got %s", h.c.State())
	}
	if h.capture.closed != 1 {
		t.Errorf("Expected capture released, closed=%d", h.capture.closed)
	}
}

func TestConnectTwiceKeepsOneRow(t *testing.T) {
	h := newHarness(t)
	first := h.connect(t, "alpha", 0)
	second := h.connect(t, "ALPHA", 0)

	if first != second {
		t.Errorf("Participant id changed: %s -> %s", first, second)
	}
	h.relay.mu.Lock()
	rows := len(h.relay.participants)
	h.relay.mu.Unlock()
	if rows != 1 {
		t.Errorf("Expected 1 row, got %d", rows)
	}

	if err := h.c.Connect(context.Background(), "bravo", 0); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("Expected ErrAlreadyConnected, got %v", err)
	}
}

func TestStartTransmitPartialFailure(t *testing.T) {
	h := newHarness(t)
	h.peer("peer-1", "BRAVO", 0)
	h.peer("peer-2", "CHARLIE", 0)
	h.peer("peer-3", "DELTA", 0)
	h.peer("peer-4", "ECHO", 1)
	h.transport.failOffer["peer-2"] = errors.New("codec mismatch")
	h.connect(t, "alpha", 0)

	res, err := h.c.StartTransmit(context.Background())
	if err != nil {
		t.Fatalf("StartTransmit failed: %v", err)
	}

	if h.c.State() != StateTransmitting {
		t.Errorf("Expected transmitting, got %s", h.c.State())
	}
	if len(res.Offered) != 2 || res.Offered[0] != "peer-1" || res.Offered[1] != "peer-3" {
		t.Errorf("Unexpected offered peers: %v", res.Offered)
	}
	if !errors.Is(res.Failed["peer-2"], ErrNegotiation) {
		t.Errorf("Expected peer-2 to fail with ErrNegotiation, got %v", res.Failed)
	}

	to := map[domain.ParticipantID]bool{}
	for _, env := range h.relay.sentOf(domain.KindOffer) {
		to[env.To] = true
	}
	if !to["peer-1"] || !to["peer-3"] || to["peer-2"] || to["peer-4"] {
		t.Errorf("Unexpected offer targets: %v", to)
	}
	if !h.capture.isLive() {
		t.Error("Capture should be live while transmitting")
	}
}

func TestTransmitStateMachine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.c.StartTransmit(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
	self := h.connect(t, "alpha", 0)
	if err := h.c.StopTransmit(ctx); !errors.Is(err, ErrNotTransmitting) {
		t.Errorf("Expected ErrNotTransmitting, got %v", err)
	}
	if _, err := h.c.StartTransmit(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := h.c.StartTransmit(ctx); !errors.Is(err, ErrNotIdle) {
		t.Errorf("Expected ErrNotIdle, got %v", err)
	}
	if row, _ := h.relay.row(self); !row.Transmitting {
		t.Error("Row should be transmitting")
	}
	if err := h.c.StopTransmit(ctx); err != nil {
		t.Fatal(err)
	}
	if row, _ := h.relay.row(self); row.Transmitting {
		t.Error("Row should not be transmitting")
	}
	if h.capture.isLive() {
		t.Error("Capture should not be live")
	}
}

func TestStopTransmitKeepsSessions(t *testing.T) {
	h := newHarness(t)
	h.peer("peer-1", "BRAVO", 0)
	h.connect(t, "alpha", 0)
	ctx := context.Background()

	if _, err := h.c.StartTransmit(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.c.StopTransmit(ctx); err != nil {
		t.Fatal(err)
	}
	if ids := sessionIDs(h.c); len(ids) != 1 {
		t.Errorf("Expected session to survive, got %v", ids)
	}
	if len(h.transport.open("peer-1")) != 1 {
		t.Error("Transport should stay open")
	}
}

func TestChangeChannelTearsDownBeforeUpdate(t *testing.T) {
	h := newHarness(t)
	self := h.connect(t, "alpha", 0)
	ctx := context.Background()

	h.c.router.OnInbound(ctx, h.envelope("peer-1", self, 0, domain.KindOffer, offerPayload(t)))
	h.c.router.OnInbound(ctx, h.envelope("peer-2", self, 0, domain.KindOffer, offerPayload(t)))
	if ids := sessionIDs(h.c); len(ids) != 2 {
		t.Fatalf("Expected 2 sessions, got %v", ids)
	}

	if err := h.c.ChangeChannel(ctx, 1); err != nil {
		t.Fatalf("ChangeChannel failed: %v", err)
	}

	update := h.j.index("update-channel:1")
	if update < 0 {
		t.Fatal("Channel was not updated")
	}
	for _, peer := range []string{"peer-1", "peer-2"} {
		closed := h.j.index("close:" + peer)
		if closed < 0 {
			t.Errorf("Session for %s not torn down", peer)
			continue
		}
		if closed > update {
			t.Errorf("Session for %s torn down after channel update: %v", peer, h.j.list())
		}
	}
	if ids := sessionIDs(h.c); len(ids) != 0 {
		t.Errorf("Sessions left after channel change: %v", ids)
	}
	if st := h.c.Status(); st.Channel != 1 {
		t.Errorf("Expected channel 1, got %d", st.Channel)
	}
}

func TestChangeChannelDiscardsOldEnvelopes(t *testing.T) {
	h := newHarness(t)
	self := h.connect(t, "alpha", 0)
	ctx := context.Background()

	if err := h.c.ChangeChannel(ctx, 2); err != nil {
		t.Fatal(err)
	}
	h.c.router.OnInbound(ctx, h.envelope("peer-1", self, 0, domain.KindOffer, offerPayload(t)))

	if n := h.transport.created(); n != 0 {
		t.Errorf("Envelope for the old channel created %d sessions", n)
	}
}

func TestChangeChannelEndsTransmission(t *testing.T) {
	h := newHarness(t)
	self := h.connect(t, "alpha", 0)
	ctx := context.Background()

	if _, err := h.c.StartTransmit(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.c.ChangeChannel(ctx, 3); err != nil {
		t.Fatal(err)
	}
	if h.c.State() != StateIdle {
		t.Errorf("Expected idle, got %s", h.c.State())
	}
	if row, _ := h.relay.row(self); row.Transmitting || row.Channel != 3 {
		t.Errorf("Unexpected row: %+v", row)
	}
	if h.capture.isLive() {
		t.Error("Capture still live after channel change")
	}
}

func TestChangeChannelRelayFailure(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "alpha", 0)
	h.relay.failUpdate = errors.New("relay down")

	err := h.c.ChangeChannel(context.Background(), 1)
	if !errors.Is(err, ErrRelay) {
		t.Fatalf("Expected ErrRelay, got %v", err)
	}
	// Local state moved; the next heartbeat rewrites the row.
	if st := h.c.Status(); st.Channel != 1 {
		t.Errorf("Expected local channel 1, got %d", st.Channel)
	}
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t)
	self := h.connect(t, "alpha", 0)
	ctx := context.Background()
	h.c.router.OnInbound(ctx, h.envelope("peer-1", self, 0, domain.KindOffer, offerPayload(t)))

	if err := h.c.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	if h.c.State() != StateDisconnected {
		t.Errorf("Expected disconnected, got %s", h.c.State())
	}
	if len(h.transport.open("peer-1")) != 0 {
		t.Error("Session not torn down")
	}
	if h.j.index("offline:"+string(self)) < 0 {
		t.Error("Row not marked offline")
	}
	if h.capture.closed != 1 {
		t.Errorf("Expected capture closed once, got %d", h.capture.closed)
	}
	if err := h.c.Disconnect(ctx); err != nil {
		t.Errorf("Second disconnect: %v", err)
	}
}

func TestDisconnectIgnoresRelayFailure(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "alpha", 0)
	h.relay.failUpdate = errors.New("relay down")

	if err := h.c.Disconnect(context.Background()); err != nil {
		t.Errorf("Disconnect should be best effort, got %v", err)
	}
	if h.c.State() != StateDisconnected {
		t.Errorf("Expected disconnected, got %s", h.c.State())
	}
}

func TestHeartbeatRefreshesLastSeen(t *testing.T) {
	h := newHarness(t)
	self := h.connect(t, "alpha", 0)

	h.now = h.now.Add(30 * time.Second)
	if err := h.c.heartbeat(context.Background()); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	row, _ := h.relay.row(self)
	if !row.LastSeen.Equal(h.now) {
		t.Errorf("Expected last_seen %v, got %v", h.now, row.LastSeen)
	}
	if row.SignalStrength < 20 || row.SignalStrength > domain.MaxSignal {
		t.Errorf("Signal out of range: %d", row.SignalStrength)
	}
}

func TestStalePeerSessionIsEvicted(t *testing.T) {
	h := newHarness(t)
	h.peer("peer-1", "BRAVO", 0)
	h.connect(t, "alpha", 0)
	ctx := context.Background()

	if _, err := h.c.StartTransmit(ctx); err != nil {
		t.Fatal(err)
	}
	if len(h.transport.open("peer-1")) != 1 {
		t.Fatal("Expected a session for peer-1")
	}

	// peer-1 stops heartbeating.
	h.now = h.now.Add(DefaultStalenessWindow + time.Second)
	h.c.refreshMembers(ctx)
	if len(h.transport.open("peer-1")) != 1 {
		t.Fatal("Session torn down before a full window of absence")
	}

	h.now = h.now.Add(DefaultStalenessWindow + time.Second)
	h.c.refreshMembers(ctx)
	if len(h.transport.open("peer-1")) != 0 {
		t.Error("Stale peer session not torn down")
	}
}

func TestSendText(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.c.SendText(ctx, "hello"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
	h.connect(t, "alpha", 4)
	if _, err := h.c.SendText(ctx, "  "); !errors.Is(err, domain.ErrMessageEmpty) {
		t.Errorf("Expected ErrMessageEmpty, got %v", err)
	}
	m, err := h.c.SendText(ctx, " hello ")
	if err != nil {
		t.Fatal(err)
	}
	if m.Body != "hello" || m.Callsign != "ALPHA" || m.Channel != 4 || m.Type != domain.MessageText {
		t.Errorf("Unexpected message: %+v", m)
	}
	msgs, _ := h.c.Messages(ctx)
	if len(msgs) != 2 || msgs[1].Body != "hello" {
		t.Errorf("Unexpected log: %+v", msgs)
	}
}

func TestSubscribeReceivesStatus(t *testing.T) {
	h := newHarness(t)
	events, cancel := h.c.Subscribe()
	defer cancel()

	h.connect(t, "alpha", 0)

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == EventStatus && ev.Status.State == "idle" {
				return
			}
		case <-deadline:
			t.Fatal("No idle status event")
		}
	}
}
