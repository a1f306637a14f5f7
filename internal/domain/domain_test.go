package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNormalizeCallsign(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr error
	}{
		{" k1abc ", "K1ABC", nil},
		{"w2xyz", "W2XYZ", nil},
		{"", "", ErrCallsignEmpty},
		{"   ", "", ErrCallsignEmpty},
		{strings.Repeat("a", MaxCallsignLen+1), "", ErrCallsignTooLong},
	}
	for _, tt := range tests {
		got, err := NormalizeCallsign(tt.in)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("NormalizeCallsign(%q) error = %v, want %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("NormalizeCallsign(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewParticipantIDIsUnique(t *testing.T) {
	seen := make(map[ParticipantID]bool)
	for i := 0; i < 100; i++ {
		id := NewParticipantID()
		if seen[id] {
			t.Fatalf("Duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestPresent(t *testing.T) {
	now := time.Now()
	window := 5 * time.Minute

	p := Participant{Online: true, LastSeen: now.Add(-window)}
	if !p.Present(now, window) {
		t.Error("Row at the window boundary should be present")
	}
	p.LastSeen = now.Add(-window - time.Second)
	if p.Present(now, window) {
		t.Error("Stale row should not be present")
	}
	p.LastSeen = now
	p.Online = false
	if p.Present(now, window) {
		t.Error("Offline row should not be present")
	}
}

func TestLookupChannel(t *testing.T) {
	ch, err := LookupChannel(5)
	if err != nil {
		t.Fatal(err)
	}
	if ch.Name != "APRS" {
		t.Errorf("Expected APRS, got %s", ch.Name)
	}
	for _, i := range []ChannelIndex{-1, 6} {
		if _, err := LookupChannel(i); !errors.Is(err, ErrUnknownChannel) {
			t.Errorf("LookupChannel(%d) = %v, want ErrUnknownChannel", i, err)
		}
		if i.Valid() {
			t.Errorf("%d reported valid", i)
		}
	}

	list := Channels()
	list[0].Name = "changed"
	if first, _ := LookupChannel(0); first.Name != "Simplex 1" {
		t.Error("Channels() exposed the table")
	}
}

func TestParseKind(t *testing.T) {
	for _, s := range []string{"offer", "answer", "ice-candidate"} {
		if k, err := ParseKind(s); err != nil || string(k) != s {
			t.Errorf("ParseKind(%q) = %q, %v", s, k, err)
		}
	}
	if _, err := ParseKind("bye"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Expected ErrUnknownKind, got %v", err)
	}
}

func TestParseMessageType(t *testing.T) {
	for _, s := range []string{"voice", "text", "system"} {
		if typ, err := ParseMessageType(s); err != nil || string(typ) != s {
			t.Errorf("ParseMessageType(%q) = %q, %v", s, typ, err)
		}
	}
	if _, err := ParseMessageType(""); !errors.Is(err, ErrUnknownType) {
		t.Errorf("Expected ErrUnknownType, got %v", err)
	}
}

func TestNormalizeMessageBody(t *testing.T) {
	if _, err := NormalizeMessageBody(" \n "); !errors.Is(err, ErrMessageEmpty) {
		t.Errorf("Expected ErrMessageEmpty, got %v", err)
	}
	if _, err := NormalizeMessageBody(strings.Repeat("x", MaxMessageLen+1)); !errors.Is(err, ErrMessageTooLong) {
		t.Errorf("Expected ErrMessageTooLong, got %v", err)
	}
	if got, _ := NormalizeMessageBody(" ok "); got != "ok" {
		t.Errorf("Expected trimmed body, got %q", got)
	}
}
