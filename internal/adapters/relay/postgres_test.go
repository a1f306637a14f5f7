package relay

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/dkeye/Radio/internal/core"
	"github.com/dkeye/Radio/internal/domain"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"
)

func TestNormalizeDSN(t *testing.T) {
	tests := map[string]string{
		"postgresql+asyncpg://u:p@h/db": "postgresql://u:p@h/db",
		"postgres+pgx://u:p@h/db":       "postgres://u:p@h/db",
		"  postgres://u:p@h/db ":        "postgres://u:p@h/db",
	}
	for in, want := range tests {
		if got := normalizeDSN(in); got != want {
			t.Errorf("normalizeDSN(%q) = %q, want %q", in, got, want)
		}
	}
}

// Needs a disposable database: RADIO_TEST_POSTGRES_DSN=postgres://...
func TestPostgresNotifies(t *testing.T) {
	dsn := os.Getenv("RADIO_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RADIO_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	p, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPostgres failed: %v", err)
	}
	defer p.Close()

	participants := collect(t, p, core.TableParticipants, core.EventAll)
	envelopes := collect(t, p, core.TableEnvelopes, core.EventInsert)

	id := domain.ParticipantID(uuid.NewString())
	if _, err := p.UpsertParticipant(ctx, domain.Participant{ID: id, Callsign: "PGTEST", Channel: 5, Online: true, LastSeen: time.Now()}); err != nil {
		t.Fatal(err)
	}
	for {
		ev := waitEvent(t, participants)
		if ev.Participant.ID == id {
			if ev.Kind != core.EventInsert || ev.Participant.Callsign != "PGTEST" {
				t.Errorf("Unexpected event: %+v", ev)
			}
			break
		}
	}

	if err := p.InsertEnvelope(ctx, domain.Envelope{From: id, To: "peer", Channel: 5, Kind: domain.KindOffer, Payload: "{}", Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}
	for {
		ev := waitEvent(t, envelopes)
		if ev.Envelope.From == id {
			break
		}
	}
}

func TestFirstSight(t *testing.T) {
	seen, err := lru.New[int64, struct{}](8)
	if err != nil {
		t.Fatal(err)
	}
	var cursor int64 = 10
	// 12 commits before 11.
	for _, id := range []int64{12, 11} {
		if !firstSight(seen, &cursor, id) {
			t.Errorf("Row %d reported as seen", id)
		}
	}
	if cursor != 12 {
		t.Errorf("Cursor moved back to %d", cursor)
	}
	if firstSight(seen, &cursor, 11) {
		t.Error("Row 11 published twice")
	}
}

func TestPostgresOutOfOrderCommits(t *testing.T) {
	dsn := os.Getenv("RADIO_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RADIO_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	p, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPostgres failed: %v", err)
	}
	defer p.Close()
	envelopes := collect(t, p, core.TableEnvelopes, core.EventInsert)

	from := uuid.NewString()
	insert := func(tx pgx.Tx, payload string) {
		t.Helper()
		_, err := tx.Exec(ctx, `INSERT INTO signaling_envelopes (from_id, to_id, channel, kind, payload, ts)
			VALUES ($1, 'peer', 0, 'offer', $2, now())`, from, payload)
		if err != nil {
			t.Fatal(err)
		}
	}
	early, err := p.pool.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer early.Rollback(ctx)
	late, err := p.pool.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer late.Rollback(ctx)

	insert(early, "low")
	insert(late, "high")
	if err := late.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if err := early.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	got := map[string]bool{}
	for len(got) < 2 {
		ev := waitEvent(t, envelopes)
		if string(ev.Envelope.From) == from {
			got[ev.Envelope.Payload] = true
		}
	}
	if !got["low"] || !got["high"] {
		t.Errorf("Expected both rows, got %v", got)
	}
}
