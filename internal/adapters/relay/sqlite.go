package relay

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Radio/internal/core"
	"github.com/dkeye/Radio/internal/domain"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const defaultTailInterval = 200 * time.Millisecond

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS participants (
		id              TEXT PRIMARY KEY,
		callsign        TEXT NOT NULL,
		channel         INTEGER NOT NULL,
		transmitting    INTEGER NOT NULL DEFAULT 0,
		online          INTEGER NOT NULL DEFAULT 1,
		signal_strength INTEGER NOT NULL DEFAULT 0,
		last_seen       INTEGER NOT NULL,
		rev             INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS participants_channel ON participants (channel, last_seen)`,
	`CREATE INDEX IF NOT EXISTS participants_rev ON participants (rev)`,
	`CREATE TABLE IF NOT EXISTS signaling_envelopes (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		from_id TEXT NOT NULL,
		to_id   TEXT NOT NULL,
		channel INTEGER NOT NULL,
		kind    TEXT NOT NULL,
		payload TEXT NOT NULL,
		ts      INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS signaling_envelopes_ts ON signaling_envelopes (ts)`,
	`CREATE TABLE IF NOT EXISTS radio_messages (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		callsign TEXT NOT NULL,
		channel  INTEGER NOT NULL,
		body     TEXT NOT NULL,
		type     TEXT NOT NULL,
		ts       INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS radio_messages_channel ON radio_messages (channel, id)`,
}

// SQLite is a relay backed by one database file. Several processes on the same
// host may share the file; every process tails the tables for new rows, so
// change events (own writes included) arrive within one tail interval.
type SQLite struct {
	db  *sql.DB
	hub *hub

	// tail cursors, owned by the tail goroutine
	lastRev      int64
	lastEnvelope int64
	lastMessage  int64
	known        map[domain.ParticipantID]struct{}

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func OpenSQLite(ctx context.Context, path string, tail time.Duration) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: empty path")
	}
	if tail <= 0 {
		tail = defaultTailInterval
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	// WAL mode for concurrent access from multiple processes sharing the file.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: schema: %w", err)
		}
	}

	s := &SQLite{db: db, hub: newHub(), known: make(map[domain.ParticipantID]struct{})}
	// Only rows written from now on are surfaced as events.
	err = db.QueryRowContext(ctx, `SELECT
		(SELECT COALESCE(MAX(rev), 0) FROM participants),
		(SELECT COALESCE(MAX(id), 0) FROM signaling_envelopes),
		(SELECT COALESCE(MAX(id), 0) FROM radio_messages)`).Scan(&s.lastRev, &s.lastEnvelope, &s.lastMessage)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: cursors: %w", err)
	}

	tailCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.tail(tailCtx, tail)

	log.Info().Str("module", "relay.sqlite").Str("path", path).Msg("opened")
	return s, nil
}

func (s *SQLite) UpsertParticipant(ctx context.Context, p domain.Participant) (domain.Participant, error) {
	_, err := s.db.ExecContext(ctx, `INSERT INTO participants
		(id, callsign, channel, transmitting, online, signal_strength, last_seen, rev)
		VALUES (?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(rev), 0) + 1 FROM participants))
		ON CONFLICT(id) DO UPDATE SET
			callsign=excluded.callsign,
			channel=excluded.channel,
			transmitting=excluded.transmitting,
			online=excluded.online,
			signal_strength=excluded.signal_strength,
			last_seen=excluded.last_seen,
			rev=excluded.rev`,
		string(p.ID), p.Callsign, int(p.Channel), p.Transmitting, p.Online, p.SignalStrength, p.LastSeen.UnixMilli())
	if err != nil {
		return p, fmt.Errorf("sqlite: upsert participant: %w", err)
	}
	return p, nil
}

func (s *SQLite) UpdateParticipant(ctx context.Context, id domain.ParticipantID, patch core.ParticipantPatch) error {
	sets := []string{"rev = (SELECT COALESCE(MAX(rev), 0) + 1 FROM participants)"}
	var args []any
	if patch.Channel != nil {
		sets = append(sets, "channel = ?")
		args = append(args, int(*patch.Channel))
	}
	if patch.Transmitting != nil {
		sets = append(sets, "transmitting = ?")
		args = append(args, *patch.Transmitting)
	}
	if patch.Online != nil {
		sets = append(sets, "online = ?")
		args = append(args, *patch.Online)
	}
	if patch.SignalStrength != nil {
		sets = append(sets, "signal_strength = ?")
		args = append(args, *patch.SignalStrength)
	}
	if !patch.LastSeen.IsZero() {
		sets = append(sets, "last_seen = ?")
		args = append(args, patch.LastSeen.UnixMilli())
	}
	args = append(args, string(id))

	res, err := s.db.ExecContext(ctx, "UPDATE participants SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("sqlite: update participant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: participant %s", ErrNotFound, id)
	}
	return nil
}

const participantColumns = `id, callsign, channel, transmitting, online, signal_strength, last_seen`

func (s *SQLite) QueryParticipants(ctx context.Context, f core.ParticipantFilter) ([]domain.Participant, error) {
	var (
		where []string
		args  []any
	)
	if f.Channel != nil {
		where = append(where, "channel = ?")
		args = append(args, int(*f.Channel))
	}
	if f.OnlineOnly {
		where = append(where, "online = 1")
	}
	if !f.SeenSince.IsZero() {
		where = append(where, "last_seen >= ?")
		args = append(args, f.SeenSince.UnixMilli())
	}
	q := "SELECT " + participantColumns + " FROM participants"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY callsign, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query participants: %w", err)
	}
	defer rows.Close()
	var out []domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanParticipant(row scanner) (domain.Participant, error) {
	var (
		p        domain.Participant
		id       string
		channel  int
		lastSeen int64
	)
	if err := row.Scan(&id, &p.Callsign, &channel, &p.Transmitting, &p.Online, &p.SignalStrength, &lastSeen); err != nil {
		return p, fmt.Errorf("sqlite: scan participant: %w", err)
	}
	p.ID = domain.ParticipantID(id)
	p.Channel = domain.ChannelIndex(channel)
	p.LastSeen = time.UnixMilli(lastSeen).UTC()
	return p, nil
}

func (s *SQLite) InsertEnvelope(ctx context.Context, env domain.Envelope) error {
	if err := checkEnvelope(env); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO signaling_envelopes
		(from_id, to_id, channel, kind, payload, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		string(env.From), string(env.To), int(env.Channel), string(env.Kind), env.Payload, env.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite: insert envelope: %w", err)
	}
	return nil
}

func (s *SQLite) PurgeEnvelopes(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM signaling_envelopes WHERE ts < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge envelopes: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) InsertMessage(ctx context.Context, m domain.Message) error {
	if err := checkMessage(m); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO radio_messages
		(callsign, channel, body, type, ts) VALUES (?, ?, ?, ?, ?)`,
		m.Callsign, int(m.Channel), m.Body, string(m.Type), m.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite: insert message: %w", err)
	}
	return nil
}

func (s *SQLite) QueryMessages(ctx context.Context, channel domain.ChannelIndex, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, callsign, channel, body, type, ts
		FROM radio_messages WHERE channel = ? ORDER BY id DESC LIMIT ?`, int(channel), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query messages: %w", err)
	}
	defer rows.Close()
	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func scanMessage(row scanner) (domain.Message, error) {
	var (
		m       domain.Message
		channel int
		typ     string
		ts      int64
	)
	if err := row.Scan(&m.ID, &m.Callsign, &channel, &m.Body, &typ, &ts); err != nil {
		return m, fmt.Errorf("sqlite: scan message: %w", err)
	}
	m.Channel = domain.ChannelIndex(channel)
	m.Type = domain.MessageType(typ)
	m.Timestamp = time.UnixMilli(ts).UTC()
	return m, nil
}

func (s *SQLite) Subscribe(table core.Table, mask core.EventKind, fn func(core.Event)) (core.Subscription, error) {
	return s.hub.subscribe(table, mask, fn)
}

func (s *SQLite) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.hub.close()
		err = s.db.Close()
	})
	return err
}

func (s *SQLite) tail(ctx context.Context, every time.Duration) {
	defer close(s.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := s.tailOnce(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("module", "relay.sqlite").Msg("tail")
		}
	}
}

// tailOnce publishes rows written since the previous pass, in write order.
func (s *SQLite) tailOnce(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+participantColumns+`, rev
		FROM participants WHERE rev > ? ORDER BY rev`, s.lastRev)
	if err != nil {
		return fmt.Errorf("participants: %w", err)
	}
	var changed []domain.Participant
	for rows.Next() {
		var (
			p        domain.Participant
			id       string
			channel  int
			lastSeen int64
			rev      int64
		)
		if err := rows.Scan(&id, &p.Callsign, &channel, &p.Transmitting, &p.Online, &p.SignalStrength, &lastSeen, &rev); err != nil {
			rows.Close()
			return fmt.Errorf("participants: %w", err)
		}
		p.ID = domain.ParticipantID(id)
		p.Channel = domain.ChannelIndex(channel)
		p.LastSeen = time.UnixMilli(lastSeen).UTC()
		changed = append(changed, p)
		s.lastRev = rev
	}
	rows.Close()
	for i := range changed {
		kind := core.EventUpdate
		if _, ok := s.known[changed[i].ID]; !ok {
			s.known[changed[i].ID] = struct{}{}
			kind = core.EventInsert
		}
		s.hub.publish(core.Event{Table: core.TableParticipants, Kind: kind, Participant: &changed[i]})
	}

	rows, err = s.db.QueryContext(ctx, `SELECT id, from_id, to_id, channel, kind, payload, ts
		FROM signaling_envelopes WHERE id > ? ORDER BY id`, s.lastEnvelope)
	if err != nil {
		return fmt.Errorf("envelopes: %w", err)
	}
	var envs []domain.Envelope
	for rows.Next() {
		var (
			env            domain.Envelope
			from, to, kind string
			channel        int
			ts             int64
		)
		if err := rows.Scan(&env.ID, &from, &to, &channel, &kind, &env.Payload, &ts); err != nil {
			rows.Close()
			return fmt.Errorf("envelopes: %w", err)
		}
		env.From, env.To = domain.ParticipantID(from), domain.ParticipantID(to)
		env.Channel = domain.ChannelIndex(channel)
		env.Kind = domain.EnvelopeKind(kind)
		env.Timestamp = time.UnixMilli(ts).UTC()
		envs = append(envs, env)
		s.lastEnvelope = env.ID
	}
	rows.Close()
	for i := range envs {
		s.hub.publish(core.Event{Table: core.TableEnvelopes, Kind: core.EventInsert, Envelope: &envs[i]})
	}

	rows, err = s.db.QueryContext(ctx, `SELECT id, callsign, channel, body, type, ts
		FROM radio_messages WHERE id > ? ORDER BY id`, s.lastMessage)
	if err != nil {
		return fmt.Errorf("messages: %w", err)
	}
	var msgs []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return err
		}
		msgs = append(msgs, m)
		s.lastMessage = m.ID
	}
	rows.Close()
	for i := range msgs {
		s.hub.publish(core.Event{Table: core.TableMessages, Kind: core.EventInsert, Message: &msgs[i]})
	}
	return nil
}
