package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Radio/internal/core"
	"github.com/dkeye/Radio/internal/domain"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const (
	notifyChannel = "radio_changes"
	// catchUpLookback is how far below the cursor a reconnect rescans for rows
	// whose serial id was taken before a commit that became visible earlier.
	catchUpLookback = 256
	seenRows        = 4 * catchUpLookback
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS participants (
		id              TEXT PRIMARY KEY,
		callsign        TEXT NOT NULL,
		channel         INTEGER NOT NULL,
		transmitting    BOOLEAN NOT NULL DEFAULT FALSE,
		online          BOOLEAN NOT NULL DEFAULT TRUE,
		signal_strength INTEGER NOT NULL DEFAULT 0,
		last_seen       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS participants_channel ON participants (channel, last_seen)`,
	`CREATE TABLE IF NOT EXISTS signaling_envelopes (
		id      BIGSERIAL PRIMARY KEY,
		from_id TEXT NOT NULL,
		to_id   TEXT NOT NULL,
		channel INTEGER NOT NULL,
		kind    TEXT NOT NULL,
		payload TEXT NOT NULL,
		ts      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS signaling_envelopes_ts ON signaling_envelopes (ts)`,
	`CREATE TABLE IF NOT EXISTS radio_messages (
		id       BIGSERIAL PRIMARY KEY,
		callsign TEXT NOT NULL,
		channel  INTEGER NOT NULL,
		body     TEXT NOT NULL,
		type     TEXT NOT NULL,
		ts       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS radio_messages_channel ON radio_messages (channel, id)`,
	// Row payloads may exceed the NOTIFY size limit, so only keys travel.
	`CREATE OR REPLACE FUNCTION radio_notify() RETURNS trigger AS $$
	BEGIN
		IF TG_OP = 'DELETE' THEN
			PERFORM pg_notify('` + notifyChannel + `', json_build_object('table', TG_TABLE_NAME, 'op', TG_OP, 'id', OLD.id::text)::text);
			RETURN OLD;
		END IF;
		PERFORM pg_notify('` + notifyChannel + `', json_build_object('table', TG_TABLE_NAME, 'op', TG_OP, 'id', NEW.id::text)::text);
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS participants_notify ON participants`,
	`CREATE TRIGGER participants_notify AFTER INSERT OR UPDATE OR DELETE ON participants
		FOR EACH ROW EXECUTE FUNCTION radio_notify()`,
	`DROP TRIGGER IF EXISTS signaling_envelopes_notify ON signaling_envelopes`,
	`CREATE TRIGGER signaling_envelopes_notify AFTER INSERT ON signaling_envelopes
		FOR EACH ROW EXECUTE FUNCTION radio_notify()`,
	`DROP TRIGGER IF EXISTS radio_messages_notify ON radio_messages`,
	`CREATE TRIGGER radio_messages_notify AFTER INSERT ON radio_messages
		FOR EACH ROW EXECUTE FUNCTION radio_notify()`,
}

// Postgres is a relay shared by nodes on different hosts. Triggers publish row
// keys with NOTIFY; a dedicated connection LISTENs and loads the rows.
type Postgres struct {
	pool *pgxpool.Pool
	hub  *hub

	// mu orders publishing of serial rows. Ids are assigned at insert, not at
	// commit, so a lower id can become visible after a higher one.
	mu            sync.Mutex
	envelopeFloor int64
	messageFloor  int64
	lastEnvelope  int64
	lastMessage   int64
	seenEnvelopes *lru.Cache[int64, struct{}]
	seenMessages  *lru.Cache[int64, struct{}]

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Connect creates a pgx connection pool and verifies it with a ping.
func Connect(ctx context.Context, dsn string, opts ...func(*pgxpool.Config)) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(normalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 4
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// normalizeDSN strips driver suffixes other ecosystems put in .env files.
func normalizeDSN(dsn string) string {
	s := strings.TrimSpace(dsn)
	for _, suffix := range []string{"+asyncpg", "+pgx"} {
		s = strings.Replace(s, "postgresql"+suffix+"://", "postgresql://", 1)
		s = strings.Replace(s, "postgres"+suffix+"://", "postgres://", 1)
	}
	return s
}

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres: empty dsn")
	}
	pool, err := Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres: schema: %w", err)
		}
	}

	p := &Postgres{pool: pool, hub: newHub()}
	p.seenEnvelopes, _ = lru.New[int64, struct{}](seenRows)
	p.seenMessages, _ = lru.New[int64, struct{}](seenRows)
	err = pool.QueryRow(ctx, `SELECT
		(SELECT COALESCE(MAX(id), 0) FROM signaling_envelopes),
		(SELECT COALESCE(MAX(id), 0) FROM radio_messages)`).Scan(&p.lastEnvelope, &p.lastMessage)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: cursors: %w", err)
	}
	p.envelopeFloor, p.messageFloor = p.lastEnvelope, p.lastMessage

	listenCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.listen(listenCtx)

	log.Info().Str("module", "relay.postgres").Msg("connected")
	return p, nil
}

func (p *Postgres) UpsertParticipant(ctx context.Context, row domain.Participant) (domain.Participant, error) {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO participants (id, callsign, channel, transmitting, online, signal_strength, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id)
		DO UPDATE SET callsign = EXCLUDED.callsign,
		              channel = EXCLUDED.channel,
		              transmitting = EXCLUDED.transmitting,
		              online = EXCLUDED.online,
		              signal_strength = EXCLUDED.signal_strength,
		              last_seen = EXCLUDED.last_seen
	`, string(row.ID), row.Callsign, int(row.Channel), row.Transmitting, row.Online, row.SignalStrength, row.LastSeen)
	if err != nil {
		return row, fmt.Errorf("postgres: upsert participant: %w", err)
	}
	return row, nil
}

func (p *Postgres) UpdateParticipant(ctx context.Context, id domain.ParticipantID, patch core.ParticipantPatch) error {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Channel != nil {
		add("channel", int(*patch.Channel))
	}
	if patch.Transmitting != nil {
		add("transmitting", *patch.Transmitting)
	}
	if patch.Online != nil {
		add("online", *patch.Online)
	}
	if patch.SignalStrength != nil {
		add("signal_strength", *patch.SignalStrength)
	}
	if !patch.LastSeen.IsZero() {
		add("last_seen", patch.LastSeen)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, string(id))

	tag, err := p.pool.Exec(ctx, fmt.Sprintf("UPDATE participants SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args)), args...)
	if err != nil {
		return fmt.Errorf("postgres: update participant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: participant %s", ErrNotFound, id)
	}
	return nil
}

func (p *Postgres) QueryParticipants(ctx context.Context, f core.ParticipantFilter) ([]domain.Participant, error) {
	var (
		where []string
		args  []any
	)
	if f.Channel != nil {
		args = append(args, int(*f.Channel))
		where = append(where, fmt.Sprintf("channel = $%d", len(args)))
	}
	if f.OnlineOnly {
		where = append(where, "online")
	}
	if !f.SeenSince.IsZero() {
		args = append(args, f.SeenSince)
		where = append(where, fmt.Sprintf("last_seen >= $%d", len(args)))
	}
	q := "SELECT " + participantColumns + " FROM participants"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY callsign, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query participants: %w", err)
	}
	out, err := pgx.CollectRows(rows, collectParticipant)
	if err != nil {
		return nil, fmt.Errorf("postgres: query participants: %w", err)
	}
	return out, nil
}

func collectParticipant(row pgx.CollectableRow) (domain.Participant, error) {
	var (
		p       domain.Participant
		id      string
		channel int
	)
	err := row.Scan(&id, &p.Callsign, &channel, &p.Transmitting, &p.Online, &p.SignalStrength, &p.LastSeen)
	p.ID = domain.ParticipantID(id)
	p.Channel = domain.ChannelIndex(channel)
	return p, err
}

func (p *Postgres) InsertEnvelope(ctx context.Context, env domain.Envelope) error {
	if err := checkEnvelope(env); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO signaling_envelopes (from_id, to_id, channel, kind, payload, ts)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, string(env.From), string(env.To), int(env.Channel), string(env.Kind), env.Payload, env.Timestamp)
	if err != nil {
		return fmt.Errorf("postgres: insert envelope: %w", err)
	}
	return nil
}

func (p *Postgres) PurgeEnvelopes(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM signaling_envelopes WHERE ts < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge envelopes: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) InsertMessage(ctx context.Context, m domain.Message) error {
	if err := checkMessage(m); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO radio_messages (callsign, channel, body, type, ts)
		VALUES ($1, $2, $3, $4, $5)
	`, m.Callsign, int(m.Channel), m.Body, string(m.Type), m.Timestamp)
	if err != nil {
		return fmt.Errorf("postgres: insert message: %w", err)
	}
	return nil
}

func (p *Postgres) QueryMessages(ctx context.Context, channel domain.ChannelIndex, limit int) ([]domain.Message, error) {
	q := `SELECT id, callsign, channel, body, type, ts FROM radio_messages WHERE channel = $1 ORDER BY id DESC`
	args := []any{int(channel)}
	if limit > 0 {
		q += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query messages: %w", err)
	}
	out, err := pgx.CollectRows(rows, collectMessage)
	if err != nil {
		return nil, fmt.Errorf("postgres: query messages: %w", err)
	}
	reverse(out)
	return out, nil
}

func collectMessage(row pgx.CollectableRow) (domain.Message, error) {
	var (
		m       domain.Message
		channel int
		typ     string
	)
	err := row.Scan(&m.ID, &m.Callsign, &channel, &m.Body, &typ, &m.Timestamp)
	m.Channel = domain.ChannelIndex(channel)
	m.Type = domain.MessageType(typ)
	return m, err
}

func collectEnvelope(row pgx.CollectableRow) (domain.Envelope, error) {
	var (
		env            domain.Envelope
		from, to, kind string
		channel        int
	)
	err := row.Scan(&env.ID, &from, &to, &channel, &kind, &env.Payload, &env.Timestamp)
	env.From, env.To = domain.ParticipantID(from), domain.ParticipantID(to)
	env.Channel = domain.ChannelIndex(channel)
	env.Kind = domain.EnvelopeKind(kind)
	return env, err
}

func (p *Postgres) Subscribe(table core.Table, mask core.EventKind, fn func(core.Event)) (core.Subscription, error) {
	return p.hub.subscribe(table, mask, fn)
}

func (p *Postgres) Close() error {
	p.once.Do(func() {
		p.cancel()
		<-p.done
		p.hub.close()
		p.pool.Close()
	})
	return nil
}

type notification struct {
	Table string `json:"table"`
	Op    string `json:"op"`
	ID    string `json:"id"`
}

// listen keeps a LISTEN connection open, reconnecting with backoff.
func (p *Postgres) listen(ctx context.Context) {
	defer close(p.done)
	backoff := time.Second
	for {
		connected, err := p.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = time.Second
		}
		log.Warn().Err(err).Str("module", "relay.postgres").Dur("retry_in", backoff).Msg("listener lost")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

func (p *Postgres) listenOnce(ctx context.Context) (connected bool, err error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return false, err
	}
	// Rows inserted while no listener was attached.
	if err := p.catchUp(ctx); err != nil {
		log.Warn().Err(err).Str("module", "relay.postgres").Msg("catch up")
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return true, err
		}
		var note notification
		if err := json.Unmarshal([]byte(n.Payload), &note); err != nil {
			log.Warn().Err(err).Str("module", "relay.postgres").Msg("bad notification")
			continue
		}
		if err := p.dispatch(ctx, note); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("module", "relay.postgres").Str("table", note.Table).Msg("dispatch")
		}
	}
}

func (p *Postgres) dispatch(ctx context.Context, note notification) error {
	switch core.Table(note.Table) {
	case core.TableParticipants:
		return p.dispatchParticipant(ctx, note)
	case core.TableEnvelopes, core.TableMessages:
		id, err := strconv.ParseInt(note.ID, 10, 64)
		if err != nil {
			return fmt.Errorf("notification id %q: %w", note.ID, err)
		}
		if core.Table(note.Table) == core.TableEnvelopes {
			return p.loadEnvelopes(ctx, "id = $1", id)
		}
		return p.loadMessages(ctx, "id = $1", id)
	}
	return nil
}

func (p *Postgres) dispatchParticipant(ctx context.Context, note notification) error {
	id := domain.ParticipantID(note.ID)
	if note.Op == "DELETE" {
		p.hub.publish(core.Event{Table: core.TableParticipants, Kind: core.EventDelete, Participant: &domain.Participant{ID: id}})
		return nil
	}
	rows, err := p.pool.Query(ctx, "SELECT "+participantColumns+" FROM participants WHERE id = $1", string(id))
	if err != nil {
		return err
	}
	row, err := pgx.CollectOneRow(rows, collectParticipant)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	kind := core.EventUpdate
	if note.Op == "INSERT" {
		kind = core.EventInsert
	}
	p.hub.publish(core.Event{Table: core.TableParticipants, Kind: kind, Participant: &row})
	return nil
}

// catchUp rescans rows that may have committed while no listener was
// attached. Rows already published are skipped.
func (p *Postgres) catchUp(ctx context.Context) error {
	p.mu.Lock()
	envFrom := max(p.lastEnvelope-catchUpLookback, p.envelopeFloor)
	msgFrom := max(p.lastMessage-catchUpLookback, p.messageFloor)
	p.mu.Unlock()

	if err := p.loadEnvelopes(ctx, "id > $1", envFrom); err != nil {
		return err
	}
	return p.loadMessages(ctx, "id > $1", msgFrom)
}

func (p *Postgres) loadEnvelopes(ctx context.Context, where string, arg int64) error {
	rows, err := p.pool.Query(ctx, `SELECT id, from_id, to_id, channel, kind, payload, ts
		FROM signaling_envelopes WHERE `+where+` ORDER BY id`, arg)
	if err != nil {
		return err
	}
	envs, err := pgx.CollectRows(rows, collectEnvelope)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range envs {
		if !firstSight(p.seenEnvelopes, &p.lastEnvelope, envs[i].ID) {
			continue
		}
		p.hub.publish(core.Event{Table: core.TableEnvelopes, Kind: core.EventInsert, Envelope: &envs[i]})
	}
	return nil
}

func (p *Postgres) loadMessages(ctx context.Context, where string, arg int64) error {
	rows, err := p.pool.Query(ctx, `SELECT id, callsign, channel, body, type, ts
		FROM radio_messages WHERE `+where+` ORDER BY id`, arg)
	if err != nil {
		return err
	}
	msgs, err := pgx.CollectRows(rows, collectMessage)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range msgs {
		if !firstSight(p.seenMessages, &p.lastMessage, msgs[i].ID) {
			continue
		}
		p.hub.publish(core.Event{Table: core.TableMessages, Kind: core.EventInsert, Message: &msgs[i]})
	}
	return nil
}

// firstSight records id and reports whether it was new.
func firstSight(seen *lru.Cache[int64, struct{}], cursor *int64, id int64) bool {
	if dup, _ := seen.ContainsOrAdd(id, struct{}{}); dup {
		return false
	}
	*cursor = max(*cursor, id)
	return true
}
