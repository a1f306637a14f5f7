package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Radio/internal/core"
	"github.com/dkeye/Radio/internal/domain"
)

var (
	ErrNotFound = errors.New("relay: row not found")
	// ErrInvalidRow rejects a write that no reader could interpret.
	ErrInvalidRow = errors.New("relay: invalid row")
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Driver     string
	DSN        string
	SQLitePath string
	// TailInterval is how often the SQLite driver looks for rows written by
	// other processes.
	TailInterval time.Duration
}

// Open builds the relay selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (core.Relay, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		return OpenSQLite(ctx, cfg.SQLitePath, cfg.TailInterval)
	case DriverPostgres:
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("relay: unknown driver %q", cfg.Driver)
	}
}

func checkEnvelope(env domain.Envelope) error {
	if _, err := domain.ParseKind(string(env.Kind)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRow, err)
	}
	if !env.Channel.Valid() {
		return fmt.Errorf("%w: channel %d", ErrInvalidRow, env.Channel)
	}
	return nil
}

func checkMessage(m domain.Message) error {
	if _, err := domain.ParseMessageType(string(m.Type)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRow, err)
	}
	if !m.Channel.Valid() {
		return fmt.Errorf("%w: channel %d", ErrInvalidRow, m.Channel)
	}
	return nil
}
