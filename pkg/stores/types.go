package stores

import (
	"context"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/openfroyo/deployd/pkg/engine"
)

// Driver names accepted in Config.Driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds work record store configuration.
type Config struct {
	// Driver selects the backend (sqlite or postgres). Empty means sqlite.
	Driver string `yaml:"driver" validate:"omitempty,oneof=sqlite postgres"`

	// Path is the SQLite database file, or ":memory:".
	Path string `yaml:"path" validate:"required_unless=Driver postgres"`

	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn" validate:"required_if=Driver postgres"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// Store is a migrated, closable work record store.
type Store interface {
	engine.Store

	// Migrate brings the schema up to date.
	Migrate(ctx context.Context) error

	// HealthCheck verifies the database is reachable.
	HealthCheck(ctx context.Context) error

	// GetComponentStatus returns the last known status of a component in an
	// environment, or ResultStatusNotSet when it was never deployed there.
	GetComponentStatus(ctx context.Context, environment, component string) (engine.ResultStatus, error)

	Close() error
}

// Open creates, initializes and migrates the store selected by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	var (
		store interface {
			Store
			Init(ctx context.Context) error
		}
		err error
	)
	switch cfg.Driver {
	case "", DriverSQLite:
		store, err = NewSQLiteStore(cfg)
	case DriverPostgres:
		store, err = NewPostgresStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// timeLayout is fixed width so that SQLite text timestamps compare in order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// nullTime scans timestamps stored either as text (SQLite) or natively (Postgres).
type nullTime struct {
	Time  time.Time
	Valid bool
}

// Scan implements sql.Scanner.
func (t *nullTime) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("cannot scan %T into timestamp", value)
	}
}

func (t *nullTime) parse(s string) error {
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	t.Time, t.Valid = parsed.UTC(), true
	return nil
}

// Ptr returns the time or nil when the column was NULL.
func (t nullTime) Ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	tt := t.Time
	return &tt
}

// textTime encodes timestamps for SQLite text columns.
type textTime time.Time

// Value implements driver.Valuer.
func (t textTime) Value() (driver.Value, error) {
	return time.Time(t).UTC().Format(timeLayout), nil
}
