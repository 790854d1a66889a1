package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yegors/flightwatch/internal/config"
	"github.com/yegors/flightwatch/internal/reference"
	"github.com/yegors/flightwatch/internal/tracker"
	"github.com/yegors/flightwatch/pkg/logger"
)

// SQLSTATE codes mapped onto tracker errors
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeCheckViolation      = "23514"
)

// Store keeps flights, fixes and reference data in PostgreSQL
type Store struct {
	pool   *pgxpool.Pool
	q      querier
	tx     pgx.Tx // set on the view handed out by Atomically
	logger *logger.Logger
}

// querier is satisfied by both the pool and a transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ tracker.Store    = (*Store)(nil)
	_ tracker.History  = (*Store)(nil)
	_ reference.Source = (*Reference)(nil)
)

// Open connects to PostgreSQL and makes sure the schema exists
func Open(ctx context.Context, cfg config.PostgresConfig, log *logger.Logger) (*Store, error) {
	pgLogger := log.Named("postgres")

	connStr := cfg.URL
	if connStr == "" {
		connStr = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
	}

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{pool: pool, q: pool, logger: pgLogger}
	if err := s.CreateSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	pgLogger.Info("Connected to PostgreSQL",
		logger.String("host", poolCfg.ConnConfig.Host),
		logger.String("database", poolCfg.ConnConfig.Database),
		logger.Int("max_conns", int(poolCfg.MaxConns)))
	return s, nil
}

// Atomically runs fn in one transaction. Every write made through the store
// passed to fn commits when fn returns nil and is rolled back otherwise.
func (s *Store) Atomically(ctx context.Context, fn func(tracker.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&Store{pool: s.pool, q: tx, tx: tx, logger: s.logger})
	})
}

// guarded runs a statement whose failure the caller may recover from. Inside
// a transaction it gets its own savepoint, since a failed statement would
// otherwise abort the whole transaction.
func (s *Store) guarded(ctx context.Context, fn func(q querier) error) error {
	if s.tx == nil {
		return fn(s.q)
	}
	return pgx.BeginFunc(ctx, s.tx, func(sp pgx.Tx) error {
		return fn(sp)
	})
}

// Close closes the connection pool
func (s *Store) Close() {
	s.pool.Close()
}

// Reference returns a reference source backed by the airports and runway_ends tables
func (s *Store) Reference(airportRangeM float64) *Reference {
	return &Reference{pool: s.pool, airportRangeM: airportRangeM}
}

// CreateSchema creates the tables and indexes
func (s *Store) CreateSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS flights (
		id                  UUID PRIMARY KEY,
		device_id           TEXT NOT NULL,
		callsign            TEXT,
		takeoff_time        TIMESTAMPTZ,
		landing_time        TIMESTAMPTZ,
		timed_out_at        TIMESTAMPTZ,
		first_fix_at        TIMESTAMPTZ NOT NULL,
		last_fix_at         TIMESTAMPTZ NOT NULL,
		departure_airport   TEXT,
		arrival_airport     TEXT,
		data                JSONB NOT NULL,
		created_at          TIMESTAMPTZ NOT NULL,
		updated_at          TIMESTAMPTZ NOT NULL,
		CONSTRAINT flights_single_closure CHECK (landing_time IS NULL OR timed_out_at IS NULL)
	);

	-- At most one open flight per device
	CREATE UNIQUE INDEX IF NOT EXISTS idx_flights_one_open ON flights(device_id)
		WHERE landing_time IS NULL AND timed_out_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_flights_device_first_fix ON flights(device_id, first_fix_at DESC);
	CREATE INDEX IF NOT EXISTS idx_flights_device_last_fix ON flights(device_id, last_fix_at DESC);

	CREATE TABLE IF NOT EXISTS fixes (
		id                  UUID PRIMARY KEY,
		device_id           TEXT NOT NULL,
		flight_id           UUID REFERENCES flights(id),
		ts                  TIMESTAMPTZ NOT NULL,
		received_at         TIMESTAMPTZ,
		latitude            DOUBLE PRECISION NOT NULL,
		longitude           DOUBLE PRECISION NOT NULL,
		alt_msl_ft          INTEGER,
		alt_agl_ft          INTEGER,
		agl_valid           BOOLEAN NOT NULL DEFAULT FALSE,
		ground_speed_kts    DOUBLE PRECISION,
		track_deg           DOUBLE PRECISION,
		climb_fpm           INTEGER,
		on_ground           BOOLEAN,
		callsign            TEXT,
		squawk              TEXT,
		category            TEXT,
		source              TEXT,
		metadata            JSONB,
		raw_message_id      TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_fixes_device_ts ON fixes(device_id, ts DESC);
	CREATE INDEX IF NOT EXISTS idx_fixes_flight ON fixes(flight_id, ts);

	-- Reference data
	CREATE TABLE IF NOT EXISTS airports (
		id                  TEXT PRIMARY KEY,
		ident               TEXT NOT NULL,
		name                TEXT,
		type                TEXT,
		latitude            DOUBLE PRECISION NOT NULL,
		longitude           DOUBLE PRECISION NOT NULL,
		elevation_ft        INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_airports_position ON airports(latitude, longitude);

	CREATE TABLE IF NOT EXISTS runway_ends (
		airport_id          TEXT NOT NULL,
		airport_ident       TEXT NOT NULL,
		ident               TEXT NOT NULL,
		latitude            DOUBLE PRECISION NOT NULL,
		longitude           DOUBLE PRECISION NOT NULL,
		elevation_ft        INTEGER,
		heading_true        DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (airport_id, ident)
	);

	CREATE INDEX IF NOT EXISTS idx_runway_ends_position ON runway_ends(latitude, longitude);
	`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
