package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/yegors/flightwatch/internal/tracker"
	"github.com/yegors/flightwatch/pkg/logger"
)

// Timestamps are stored as fixed width UTC text so they sort lexically
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store is a SQLite-based flight and fix store
type Store struct {
	db     *sql.DB
	q      querier
	tx     *sql.Tx // set on the view handed out by Atomically
	logger *logger.Logger
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var _ tracker.Store = (*Store)(nil)
var _ tracker.History = (*Store)(nil)

// New opens (or creates) the database at dbPath
func New(dbPath string, log *logger.Logger) (*Store, error) {
	storageLogger := log.Named("sqlite")

	storageLogger.Info("Initializing SQLite storage",
		logger.String("path", dbPath))

	// foreign_keys is a per-connection setting, so it goes into the DSN
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=10000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %q: %w", p, err)
		}
	}

	if err := initDatabase(db, storageLogger); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, q: db, logger: storageLogger}, nil
}

// Atomically runs fn in one transaction. Every write made through the store
// passed to fn commits when fn returns nil and is rolled back otherwise.
func (s *Store) Atomically(ctx context.Context, fn func(tracker.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&Store{db: s.db, q: tx, tx: tx, logger: s.logger}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to roll back transaction", logger.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// initDatabase initializes the database schema
func initDatabase(db *sql.DB, log *logger.Logger) error {
	log.Info("Initializing database schema")

	// The full flight is kept as JSON in data; the columns exist for
	// constraints and lookups
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS flights (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			callsign TEXT,
			takeoff_time TEXT,
			landing_time TEXT,
			timed_out_at TEXT,
			first_fix_at TEXT NOT NULL,
			last_fix_at TEXT NOT NULL,
			departure_airport TEXT,
			arrival_airport TEXT,
			data TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			CHECK (landing_time IS NULL OR timed_out_at IS NULL)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create flights table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS fixes (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			flight_id TEXT REFERENCES flights(id),
			timestamp TEXT NOT NULL,
			received_at TEXT,
			lat REAL NOT NULL,
			lon REAL NOT NULL,
			alt_msl INTEGER,
			alt_agl INTEGER,
			agl_valid INTEGER NOT NULL DEFAULT 0,
			gs REAL,
			track REAL,
			climb INTEGER,
			on_ground INTEGER,
			callsign TEXT,
			squawk TEXT,
			category TEXT,
			source TEXT,
			metadata TEXT,
			raw_message_id TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create fixes table: %w", err)
	}

	indexes := []struct{ name, sql string }{
		// At most one open flight per device
		{"idx_flights_one_open", `CREATE UNIQUE INDEX IF NOT EXISTS idx_flights_one_open ON flights(device_id)
			WHERE landing_time IS NULL AND timed_out_at IS NULL`},
		{"idx_flights_device_first_fix", `CREATE INDEX IF NOT EXISTS idx_flights_device_first_fix ON flights(device_id, first_fix_at DESC)`},
		{"idx_flights_device_last_fix", `CREATE INDEX IF NOT EXISTS idx_flights_device_last_fix ON flights(device_id, last_fix_at DESC)`},
		{"idx_fixes_device_timestamp", `CREATE INDEX IF NOT EXISTS idx_fixes_device_timestamp ON fixes(device_id, timestamp DESC)`},
		{"idx_fixes_flight", `CREATE INDEX IF NOT EXISTS idx_fixes_flight ON fixes(flight_id, timestamp)`},
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx.sql); err != nil {
			return fmt.Errorf("failed to create index %s: %w", idx.name, err)
		}
	}

	log.Info("Database schema initialized successfully")
	return nil
}

// constraintCode returns the extended result code of a constraint violation, or 0
func constraintCode(err error) int {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return constraintCode(err) == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func isForeignKeyViolation(err error) bool {
	return constraintCode(err) == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY
}

func isCheckViolation(err error) bool {
	return constraintCode(err) == sqlite3.SQLITE_CONSTRAINT_CHECK
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
