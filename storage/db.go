package storage

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

var (
	// ErrScheduleNotFound is returned when no schedule row matches a job id
	ErrScheduleNotFound = errors.New("storage: schedule not found")
	// ErrOccupancyNotFound is returned when a desk has no occupancy record
	ErrOccupancyNotFound = errors.New("storage: occupancy record not found")
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		job_id TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL,
		action TEXT NOT NULL,
		position_mm INTEGER NOT NULL,
		hour INTEGER NOT NULL,
		minute INTEGER NOT NULL,
		day_of_week TEXT NOT NULL DEFAULT '*',
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS occupancy_records (
		id TEXT PRIMARY KEY,
		desk_id TEXT NOT NULL,
		occupied INTEGER NOT NULL,
		timestamp TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_active ON schedules(is_active)`,
	`CREATE INDEX IF NOT EXISTS idx_occupancy_desk_ts ON occupancy_records(desk_id, timestamp)`,
}

// DB owns the SQLite handle shared by the repositories
type DB struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a DB
type Option func(*DB)

// WithLogger sets the logger used to report unreadable rows
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// Open connects to the database named by dsn and creates the schema.
// A "sqlite://" prefix is accepted; ":memory:" gives a private in-memory
// database.
func Open(ctx context.Context, dsn string, options ...Option) (*DB, error) {
	path := strings.TrimPrefix(strings.TrimSpace(dsn), "sqlite://")
	if path == "" {
		return nil, errors.New("storage: empty database path")
	}

	sqlDB, err := sql.Open(driverName, path)
	if err != nil {
		return nil, errors.Wrap(err, "storage: open database")
	}
	// SQLite allows a single writer; an in-memory database only exists on
	// its own connection.
	sqlDB.SetMaxOpenConns(1)

	d := New(sqlDB, options...)
	if err := d.Migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return d, nil
}

// New wraps an existing handle without touching the schema
func New(db *sql.DB, options ...Option) *DB {
	d := &DB{db: db, now: time.Now, logger: slog.Default()}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// Migrate creates missing tables and indexes
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "storage: initialize schema")
		}
	}
	return nil
}

// Ping verifies the database is reachable
func (d *DB) Ping(ctx context.Context) error {
	return errors.Wrap(d.db.PingContext(ctx), "storage: ping")
}

// Close closes the underlying handle
func (d *DB) Close() error {
	return d.db.Close()
}

// Schedules returns the schedule repository
func (d *DB) Schedules() *ScheduleRepository {
	return &ScheduleRepository{db: d.db, now: d.now, logger: d.logger}
}

// Occupancy returns the occupancy record repository
func (d *DB) Occupancy() *OccupancyRepository {
	return &OccupancyRepository{db: d.db, now: d.now}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// timeLayouts are tried in order. Timestamps without a zone are UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

func parseTime(s string) (time.Time, error) {
	var err error
	for _, layout := range timeLayouts {
		var t time.Time
		if t, err = time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Wrapf(err, "storage: parse timestamp %q", s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
