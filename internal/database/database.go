package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"flashoffer-dispatch/internal/apperror"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("database: not found")

// chunkSize bounds the number of bound parameters in IN (...) lookups.
const chunkSize = 500

// DB wraps the database connection and provides methods for data access.
type DB struct {
	conn *sql.DB
}

// NewDB creates a new database connection and initializes the schema.
func NewDB(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1&_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; one connection keeps concurrent callers queued
	// in the pool instead of failing with SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// NewFromConn wraps an existing connection without touching the schema.
func NewFromConn(conn *sql.DB) *DB {
	return &DB{conn: conn}
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS venues (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			latitude REAL,
			longitude REAL,
			subscription_tier TEXT NOT NULL DEFAULT 'free'
		)`,
		`CREATE TABLE IF NOT EXISTS flash_offers (
			id TEXT PRIMARY KEY,
			venue_id TEXT NOT NULL REFERENCES venues(id),
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			max_claims INTEGER NOT NULL DEFAULT 0,
			claimed_count INTEGER NOT NULL DEFAULT 0,
			start_time TEXT NOT NULL,
			end_time TEXT NOT NULL,
			radius_miles REAL NOT NULL DEFAULT 0,
			target_favorites_only INTEGER NOT NULL DEFAULT 0,
			push_sent INTEGER NOT NULL DEFAULT 0,
			cancelled INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS favorites (
			user_id TEXT NOT NULL,
			venue_id TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, venue_id)
		)`,
		`CREATE TABLE IF NOT EXISTS user_locations (
			user_id TEXT PRIMARY KEY,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS notification_preferences (
			user_id TEXT PRIMARY KEY,
			flash_offers_enabled INTEGER NOT NULL DEFAULT 1,
			quiet_hours_start TEXT,
			quiet_hours_end TEXT,
			timezone TEXT NOT NULL DEFAULT '',
			max_distance_miles REAL
		)`,
		`CREATE TABLE IF NOT EXISTS device_tokens (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			token TEXT NOT NULL,
			platform TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			last_used_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS rate_limit_counters (
			scope_type TEXT NOT NULL,
			scope_id TEXT NOT NULL,
			window_start INTEGER NOT NULL,
			count INTEGER NOT NULL CHECK (count >= 0),
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (scope_type, scope_id)
		)`,
		`CREATE TABLE IF NOT EXISTS push_analytics (
			id TEXT PRIMARY KEY,
			offer_id TEXT NOT NULL,
			recipient_count INTEGER NOT NULL,
			success_count INTEGER NOT NULL,
			failure_count INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			CHECK (success_count + failure_count = recipient_count)
		)`,
		`CREATE TABLE IF NOT EXISTS push_sent_outbox (
			offer_id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_favorites_venue ON favorites(venue_id)`,
		`CREATE INDEX IF NOT EXISTS idx_user_locations_lat_lng ON user_locations(latitude, longitude)`,
		`CREATE INDEX IF NOT EXISTS idx_device_tokens_user_active ON device_tokens(user_id, is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_push_analytics_offer ON push_analytics(offer_id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// persistenceError classifies a driver error. Lock contention and deadlines
// are transient, everything else is terminal.
func persistenceError(message string, err error) error {
	return apperror.Persistence(isTransient(err), message, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// placeholders returns "?,?,...,?" with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

// chunks splits ids into slices of at most chunkSize.
func chunks(ids []string) [][]string {
	var out [][]string
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
