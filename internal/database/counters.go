package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"flashoffer-dispatch/internal/models"
)

// incrementQuery opens a new window when none exists or the stored one has
// expired, and otherwise increments only while count < limit. A non-positive
// limit is unbounded. When the WHERE clause rejects the update no row is
// returned.
const incrementQuery = `INSERT INTO rate_limit_counters (scope_type, scope_id, window_start, count, expires_at)
VALUES (:scope_type, :scope_id, :now, 1, :expires_at)
ON CONFLICT(scope_type, scope_id) DO UPDATE SET
	window_start = CASE WHEN rate_limit_counters.expires_at <= :now THEN :now ELSE rate_limit_counters.window_start END,
	count = CASE WHEN rate_limit_counters.expires_at <= :now THEN 1 ELSE rate_limit_counters.count + 1 END,
	expires_at = CASE WHEN rate_limit_counters.expires_at <= :now THEN :expires_at ELSE rate_limit_counters.expires_at END
WHERE rate_limit_counters.expires_at <= :now
	OR :max_count <= 0
	OR rate_limit_counters.count < :max_count
RETURNING window_start, count, expires_at`

// IncrementIfBelow atomically increments the (scope, id) counter unless it has
// reached limit within the current window. It returns the counter after the
// call and whether the increment was applied. Rejected calls leave the
// counter unchanged.
func (db *DB) IncrementIfBelow(ctx context.Context, scope models.ScopeType, id string, limit int, window time.Duration, now time.Time) (models.RateLimitCounter, bool, error) {
	var windowStart, count, expiresAt int64

	err := db.conn.QueryRowContext(ctx, incrementQuery,
		sql.Named("scope_type", string(scope)),
		sql.Named("scope_id", id),
		sql.Named("now", now.UnixMilli()),
		sql.Named("expires_at", now.Add(window).UnixMilli()),
		sql.Named("max_count", limit),
	).Scan(&windowStart, &count, &expiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		current, peekErr := db.Peek(ctx, scope, id, now)
		if peekErr != nil {
			return models.RateLimitCounter{}, false, peekErr
		}
		return current, false, nil
	}
	if err != nil {
		return models.RateLimitCounter{}, false, persistenceError("failed to increment rate limit counter", err)
	}

	return models.RateLimitCounter{
		ScopeType:   scope,
		ScopeID:     id,
		WindowStart: time.UnixMilli(windowStart).UTC(),
		Count:       int(count),
		ExpiresAt:   time.UnixMilli(expiresAt).UTC(),
	}, true, nil
}

// Release gives back one unit of an unexpired counter. A counter at zero or
// in an expired window is left alone.
func (db *DB) Release(ctx context.Context, scope models.ScopeType, id string, now time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE rate_limit_counters SET count = count - 1
		WHERE scope_type = ? AND scope_id = ? AND expires_at > ? AND count > 0`,
		string(scope), id, now.UnixMilli())
	if err != nil {
		return persistenceError("failed to release rate limit counter", err)
	}
	return nil
}

// Peek returns the counter for the current window without changing it. An
// absent or expired counter has Count 0 and zero times.
func (db *DB) Peek(ctx context.Context, scope models.ScopeType, id string, now time.Time) (models.RateLimitCounter, error) {
	var windowStart, count, expiresAt int64

	err := db.conn.QueryRowContext(ctx,
		`SELECT window_start, count, expires_at FROM rate_limit_counters
		WHERE scope_type = ? AND scope_id = ? AND expires_at > ?`,
		string(scope), id, now.UnixMilli(),
	).Scan(&windowStart, &count, &expiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return models.RateLimitCounter{ScopeType: scope, ScopeID: id}, nil
	}
	if err != nil {
		return models.RateLimitCounter{}, persistenceError("failed to read rate limit counter", err)
	}

	return models.RateLimitCounter{
		ScopeType:   scope,
		ScopeID:     id,
		WindowStart: time.UnixMilli(windowStart).UTC(),
		Count:       int(count),
		ExpiresAt:   time.UnixMilli(expiresAt).UTC(),
	}, nil
}

// SetCounter overwrites a counter row. Used by fixtures to simulate prior
// usage.
func (db *DB) SetCounter(ctx context.Context, c models.RateLimitCounter) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO rate_limit_counters (scope_type, scope_id, window_start, count, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scope_type, scope_id) DO UPDATE SET
			window_start = excluded.window_start,
			count = excluded.count,
			expires_at = excluded.expires_at`,
		string(c.ScopeType), c.ScopeID, c.WindowStart.UnixMilli(), c.Count, c.ExpiresAt.UnixMilli())
	if err != nil {
		return persistenceError("failed to set rate limit counter", err)
	}
	return nil
}
