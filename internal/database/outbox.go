package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"flashoffer-dispatch/internal/models"
)

// EnqueuePushSent records that an offer was delivered but its push_sent flag
// still has to be persisted. Enqueueing an existing entry bumps its attempts.
func (db *DB) EnqueuePushSent(ctx context.Context, offerID string, cause error) error {
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO push_sent_outbox (offer_id, created_at, attempts, last_error)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(offer_id) DO UPDATE SET
			attempts = push_sent_outbox.attempts + 1,
			last_error = excluded.last_error`,
		offerID, time.Now().UTC().Format(time.RFC3339), lastErr)
	if err != nil {
		return persistenceError("failed to enqueue push_sent outbox entry", err)
	}
	return nil
}

// HasPendingPushSent reports whether an offer has an outbox entry.
func (db *DB) HasPendingPushSent(ctx context.Context, offerID string) (bool, error) {
	var one int
	err := db.conn.QueryRowContext(ctx,
		`SELECT 1 FROM push_sent_outbox WHERE offer_id = ?`, offerID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, persistenceError("failed to read push_sent outbox", err)
	}
	return true, nil
}

// ListPendingPushSent returns up to limit outbox entries, oldest first.
func (db *DB) ListPendingPushSent(ctx context.Context, limit int) ([]models.OutboxEntry, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT offer_id, created_at, attempts, last_error FROM push_sent_outbox
		ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, persistenceError("failed to query push_sent outbox", err)
	}
	defer rows.Close()

	var entries []models.OutboxEntry
	for rows.Next() {
		var (
			e          models.OutboxEntry
			createdStr string
		)
		if err := rows.Scan(&e.OfferID, &createdStr, &e.Attempts, &e.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("error iterating push_sent outbox", err)
	}
	return entries, nil
}

// DeletePendingPushSent removes an outbox entry.
func (db *DB) DeletePendingPushSent(ctx context.Context, offerID string) error {
	if _, err := db.conn.ExecContext(ctx,
		`DELETE FROM push_sent_outbox WHERE offer_id = ?`, offerID); err != nil {
		return persistenceError("failed to delete push_sent outbox entry", err)
	}
	return nil
}
