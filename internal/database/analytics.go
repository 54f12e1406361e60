package database

import (
	"context"
	"fmt"
	"time"

	"flashoffer-dispatch/internal/models"
)

// InsertAnalytics appends one push analytics row.
func (db *DB) InsertAnalytics(ctx context.Context, rec models.PushAnalyticsRecord) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO push_analytics (id, offer_id, recipient_count, success_count, failure_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OfferID, rec.RecipientCount, rec.SuccessCount, rec.FailureCount,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return persistenceError("failed to insert push analytics", err)
	}
	return nil
}

// ListAnalytics returns the analytics rows of an offer, oldest first.
func (db *DB) ListAnalytics(ctx context.Context, offerID string) ([]models.PushAnalyticsRecord, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, offer_id, recipient_count, success_count, failure_count, created_at
		FROM push_analytics WHERE offer_id = ? ORDER BY created_at`, offerID)
	if err != nil {
		return nil, persistenceError("failed to query push analytics", err)
	}
	defer rows.Close()

	var records []models.PushAnalyticsRecord
	for rows.Next() {
		var (
			rec        models.PushAnalyticsRecord
			createdStr string
		)
		if err := rows.Scan(&rec.ID, &rec.OfferID, &rec.RecipientCount, &rec.SuccessCount, &rec.FailureCount, &createdStr); err != nil {
			return nil, fmt.Errorf("failed to scan push analytics: %w", err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("error iterating push analytics", err)
	}
	return records, nil
}
