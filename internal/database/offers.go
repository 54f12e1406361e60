package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"flashoffer-dispatch/internal/models"
)

// UpsertVenue creates or updates a venue. Venues are owned by the CRUD
// layer; this is used by fixtures and the seed command.
func (db *DB) UpsertVenue(ctx context.Context, venue models.Venue) error {
	tier := venue.SubscriptionTier
	if tier == "" {
		tier = models.TierFree
	}

	query := `INSERT INTO venues (id, name, latitude, longitude, subscription_tier)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			subscription_tier = excluded.subscription_tier`

	_, err := db.conn.ExecContext(ctx, query,
		venue.ID,
		venue.Name,
		nullFloat(venue.Latitude),
		nullFloat(venue.Longitude),
		string(tier),
	)
	if err != nil {
		return persistenceError("failed to upsert venue", err)
	}
	return nil
}

// GetVenue returns a venue by id.
func (db *DB) GetVenue(ctx context.Context, id string) (models.Venue, error) {
	var (
		venue    models.Venue
		lat, lng sql.NullFloat64
		tier     string
	)

	err := db.conn.QueryRowContext(ctx,
		`SELECT id, name, latitude, longitude, subscription_tier FROM venues WHERE id = ?`, id,
	).Scan(&venue.ID, &venue.Name, &lat, &lng, &tier)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Venue{}, ErrNotFound
	}
	if err != nil {
		return models.Venue{}, persistenceError("failed to load venue", err)
	}

	venue.Latitude = floatPtr(lat)
	venue.Longitude = floatPtr(lng)
	venue.SubscriptionTier = models.SubscriptionTier(tier)
	return venue, nil
}

// UpsertOffer creates or updates an offer. push_sent is never overwritten by
// an update.
func (db *DB) UpsertOffer(ctx context.Context, offer models.FlashOffer) error {
	createdAt := offer.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `INSERT INTO flash_offers (
		id, venue_id, title, description, max_claims, claimed_count,
		start_time, end_time, radius_miles, target_favorites_only,
		push_sent, cancelled, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		venue_id = excluded.venue_id,
		title = excluded.title,
		description = excluded.description,
		max_claims = excluded.max_claims,
		claimed_count = excluded.claimed_count,
		start_time = excluded.start_time,
		end_time = excluded.end_time,
		radius_miles = excluded.radius_miles,
		target_favorites_only = excluded.target_favorites_only,
		cancelled = excluded.cancelled`

	_, err := db.conn.ExecContext(ctx, query,
		offer.ID,
		offer.VenueID,
		offer.Title,
		offer.Description,
		offer.MaxClaims,
		offer.ClaimedCount,
		offer.StartTime.UTC().Format(time.RFC3339),
		offer.EndTime.UTC().Format(time.RFC3339),
		offer.RadiusMiles,
		boolToInt(offer.TargetFavoritesOnly),
		boolToInt(offer.PushSent),
		boolToInt(offer.Cancelled),
		createdAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return persistenceError("failed to upsert offer", err)
	}
	return nil
}

// GetOffer returns an offer by id.
func (db *DB) GetOffer(ctx context.Context, id string) (models.FlashOffer, error) {
	var (
		offer                           models.FlashOffer
		startStr, endStr, createdStr    string
		favoritesOnly, pushSent, cancel int
	)

	err := db.conn.QueryRowContext(ctx,
		`SELECT id, venue_id, title, description, max_claims, claimed_count,
			start_time, end_time, radius_miles, target_favorites_only,
			push_sent, cancelled, created_at
		FROM flash_offers WHERE id = ?`, id,
	).Scan(
		&offer.ID,
		&offer.VenueID,
		&offer.Title,
		&offer.Description,
		&offer.MaxClaims,
		&offer.ClaimedCount,
		&startStr,
		&endStr,
		&offer.RadiusMiles,
		&favoritesOnly,
		&pushSent,
		&cancel,
		&createdStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.FlashOffer{}, ErrNotFound
	}
	if err != nil {
		return models.FlashOffer{}, persistenceError("failed to load offer", err)
	}

	offer.TargetFavoritesOnly = favoritesOnly == 1
	offer.PushSent = pushSent == 1
	offer.Cancelled = cancel == 1

	if offer.StartTime, err = time.Parse(time.RFC3339, startStr); err != nil {
		return models.FlashOffer{}, fmt.Errorf("failed to parse start_time: %w", err)
	}
	if offer.EndTime, err = time.Parse(time.RFC3339, endStr); err != nil {
		return models.FlashOffer{}, fmt.Errorf("failed to parse end_time: %w", err)
	}
	// created_at may come from the CURRENT_TIMESTAMP default.
	if offer.CreatedAt, err = parseTimestamp(createdStr); err != nil {
		return models.FlashOffer{}, fmt.Errorf("failed to parse created_at: %w", err)
	}

	return offer, nil
}

// MarkPushSent flips push_sent from false to true. It reports whether this
// call performed the flip; false means another invocation already did.
func (db *DB) MarkPushSent(ctx context.Context, offerID string) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE flash_offers SET push_sent = 1 WHERE id = ? AND push_sent = 0`, offerID)
	if err != nil {
		return false, persistenceError("failed to mark offer sent", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistenceError("failed to read mark-sent result", err)
	}
	return n == 1, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", s)
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
