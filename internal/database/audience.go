package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"flashoffer-dispatch/internal/models"
)

// AddFavorite records that a user favorited a venue.
func (db *DB) AddFavorite(ctx context.Context, userID, venueID string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO favorites (user_id, venue_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		userID, venueID)
	if err != nil {
		return persistenceError("failed to add favorite", err)
	}
	return nil
}

// FavoriteUserIDs returns the distinct users who favorited a venue.
func (db *DB) FavoriteUserIDs(ctx context.Context, venueID string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM favorites WHERE venue_id = ?`, venueID)
	if err != nil {
		return nil, persistenceError("failed to query favorites", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan favorite: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("error iterating favorites", err)
	}
	return ids, nil
}

// UpsertUserLocation stores a user's last known location.
func (db *DB) UpsertUserLocation(ctx context.Context, loc models.UserLocation) error {
	updatedAt := loc.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO user_locations (user_id, latitude, longitude, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			updated_at = excluded.updated_at`,
		loc.UserID, loc.Latitude, loc.Longitude, updatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return persistenceError("failed to upsert user location", err)
	}
	return nil
}

// UsersInBoundingBox returns users whose last known location falls inside the
// given latitude/longitude box. Callers refine the result with an exact
// distance check.
func (db *DB) UsersInBoundingBox(ctx context.Context, minLat, maxLat, minLng, maxLng float64) ([]models.UserLocation, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT user_id, latitude, longitude, updated_at FROM user_locations
		WHERE latitude BETWEEN ? AND ?
		AND longitude BETWEEN ? AND ?`,
		minLat, maxLat, minLng, maxLng)
	if err != nil {
		return nil, persistenceError("failed to query user locations", err)
	}
	defer rows.Close()

	return scanLocations(rows)
}

// GetUserLocations returns the known locations for the given users. Users
// without a location are absent from the result.
func (db *DB) GetUserLocations(ctx context.Context, userIDs []string) (map[string]models.UserLocation, error) {
	out := make(map[string]models.UserLocation, len(userIDs))
	for _, chunk := range chunks(userIDs) {
		err := func() error {
			rows, err := db.conn.QueryContext(ctx,
				`SELECT user_id, latitude, longitude, updated_at FROM user_locations
				WHERE user_id IN (`+placeholders(len(chunk))+`)`,
				stringArgs(chunk)...)
			if err != nil {
				return persistenceError("failed to query user locations", err)
			}
			defer rows.Close()

			locs, err := scanLocations(rows)
			if err != nil {
				return err
			}
			for _, loc := range locs {
				out[loc.UserID] = loc
			}
			return nil
		}()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanLocations(rows *sql.Rows) ([]models.UserLocation, error) {
	var locs []models.UserLocation
	for rows.Next() {
		var (
			loc        models.UserLocation
			updatedStr string
		)
		if err := rows.Scan(&loc.UserID, &loc.Latitude, &loc.Longitude, &updatedStr); err != nil {
			return nil, fmt.Errorf("failed to scan user location: %w", err)
		}
		loc.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)
		locs = append(locs, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("error iterating user locations", err)
	}
	return locs, nil
}

// UpsertPreference stores a user's notification preference.
func (db *DB) UpsertPreference(ctx context.Context, pref models.NotificationPreference) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO notification_preferences (
			user_id, flash_offers_enabled, quiet_hours_start, quiet_hours_end,
			timezone, max_distance_miles
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			flash_offers_enabled = excluded.flash_offers_enabled,
			quiet_hours_start = excluded.quiet_hours_start,
			quiet_hours_end = excluded.quiet_hours_end,
			timezone = excluded.timezone,
			max_distance_miles = excluded.max_distance_miles`,
		pref.UserID,
		boolToInt(pref.FlashOffersEnabled),
		nullString(pref.QuietHoursStart),
		nullString(pref.QuietHoursEnd),
		pref.Timezone,
		nullFloat(pref.MaxDistanceMiles),
	)
	if err != nil {
		return persistenceError("failed to upsert preference", err)
	}
	return nil
}

// GetPreferences returns stored preferences keyed by user id. Users without a
// row are absent; callers apply models.DefaultPreference.
func (db *DB) GetPreferences(ctx context.Context, userIDs []string) (map[string]models.NotificationPreference, error) {
	out := make(map[string]models.NotificationPreference, len(userIDs))
	for _, chunk := range chunks(userIDs) {
		err := func() error {
			rows, err := db.conn.QueryContext(ctx,
				`SELECT user_id, flash_offers_enabled, quiet_hours_start, quiet_hours_end,
					timezone, max_distance_miles
				FROM notification_preferences
				WHERE user_id IN (`+placeholders(len(chunk))+`)`,
				stringArgs(chunk)...)
			if err != nil {
				return persistenceError("failed to query preferences", err)
			}
			defer rows.Close()

			for rows.Next() {
				var (
					pref        models.NotificationPreference
					enabled     int
					start, end  sql.NullString
					maxDistance sql.NullFloat64
				)
				if err := rows.Scan(&pref.UserID, &enabled, &start, &end, &pref.Timezone, &maxDistance); err != nil {
					return fmt.Errorf("failed to scan preference: %w", err)
				}
				pref.FlashOffersEnabled = enabled == 1
				pref.QuietHoursStart = start.String
				pref.QuietHoursEnd = end.String
				pref.MaxDistanceMiles = floatPtr(maxDistance)
				out[pref.UserID] = pref
			}
			if err := rows.Err(); err != nil {
				return persistenceError("error iterating preferences", err)
			}
			return nil
		}()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
