package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"flashoffer-dispatch/internal/models"
)

// InsertDeviceTokens inserts multiple tokens in a single transaction.
func (db *DB) InsertDeviceTokens(ctx context.Context, tokens []models.DeviceToken) (int, error) {
	if len(tokens) == 0 {
		return 0, nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, persistenceError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO device_tokens (
		id, user_id, token, platform, is_active, last_used_at
	) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, persistenceError("failed to prepare statement", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, t := range tokens {
		var lastUsed sql.NullString
		if t.LastUsedAt != nil {
			lastUsed = sql.NullString{String: t.LastUsedAt.UTC().Format(time.RFC3339), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, t.ID, t.UserID, t.Token, string(t.Platform), boolToInt(t.IsActive), lastUsed); err != nil {
			return 0, persistenceError(fmt.Sprintf("failed to insert device token %s", t.ID), err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, persistenceError("failed to commit transaction", err)
	}
	return inserted, nil
}

// GetActiveTokens returns the active tokens of the given users.
func (db *DB) GetActiveTokens(ctx context.Context, userIDs []string) ([]models.DeviceToken, error) {
	var tokens []models.DeviceToken
	for _, chunk := range chunks(userIDs) {
		err := func() error {
			rows, err := db.conn.QueryContext(ctx,
				`SELECT id, user_id, token, platform, last_used_at FROM device_tokens
				WHERE is_active = 1 AND user_id IN (`+placeholders(len(chunk))+`)`,
				stringArgs(chunk)...)
			if err != nil {
				return persistenceError("failed to query device tokens", err)
			}
			defer rows.Close()

			for rows.Next() {
				var (
					t        models.DeviceToken
					platform string
					lastUsed sql.NullString
				)
				if err := rows.Scan(&t.ID, &t.UserID, &t.Token, &platform, &lastUsed); err != nil {
					return fmt.Errorf("failed to scan device token: %w", err)
				}
				t.Platform = models.Platform(platform)
				t.IsActive = true
				if lastUsed.Valid {
					if ts, err := time.Parse(time.RFC3339, lastUsed.String); err == nil {
						t.LastUsedAt = &ts
					}
				}
				tokens = append(tokens, t)
			}
			if err := rows.Err(); err != nil {
				return persistenceError("error iterating device tokens", err)
			}
			return nil
		}()
		if err != nil {
			return nil, err
		}
	}
	return tokens, nil
}

// GetDeviceToken returns a token by id regardless of its active flag.
func (db *DB) GetDeviceToken(ctx context.Context, id string) (models.DeviceToken, error) {
	var (
		t        models.DeviceToken
		platform string
		active   int
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, user_id, token, platform, is_active FROM device_tokens WHERE id = ?`, id,
	).Scan(&t.ID, &t.UserID, &t.Token, &platform, &active)
	if err == sql.ErrNoRows {
		return models.DeviceToken{}, ErrNotFound
	}
	if err != nil {
		return models.DeviceToken{}, persistenceError("failed to load device token", err)
	}
	t.Platform = models.Platform(platform)
	t.IsActive = active == 1
	return t, nil
}

// DeactivateTokens flips is_active to false for the given token ids. Rows are
// never deleted and inactive rows are left untouched. It returns the number of
// rows changed.
func (db *DB) DeactivateTokens(ctx context.Context, tokenIDs []string) (int64, error) {
	var total int64
	for _, chunk := range chunks(tokenIDs) {
		res, err := db.conn.ExecContext(ctx,
			`UPDATE device_tokens SET is_active = 0
			WHERE is_active = 1 AND id IN (`+placeholders(len(chunk))+`)`,
			stringArgs(chunk)...)
		if err != nil {
			return total, persistenceError("failed to deactivate device tokens", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, persistenceError("failed to read deactivation result", err)
		}
		total += n
	}
	return total, nil
}
