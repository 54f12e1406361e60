package database

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashoffer-dispatch/internal/apperror"
	"flashoffer-dispatch/internal/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedOffer(t *testing.T, db *DB) models.FlashOffer {
	t.Helper()
	ctx := context.Background()
	lat, lng := 40.7128, -74.0060
	venue := models.Venue{ID: uuid.NewString(), Name: "Corner Bar", Latitude: &lat, Longitude: &lng, SubscriptionTier: models.TierCore}
	require.NoError(t, db.UpsertVenue(ctx, venue))

	offer := models.FlashOffer{
		ID:          uuid.NewString(),
		VenueID:     venue.ID,
		Title:       "Half price wings",
		StartTime:   time.Date(2025, 10, 21, 17, 0, 0, 0, time.UTC),
		EndTime:     time.Date(2025, 10, 21, 19, 0, 0, 0, time.UTC),
		RadiusMiles: 5,
	}
	require.NoError(t, db.UpsertOffer(ctx, offer))
	return offer
}

func TestOfferAndVenueRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	offer := seedOffer(t, db)

	got, err := db.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, offer.VenueID, got.VenueID)
	assert.Equal(t, offer.StartTime, got.StartTime)
	assert.Equal(t, 5.0, got.RadiusMiles)
	assert.False(t, got.PushSent)

	venue, err := db.GetVenue(ctx, offer.VenueID)
	require.NoError(t, err)
	assert.True(t, venue.HasLocation())
	assert.Equal(t, models.TierCore, venue.SubscriptionTier)
}

func TestGetOffer_NotFound(t *testing.T) {
	db := setupTestDB(t)

	_, err := db.GetOffer(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = db.GetVenue(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkPushSent_FlipsOnce(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	offer := seedOffer(t, db)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		flips int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			flipped, err := db.MarkPushSent(ctx, offer.ID)
			assert.NoError(t, err)
			if flipped {
				mu.Lock()
				flips++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, flips)
	got, err := db.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.True(t, got.PushSent)

	// Re-upserting the offer must not reset the flag.
	require.NoError(t, db.UpsertOffer(ctx, offer))
	got, err = db.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.True(t, got.PushSent)
}

func TestIncrementIfBelow_EnforcesLimit(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Date(2025, 10, 21, 10, 0, 0, 0, time.UTC)
	venueID := uuid.NewString()

	for i := 1; i <= 3; i++ {
		c, allowed, err := db.IncrementIfBelow(ctx, models.ScopeVenueSend, venueID, 3, 24*time.Hour, now.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, i, c.Count)
		assert.Equal(t, now.Add(time.Minute), c.WindowStart)
		assert.Equal(t, now.Add(time.Minute+24*time.Hour), c.ExpiresAt)
	}

	c, allowed, err := db.IncrementIfBelow(ctx, models.ScopeVenueSend, venueID, 3, 24*time.Hour, now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 3, c.Count, "rejected attempts do not consume quota")

	peek, err := db.Peek(ctx, models.ScopeVenueSend, venueID, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, peek.Count)
}

func TestRelease(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Date(2025, 10, 21, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		_, _, err := db.IncrementIfBelow(ctx, models.ScopeVenueSend, "v-rel", 2, 24*time.Hour, now)
		require.NoError(t, err)
	}
	require.NoError(t, db.Release(ctx, models.ScopeVenueSend, "v-rel", now))
	c, err := db.Peek(ctx, models.ScopeVenueSend, "v-rel", now)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Count)

	// Expired windows and unknown counters are untouched.
	require.NoError(t, db.Release(ctx, models.ScopeVenueSend, "v-rel", now.Add(25*time.Hour)))
	require.NoError(t, db.Release(ctx, models.ScopeVenueSend, "nobody", now))
	c, err = db.Peek(ctx, models.ScopeVenueSend, "v-rel", now)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Count)
}

func TestIncrementIfBelow_WindowRollsOver(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Date(2025, 10, 21, 10, 0, 0, 0, time.UTC)
	userID := uuid.NewString()

	for i := 0; i < 2; i++ {
		_, allowed, err := db.IncrementIfBelow(ctx, models.ScopeUserReceive, userID, 2, 24*time.Hour, now)
		require.NoError(t, err)
		require.True(t, allowed)
	}
	_, allowed, err := db.IncrementIfBelow(ctx, models.ScopeUserReceive, userID, 2, 24*time.Hour, now.Add(23*time.Hour))
	require.NoError(t, err)
	assert.False(t, allowed)

	later := now.Add(24 * time.Hour)
	c, allowed, err := db.IncrementIfBelow(ctx, models.ScopeUserReceive, userID, 2, 24*time.Hour, later)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 1, c.Count)
	assert.Equal(t, later, c.WindowStart)

	expired, err := db.Peek(ctx, models.ScopeUserReceive, userID, later.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, expired.Count)
}

func TestIncrementIfBelow_Unbounded(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 20; i++ {
		_, allowed, err := db.IncrementIfBelow(ctx, models.ScopeVenueSend, "revenue-venue", 0, 24*time.Hour, now)
		require.NoError(t, err)
		require.True(t, allowed)
	}
}

func TestIncrementIfBelow_Concurrent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := db.IncrementIfBelow(ctx, models.ScopeUserReceive, "busy-user", 10, 24*time.Hour, now)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
}

func TestAudienceQueries(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	venueID := uuid.NewString()

	require.NoError(t, db.AddFavorite(ctx, "u1", venueID))
	require.NoError(t, db.AddFavorite(ctx, "u1", venueID))
	require.NoError(t, db.AddFavorite(ctx, "u2", venueID))
	require.NoError(t, db.AddFavorite(ctx, "u3", uuid.NewString()))

	ids, err := db.FavoriteUserIDs(ctx, venueID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, ids)

	require.NoError(t, db.UpsertUserLocation(ctx, models.UserLocation{UserID: "u1", Latitude: 40.71, Longitude: -74.00}))
	require.NoError(t, db.UpsertUserLocation(ctx, models.UserLocation{UserID: "u2", Latitude: 41.50, Longitude: -74.00}))

	inBox, err := db.UsersInBoundingBox(ctx, 40.6, 40.8, -74.1, -73.9)
	require.NoError(t, err)
	require.Len(t, inBox, 1)
	assert.Equal(t, "u1", inBox[0].UserID)

	locs, err := db.GetUserLocations(ctx, []string{"u1", "u2", "u3"})
	require.NoError(t, err)
	assert.Len(t, locs, 2)
}

func TestPreferences(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	maxMiles := 2.5

	require.NoError(t, db.UpsertPreference(ctx, models.NotificationPreference{
		UserID:             "u1",
		FlashOffersEnabled: true,
		QuietHoursStart:    "22:00",
		QuietHoursEnd:      "08:00",
		Timezone:           "America/New_York",
		MaxDistanceMiles:   &maxMiles,
	}))
	require.NoError(t, db.UpsertPreference(ctx, models.NotificationPreference{UserID: "u2"}))

	prefs, err := db.GetPreferences(ctx, []string{"u1", "u2", "u3"})
	require.NoError(t, err)
	require.Len(t, prefs, 2)
	assert.Equal(t, "22:00", prefs["u1"].QuietHoursStart)
	require.NotNil(t, prefs["u1"].MaxDistanceMiles)
	assert.Equal(t, 2.5, *prefs["u1"].MaxDistanceMiles)
	assert.False(t, prefs["u2"].FlashOffersEnabled)
	assert.Nil(t, prefs["u2"].MaxDistanceMiles)
}

func TestDeviceTokens_DeactivateIsMonotonic(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	tokens := []models.DeviceToken{
		{ID: "t1", UserID: "u1", Token: "tok-1", Platform: models.PlatformAndroid, IsActive: true},
		{ID: "t2", UserID: "u1", Token: "tok-2", Platform: models.PlatformIOS, IsActive: true},
		{ID: "t3", UserID: "u2", Token: "tok-3", Platform: models.PlatformIOS, IsActive: false},
	}
	n, err := db.InsertDeviceTokens(ctx, tokens)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	active, err := db.GetActiveTokens(ctx, []string{"u1", "u2"})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	changed, err := db.DeactivateTokens(ctx, []string{"t1", "t3"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), changed)

	t1, err := db.GetDeviceToken(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, t1.IsActive)

	active, err = db.GetActiveTokens(ctx, []string{"u1", "u2"})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "t2", active[0].ID)
}

func TestAnalyticsAndOutbox(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	offerID := uuid.NewString()

	require.NoError(t, db.InsertAnalytics(ctx, models.PushAnalyticsRecord{
		ID: uuid.NewString(), OfferID: offerID, RecipientCount: 5, SuccessCount: 4, FailureCount: 1, CreatedAt: time.Now(),
	}))
	err := db.InsertAnalytics(ctx, models.PushAnalyticsRecord{
		ID: uuid.NewString(), OfferID: offerID, RecipientCount: 5, SuccessCount: 4, FailureCount: 0, CreatedAt: time.Now(),
	})
	assert.Error(t, err, "check constraint rejects inconsistent counts")

	records, err := db.ListAnalytics(ctx, offerID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 4, records[0].SuccessCount)

	pending, err := db.HasPendingPushSent(ctx, offerID)
	require.NoError(t, err)
	assert.False(t, pending)

	require.NoError(t, db.EnqueuePushSent(ctx, offerID, errors.New("disk I/O error")))
	require.NoError(t, db.EnqueuePushSent(ctx, offerID, errors.New("disk I/O error")))

	entries, err := db.ListPendingPushSent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Attempts)
	assert.Equal(t, "disk I/O error", entries[0].LastError)

	require.NoError(t, db.DeletePendingPushSent(ctx, offerID))
	pending, err = db.HasPendingPushSent(ctx, offerID)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestMarkPushSent_PersistenceError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("UPDATE flash_offers SET push_sent = 1").
		WithArgs("offer-1").
		WillReturnError(errors.New("connection reset"))

	db := NewFromConn(conn)
	flipped, err := db.MarkPushSent(context.Background(), "offer-1")
	assert.False(t, flipped)
	assert.True(t, apperror.IsKind(err, apperror.KindPersistence))
	assert.False(t, apperror.IsTransient(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkPushSent_AlreadySent(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("UPDATE flash_offers SET push_sent = 1").
		WithArgs("offer-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	db := NewFromConn(conn)
	flipped, err := db.MarkPushSent(context.Background(), "offer-1")
	require.NoError(t, err)
	assert.False(t, flipped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlaceholdersAndChunks(t *testing.T) {
	assert.Equal(t, "", placeholders(0))
	assert.Equal(t, "?,?,?", placeholders(3))

	ids := make([]string, 1201)
	got := chunks(ids)
	require.Len(t, got, 3)
	assert.Len(t, got[0], 500)
	assert.Len(t, got[2], 201)
}
