package analytics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashoffer-dispatch/internal/apperror"
	"flashoffer-dispatch/internal/database"
	"flashoffer-dispatch/internal/models"
)

type memStore struct {
	rows []models.PushAnalyticsRecord
}

func (m *memStore) InsertAnalytics(_ context.Context, rec models.PushAnalyticsRecord) error {
	m.rows = append(m.rows, rec)
	return nil
}

func TestRecord(t *testing.T) {
	store := &memStore{}
	r := NewRecorder(store, nil)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	rec, err := r.Record(context.Background(), "offer-1", 10, 7, 3)
	require.NoError(t, err)
	_, err = uuid.Parse(rec.ID)
	assert.NoError(t, err)
	assert.Equal(t, fixed, rec.CreatedAt)
	require.Len(t, store.rows, 1)
	assert.Equal(t, rec, store.rows[0])
}

func TestRecord_ZeroRecipients(t *testing.T) {
	store := &memStore{}
	_, err := NewRecorder(store, nil).Record(context.Background(), "offer-1", 0, 0, 0)
	require.NoError(t, err)
	assert.Len(t, store.rows, 1)
}

func TestRecord_RejectsInconsistentCounts(t *testing.T) {
	store := &memStore{}
	r := NewRecorder(store, nil)

	for _, c := range [][3]int{{10, 7, 2}, {1, 2, -1}, {-1, 0, -1}} {
		_, err := r.Record(context.Background(), "offer-1", c[0], c[1], c[2])
		require.Error(t, err)
		assert.Equal(t, apperror.CodeInternal, apperror.As(err).Code)
	}
	assert.Empty(t, store.rows)
}

func TestRecord_SQLite(t *testing.T) {
	db, err := database.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.UpsertVenue(ctx, models.Venue{ID: "v1", Name: "Bar", SubscriptionTier: models.TierFree}))
	require.NoError(t, db.UpsertOffer(ctx, models.FlashOffer{
		ID: "o1", VenueID: "v1", Title: "Deal",
		StartTime: time.Now().Add(-time.Hour), EndTime: time.Now().Add(time.Hour),
	}))

	r := NewRecorder(db, nil)
	_, err = r.Record(ctx, "o1", 5, 5, 0)
	require.NoError(t, err)
	_, err = r.Record(ctx, "o1", 3, 1, 2)
	require.NoError(t, err)

	rows, err := db.ListAnalytics(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, row.RecipientCount, row.SuccessCount+row.FailureCount)
	}
}
