package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashoffer-dispatch/internal/database"
	"flashoffer-dispatch/internal/models"
)

func setupDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, db.UpsertVenue(ctx, models.Venue{ID: "v1", Name: "Bar", SubscriptionTier: models.TierFree}))
	for _, id := range []string{"o1", "o2"} {
		require.NoError(t, db.UpsertOffer(ctx, models.FlashOffer{
			ID: id, VenueID: "v1", Title: "Deal",
			StartTime: time.Now().Add(-time.Hour), EndTime: time.Now().Add(time.Hour),
		}))
	}
	return db
}

// stuckDB fails MarkPushSent for one offer.
type stuckDB struct {
	*database.DB
	stuck string
}

func (s stuckDB) MarkPushSent(ctx context.Context, offerID string) (bool, error) {
	if offerID == s.stuck {
		return false, errors.New("database is locked")
	}
	return s.DB.MarkPushSent(ctx, offerID)
}

func TestRunOnce(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	require.NoError(t, db.EnqueuePushSent(ctx, "o1", errors.New("busy")))
	require.NoError(t, db.EnqueuePushSent(ctx, "o2", errors.New("busy")))

	r := New(stuckDB{DB: db, stuck: "o2"}, time.Minute, nil)
	resolved, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	o1, err := db.GetOffer(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, o1.PushSent)

	pending, err := db.ListPendingPushSent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "o2", pending[0].OfferID)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.Equal(t, "database is locked", pending[0].LastError)
}

func TestRunOnce_AlreadySentIsResolved(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	_, err := db.MarkPushSent(ctx, "o1")
	require.NoError(t, err)
	require.NoError(t, db.EnqueuePushSent(ctx, "o1", nil))

	resolved, err := New(db, time.Minute, nil).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	pending, err := db.HasPendingPushSent(ctx, "o1")
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestRun_StopsOnCancel(t *testing.T) {
	db := setupDB(t)
	require.NoError(t, db.EnqueuePushSent(context.Background(), "o1", nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(db, 10*time.Millisecond, nil).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		o, err := db.GetOffer(context.Background(), "o1")
		return err == nil && o.PushSent
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
