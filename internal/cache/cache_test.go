package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashoffer-dispatch/internal/models"
)

func TestInMemoryCache_Expiry(t *testing.T) {
	c := NewInMemoryCache()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	now = now.Add(time.Minute)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, c.Delete(ctx, "k"))
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

type countingLoader struct {
	calls int
	err   error
}

func (l *countingLoader) GetVenue(_ context.Context, id string) (models.Venue, error) {
	l.calls++
	if l.err != nil {
		return models.Venue{}, l.err
	}
	lat, lng := 40.7, -74.0
	return models.Venue{ID: id, Name: "Bar", Latitude: &lat, Longitude: &lng, SubscriptionTier: models.TierPro}, nil
}

func TestVenues_ReadThrough(t *testing.T) {
	loader := &countingLoader{}
	v := NewVenues(loader, NewInMemoryCache(), time.Minute, nil, nil)
	ctx := context.Background()

	first, err := v.GetVenue(ctx, "v1")
	require.NoError(t, err)
	second, err := v.GetVenue(ctx, "v1")
	require.NoError(t, err)

	assert.Equal(t, 1, loader.calls)
	assert.Equal(t, first, second)
	require.NotNil(t, second.Latitude)
	assert.Equal(t, 40.7, *second.Latitude)
}

func TestVenues_Disabled(t *testing.T) {
	loader := &countingLoader{}
	v := NewVenues(loader, NewInMemoryCache(), time.Minute, func() bool { return false }, nil)

	for i := 0; i < 3; i++ {
		_, err := v.GetVenue(context.Background(), "v1")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, loader.calls)
}

func TestVenues_LoaderErrorIsNotCached(t *testing.T) {
	loader := &countingLoader{err: errors.New("not found")}
	v := NewVenues(loader, NewInMemoryCache(), time.Minute, nil, nil)

	_, err := v.GetVenue(context.Background(), "v1")
	require.Error(t, err)
	_, err = v.GetVenue(context.Background(), "v1")
	require.Error(t, err)
	assert.Equal(t, 2, loader.calls)
}
