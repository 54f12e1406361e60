package preference

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashoffer-dispatch/internal/models"
	"flashoffer-dispatch/internal/targeting"
)

type fakeStore struct {
	prefs map[string]models.NotificationPreference
	calls atomic.Int32
	err   error
}

func (f *fakeStore) GetPreferences(_ context.Context, ids []string) (map[string]models.NotificationPreference, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]models.NotificationPreference)
	for _, id := range ids {
		if p, ok := f.prefs[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func miles(v float64) *float64 { return &v }

func TestInWindow(t *testing.T) {
	tests := []struct {
		name       string
		minute     int
		start, end int
		want       bool
	}{
		{"inside same-day window", 13 * 60, 12 * 60, 14 * 60, true},
		{"end is exclusive", 14 * 60, 12 * 60, 14 * 60, false},
		{"start is inclusive", 12 * 60, 12 * 60, 14 * 60, true},
		{"overnight late evening", 23*60 + 30, 22 * 60, 8 * 60, true},
		{"overnight early morning", 7 * 60, 22 * 60, 8 * 60, true},
		{"overnight after end", 9 * 60, 22 * 60, 8 * 60, false},
		{"empty window", 10 * 60, 10 * 60, 10 * 60, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InWindow(tt.minute, tt.start, tt.end))
		})
	}
}

func TestEvaluate_QuietHoursInUserTimezone(t *testing.T) {
	f := NewFilter(&fakeStore{}, 1, nil)
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	pref := models.NotificationPreference{
		UserID:             "u1",
		FlashOffersEnabled: true,
		QuietHoursStart:    "22:00",
		QuietHoursEnd:      "08:00",
		Timezone:           "America/New_York",
	}

	reason, excluded := f.Evaluate(pref, nil, time.Date(2025, 10, 21, 23, 0, 0, 0, ny))
	assert.True(t, excluded)
	assert.Equal(t, ReasonQuietHours, reason)

	reason, excluded = f.Evaluate(pref, nil, time.Date(2025, 10, 21, 23, 30, 0, 0, ny).UTC())
	assert.True(t, excluded)
	assert.Equal(t, ReasonQuietHours, reason)

	_, excluded = f.Evaluate(pref, nil, time.Date(2025, 10, 22, 9, 0, 0, 0, ny))
	assert.False(t, excluded)
}

func TestEvaluate_InvalidTimezoneFallsBackToUTC(t *testing.T) {
	f := NewFilter(&fakeStore{}, 1, nil)
	pref := models.NotificationPreference{
		FlashOffersEnabled: true,
		QuietHoursStart:    "22:00",
		QuietHoursEnd:      "08:00",
		Timezone:           "Mars/Olympus",
	}
	_, excluded := f.Evaluate(pref, nil, time.Date(2025, 10, 21, 23, 0, 0, 0, time.UTC))
	assert.True(t, excluded)
}

func TestEvaluate_Rules(t *testing.T) {
	f := NewFilter(&fakeStore{}, 1, nil)
	now := time.Date(2025, 10, 21, 12, 0, 0, 0, time.UTC)

	reason, excluded := f.Evaluate(models.NotificationPreference{FlashOffersEnabled: false}, miles(0.1), now)
	assert.True(t, excluded)
	assert.Equal(t, ReasonOptedOut, reason)

	capped := models.NotificationPreference{FlashOffersEnabled: true, MaxDistanceMiles: miles(2)}
	reason, excluded = f.Evaluate(capped, miles(3), now)
	assert.True(t, excluded)
	assert.Equal(t, ReasonDistance, reason)

	_, excluded = f.Evaluate(capped, miles(2), now)
	assert.False(t, excluded)

	reason, excluded = f.Evaluate(capped, nil, now)
	assert.True(t, excluded)
	assert.Equal(t, ReasonDistance, reason)

	_, excluded = f.Evaluate(models.DefaultPreference("u"), nil, now)
	assert.False(t, excluded)

	malformed := models.NotificationPreference{FlashOffersEnabled: true, QuietHoursStart: "25:00", QuietHoursEnd: "08:00"}
	_, excluded = f.Evaluate(malformed, nil, now)
	assert.False(t, excluded)
}

func TestApply(t *testing.T) {
	store := &fakeStore{prefs: map[string]models.NotificationPreference{
		"opted-out": {UserID: "opted-out", FlashOffersEnabled: false},
		"capped":    {UserID: "capped", FlashOffersEnabled: true, MaxDistanceMiles: miles(1)},
	}}

	var candidates []targeting.Candidate
	for i := 0; i < 1200; i++ {
		candidates = append(candidates, targeting.Candidate{UserID: fmt.Sprintf("user-%d", i), DistanceMiles: miles(1)})
	}
	candidates = append(candidates,
		targeting.Candidate{UserID: "opted-out", DistanceMiles: miles(0.5)},
		targeting.Candidate{UserID: "capped", DistanceMiles: miles(4)},
	)

	f := NewFilter(store, 3, nil)
	res, err := f.Apply(context.Background(), candidates, time.Now())
	require.NoError(t, err)

	assert.Len(t, res.Eligible, 1200)
	assert.Equal(t, 1, res.Excluded[ReasonOptedOut])
	assert.Equal(t, 1, res.Excluded[ReasonDistance])
	assert.Equal(t, int32(3), store.calls.Load())
}

func TestApply_Empty(t *testing.T) {
	store := &fakeStore{}
	res, err := NewFilter(store, 2, nil).Apply(context.Background(), nil, time.Now())
	require.NoError(t, err)
	assert.Empty(t, res.Eligible)
	assert.Equal(t, int32(0), store.calls.Load())
}

func TestApply_StoreError(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	_, err := NewFilter(store, 2, nil).Apply(context.Background(), []targeting.Candidate{{UserID: "u"}}, time.Now())
	assert.Error(t, err)
}
