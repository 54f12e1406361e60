package cache

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"flashoffer-dispatch/internal/models"
)

// VenueLoader is the source of truth for venues.
type VenueLoader interface {
	GetVenue(ctx context.Context, id string) (models.Venue, error)
}

// Venues is a read-through venue cache. While enabled reports false every
// call goes straight to the loader. Cache failures fall back to the loader.
type Venues struct {
	loader  VenueLoader
	cache   Cache
	ttl     time.Duration
	enabled func() bool
	log     *zap.Logger
}

func NewVenues(loader VenueLoader, c Cache, ttl time.Duration, enabled func() bool, log *zap.Logger) *Venues {
	if enabled == nil {
		enabled = func() bool { return true }
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Venues{loader: loader, cache: c, ttl: ttl, enabled: enabled, log: log}
}

func venueKey(id string) string { return "venue:" + id }

func (v *Venues) GetVenue(ctx context.Context, id string) (models.Venue, error) {
	if !v.enabled() || v.ttl <= 0 {
		return v.loader.GetVenue(ctx, id)
	}

	var venue models.Venue
	err := GetJSON(ctx, v.cache, venueKey(id), &venue)
	if err == nil {
		return venue, nil
	}
	if !errors.Is(err, ErrNotFound) {
		v.log.Warn("venue cache read failed", zap.String("venue_id", id), zap.Error(err))
	}

	venue, err = v.loader.GetVenue(ctx, id)
	if err != nil {
		return models.Venue{}, err
	}
	if err := SetJSON(ctx, v.cache, venueKey(id), venue, v.ttl); err != nil {
		v.log.Warn("venue cache write failed", zap.String("venue_id", id), zap.Error(err))
	}
	return venue, nil
}
