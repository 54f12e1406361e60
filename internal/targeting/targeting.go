package targeting

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"flashoffer-dispatch/internal/models"
)

const earthRadiusMiles = 3958.7613

// Candidate is a user selected by targeting. DistanceMiles is nil when the
// user's location is unknown.
type Candidate struct {
	UserID        string
	DistanceMiles *float64
}

// Store is the read side targeting needs.
type Store interface {
	FavoriteUserIDs(ctx context.Context, venueID string) ([]string, error)
	UsersInBoundingBox(ctx context.Context, minLat, maxLat, minLng, maxLng float64) ([]models.UserLocation, error)
	GetUserLocations(ctx context.Context, userIDs []string) (map[string]models.UserLocation, error)
}

// Engine computes the candidate set of an offer.
type Engine struct {
	store Store
	log   *zap.Logger
}

func NewEngine(store Store, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: store, log: log}
}

// Candidates returns the distinct users targeted by offer. Favorites-only
// offers target users who favorited the venue; all others target users whose
// last known location is within the offer radius. A venue without a location
// yields no radius candidates.
func (e *Engine) Candidates(ctx context.Context, offer models.FlashOffer, venue models.Venue) ([]Candidate, error) {
	if offer.TargetFavoritesOnly {
		return e.favorites(ctx, venue)
	}
	return e.radius(ctx, offer, venue)
}

func (e *Engine) favorites(ctx context.Context, venue models.Venue) ([]Candidate, error) {
	ids, err := e.store.FavoriteUserIDs(ctx, venue.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load favorites: %w", err)
	}
	ids = dedupe(ids)

	// Distance is only needed for preference distance caps.
	var locs map[string]models.UserLocation
	if venue.HasLocation() && len(ids) > 0 {
		locs, err = e.store.GetUserLocations(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to load user locations: %w", err)
		}
	}

	out := make([]Candidate, 0, len(ids))
	for _, id := range ids {
		c := Candidate{UserID: id}
		if loc, ok := locs[id]; ok {
			d := DistanceMiles(*venue.Latitude, *venue.Longitude, loc.Latitude, loc.Longitude)
			c.DistanceMiles = &d
		}
		out = append(out, c)
	}
	return out, nil
}

func (e *Engine) radius(ctx context.Context, offer models.FlashOffer, venue models.Venue) ([]Candidate, error) {
	if !venue.HasLocation() {
		e.log.Warn("venue has no location, radius targeting yields no users",
			zap.String("venue_id", venue.ID))
		return nil, nil
	}
	if offer.RadiusMiles <= 0 {
		return nil, nil
	}

	lat, lng := *venue.Latitude, *venue.Longitude
	box := BoundingBox(lat, lng, offer.RadiusMiles)

	locs, err := e.store.UsersInBoundingBox(ctx, box.MinLat, box.MaxLat, box.MinLng, box.MaxLng)
	if err != nil {
		return nil, fmt.Errorf("failed to query users near venue: %w", err)
	}
	// A box crossing the antimeridian is split in two.
	if box.ExtraLng != nil {
		more, err := e.store.UsersInBoundingBox(ctx, box.MinLat, box.MaxLat, box.ExtraLng[0], box.ExtraLng[1])
		if err != nil {
			return nil, fmt.Errorf("failed to query users near venue: %w", err)
		}
		locs = append(locs, more...)
	}

	seen := make(map[string]struct{}, len(locs))
	out := make([]Candidate, 0, len(locs))
	for _, loc := range locs {
		if _, dup := seen[loc.UserID]; dup {
			continue
		}
		d := DistanceMiles(lat, lng, loc.Latitude, loc.Longitude)
		if d > offer.RadiusMiles {
			continue
		}
		seen[loc.UserID] = struct{}{}
		out = append(out, Candidate{UserID: loc.UserID, DistanceMiles: &d})
	}
	return out, nil
}

// Box is a latitude/longitude range. ExtraLng holds the second longitude
// range when the box crosses the antimeridian.
type Box struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
	ExtraLng       []float64
}

// BoundingBox returns a box that contains every point within radiusMiles of
// (lat, lng).
func BoundingBox(lat, lng, radiusMiles float64) Box {
	angular := radiusMiles / earthRadiusMiles
	dLat := angular * 180 / math.Pi
	box := Box{
		MinLat: math.Max(lat-dLat, -90),
		MaxLat: math.Min(lat+dLat, 90),
		MinLng: -180,
		MaxLng: 180,
	}

	// Near the poles every longitude is in range.
	if box.MinLat == -90 || box.MaxLat == 90 {
		return box
	}
	ratio := math.Sin(angular) / math.Cos(lat*math.Pi/180)
	if ratio >= 1 {
		return box
	}
	dLng := math.Asin(ratio) * 180 / math.Pi

	box.MinLng, box.MaxLng = lng-dLng, lng+dLng
	switch {
	case box.MinLng < -180:
		box.ExtraLng = []float64{box.MinLng + 360, 180}
		box.MinLng = -180
	case box.MaxLng > 180:
		box.ExtraLng = []float64{-180, box.MaxLng - 360}
		box.MaxLng = 180
	}
	return box
}

// DistanceMiles is the great-circle distance between two points.
func DistanceMiles(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMiles * math.Asin(math.Min(1, math.Sqrt(a)))
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
