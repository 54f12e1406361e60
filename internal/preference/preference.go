package preference

import (
	"context"
	"fmt"
	"sync"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"flashoffer-dispatch/internal/models"
	"flashoffer-dispatch/internal/targeting"
	"flashoffer-dispatch/internal/validation"
)

// Reason names why a candidate was excluded.
type Reason string

const (
	ReasonOptedOut   Reason = "opted_out"
	ReasonQuietHours Reason = "quiet_hours"
	ReasonDistance   Reason = "distance"
)

const defaultChunkSize = 500

// Store loads stored preferences. Users without a row are absent from the
// returned map.
type Store interface {
	GetPreferences(ctx context.Context, userIDs []string) (map[string]models.NotificationPreference, error)
}

// Result is the filtered candidate set plus exclusion counts per reason.
type Result struct {
	Eligible []targeting.Candidate
	Excluded map[Reason]int
}

// Filter removes candidates by opt-out, quiet hours and distance cap.
type Filter struct {
	store     Store
	log       *zap.Logger
	fanout    int
	chunkSize int
}

func NewFilter(store Store, fanout int, log *zap.Logger) *Filter {
	if fanout <= 0 {
		fanout = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Filter{store: store, log: log, fanout: fanout, chunkSize: defaultChunkSize}
}

// Apply evaluates every candidate at now. Preference lookups for chunks of
// candidates run concurrently; the result does not depend on their order.
func (f *Filter) Apply(ctx context.Context, candidates []targeting.Candidate, now time.Time) (Result, error) {
	res := Result{Excluded: make(map[Reason]int)}
	if len(candidates) == 0 {
		return res, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.fanout)

	for start := 0; start < len(candidates); start += f.chunkSize {
		end := start + f.chunkSize
		if end > len(candidates) {
			end = len(candidates)
		}
		chunk := candidates[start:end]

		g.Go(func() error {
			ids := make([]string, len(chunk))
			for i, c := range chunk {
				ids[i] = c.UserID
			}
			prefs, err := f.store.GetPreferences(gctx, ids)
			if err != nil {
				return fmt.Errorf("failed to load preferences: %w", err)
			}

			var (
				eligible []targeting.Candidate
				excluded = make(map[Reason]int)
			)
			for _, c := range chunk {
				pref, ok := prefs[c.UserID]
				if !ok {
					pref = models.DefaultPreference(c.UserID)
				}
				if reason, out := f.Evaluate(pref, c.DistanceMiles, now); out {
					excluded[reason]++
					continue
				}
				eligible = append(eligible, c)
			}

			mu.Lock()
			res.Eligible = append(res.Eligible, eligible...)
			for r, n := range excluded {
				res.Excluded[r] += n
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	return res, nil
}

// Evaluate reports whether pref excludes a user at now, and why. Rules are
// checked in order: opt-out, quiet hours, distance cap.
func (f *Filter) Evaluate(pref models.NotificationPreference, distance *float64, now time.Time) (Reason, bool) {
	if !pref.FlashOffersEnabled {
		return ReasonOptedOut, true
	}
	if f.inQuietHours(pref, now) {
		return ReasonQuietHours, true
	}
	if pref.MaxDistanceMiles != nil {
		// Without a known distance the cap cannot be proven satisfied.
		if distance == nil || *distance > *pref.MaxDistanceMiles {
			return ReasonDistance, true
		}
	}
	return "", false
}

func (f *Filter) inQuietHours(pref models.NotificationPreference, now time.Time) bool {
	if pref.QuietHoursStart == "" || pref.QuietHoursEnd == "" {
		return false
	}
	start, err := validation.ValidateClock(pref.QuietHoursStart, "quiet_hours_start")
	if err != nil {
		f.log.Warn("ignoring malformed quiet hours", zap.String("user_id", pref.UserID), zap.Error(err))
		return false
	}
	end, err := validation.ValidateClock(pref.QuietHoursEnd, "quiet_hours_end")
	if err != nil {
		f.log.Warn("ignoring malformed quiet hours", zap.String("user_id", pref.UserID), zap.Error(err))
		return false
	}

	local := now.In(Location(pref.Timezone))
	return InWindow(local.Hour()*60+local.Minute(), start, end)
}

// InWindow reports whether minute lies in [start, end). A window with
// start > end wraps midnight; start == end is an empty window.
func InWindow(minute, start, end int) bool {
	switch {
	case start == end:
		return false
	case start < end:
		return minute >= start && minute < end
	default:
		return minute >= start || minute < end
	}
}

// Location resolves an IANA timezone name. Empty or unknown names are UTC.
func Location(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
