package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"flashoffer-dispatch/internal/apperror"
	"flashoffer-dispatch/internal/models"
	"flashoffer-dispatch/internal/targeting"
)

// CounterStore holds the fixed-window counters. IncrementIfBelow must be a
// single atomic operation against shared storage: it opens a new window when
// the stored one has expired, increments while count < limit, and leaves the
// counter unchanged when the limit is reached. A non-positive limit is
// unbounded. Release hands back one unit of a live counter.
type CounterStore interface {
	IncrementIfBelow(ctx context.Context, scope models.ScopeType, id string, limit int, window time.Duration, now time.Time) (models.RateLimitCounter, bool, error)
	Release(ctx context.Context, scope models.ScopeType, id string, now time.Time) error
	Peek(ctx context.Context, scope models.ScopeType, id string, now time.Time) (models.RateLimitCounter, error)
}

// TierTable maps a subscription tier to its daily venue send limit.
type TierTable map[models.SubscriptionTier]int

// NewTierTable builds a table from config data.
func NewTierTable(limits map[string]int) TierTable {
	t := make(TierTable, len(limits))
	for name, limit := range limits {
		t[models.SubscriptionTier(strings.ToLower(name))] = limit
	}
	return t
}

// LimitFor returns the limit of tier. Unknown tiers get the free limit.
func (t TierTable) LimitFor(tier models.SubscriptionTier) int {
	if limit, ok := t[tier]; ok {
		return limit
	}
	return t[models.TierFree]
}

// Config configures a Limiter.
type Config struct {
	Tiers          TierTable
	UserDailyLimit int
	Window         time.Duration
	Fanout         int
}

// Limiter enforces the venue send and user receive limits.
type Limiter struct {
	store CounterStore
	cfg   Config
	log   *zap.Logger
}

func NewLimiter(store CounterStore, cfg Config, log *zap.Logger) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.Fanout <= 0 {
		cfg.Fanout = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Limiter{store: store, cfg: cfg, log: log}
}

// CheckVenue consumes one venue send. When the venue is at its tier limit it
// returns a rate limit error and consumes nothing.
func (l *Limiter) CheckVenue(ctx context.Context, venue models.Venue, now time.Time) (models.RateLimitCounter, error) {
	limit := l.cfg.Tiers.LimitFor(venue.SubscriptionTier)

	counter, allowed, err := l.store.IncrementIfBelow(ctx, models.ScopeVenueSend, venue.ID, limit, l.cfg.Window, now)
	if err != nil {
		return models.RateLimitCounter{}, fmt.Errorf("failed to check venue send limit: %w", err)
	}
	if !allowed {
		return counter, l.rejection(counter, limit, now)
	}
	return counter, nil
}

// ReleaseVenue returns a send consumed by CheckVenue that was never used.
func (l *Limiter) ReleaseVenue(ctx context.Context, venue models.Venue, now time.Time) error {
	if err := l.store.Release(ctx, models.ScopeVenueSend, venue.ID, now); err != nil {
		return fmt.Errorf("failed to release venue send: %w", err)
	}
	return nil
}

// PeekVenue reports whether the venue could send now without consuming
// anything.
func (l *Limiter) PeekVenue(ctx context.Context, venue models.Venue, now time.Time) (models.RateLimitCounter, error) {
	limit := l.cfg.Tiers.LimitFor(venue.SubscriptionTier)

	counter, err := l.store.Peek(ctx, models.ScopeVenueSend, venue.ID, now)
	if err != nil {
		return models.RateLimitCounter{}, fmt.Errorf("failed to read venue send limit: %w", err)
	}
	if limit > 0 && counter.Count >= limit {
		return counter, l.rejection(counter, limit, now)
	}
	return counter, nil
}

func (l *Limiter) rejection(counter models.RateLimitCounter, limit int, now time.Time) error {
	resetsAt := counter.WindowStart.Add(l.cfg.Window)
	if counter.WindowStart.IsZero() {
		resetsAt = now.Add(l.cfg.Window)
	}
	return apperror.RateLimit(counter.Count, limit, resetsAt)
}

// FilterUsers consumes one receive for every candidate and drops those already
// at the daily cap.
func (l *Limiter) FilterUsers(ctx context.Context, candidates []targeting.Candidate, now time.Time) ([]targeting.Candidate, int, error) {
	return l.filterUsers(ctx, candidates, func(ctx context.Context, userID string) (bool, error) {
		_, allowed, err := l.store.IncrementIfBelow(ctx, models.ScopeUserReceive, userID, l.cfg.UserDailyLimit, l.cfg.Window, now)
		return allowed, err
	})
}

// PeekUsers drops candidates at the daily cap without consuming anything.
func (l *Limiter) PeekUsers(ctx context.Context, candidates []targeting.Candidate, now time.Time) ([]targeting.Candidate, int, error) {
	return l.filterUsers(ctx, candidates, func(ctx context.Context, userID string) (bool, error) {
		counter, err := l.store.Peek(ctx, models.ScopeUserReceive, userID, now)
		if err != nil {
			return false, err
		}
		return l.cfg.UserDailyLimit <= 0 || counter.Count < l.cfg.UserDailyLimit, nil
	})
}

func (l *Limiter) filterUsers(ctx context.Context, candidates []targeting.Candidate, check func(context.Context, string) (bool, error)) ([]targeting.Candidate, int, error) {
	if len(candidates) == 0 {
		return nil, 0, nil
	}

	allowed := make([]bool, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Fanout)

	for i, c := range candidates {
		g.Go(func() error {
			ok, err := check(gctx, c.UserID)
			if err != nil {
				return fmt.Errorf("failed to check user receive limit: %w", err)
			}
			allowed[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	// Each goroutine wrote only its own index.
	out := make([]targeting.Candidate, 0, len(candidates))
	dropped := 0
	for i, c := range candidates {
		if allowed[i] {
			out = append(out, c)
		} else {
			dropped++
		}
	}

	if dropped > 0 {
		l.log.Debug("users at daily receive cap dropped", zap.Int("dropped", dropped))
	}
	return out, dropped, nil
}
