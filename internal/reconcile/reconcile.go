// Package reconcile retries push_sent writes that failed after a dispatch.
package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"flashoffer-dispatch/internal/models"
)

// Store is the outbox and the flag it settles.
type Store interface {
	ListPendingPushSent(ctx context.Context, limit int) ([]models.OutboxEntry, error)
	MarkPushSent(ctx context.Context, offerID string) (bool, error)
	DeletePendingPushSent(ctx context.Context, offerID string) error
	EnqueuePushSent(ctx context.Context, offerID string, cause error) error
}

const batchLimit = 100

type Reconciler struct {
	store    Store
	interval time.Duration
	log      *zap.Logger
}

func New(store Store, interval time.Duration, log *zap.Logger) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{store: store, interval: interval, log: log}
}

// Run reconciles on every tick until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn("outbox reconciliation failed", zap.Error(err))
			}
		}
	}
}

// RunOnce settles up to one batch of outbox entries and returns how many
// were resolved. An offer already flagged sent counts as resolved.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	entries, err := r.store.ListPendingPushSent(ctx, batchLimit)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, e := range entries {
		log := r.log.With(zap.String("offer_id", e.OfferID), zap.Int("attempt", e.Attempts+1))

		if _, err := r.store.MarkPushSent(ctx, e.OfferID); err != nil {
			log.Warn("push_sent still not persisted", zap.Error(err))
			if qerr := r.store.EnqueuePushSent(ctx, e.OfferID, err); qerr != nil {
				log.Error("failed to update outbox entry", zap.Error(qerr))
			}
			continue
		}
		if err := r.store.DeletePendingPushSent(ctx, e.OfferID); err != nil {
			log.Warn("failed to delete settled outbox entry", zap.Error(err))
			continue
		}
		log.Info("push_sent reconciled")
		resolved++
	}
	return resolved, nil
}
