// Package analytics records one push_analytics row per real dispatch attempt.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"flashoffer-dispatch/internal/apperror"
	"flashoffer-dispatch/internal/models"
)

// Store appends analytics rows.
type Store interface {
	InsertAnalytics(ctx context.Context, rec models.PushAnalyticsRecord) error
}

type Recorder struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

func NewRecorder(store Store, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{store: store, log: log, now: time.Now}
}

// Record appends a row for offerID. The counts must satisfy
// success+failure == recipients.
func (r *Recorder) Record(ctx context.Context, offerID string, recipients, success, failure int) (models.PushAnalyticsRecord, error) {
	if recipients < 0 || success < 0 || failure < 0 || success+failure != recipients {
		return models.PushAnalyticsRecord{}, apperror.Internal("inconsistent dispatch counts",
			fmt.Errorf("recipients=%d success=%d failure=%d", recipients, success, failure))
	}

	rec := models.PushAnalyticsRecord{
		ID:             uuid.NewString(),
		OfferID:        offerID,
		RecipientCount: recipients,
		SuccessCount:   success,
		FailureCount:   failure,
		CreatedAt:      r.now().UTC(),
	}
	if err := r.store.InsertAnalytics(ctx, rec); err != nil {
		return models.PushAnalyticsRecord{}, fmt.Errorf("failed to record analytics: %w", err)
	}
	r.log.Debug("recorded push analytics",
		zap.String("offer_id", offerID),
		zap.Int("recipients", recipients),
		zap.Int("success", success),
		zap.Int("failure", failure))
	return rec, nil
}
