package logger

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

// New builds the process logger. Production uses JSON with ISO8601
// timestamps; every other env gets the colored development console.
func New(env string) (*zap.Logger, error) {
	var config zap.Config

	if env == "production" {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	log, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return log, nil
}

// WithContext stores a request scoped logger in ctx.
func WithContext(ctx context.Context, log *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

// FromContext returns the logger stored by WithContext, or fallback.
func FromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if log, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok && log != nil {
		return log
	}
	return fallback
}

// Field keys shared across packages.
const (
	FieldOfferID  = "offer_id"
	FieldVenueID  = "venue_id"
	FieldCallerID = "caller_id"
	FieldState    = "state"
	FieldBatch    = "batch"
	FieldAttempt  = "attempt"
)

func OfferID(id string) zap.Field  { return zap.String(FieldOfferID, id) }
func VenueID(id string) zap.Field  { return zap.String(FieldVenueID, id) }
func CallerID(id string) zap.Field { return zap.String(FieldCallerID, id) }
