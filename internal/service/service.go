package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"flashoffer-dispatch/internal/analytics"
	"flashoffer-dispatch/internal/apperror"
	"flashoffer-dispatch/internal/auth"
	"flashoffer-dispatch/internal/database"
	"flashoffer-dispatch/internal/dispatcher"
	"flashoffer-dispatch/internal/events"
	"flashoffer-dispatch/internal/gateway"
	"flashoffer-dispatch/internal/logger"
	"flashoffer-dispatch/internal/models"
	"flashoffer-dispatch/internal/preference"
	"flashoffer-dispatch/internal/ratelimit"
	"flashoffer-dispatch/internal/targeting"
	"flashoffer-dispatch/internal/tokenhealth"
	"flashoffer-dispatch/internal/tracing"
	"flashoffer-dispatch/internal/validation"
)

// State is a step of one dispatch invocation.
type State string

const (
	StateReceived      State = "RECEIVED"
	StateAuthenticated State = "AUTHENTICATED"
	StateOfferLoaded   State = "OFFER_LOADED"
	StateShortCircuit  State = "SHORT_CIRCUIT_ALREADY_SENT"
	StateTargeted      State = "TARGETED"
	StateFiltered      State = "FILTERED"
	StateRateChecked   State = "RATE_CHECKED"
	StateDryRunDone    State = "DRY_RUN_DONE"
	StateDispatched    State = "DISPATCHED"
	StateRecorded      State = "RECORDED"
	StateDone          State = "DONE"
	StateUnauthorized  State = "UNAUTHORIZED"
	StateNotFound      State = "NOT_FOUND"
	StateValidation    State = "VALIDATION_ERROR"
	StateRateLimited   State = "RATE_LIMITED"
	StateInternalError State = "INTERNAL_ERROR"
)

const (
	defaultTimeout   = 25 * time.Second
	markSentAttempts = 2
)

// OfferStore is the offer repository and its idempotency gate.
type OfferStore interface {
	GetOffer(ctx context.Context, id string) (models.FlashOffer, error)
	MarkPushSent(ctx context.Context, id string) (bool, error)
	HasPendingPushSent(ctx context.Context, id string) (bool, error)
	EnqueuePushSent(ctx context.Context, id string, cause error) error
}

// VenueStore loads venues, possibly through a cache.
type VenueStore interface {
	GetVenue(ctx context.Context, id string) (models.Venue, error)
}

// Authenticator verifies bearer tokens.
type Authenticator interface {
	Authenticate(ctx context.Context, header string) (auth.Principal, error)
}

// Deps are the collaborators of a Service. Events may be nil.
type Deps struct {
	Offers      OfferStore
	Venues      VenueStore
	Auth        Authenticator
	Targeting   *targeting.Engine
	Preferences *preference.Filter
	Limiter     *ratelimit.Limiter
	Dispatcher  *dispatcher.Dispatcher
	TokenHealth *tokenhealth.Manager
	Analytics   *analytics.Recorder
	Events      *events.Manager
	Timeout     time.Duration
	Now         func() time.Time
	Log         *zap.Logger
}

// Service runs dispatch invocations. It holds no per-invocation state.
type Service struct {
	Deps
	tracer trace.Tracer
}

func New(d Deps) *Service {
	if d.Timeout <= 0 {
		d.Timeout = defaultTimeout
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &Service{Deps: d, tracer: tracing.Tracer()}
}

// Authenticate verifies the Authorization header of a request.
func (s *Service) Authenticate(ctx context.Context, header string) (auth.Principal, error) {
	return s.Auth.Authenticate(ctx, header)
}

// Dispatch authenticates the caller and runs the request.
func (s *Service) Dispatch(ctx context.Context, header string, req models.DispatchRequest) (models.DispatchResponse, error) {
	principal, err := s.Authenticate(ctx, header)
	if err != nil {
		s.logFailure(logger.FromContext(ctx, s.Log), StateUnauthorized, err)
		return models.DispatchResponse{}, err
	}
	return s.Run(ctx, principal, req)
}

// invocation carries the logger and span of one run.
type invocation struct {
	log      *zap.Logger
	span     trace.Span
	callerID string
}

func (inv *invocation) enter(state State) {
	inv.log.Debug("dispatch state", zap.String(logger.FieldState, string(state)))
	inv.span.AddEvent(string(state))
}

// Run executes a dispatch for an authenticated caller.
func (s *Service) Run(ctx context.Context, principal auth.Principal, req models.DispatchRequest) (models.DispatchResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "dispatch.run")
	defer span.End()

	inv := &invocation{
		log:      logger.FromContext(ctx, s.Log).With(logger.CallerID(principal.CallerID)),
		span:     span,
		callerID: principal.CallerID,
	}
	inv.enter(StateReceived)
	inv.enter(StateAuthenticated)

	resp, err := s.run(ctx, inv, req)
	if err != nil {
		if ctx.Err() != nil && !apperror.IsKind(err, apperror.KindValidation) {
			err = apperror.Internal("dispatch timed out", err)
		}
		state := failureState(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(state))
		inv.enter(state)
		s.logFailure(inv.log, state, err)
		return models.DispatchResponse{}, err
	}

	span.SetAttributes(
		attribute.Int("dispatch.targeted", resp.TargetedUserCount),
		attribute.Int("dispatch.sent", resp.SentCount),
		attribute.Int("dispatch.failed", resp.FailedCount),
		attribute.Bool("dispatch.dry_run", resp.DryRun),
	)
	inv.enter(StateDone)
	return resp, nil
}

func (s *Service) run(ctx context.Context, inv *invocation, req models.DispatchRequest) (models.DispatchResponse, error) {
	req, err := validation.ValidateDispatchRequest(req)
	if err != nil {
		return models.DispatchResponse{}, apperror.Validation(err.Error(), err)
	}
	inv.log = inv.log.With(logger.OfferID(req.OfferID))
	inv.span.SetAttributes(attribute.String("offer.id", req.OfferID))

	offer, err := s.Offers.GetOffer(ctx, req.OfferID)
	if errors.Is(err, database.ErrNotFound) {
		return models.DispatchResponse{}, apperror.NotFound("offer not found")
	}
	if err != nil {
		return models.DispatchResponse{}, fmt.Errorf("failed to load offer: %w", err)
	}

	venue, err := s.Venues.GetVenue(ctx, offer.VenueID)
	if err != nil {
		return models.DispatchResponse{}, apperror.Internal("offer venue unavailable", err)
	}
	now := s.Now()
	inv.log = inv.log.With(logger.VenueID(venue.ID))
	inv.enter(StateOfferLoaded)
	inv.log.Debug("offer loaded",
		zap.String("status", string(offer.Status(now))),
		zap.String("tier", string(venue.SubscriptionTier)))

	if gated, pending, err := s.alreadySent(ctx, offer); err != nil {
		return models.DispatchResponse{}, err
	} else if gated {
		inv.enter(StateShortCircuit)
		inv.log.Info("offer already sent", zap.Bool("pending_reconcile", pending))
		s.publish(ctx, events.EventDispatchShortCircuited, events.ShortCircuitedData{OfferID: offer.ID, Pending: pending})
		return models.DispatchResponse{Success: true, Errors: []string{}, DryRun: req.DryRun}, nil
	}

	candidates, err := s.Targeting.Candidates(ctx, offer, venue)
	if err != nil {
		return models.DispatchResponse{}, fmt.Errorf("failed to target audience: %w", err)
	}
	inv.enter(StateTargeted)

	filtered, err := s.Preferences.Apply(ctx, candidates, now)
	if err != nil {
		return models.DispatchResponse{}, fmt.Errorf("failed to apply preferences: %w", err)
	}
	inv.enter(StateFiltered)
	inv.log.Debug("preferences applied",
		zap.Int("candidates", len(candidates)),
		zap.Int("eligible", len(filtered.Eligible)),
		zap.Any("excluded", filtered.Excluded))

	if len(filtered.Eligible) == 0 {
		return s.finishEmpty(ctx, inv, offer, req.DryRun)
	}

	eligible, err := s.checkLimits(ctx, inv, offer, venue, filtered.Eligible, now, req.DryRun)
	if err != nil {
		return models.DispatchResponse{}, err
	}
	inv.enter(StateRateChecked)
	if len(eligible) == 0 {
		return s.finishEmpty(ctx, inv, offer, req.DryRun)
	}

	userIDs := make([]string, len(eligible))
	for i, c := range eligible {
		userIDs[i] = c.UserID
	}

	if req.DryRun {
		report, err := s.Dispatcher.Plan(ctx, userIDs)
		if err != nil {
			return models.DispatchResponse{}, err
		}
		inv.enter(StateDryRunDone)
		s.publishCompleted(ctx, inv, offer, venue, report, true, false)
		return response(report, true), nil
	}

	report, err := s.Dispatcher.Dispatch(ctx, userIDs, gateway.FlashOfferMessage(offer, venue))
	if err != nil {
		return models.DispatchResponse{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.DispatchResponse{}, apperror.Internal("dispatch timed out", err)
	}
	inv.enter(StateDispatched)
	inv.log.Info("dispatch finished",
		zap.Int("targeted", report.Targeted),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
		zap.Int("gateway_calls", report.GatewayCalls),
		zap.Int("receipts", report.Receipts))

	if len(report.TerminalTokenIDs) > 0 {
		if n := s.TokenHealth.Deactivate(ctx, report.TerminalTokenIDs); n > 0 {
			s.publish(ctx, events.EventTokensDeactivated, events.TokensDeactivatedData{OfferID: offer.ID, Count: n})
		}
	}

	if err := s.record(ctx, inv, offer.ID, report.Targeted, report.Sent, report.Failed); err != nil {
		return models.DispatchResponse{}, err
	}

	// Without a single answered call nothing can have been delivered, so the
	// offer stays dispatchable.
	marked := false
	if report.Receipts > 0 {
		marked = s.markSent(ctx, inv, offer.ID)
	}
	s.publishCompleted(ctx, inv, offer, venue, report, false, marked)
	return response(report, false), nil
}

// alreadySent is the idempotency gate. An outbox entry means the offer went
// out and only the flag write is pending.
func (s *Service) alreadySent(ctx context.Context, offer models.FlashOffer) (sent bool, pending bool, err error) {
	if offer.PushSent {
		return true, false, nil
	}
	pending, err = s.Offers.HasPendingPushSent(ctx, offer.ID)
	if err != nil {
		return false, false, fmt.Errorf("failed to check outbox: %w", err)
	}
	return pending, pending, nil
}

func (s *Service) checkLimits(ctx context.Context, inv *invocation, offer models.FlashOffer, venue models.Venue, eligible []targeting.Candidate, now time.Time, dryRun bool) ([]targeting.Candidate, error) {
	checkVenue, filterUsers := s.Limiter.CheckVenue, s.Limiter.FilterUsers
	if dryRun {
		checkVenue, filterUsers = s.Limiter.PeekVenue, s.Limiter.PeekUsers
	}

	if _, err := checkVenue(ctx, venue, now); err != nil {
		if appErr := apperror.As(err); appErr.Kind == apperror.KindRateLimit {
			s.publish(ctx, events.EventDispatchRateLimited, events.RateLimitedData{
				OfferID:      offer.ID,
				VenueID:      venue.ID,
				CurrentCount: appErr.CurrentCount,
				Limit:        appErr.Limit,
				ResetsAt:     appErr.ResetsAt,
			})
		}
		return nil, err
	}

	allowed, capped, err := filterUsers(ctx, eligible, now)
	if err != nil {
		return nil, err
	}
	if capped > 0 {
		inv.log.Info("users at daily receive cap", zap.Int("capped", capped))
	}
	if len(allowed) == 0 && !dryRun {
		// Nobody left to notify, so the venue send goes back.
		if err := s.Limiter.ReleaseVenue(ctx, venue, now); err != nil {
			inv.log.Warn("failed to release venue send", zap.Error(err))
		}
	}
	return allowed, nil
}

// finishEmpty completes an invocation that has nobody to notify.
func (s *Service) finishEmpty(ctx context.Context, inv *invocation, offer models.FlashOffer, dryRun bool) (models.DispatchResponse, error) {
	inv.log.Info("no eligible recipients")
	resp := models.DispatchResponse{Success: true, Errors: []string{}, DryRun: dryRun}
	if dryRun {
		inv.enter(StateDryRunDone)
		return resp, nil
	}
	if err := s.record(ctx, inv, offer.ID, 0, 0, 0); err != nil {
		return models.DispatchResponse{}, err
	}
	return resp, nil
}

// record writes analytics. A storage failure after delivery is logged and
// does not fail the request; inconsistent counts do.
func (s *Service) record(ctx context.Context, inv *invocation, offerID string, recipients, sent, failed int) error {
	_, err := s.Analytics.Record(ctx, offerID, recipients, sent, failed)
	switch {
	case err == nil:
		inv.enter(StateRecorded)
		return nil
	case apperror.IsKind(err, apperror.KindInternal):
		return err
	default:
		inv.log.Error("failed to record push analytics", zap.Error(err))
		return nil
	}
}

// markSent flips push_sent, retrying once. When the write keeps failing the
// offer goes to the outbox so the gate still holds.
func (s *Service) markSent(ctx context.Context, inv *invocation, offerID string) bool {
	var err error
	for attempt := 1; attempt <= markSentAttempts; attempt++ {
		var flipped bool
		flipped, err = s.Offers.MarkPushSent(ctx, offerID)
		if err == nil {
			if !flipped {
				inv.log.Warn("push_sent was already set by a concurrent dispatch")
			}
			return true
		}
		inv.log.Warn("failed to mark offer sent", zap.Int(logger.FieldAttempt, attempt), zap.Error(err))
	}

	if qerr := s.Offers.EnqueuePushSent(context.WithoutCancel(ctx), offerID, err); qerr != nil {
		inv.log.Error("push_sent not persisted and outbox write failed; a re-invocation may resend",
			zap.Error(qerr), zap.NamedError("mark_error", err))
		return false
	}
	inv.log.Warn("push_sent queued for reconciliation")
	return false
}

func (s *Service) publish(ctx context.Context, t events.EventType, data interface{}) {
	if s.Events != nil {
		s.Events.Publish(ctx, t, data)
	}
}

func (s *Service) publishCompleted(ctx context.Context, inv *invocation, offer models.FlashOffer, venue models.Venue, report dispatcher.Report, dryRun, marked bool) {
	s.publish(ctx, events.EventDispatchCompleted, events.DispatchCompletedData{
		OfferID:    offer.ID,
		VenueID:    venue.ID,
		Targeted:   report.Targeted,
		Sent:       report.Sent,
		Failed:     report.Failed,
		DryRun:     dryRun,
		CallerID:   inv.callerID,
		MarkedSent: marked,
	})
}

func response(report dispatcher.Report, dryRun bool) models.DispatchResponse {
	resp := models.DispatchResponse{
		Success:           true,
		TargetedUserCount: report.Targeted,
		SentCount:         report.Sent,
		FailedCount:       report.Failed,
		Errors:            report.Errors(),
		DryRun:            dryRun,
	}
	if dryRun {
		resp.Batches = report.Batches
	}
	return resp
}

func failureState(err error) State {
	switch apperror.As(err).Kind {
	case apperror.KindAuth:
		return StateUnauthorized
	case apperror.KindValidation:
		return StateValidation
	case apperror.KindNotFound:
		return StateNotFound
	case apperror.KindRateLimit:
		return StateRateLimited
	default:
		return StateInternalError
	}
}

func (s *Service) logFailure(log *zap.Logger, state State, err error) {
	fields := []zap.Field{zap.String(logger.FieldState, string(state)), zap.Error(err)}
	if state == StateInternalError {
		log.Error("dispatch failed", fields...)
		return
	}
	log.Info("dispatch rejected", fields...)
}
