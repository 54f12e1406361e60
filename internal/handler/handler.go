package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"flashoffer-dispatch/internal/apperror"
	"flashoffer-dispatch/internal/auth"
	"flashoffer-dispatch/internal/features"
	"flashoffer-dispatch/internal/logger"
	"flashoffer-dispatch/internal/models"
	"flashoffer-dispatch/internal/validation"
)

// Dispatcher is the part of service.Service the handler needs.
type Dispatcher interface {
	Authenticate(ctx context.Context, header string) (auth.Principal, error)
	Run(ctx context.Context, principal auth.Principal, req models.DispatchRequest) (models.DispatchResponse, error)
}

// Handler provides HTTP handlers for the API.
type Handler struct {
	dispatcher  Dispatcher
	features    *features.Manager
	maxBodySize int64
	log         *zap.Logger
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
	// Features enables the admin flag endpoints when set.
	Features *features.Manager
	Log      *zap.Logger
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 64 << 10,
	}
}

// NewHandler creates a new handler instance.
func NewHandler(d Dispatcher) *Handler {
	return NewHandlerWithOptions(d, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(d Dispatcher, opts NewHandlerOptions) *Handler {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultHandlerOptions().MaxBodySize
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Handler{
		dispatcher:  d,
		features:    opts.Features,
		maxBodySize: opts.MaxBodySize,
		log:         opts.Log,
	}
}

// Routes mounts the API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/dispatch", h.Dispatch)
	r.Get("/health", Health)
	if h.features != nil {
		r.Route("/admin/features", func(r chi.Router) {
			r.Get("/", h.ListFeatures)
			r.Put("/{name}", h.SetFeature)
		})
	}
}

// Health handles GET /health
func Health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// Dispatch handles POST /dispatch. The caller is authenticated before the
// body is read.
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, err := h.dispatcher.Authenticate(ctx, r.Header.Get("Authorization"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	var req models.DispatchRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	resp, err := h.dispatcher.Run(ctx, principal, req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

type setFeatureRequest struct {
	Enabled *bool `json:"enabled"`
}

// ListFeatures handles GET /admin/features
func (h *Handler) ListFeatures(w http.ResponseWriter, r *http.Request) {
	if _, err := h.dispatcher.Authenticate(r.Context(), r.Header.Get("Authorization")); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, h.features.GetAll())
}

// SetFeature handles PUT /admin/features/{name}
func (h *Handler) SetFeature(w http.ResponseWriter, r *http.Request) {
	principal, err := h.dispatcher.Authenticate(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	var req setFeatureRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	if req.Enabled == nil {
		h.respondError(w, r, apperror.Validation("enabled is required", nil))
		return
	}

	name := validation.SanitizeString(chi.URLParam(r, "name"))
	if !h.features.Set(name, *req.Enabled) {
		h.respondError(w, r, apperror.NotFound("feature not found"))
		return
	}
	logger.FromContext(r.Context(), h.log).Info("feature flag changed",
		zap.String("feature", name),
		zap.Bool("enabled", *req.Enabled),
		logger.CallerID(principal.CallerID))
	h.respondJSON(w, http.StatusOK, h.features.GetAll())
}

// decode reads a JSON body strictly. Every failure is a validation error.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dest interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	err := dec.Decode(dest)
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		return apperror.Validation("request body is required", err)
	case errors.As(err, &tooLarge):
		return apperror.Validation("request body too large", err)
	default:
		return apperror.Validation("invalid JSON in request body", err)
	}
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError maps err to its status and a body without internal detail.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperror.HTTPStatus(err)
	h.respondJSON(w, status, ErrorBody(err))

	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context(), h.log).Error("request failed", zap.Error(err))
	}
}

// ErrorBody renders err as an ErrorResponse. Internal errors carry a fixed
// message.
func ErrorBody(err error) models.ErrorResponse {
	appErr := apperror.As(err)
	body := models.ErrorResponse{Code: appErr.Code, Message: appErr.Message}

	switch apperror.HTTPStatus(appErr) {
	case http.StatusInternalServerError:
		body.Code = apperror.CodeInternal
		body.Message = "internal error"
	case http.StatusTooManyRequests:
		current, limit, resetsAt := appErr.CurrentCount, appErr.Limit, appErr.ResetsAt.UTC()
		body.CurrentCount = &current
		body.Limit = &limit
		body.ResetsAt = &resetsAt
	}
	return body
}
