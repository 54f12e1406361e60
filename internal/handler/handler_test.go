package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashoffer-dispatch/internal/apperror"
	"flashoffer-dispatch/internal/auth"
	"flashoffer-dispatch/internal/features"
	"flashoffer-dispatch/internal/models"
)

const validOfferID = "7f8e0c7a-3b1e-4f57-9a55-0d4f1c2b9e11"

// fakeDispatcher accepts "Bearer good" and returns canned results.
type fakeDispatcher struct {
	resp   models.DispatchResponse
	err    error
	got    *models.DispatchRequest
	caller string
}

func (f *fakeDispatcher) Authenticate(_ context.Context, header string) (auth.Principal, error) {
	if header != "Bearer good" {
		return auth.Principal{}, apperror.Auth("invalid bearer token", errors.New("signature mismatch"))
	}
	return auth.Principal{CallerID: "owner-1"}, nil
}

func (f *fakeDispatcher) Run(_ context.Context, p auth.Principal, req models.DispatchRequest) (models.DispatchResponse, error) {
	f.got = &req
	f.caller = p.CallerID
	return f.resp, f.err
}

func setupRouter(d Dispatcher, opts NewHandlerOptions) *chi.Mux {
	r := chi.NewRouter()
	NewHandlerWithOptions(d, opts).Routes(r)
	return r
}

func post(t *testing.T, r http.Handler, auth, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/dispatch", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()
	var body models.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestHealthCheck(t *testing.T) {
	r := setupRouter(&fakeDispatcher{}, DefaultHandlerOptions())

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}

func TestDispatch_Success(t *testing.T) {
	d := &fakeDispatcher{resp: models.DispatchResponse{
		Success: true, TargetedUserCount: 3, SentCount: 3, Errors: []string{},
	}}
	r := setupRouter(d, DefaultHandlerOptions())

	rr := post(t, r, "Bearer good", `{"offerId":"`+validOfferID+`","dryRun":true}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"success":true,"targetedUserCount":3,"sentCount":3,"failedCount":0,"errors":[],"dryRun":false}`, rr.Body.String())
	require.NotNil(t, d.got)
	assert.Equal(t, validOfferID, d.got.OfferID)
	assert.True(t, d.got.DryRun)
	assert.Equal(t, "owner-1", d.caller)
}

func TestDispatch_AuthenticatesBeforeReadingBody(t *testing.T) {
	d := &fakeDispatcher{}
	r := setupRouter(d, DefaultHandlerOptions())

	for _, header := range []string{"", "Bearer bad", "Basic Z29vZA=="} {
		rr := post(t, r, header, `not json`)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, header)
		body := decodeError(t, rr)
		assert.Equal(t, apperror.CodeUnauthorized, body.Code)
		assert.NotContains(t, rr.Body.String(), "signature mismatch")
	}
	assert.Nil(t, d.got)
}

func TestDispatch_BadBodies(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"malformed", `{"offerId":`},
		{"unknown field", `{"offerId":"` + validOfferID + `","venueId":"v1"}`},
		{"wrong type", `{"offerId":42}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{}
			rr := post(t, setupRouter(d, DefaultHandlerOptions()), "Bearer good", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, apperror.CodeValidation, decodeError(t, rr).Code)
			assert.Nil(t, d.got)
		})
	}
}

func TestDispatch_BodyTooLarge(t *testing.T) {
	d := &fakeDispatcher{}
	r := setupRouter(d, NewHandlerOptions{MaxBodySize: 32})

	rr := post(t, r, "Bearer good", `{"offerId":"`+validOfferID+`"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	body := decodeError(t, rr)
	assert.Equal(t, apperror.CodeValidation, body.Code)
	assert.Equal(t, "request body too large", body.Message)
}

func TestDispatch_ErrorMapping(t *testing.T) {
	resetsAt := time.Date(2024, 6, 2, 16, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", apperror.Validation("validation error on field 'offerId': must be a valid UUID", nil), http.StatusBadRequest, apperror.CodeValidation},
		{"not found", apperror.NotFound("offer not found"), http.StatusNotFound, apperror.CodeOfferNotFound},
		{"rate limited", apperror.RateLimit(3, 3, resetsAt), http.StatusTooManyRequests, apperror.CodeRateLimitExceeded},
		{"internal", apperror.Internal("dispatch timed out", context.DeadlineExceeded), http.StatusInternalServerError, apperror.CodeInternal},
		{"persistence", apperror.Persistence(true, "failed to load offer", errors.New("sqlite: disk I/O error")), http.StatusInternalServerError, apperror.CodeInternal},
		{"unclassified", errors.New("select * from flash_offers: boom"), http.StatusInternalServerError, apperror.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := post(t, setupRouter(&fakeDispatcher{err: tt.err}, DefaultHandlerOptions()), "Bearer good", `{"offerId":"`+validOfferID+`"}`)
			assert.Equal(t, tt.status, rr.Code)
			body := decodeError(t, rr)
			assert.Equal(t, tt.code, body.Code)

			if tt.status == http.StatusInternalServerError {
				assert.Equal(t, "internal error", body.Message)
				assert.NotContains(t, rr.Body.String(), "sqlite")
				assert.NotContains(t, rr.Body.String(), "flash_offers")
			}
		})
	}
}

func TestDispatch_RateLimitBody(t *testing.T) {
	resetsAt := time.Date(2024, 6, 2, 16, 0, 0, 0, time.UTC)
	r := setupRouter(&fakeDispatcher{err: apperror.RateLimit(5, 5, resetsAt)}, DefaultHandlerOptions())

	rr := post(t, r, "Bearer good", `{"offerId":"`+validOfferID+`"}`)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.JSONEq(t, `{
		"code": "RATE_LIMIT_EXCEEDED",
		"message": "venue daily send limit reached",
		"currentCount": 5,
		"limit": 5,
		"resetsAt": "2024-06-02T16:00:00Z"
	}`, rr.Body.String())
}

func TestFeatures_ListAndSet(t *testing.T) {
	flags := features.NewManager()
	flags.Register(features.VenueCache, true, "cache venues")
	r := setupRouter(&fakeDispatcher{}, NewHandlerOptions{Features: flags})

	req := httptest.NewRequest(http.MethodGet, "/admin/features/", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodPut, "/admin/features/"+features.VenueCache, bytes.NewBufferString(`{"enabled":false}`))
	req.Header.Set("Authorization", "Bearer good")
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, flags.IsEnabled(features.VenueCache))

	req = httptest.NewRequest(http.MethodPut, "/admin/features/nope", bytes.NewBufferString(`{"enabled":true}`))
	req.Header.Set("Authorization", "Bearer good")
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	req = httptest.NewRequest(http.MethodPut, "/admin/features/"+features.VenueCache, bytes.NewBufferString(`{}`))
	req.Header.Set("Authorization", "Bearer good")
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestFeatures_NotMountedWithoutManager(t *testing.T) {
	r := setupRouter(&fakeDispatcher{}, DefaultHandlerOptions())

	req := httptest.NewRequest(http.MethodGet, "/admin/features/", nil)
	req.Header.Set("Authorization", "Bearer good")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
