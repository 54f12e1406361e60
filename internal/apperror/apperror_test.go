package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Auth("missing bearer token", nil), http.StatusUnauthorized},
		{Validation("bad offerId", nil), http.StatusBadRequest},
		{NotFound("offer not found"), http.StatusNotFound},
		{RateLimit(3, 3, time.Now()), http.StatusTooManyRequests},
		{Gateway(true, "gateway unavailable", nil), http.StatusInternalServerError},
		{Persistence(false, "constraint violated", nil), http.StatusInternalServerError},
		{Internal("boom", nil), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", NotFound("offer not found")), http.StatusNotFound},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), tt.err.Error())
	}
}

func TestAs(t *testing.T) {
	cause := errors.New("database is locked")
	err := fmt.Errorf("failed to load offer: %w", Persistence(true, "query failed", cause))

	appErr := As(err)
	assert.Equal(t, KindPersistence, appErr.Kind)
	assert.Equal(t, CodeInternal, appErr.Code)
	assert.True(t, IsTransient(err))
	assert.True(t, IsKind(err, KindPersistence))
	assert.ErrorIs(t, err, cause)

	plain := As(errors.New("unclassified"))
	assert.Equal(t, KindInternal, plain.Kind)
	assert.False(t, IsTransient(errors.New("unclassified")))
}

func TestRateLimit(t *testing.T) {
	resetsAt := time.Date(2024, 6, 2, 16, 0, 0, 0, time.UTC)
	err := RateLimit(5, 5, resetsAt)
	assert.Equal(t, CodeRateLimitExceeded, err.Code)
	assert.Equal(t, 5, err.CurrentCount)
	assert.Equal(t, 5, err.Limit)
	assert.Equal(t, resetsAt, err.ResetsAt)
	assert.False(t, err.Transient)
}

func TestError_Message(t *testing.T) {
	assert.Equal(t, "not_found: offer not found", NotFound("offer not found").Error())
	assert.Contains(t, Internal("dispatch timed out", errors.New("context deadline exceeded")).Error(), "context deadline exceeded")
}
