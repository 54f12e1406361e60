package middleware

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"flashoffer-dispatch/internal/apperror"
	"flashoffer-dispatch/internal/logger"
	"flashoffer-dispatch/internal/models"
)

// Recoverer turns a panic into a 500 INTERNAL_ERROR response.
func Recoverer(log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.FromContext(r.Context(), log).Error("panic recovered",
					zap.Any("panic", rec), zap.Stack("stack"))

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(models.ErrorResponse{
					Code:    apperror.CodeInternal,
					Message: "internal error",
				})
			}()
			next.ServeHTTP(w, r)
		})
	}
}
