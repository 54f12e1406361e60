package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"flashoffer-dispatch/internal/logger"
)

// RequestLogger logs one line per request and stores a request scoped logger
// in the context. Run it after chi's RequestID middleware.
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLog := log.With(zap.String("request_id", chimw.GetReqID(r.Context())))

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(logger.WithContext(r.Context(), reqLog)))

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.statusCode),
				zap.Duration("latency", time.Since(start)),
			}
			switch {
			case rw.statusCode >= http.StatusInternalServerError:
				reqLog.Error("request completed", fields...)
			case rw.statusCode >= http.StatusBadRequest:
				reqLog.Warn("request completed", fields...)
			default:
				reqLog.Info("request completed", fields...)
			}
		})
	}
}
