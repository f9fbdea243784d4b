package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const HolderIDHeader = "X-Holder-ID"

type holderKey struct{}

// HolderMiddleware takes the opaque holder token from the X-Holder-ID header
// and rejects requests that carry none.
func HolderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		holderID := r.Header.Get(HolderIDHeader)
		if holderID == "" {
			respondError(w, http.StatusBadRequest, "missing_holder_id", HolderIDHeader+" header is required")
			return
		}

		ctx := context.WithValue(r.Context(), holderKey{}, holderID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// HolderID returns the holder stored by HolderMiddleware, or "".
func HolderID(ctx context.Context) string {
	holderID, _ := ctx.Value(holderKey{}).(string)
	return holderID
}

// RequestLogger logs each request through zap once it completes.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
