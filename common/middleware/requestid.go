package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/YaganovValera/exchange-sync/common/ctxkeys"
)

// RequestIDHeader — заголовок, из которого берётся/в который пишется request-ID.
const RequestIDHeader = "X-Request-ID"

func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get(RequestIDHeader)
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, reqID)
			next.ServeHTTP(w, r.WithContext(ctxkeys.WithRequestID(r.Context(), reqID)))
		})
	}
}
