package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/tracelock/core/pkg/ingestion"
)

type requestIDKey struct{}

// requestIDMiddleware injects a unique X-Request-ID into every request
// context and response header, grounded on the teacher's
// pkg/auth/requestid.go. If the client sends an X-Request-ID, it is reused
// so callers can correlate their own logs with ours.
//
// Unlike the teacher's version, the ID is also carried into
// ingestion.Authority's own context (ingestion.ContextWithRequestID) so
// that a forensic LOG_DROP or rejection the authority logs during this
// request can be matched back to the X-Request-ID a caller reports when
// they file an issue — the audit trail spec §4.3.1 describes is only as
// useful as the operator's ability to find the request that produced it.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		ctx = ingestion.ContextWithRequestID(ctx, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestIDFromContext extracts the request ID set by requestIDMiddleware,
// used in problem-detail responses so a caller can cite it when reporting
// an issue.
func requestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
