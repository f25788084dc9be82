// Package middleware provides the status server's request plumbing:
// request ids and panic recovery, both speaking the standard error
// envelope.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	apperrors "github.com/earthscale/geoflow/internal/errors"
)

// HeaderRequestID is the request id header read from requests and
// echoed on responses.
const HeaderRequestID = "X-Request-ID"

// RequestID assigns each request an id: the incoming X-Request-ID
// when present, otherwise a fresh uuid. The id rides the request
// context so error envelopes can echo it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		ctx := apperrors.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
