package middleware

import (
	"fmt"
	"net/http"

	apperrors "github.com/earthscale/geoflow/internal/errors"
)

// ErrorResponse is the standard error envelope.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery converts handler panics into 500 responses carrying the
// standard envelope. The panic value lands in the message; the
// request id is echoed when the RequestID middleware ran first.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				envelope := apperrors.NewHTTPError("INTERNAL_ERROR", fmt.Sprintf("panic: %v", rec)).
					WithRequestID(apperrors.RequestIDFromContext(r.Context()))
				writeErrorResponse(w, envelope, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is Recovery under the name older call sites use.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

// writeErrorResponse writes the envelope with the given status.
func writeErrorResponse(w http.ResponseWriter, envelope *apperrors.HTTPErrorResponse, status int) {
	apperrors.WriteHTTPError(w, envelope, status)
}
