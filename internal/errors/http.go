package errors

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"

	"github.com/earthscale/geoflow/pkg/storage"
)

// HTTPErrorDetail is the inner object of the standard error envelope.
type HTTPErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HTTPErrorResponse is the error envelope every HTTP surface returns.
type HTTPErrorResponse struct {
	Error HTTPErrorDetail `json:"error"`
}

// NewHTTPError builds an envelope with the given code and message.
func NewHTTPError(code, message string) *HTTPErrorResponse {
	return &HTTPErrorResponse{Error: HTTPErrorDetail{Code: code, Message: message}}
}

// WithRequestID stamps the request id onto the envelope.
func (e *HTTPErrorResponse) WithRequestID(id string) *HTTPErrorResponse {
	e.Error.RequestID = id
	return e
}

// WithDetails attaches structured context to the envelope.
func (e *HTTPErrorResponse) WithDetails(details map[string]interface{}) *HTTPErrorResponse {
	e.Error.Details = details
	return e
}

type requestIDKey struct{}

// ContextWithRequestID returns ctx carrying the request id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id set by the RequestID
// middleware, or "" when none is present.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WriteHTTPError encodes the envelope as JSON with the given status.
func WriteHTTPError(w http.ResponseWriter, resp *HTTPErrorResponse, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// RespondWithError maps err to an envelope and writes it. Missing
// resources turn into 404, configuration mistakes into 400, anything
// else into 500.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL_ERROR"

	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
		code = "NOT_FOUND"
	case Classify(err) == CategoryInvalidArgument:
		status = http.StatusBadRequest
		code = "INVALID_ARGUMENT"
	}

	resp := NewHTTPError(code, err.Error()).
		WithRequestID(RequestIDFromContext(r.Context()))
	WriteHTTPError(w, resp, status)
}
