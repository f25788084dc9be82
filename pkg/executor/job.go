package executor

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidSpec is wrapped by JobSpec.Validate for any missing field.
var ErrInvalidSpec = errors.New("invalid job spec")

// ErrNoJobID indicates an operation that requires a job ID was called
// on a rejected handle.
var ErrNoJobID = errors.New("job handle has no id")

// JobSpec describes a job submission: which algorithm to run, where,
// and with what inputs.
type JobSpec struct {
	// Algorithm is the registered algorithm name.
	Algorithm string

	// Version is the algorithm version tag (for example "master").
	Version string

	// Queue is the resource queue the job is scheduled onto.
	Queue string

	// Identifier is the client-chosen job label. It is carried onto
	// the handle and used to correlate jobs across a pipeline run.
	Identifier string

	// Params are the algorithm inputs, passed through verbatim.
	Params map[string]string
}

// Validate checks that all required submission fields are present.
func (s JobSpec) Validate() error {
	switch {
	case s.Algorithm == "":
		return fmt.Errorf("%w: algorithm is required", ErrInvalidSpec)
	case s.Version == "":
		return fmt.Errorf("%w: version is required", ErrInvalidSpec)
	case s.Queue == "":
		return fmt.Errorf("%w: queue is required", ErrInvalidSpec)
	case s.Identifier == "":
		return fmt.Errorf("%w: identifier is required", ErrInvalidSpec)
	}
	return nil
}

// Handle tracks a submitted job. A handle is not safe for concurrent
// use; await helpers hand each handle to a single goroutine.
type Handle struct {
	// ID is the executor-assigned job ID. Empty when the submission
	// was rejected. Never modified after submission.
	ID string

	// Identifier is the client-chosen label from the job spec.
	Identifier string

	// Status is the last status reported by the executor.
	Status Status

	// RawStatus preserves the executor's status string verbatim,
	// which matters when Status is Unknown.
	RawStatus string

	// ErrorDetail carries the executor's error payload for rejected
	// or failed jobs. May be a plain string or a JSON document with
	// a "message" key.
	ErrorDetail string

	// ResponseCode is the HTTP status code of the submission response.
	ResponseCode int

	results []string
}

// Rejected reports whether the submission was declined by the
// executor. A rejected handle has no ID and cannot be polled.
func (h *Handle) Rejected() bool {
	return h.ID == ""
}

// setStatus records a freshly fetched status on the handle.
func (h *Handle) setStatus(raw string) Status {
	h.RawStatus = raw
	h.Status = ParseStatus(raw)
	return h.Status
}

// ResolveError extracts a human-readable error message from a handle.
// It never fails: a JSON error payload yields its "message" field,
// a plain string is returned as-is, and an empty detail falls back to
// the submission response code.
func ResolveError(h *Handle) string {
	if h == nil {
		return "Unknown error"
	}
	if h.ErrorDetail != "" {
		var payload struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(h.ErrorDetail), &payload); err == nil && payload.Message != "" {
			return payload.Message
		}
		return h.ErrorDetail
	}
	if h.ResponseCode != 0 {
		return fmt.Sprintf("HTTP %d", h.ResponseCode)
	}
	return "Unknown error"
}
