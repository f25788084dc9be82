// Package events provides JSONL event output for pipeline runs.
//
// Events are typed record envelopes covering the run lifecycle, stage
// transitions, job state changes, resolved outputs, and catalog
// registrations. Each line is a self-contained JSON object that can
// be parsed independently, so a run's event stream can be tailed or
// replayed by downstream tooling.
package events

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: geoflow.<type>.v<version>
const (
	// TypeRun identifies run lifecycle records.
	TypeRun = "geoflow.run.v1"

	// TypeStage identifies stage transition records.
	TypeStage = "geoflow.stage.v1"

	// TypeJob identifies remote job state records.
	TypeJob = "geoflow.job.v1"

	// TypeOutput identifies resolved output records.
	TypeOutput = "geoflow.output.v1"

	// TypeCatalog identifies catalog registration records.
	TypeCatalog = "geoflow.catalog.v1"

	// TypeError identifies error records.
	TypeError = "geoflow.error.v1"
)

// Event name constants shared by the record payloads.
const (
	// EventStarted marks the beginning of a run or stage.
	EventStarted = "started"

	// EventCompleted marks successful completion.
	EventCompleted = "completed"

	// EventFailed marks terminal failure.
	EventFailed = "failed"

	// EventSkipped marks a stage excluded from the run.
	EventSkipped = "skipped"

	// EventSubmitted marks a job accepted by the executor.
	EventSubmitted = "submitted"

	// EventRejected marks a job declined at submission.
	EventRejected = "rejected"

	// EventTimedOut marks a job abandoned at the polling ceiling.
	EventTimedOut = "timed_out"
)

// Record is the envelope for all JSONL output.
//
// Each line contains a Record with a type-specific payload in the
// Data field. The type field determines how to interpret Data.
type Record struct {
	// Type identifies the record type (e.g., "geoflow.job.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID is the correlation ID for this pipeline run.
	RunID string `json:"run_id"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// RunRecord is the data payload for run lifecycle events.
type RunRecord struct {
	// Event is started, completed, or failed.
	Event string `json:"event"`

	// InputType is the detected flow (daac, s3_netcdf, s3_zarr, s3_gpkg).
	InputType string `json:"input_type,omitempty"`

	// Input is the granule ID or storage URI that seeded the run.
	Input string `json:"input,omitempty"`

	// Collection is the target catalog collection, when known.
	Collection string `json:"collection,omitempty"`

	// Steps lists the stages selected for this run.
	Steps []string `json:"steps,omitempty"`

	// Duration is the total run duration, set on completion.
	Duration time.Duration `json:"duration_ns,omitempty"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration,omitempty"`

	// Error carries the failure message for failed runs.
	Error string `json:"error,omitempty"`
}

// StageRecord is the data payload for stage transitions.
type StageRecord struct {
	// Step names the stage (stage, netcdf2zarr, concat, zarr2cog, catalog).
	Step string `json:"step"`

	// Event is started, completed, failed, or skipped.
	Event string `json:"event"`

	// Jobs is the number of remote jobs the stage submitted.
	Jobs int `json:"jobs,omitempty"`

	// Outputs is the number of storage URIs the stage produced.
	Outputs int `json:"outputs,omitempty"`

	// Error carries the failure message for failed stages.
	Error string `json:"error,omitempty"`
}

// JobRecord is the data payload for remote job state changes.
type JobRecord struct {
	// JobID is the executor-assigned ID. Empty for rejections.
	JobID string `json:"job_id,omitempty"`

	// Identifier is the client-chosen job label.
	Identifier string `json:"identifier"`

	// Algorithm names the submitted algorithm.
	Algorithm string `json:"algorithm,omitempty"`

	// Event is submitted, rejected, completed, failed, or timed_out.
	Event string `json:"event"`

	// Status is the executor's final status string, when known.
	Status string `json:"status,omitempty"`

	// Reason carries the rejection or failure detail.
	Reason string `json:"reason,omitempty"`
}

// OutputRecord is the data payload for resolved stage outputs.
type OutputRecord struct {
	// Step names the stage whose outputs were resolved.
	Step string `json:"step"`

	// Suffix is the extension the outputs were filtered by.
	Suffix string `json:"suffix,omitempty"`

	// URIs are the deduplicated storage locations.
	URIs []string `json:"uris"`
}

// CatalogRecord is the data payload for catalog registrations.
type CatalogRecord struct {
	// Collection is the catalog collection the items were written to.
	Collection string `json:"collection"`

	// Items is the number of items sent.
	Items int `json:"items"`

	// Method is insert or upsert.
	Method string `json:"method"`

	// RecordURLs are the catalog item URLs, when returned.
	RecordURLs []string `json:"record_urls,omitempty"`

	// Error carries a per-collection failure that did not abort the
	// run (sibling collections continue).
	Error string `json:"error,omitempty"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records alongside the run's failure handling,
// so an event stream shows what went wrong without consulting logs.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Step names the stage where the error occurred, if applicable.
	Step string `json:"step,omitempty"`

	// JobID is the related remote job, if applicable.
	JobID string `json:"job_id,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord. These mirror the process exit
// categories so stream consumers and exit-code consumers agree.
const (
	// ErrCodeValidation indicates a bad or missing input combination.
	ErrCodeValidation = "VALIDATION"

	// ErrCodeGranuleNotFound indicates the archive has no such granule.
	ErrCodeGranuleNotFound = "GRANULE_NOT_FOUND"

	// ErrCodeDownload indicates a granule download failure.
	ErrCodeDownload = "DOWNLOAD"

	// ErrCodeUpload indicates a staging upload failure.
	ErrCodeUpload = "UPLOAD"

	// ErrCodeJobFailed indicates a remote job reported terminal failure.
	ErrCodeJobFailed = "JOB_FAILED"

	// ErrCodeTimeout indicates the polling ceiling was exceeded.
	ErrCodeTimeout = "TIMEOUT"

	// ErrCodeTransport indicates a collaborator HTTP/network failure.
	ErrCodeTransport = "TRANSPORT"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "events: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
