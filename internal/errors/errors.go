// Package errors maps failures anywhere in a pipeline run to the
// process exit codes and TERMINATED lines operators key automation on.
//
// Classification runs in two tiers: an explicit *PipelineError wrapper
// always wins, otherwise Classify walks the typed errors of the domain
// packages (pipeline validation, poller outcomes, CMR lookups, storage
// transport) with errors.Is/As and falls back to the generic category.
package errors

import (
	"errors"
	"fmt"

	"github.com/earthscale/geoflow/pkg/cmr"
	"github.com/earthscale/geoflow/pkg/executor"
	"github.com/earthscale/geoflow/pkg/ftp"
	"github.com/earthscale/geoflow/pkg/pipeline"
	"github.com/earthscale/geoflow/pkg/poller"
	"github.com/earthscale/geoflow/pkg/storage"
)

// Category identifies a failure class. Its integer value is the
// process exit code.
type Category int

const (
	// CategoryGeneric covers anything no other category claims.
	CategoryGeneric Category = iota + 1

	// CategoryGranuleNotFound covers CMR lookups and FTP listings
	// that matched nothing.
	CategoryGranuleNotFound

	// CategoryDownloadFailed covers granule download failures during
	// local staging.
	CategoryDownloadFailed

	// CategoryUploadFailed covers S3 upload failures during staging.
	CategoryUploadFailed

	// CategoryJobFailed covers remote jobs that failed, were never
	// accepted, or outlived the polling ceiling.
	CategoryJobFailed

	// CategoryInvalidArgument covers bad flags, step lists, input
	// types, and other run-configuration mistakes.
	CategoryInvalidArgument

	// CategoryRuntime covers collaborator and transport failures
	// outside polling: submissions, storage calls, missing outputs.
	CategoryRuntime

	// CategoryNotImplemented covers features that are recognized but
	// not built.
	CategoryNotImplemented
)

// String returns the category name used in logs.
func (c Category) String() string {
	switch c {
	case CategoryGeneric:
		return "generic"
	case CategoryGranuleNotFound:
		return "granule not found"
	case CategoryDownloadFailed:
		return "download failed"
	case CategoryUploadFailed:
		return "upload failed"
	case CategoryJobFailed:
		return "remote job failed"
	case CategoryInvalidArgument:
		return "invalid argument"
	case CategoryRuntime:
		return "runtime error"
	case CategoryNotImplemented:
		return "not implemented"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// terminatedLabel is the fixed phrase in the TERMINATED line. The
// generic category has its own sentence shape and no label.
func (c Category) terminatedLabel() string {
	switch c {
	case CategoryGranuleNotFound:
		return "Granule not found"
	case CategoryDownloadFailed:
		return "Download failed"
	case CategoryUploadFailed:
		return "S3 upload failed"
	case CategoryJobFailed:
		return "Pipeline job failed"
	case CategoryInvalidArgument:
		return "Invalid argument or value"
	case CategoryRuntime:
		return "Runtime error"
	case CategoryNotImplemented:
		return "Feature not yet implemented"
	default:
		return ""
	}
}

// PipelineError pins an explicit category onto an error. Wrapping a
// failure at the call site beats classification by type when the same
// error shape can mean different things, a storage put during staging
// is an upload failure while the same put elsewhere is a runtime error.
type PipelineError struct {
	Category Category
	Message  string
	Err      error
}

func (e *PipelineError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Category.String()
	}
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// New creates a PipelineError without a cause.
func New(cat Category, message string) *PipelineError {
	return &PipelineError{Category: cat, Message: message}
}

// Wrap pins cat onto err. Returns nil when err is nil so call sites
// can wrap unconditionally.
func Wrap(cat Category, message string, err error) *PipelineError {
	if err == nil {
		return nil
	}
	return &PipelineError{Category: cat, Message: message, Err: err}
}

// Classify maps err to its failure category. An explicit
// *PipelineError anywhere in the chain wins; otherwise the typed
// errors of the domain packages decide; anything else is generic.
func Classify(err error) Category {
	if err == nil {
		return CategoryGeneric
	}

	var perr *PipelineError
	if errors.As(err, &perr) {
		return perr.Category
	}

	if isInvalidArgument(err) {
		return CategoryInvalidArgument
	}
	if errors.Is(err, cmr.ErrGranuleNotFound) || errors.Is(err, cmr.ErrNoDataURL) ||
		errors.Is(err, ftp.ErrNoMatches) {
		return CategoryGranuleNotFound
	}
	if isJobFailure(err) {
		return CategoryJobFailed
	}
	if isRuntime(err) {
		return CategoryRuntime
	}
	return CategoryGeneric
}

// ExitCode returns the process exit code for err. Nil means success.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return int(Classify(err))
}

// Terminated renders the final line logged before the process exits.
// The texts are fixed strings; downstream automation greps for them.
func Terminated(err error) string {
	cat := Classify(err)
	if cat == CategoryGeneric {
		return fmt.Sprintf("TERMINATED: An unexpected error occurred: %v", err)
	}
	return fmt.Sprintf("TERMINATED: %s. Details: %v", cat.terminatedLabel(), err)
}

func isInvalidArgument(err error) bool {
	if errors.Is(err, pipeline.ErrInvalidRun) {
		return true
	}
	var (
		inputErr      *pipeline.UnsupportedInputTypeError
		collectionErr *pipeline.MissingCollectionIDError
		stepsErr      *pipeline.InvalidStepsError
	)
	return errors.As(err, &inputErr) ||
		errors.As(err, &collectionErr) ||
		errors.As(err, &stepsErr)
}

func isJobFailure(err error) bool {
	var (
		failedErr  *poller.JobFailedError
		timeoutErr *poller.TimeoutError
		multiErr   *poller.MultiError
		noJobsErr  *pipeline.NoJobsSubmittedError
	)
	return errors.As(err, &failedErr) ||
		errors.As(err, &timeoutErr) ||
		errors.As(err, &multiErr) ||
		errors.As(err, &noJobsErr)
}

func isRuntime(err error) bool {
	if errors.Is(err, pipeline.ErrNoOutputs) {
		return true
	}
	var (
		submitErr *pipeline.SubmissionError
		storeErr  *storage.StoreError
		apiErr    *executor.APIError
	)
	if errors.As(err, &submitErr) ||
		errors.As(err, &storeErr) ||
		errors.As(err, &apiErr) {
		return true
	}
	for _, sentinel := range []error{
		storage.ErrNotFound,
		storage.ErrAccessDenied,
		storage.ErrBucketNotFound,
		storage.ErrInvalidCredentials,
		storage.ErrUnavailable,
		storage.ErrThrottled,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
