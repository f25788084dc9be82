package poller

import (
	"fmt"
	"strings"
	"time"

	"github.com/earthscale/geoflow/pkg/executor"
)

// JobFailedError reports a job that reached a terminal failure state.
type JobFailedError struct {
	JobID  string
	Status executor.Status
	Reason string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s failed with status %s: %s", e.JobID, e.Status, e.Reason)
}

// TimeoutError reports a job that was still in flight when the
// polling ceiling was reached. The remote job keeps running; no
// cancellation is sent to the executor.
type TimeoutError struct {
	JobID  string
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for job %s after %s", e.JobID, e.Waited)
}

// MultiError aggregates the failures from awaiting a batch of jobs.
type MultiError struct {
	Errors []error
}

func (e *MultiError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d jobs failed: %s", len(e.Errors), strings.Join(msgs, "; "))
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *MultiError) Unwrap() []error {
	return e.Errors
}
