package executor

import "strings"

// Status represents the lifecycle state of a remote job.
type Status string

const (
	// StatusAccepted means the job is queued but not yet running.
	StatusAccepted Status = "Accepted"

	// StatusRunning means the job is executing.
	StatusRunning Status = "Running"

	// StatusSucceeded means the job completed successfully.
	StatusSucceeded Status = "Succeeded"

	// StatusFailed means the job completed with an error.
	StatusFailed Status = "Failed"

	// StatusDeleted means the job was removed before completion.
	StatusDeleted Status = "Deleted"

	// StatusRevoked means the job was cancelled by the executor.
	StatusRevoked Status = "Revoked"

	// StatusUnknown covers status strings this client does not
	// recognize. The raw value is preserved on the handle.
	StatusUnknown Status = "Unknown"
)

// ParseStatus maps a raw executor status string to a Status.
// Matching is case-insensitive; "successful" is accepted as an alias
// for Succeeded. Unrecognized values map to StatusUnknown.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "accepted":
		return StatusAccepted
	case "running":
		return StatusRunning
	case "succeeded", "successful":
		return StatusSucceeded
	case "failed":
		return StatusFailed
	case "deleted":
		return StatusDeleted
	case "revoked":
		return StatusRevoked
	default:
		return StatusUnknown
	}
}

// Disposition tells a caller what a job status means for polling:
// keep waiting, stop with success, or stop with failure.
type Disposition int

const (
	// Continue means the job is still in flight (or its state is
	// unknown) and polling should carry on.
	Continue Disposition = iota

	// Done means the job finished successfully.
	Done

	// Fatal means the job reached a terminal failure state and will
	// never succeed.
	Fatal
)

// Classify maps a job status to its polling disposition. Unknown
// statuses classify as Continue so that a transient API hiccup or an
// unrecognized state never terminates a long-running wait.
func Classify(s Status) Disposition {
	switch s {
	case StatusSucceeded:
		return Done
	case StatusFailed, StatusDeleted, StatusRevoked:
		return Fatal
	default:
		return Continue
	}
}

func (d Disposition) String() string {
	switch d {
	case Done:
		return "done"
	case Fatal:
		return "fatal"
	default:
		return "continue"
	}
}
