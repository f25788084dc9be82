// Package runledger persists per-run records for operator inspection.
//
// Every pipeline run writes a run.json under the state directory, so
// `geoflow runs` and the status server can show what ran, what it
// produced, and how it ended, without scraping logs.
package runledger

import "time"

// RunStatus is the lifecycle state of a recorded run.
//
// NOTE: These values are persisted in run.json and are part of the stable
// on-disk contract.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusUnknown   RunStatus = "unknown"
)

// RunRecord is the persistent record written to run.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type RunRecord struct {
	RunID      string    `json:"run_id"`
	Name       string    `json:"name,omitempty"`
	InputType  string    `json:"input_type,omitempty"`
	Input      string    `json:"input,omitempty"`
	Collection string    `json:"collection,omitempty"`
	Steps      []string  `json:"steps,omitempty"`
	Status     RunStatus `json:"status"`
	ExitCode   int       `json:"exit_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	PID        int       `json:"pid,omitempty"`
	StartedAt  time.Time `json:"started_at"`

	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// JobIDs maps each executed step to the remote jobs it submitted.
	JobIDs map[string][]string `json:"job_ids,omitempty"`
}
