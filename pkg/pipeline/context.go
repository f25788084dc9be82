package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Identifier suffix lengths: enough of an input URL or an upstream
// job ID to tell jobs apart on the executor dashboard.
const (
	urlSuffixLen = 10
	jobSuffixLen = 7
)

// RunContext carries everything one pipeline invocation needs. It is
// built once per run, threaded through every step, and stamped on
// ledger records and event output via its ID.
type RunContext struct {
	// ID correlates the run across logs, events, and the ledger.
	// Generated when left empty.
	ID string

	// Name prefixes remote job identifiers so executor dashboards
	// can be filtered down to this pipeline's jobs.
	Name string

	// Input is the granule ID for DAAC runs or the s3:// input URL
	// otherwise.
	Input string

	// InputType is the flow Input was classified into.
	InputType InputType

	// Steps are the stages to execute, in canonical order.
	Steps []Step

	// CollectionID is the catalog collection products register
	// under. Doubles as the collection concept ID for DAAC staging.
	CollectionID string

	// Bucket and Prefix locate the run's canonical output area.
	// Staged granules land there and produced Zarr stores are
	// mirrored there. Empty Bucket disables the mirror.
	Bucket string
	Prefix string

	// RoleARN is assumed by the staging job for cross-account
	// writes.
	RoleARN string

	// Variables selects which variables conversion extracts, "*"
	// for all.
	Variables string

	// ConcatEnabled records whether concatenation was requested.
	ConcatEnabled bool

	// ConcatDuration is the ISO 8601 window passed to concat jobs.
	ConcatDuration string

	// JobQueue is the executor queue remote jobs are scheduled
	// onto.
	JobQueue string

	// ZarrConfigURL locates the conversion config handed to
	// netcdf2zarr jobs.
	ZarrConfigURL string

	// Upsert makes cataloging replace existing items instead of
	// failing on conflicts.
	Upsert bool

	started time.Time
}

// normalize fills generated and defaulted fields.
func (rc *RunContext) normalize(now time.Time) {
	if rc.ID == "" {
		rc.ID = uuid.NewString()
	}
	if rc.Name == "" {
		rc.Name = "geoflow"
	}
	if rc.Variables == "" {
		rc.Variables = "*"
	}
	if rc.ConcatDuration == "" {
		rc.ConcatDuration = "P5D"
	}
	if rc.started.IsZero() {
		rc.started = now
	}
	if containsStep(rc.Steps, StepConcat) {
		rc.ConcatEnabled = true
	}
}

// identifier builds the job label <name>_<step>_<suffix>, where the
// suffix is the last n characters of token.
func (rc *RunContext) identifier(step Step, token string, n int) string {
	return fmt.Sprintf("%s_%s_%s", rc.Name, step, suffixOf(token, n))
}

// suffixOf returns the last n characters of s.
func suffixOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// joinKey joins object key parts with single slashes, dropping
// empties.
func joinKey(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}
