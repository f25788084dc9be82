// Package pipeline drives multi-stage geospatial product runs.
//
// A run starts from a single input, either a DAAC granule or an S3
// object, and walks a fixed sequence of steps: stage, netcdf2zarr,
// concat, zarr2cog, catalog. The input's type decides where the run
// enters that sequence. Each remote step submits a job to the
// executor, awaits its terminal state, and resolves the storage
// locations it produced; those locations feed the next step.
// GeoPackage inputs skip the conversion chain entirely and publish to
// GeoServer instead.
//
// Steps exchange storage URIs rather than local files, so every
// intermediate artifact survives its run and a later run can pick up
// from it by naming the artifact as its input.
package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// InputType classifies what a run starts from. The type decides which
// steps the run may execute: a DAAC granule must be staged first, an
// S3 NetCDF enters at conversion, a Zarr store goes straight to COG
// generation, and a GeoPackage is published as-is.
type InputType string

const (
	InputDAAC         InputType = "daac"
	InputS3NetCDF     InputType = "s3_netcdf"
	InputS3Zarr       InputType = "s3_zarr"
	InputS3GeoPackage InputType = "s3_gpkg"
)

// DetectInput classifies a run input without touching the network. A
// non-empty granule ID selects the DAAC flow regardless of inputS3;
// the literal "none" is treated as absent because job templates use
// it as a placeholder. Otherwise the S3 URL's extension decides.
func DetectInput(granuleID, inputS3 string) (InputType, error) {
	if granuleID != "" && granuleID != "none" {
		return InputDAAC, nil
	}
	if inputS3 == "" {
		return "", &UnsupportedInputTypeError{}
	}
	if !strings.HasPrefix(inputS3, "s3://") {
		return "", &UnsupportedInputTypeError{Input: inputS3}
	}
	switch {
	case strings.HasSuffix(inputS3, ".nc"), strings.HasSuffix(inputS3, ".nc4"):
		return InputS3NetCDF, nil
	case strings.HasSuffix(inputS3, ".zarr"), strings.HasSuffix(inputS3, ".zarr/"):
		return InputS3Zarr, nil
	case strings.HasSuffix(inputS3, ".gpkg"):
		return InputS3GeoPackage, nil
	}
	return "", &UnsupportedInputTypeError{Input: inputS3}
}

// Step is one stage of the pipeline. Steps execute in canonical
// order; a run's step list is always a subsequence of that order.
type Step string

const (
	// StepStage pulls a granule from its DAAC into staging storage.
	StepStage Step = "stage"

	// StepNetCDFToZarr converts a NetCDF file to a Zarr store.
	StepNetCDFToZarr Step = "netcdf2zarr"

	// StepConcat merges Zarr stores over a time window. Never part
	// of a default step list; it runs only when asked for.
	StepConcat Step = "concat"

	// StepZarrToCOG converts Zarr stores to cloud-optimized
	// GeoTIFFs, one job per store.
	StepZarrToCOG Step = "zarr2cog"

	// StepCatalog registers produced artifacts with the catalog or,
	// for GeoPackage inputs, publishes them to GeoServer.
	StepCatalog Step = "catalog"
)

// canonicalSteps is the full execution order.
var canonicalSteps = []Step{StepStage, StepNetCDFToZarr, StepConcat, StepZarrToCOG, StepCatalog}

// allowedSteps lists the steps an input type can run, in canonical
// order. Steps ahead of the input's entry point need artifacts the
// run does not have.
func allowedSteps(t InputType) []Step {
	switch t {
	case InputDAAC:
		return []Step{StepStage, StepNetCDFToZarr, StepConcat, StepZarrToCOG, StepCatalog}
	case InputS3NetCDF:
		return []Step{StepNetCDFToZarr, StepConcat, StepZarrToCOG, StepCatalog}
	case InputS3Zarr:
		return []Step{StepConcat, StepZarrToCOG, StepCatalog}
	case InputS3GeoPackage:
		return []Step{StepCatalog}
	}
	return nil
}

// DefaultSteps returns the steps a run of the given input type
// performs when none are named explicitly. Concatenation is never a
// default; ParseSteps inserts it when enabled.
func DefaultSteps(t InputType) []Step {
	allowed := allowedSteps(t)
	steps := make([]Step, 0, len(allowed))
	for _, s := range allowed {
		if s != StepConcat {
			steps = append(steps, s)
		}
	}
	return steps
}

// ParseSteps turns a steps argument into the run's step list. "all"
// or an empty argument selects the input type's defaults. An explicit
// comma-separated list is treated as a set: names are validated
// against the steps the input type allows, duplicates collapse, and
// the result is ordered canonically. When enableConcat is set, the
// concat step is inserted ahead of zarr2cog unless already present.
func ParseSteps(arg string, t InputType, enableConcat bool) ([]Step, error) {
	var steps []Step
	if s := strings.TrimSpace(arg); s == "" || s == "all" {
		steps = DefaultSteps(t)
	} else {
		allowed := allowedSteps(t)
		selected := make(map[Step]bool)
		var invalid []string
		for _, tok := range strings.Split(s, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			if !containsStep(allowed, Step(tok)) {
				invalid = append(invalid, tok)
				continue
			}
			selected[Step(tok)] = true
		}
		if len(invalid) > 0 {
			return nil, &InvalidStepsError{Invalid: invalid, Valid: stepNames(allowed)}
		}
		if len(selected) == 0 {
			return nil, &InvalidStepsError{Invalid: []string{arg}, Valid: stepNames(allowed)}
		}
		for _, step := range canonicalSteps {
			if selected[step] {
				steps = append(steps, step)
			}
		}
	}

	if enableConcat && containsStep(steps, StepZarrToCOG) && !containsStep(steps, StepConcat) {
		withConcat := make([]Step, 0, len(steps)+1)
		for _, step := range steps {
			if step == StepZarrToCOG {
				withConcat = append(withConcat, StepConcat)
			}
			withConcat = append(withConcat, step)
		}
		steps = withConcat
	}
	return steps, nil
}

func containsStep(steps []Step, want Step) bool {
	for _, s := range steps {
		if s == want {
			return true
		}
	}
	return false
}

func stepNames(steps []Step) []string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = string(s)
	}
	return names
}

// ErrInvalidRun flags run configurations rejected before anything is
// submitted.
var ErrInvalidRun = errors.New("invalid run configuration")

// ErrNoOutputs flags a completed job or step that yielded none of the
// artifacts the next step needs.
var ErrNoOutputs = errors.New("no outputs")

// UnsupportedInputTypeError reports an input that matches no known
// flow: no granule ID, and an S3 URL whose extension is not one the
// pipeline handles.
type UnsupportedInputTypeError struct {
	// Input is the offending URL. Empty when no input was given at
	// all.
	Input string
}

func (e *UnsupportedInputTypeError) Error() string {
	if e.Input == "" {
		return "no input: provide a granule ID or an s3:// input URL"
	}
	return fmt.Sprintf("unsupported input %q: expected an s3:// URL ending in .nc, .nc4, .zarr, or .gpkg", e.Input)
}

// MissingCollectionIDError reports a run that needs a collection ID
// but was not given one.
type MissingCollectionIDError struct {
	// Step is the step that needs the collection.
	Step Step
}

func (e *MissingCollectionIDError) Error() string {
	return fmt.Sprintf("collection ID is required for the %s step", e.Step)
}

// InvalidStepsError reports step names that are unknown or that the
// run's input type cannot execute.
type InvalidStepsError struct {
	// Invalid holds the offending names in the order given.
	Invalid []string

	// Valid holds the step names the input type accepts.
	Valid []string
}

func (e *InvalidStepsError) Error() string {
	return fmt.Sprintf("Invalid steps: %s. Valid steps: %s",
		strings.Join(e.Invalid, ", "), strings.Join(e.Valid, ", "))
}

// SubmissionError reports a required job the executor declined at
// submission time.
type SubmissionError struct {
	Step   Step
	Detail string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("failed to submit %s job: %s", e.Step, e.Detail)
}

// NoJobsSubmittedError reports a fan-out step whose submissions were
// all rejected, leaving nothing to await.
type NoJobsSubmittedError struct {
	Step Step
}

func (e *NoJobsSubmittedError) Error() string {
	return fmt.Sprintf("no %s jobs were accepted by the executor", e.Step)
}

// ValidateRun rejects impossible runs before any remote call is made:
// unknown input types, step lists with missing upstream artifacts,
// and absent settings a selected step cannot run without.
func ValidateRun(rc *RunContext) error {
	allowed := allowedSteps(rc.InputType)
	if len(allowed) == 0 {
		return fmt.Errorf("%w: unknown input type %q", ErrInvalidRun, rc.InputType)
	}
	if len(rc.Steps) == 0 {
		return fmt.Errorf("%w: no steps selected", ErrInvalidRun)
	}
	for _, step := range rc.Steps {
		if !containsStep(allowed, step) {
			return &InvalidStepsError{Invalid: []string{string(step)}, Valid: stepNames(allowed)}
		}
	}

	if rc.InputType == InputDAAC && rc.CollectionID == "" {
		return &MissingCollectionIDError{Step: StepStage}
	}
	if containsStep(rc.Steps, StepCatalog) && rc.CollectionID == "" {
		return &MissingCollectionIDError{Step: StepCatalog}
	}

	if err := validateChain(rc.InputType, rc.Steps); err != nil {
		return err
	}

	if containsStep(rc.Steps, StepNetCDFToZarr) && rc.ZarrConfigURL == "" {
		return fmt.Errorf("%w: the netcdf2zarr step requires a Zarr config URL", ErrInvalidRun)
	}
	if rc.JobQueue == "" && hasRemoteStep(rc.Steps) {
		return fmt.Errorf("%w: a job queue is required for remote steps", ErrInvalidRun)
	}
	return nil
}

// Artifacts that flow between steps. Chain validation walks the
// selected steps and checks each one's input is produced upstream or
// is the run's own input.
const (
	artifactGranule    = "granule"
	artifactNetCDF     = "NetCDF file"
	artifactZarr       = "Zarr store"
	artifactCOG        = "COG set"
	artifactGeoPackage = "GeoPackage"
)

func initialArtifact(t InputType) string {
	switch t {
	case InputDAAC:
		return artifactGranule
	case InputS3NetCDF:
		return artifactNetCDF
	case InputS3Zarr:
		return artifactZarr
	case InputS3GeoPackage:
		return artifactGeoPackage
	}
	return ""
}

func stepNeeds(s Step) string {
	switch s {
	case StepStage:
		return artifactGranule
	case StepNetCDFToZarr:
		return artifactNetCDF
	case StepConcat, StepZarrToCOG:
		return artifactZarr
	case StepCatalog:
		return artifactCOG
	}
	return ""
}

func stepYields(s Step) string {
	switch s {
	case StepStage:
		return artifactNetCDF
	case StepNetCDFToZarr, StepConcat:
		return artifactZarr
	case StepZarrToCOG, StepCatalog:
		return artifactCOG
	}
	return ""
}

func validateChain(t InputType, steps []Step) error {
	if t == InputS3GeoPackage {
		// The GeoPackage flow is a single publish step; allowedSteps
		// already restricts the list.
		return nil
	}
	have := initialArtifact(t)
	for _, step := range steps {
		if need := stepNeeds(step); need != have {
			return fmt.Errorf("%w: step %s needs a %s but the run provides a %s at that point",
				ErrInvalidRun, step, need, have)
		}
		have = stepYields(step)
	}
	return nil
}

func hasRemoteStep(steps []Step) bool {
	for _, s := range steps {
		if s != StepCatalog {
			return true
		}
	}
	return false
}
