package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	schemasassets "github.com/earthscale/geoflow/internal/assets/schemas"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaID is the schema identifier for run manifests.
const SchemaID = "geoflow/v1.0.0/run-manifest"

// schemaURL is the canonical URL the embedded schema is compiled under.
// It matches the $id in the schema document.
const schemaURL = "https://schemas.earthscale.dev/geoflow/v1.0.0/run-manifest.schema.json"

// Validation errors
var (
	// ErrSchemaNotFound indicates the schema could not be located.
	ErrSchemaNotFound = errors.New("manifest schema not found")

	// ErrValidationFailed indicates the manifest failed schema validation.
	ErrValidationFailed = errors.New("manifest validation failed")
)

// Cached schema instance (compiled once from embedded bytes)
var (
	schemaOnce sync.Once
	compiled   *jsonschema.Schema
	compileErr error
)

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g., "/input/s3_url").
	Path string

	// Message describes the validation failure.
	Message string
}

// Error implements error interface.
func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString("manifest validation failed with ")
	b.WriteString(fmt.Sprintf("%d errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error type.
func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Validate checks the manifest against the JSON schema.
//
// Returns nil if validation succeeds, or a ValidationErrors with details
// about all validation failures.
//
// Note: This validates the struct representation, which loses unknown fields.
// For strict validation including additionalProperties checks, use ValidateRaw
// on the original input data.
func Validate(m *RunManifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to serialize manifest for validation: %w", err)
	}

	return ValidateRaw(data)
}

// ValidateRaw checks raw JSON data against the manifest schema.
//
// This function should be used when strict validation is needed, including
// rejection of unknown fields (additionalProperties: false). The raw JSON
// preserves all fields from the original input.
//
// The schema is embedded at compile time, so validation works correctly
// in installed binaries and library consumers without requiring schema
// files to be present on disk.
//
// Returns nil if validation succeeds, or a ValidationErrors with details
// about all validation failures.
func ValidateRaw(jsonData []byte) error {
	sch, err := getSchema()
	if err != nil {
		return err
	}

	var inst any
	if err := json.Unmarshal(jsonData, &inst); err != nil {
		return fmt.Errorf("invalid JSON in manifest: %w", err)
	}

	err = sch.Validate(inst)
	if err == nil {
		return nil
	}

	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	flatten(ve, &errs)
	if len(errs) == 0 {
		errs = append(errs, ValidationError{Path: ve.InstanceLocation, Message: ve.Message})
	}

	return errs
}

// flatten walks the validation error tree and collects leaf causes.
// Interior nodes carry generic "doesn't validate" messages; the leaves
// carry the actionable ones.
func flatten(ve *jsonschema.ValidationError, out *ValidationErrors) {
	if len(ve.Causes) == 0 {
		*out = append(*out, ValidationError{
			Path:    ve.InstanceLocation,
			Message: ve.Message,
		})
		return
	}
	for _, cause := range ve.Causes {
		flatten(cause, out)
	}
}

// getSchema returns the cached schema compiled from the embedded bytes.
//
// The schema is compiled once on first use and cached for subsequent calls.
// This is thread-safe via sync.Once.
func getSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		if len(schemasassets.RunManifestSchema) == 0 {
			compileErr = fmt.Errorf("%w: embedded run-manifest schema is empty", ErrSchemaNotFound)
			return
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, bytes.NewReader(schemasassets.RunManifestSchema)); err != nil {
			compileErr = fmt.Errorf("failed to load manifest schema: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
		if compileErr != nil {
			compileErr = fmt.Errorf("failed to compile manifest schema: %w", compileErr)
		}
	})
	return compiled, compileErr
}
