// Package match provides glob selection and suffix filtering for object
// store keys, using doublestar semantics with prefix derivation so that
// listings can be narrowed server-side.
package match

import (
	"errors"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher evaluates include/exclude patterns against object keys.
//
// A key is selected when it matches at least one include pattern and no
// exclude pattern. Dot-prefixed segments are matched like any other:
// Zarr stores keep their metadata in dot files (.zattrs, .zgroup), so
// hidden-segment filtering would silently corrupt copied stores.
//
// A Matcher is safe for concurrent use after creation.
type Matcher struct {
	includes []pattern
	excludes []pattern
	prefixes []string
}

// pattern holds a validated pattern with its derived static prefix.
type pattern struct {
	raw    string
	prefix string
}

// Config configures a Matcher.
type Config struct {
	// Includes are glob patterns that keys must match (at least one).
	// Required: at least one include pattern must be specified.
	Includes []string

	// Excludes are glob patterns that keys must not match (any).
	Excludes []string
}

// Errors returned by Matcher operations.
var (
	// ErrNoIncludes is returned when no include patterns are provided.
	ErrNoIncludes = errors.New("at least one include pattern is required")

	// ErrInvalidPattern is returned when a pattern cannot be compiled.
	ErrInvalidPattern = errors.New("invalid glob pattern")
)

// PatternError wraps pattern-related errors with the offending pattern.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// New creates a Matcher from the given configuration.
//
// Returns an error if no include patterns are provided or if any
// pattern fails doublestar validation.
func New(cfg Config) (*Matcher, error) {
	if len(cfg.Includes) == 0 {
		return nil, ErrNoIncludes
	}

	includes := make([]pattern, 0, len(cfg.Includes))
	for _, raw := range cfg.Includes {
		if !doublestar.ValidatePattern(raw) {
			return nil, &PatternError{Pattern: raw, Err: ErrInvalidPattern}
		}
		includes = append(includes, pattern{raw: raw, prefix: DerivePrefix(raw)})
	}

	excludes := make([]pattern, 0, len(cfg.Excludes))
	for _, raw := range cfg.Excludes {
		if !doublestar.ValidatePattern(raw) {
			return nil, &PatternError{Pattern: raw, Err: ErrInvalidPattern}
		}
		excludes = append(excludes, pattern{raw: raw, prefix: DerivePrefix(raw)})
	}

	raws := make([]string, len(includes))
	for i, p := range includes {
		raws[i] = p.raw
	}

	return &Matcher{
		includes: includes,
		excludes: excludes,
		prefixes: DerivePrefixes(raws),
	}, nil
}

// Match reports whether the key matches the include/exclude patterns.
// Keys are matched as-is: object store keys are opaque strings.
func (m *Matcher) Match(key string) bool {
	matched := false
	for _, inc := range m.includes {
		if matchPattern(inc.raw, key) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	for _, exc := range m.excludes {
		if matchPattern(exc.raw, key) {
			return false
		}
	}

	return true
}

// Prefixes returns the deduplicated static prefixes derived from the
// include patterns. An empty string in the result means at least one
// pattern requires a full listing.
func (m *Matcher) Prefixes() []string {
	return m.prefixes
}

// HasEmptyPrefix reports whether any pattern requires a full listing.
func (m *Matcher) HasEmptyPrefix() bool {
	for _, p := range m.prefixes {
		if p == "" {
			return true
		}
	}
	return false
}

// matchPattern matches a key against a doublestar pattern. Patterns are
// validated at construction, so a match error here means no match.
func matchPattern(pattern, key string) bool {
	matched, err := doublestar.Match(pattern, key)
	if err != nil {
		return false
	}
	return matched
}
