package match

import (
	"sort"
	"strings"
)

// DerivePrefix extracts the longest static prefix from a glob pattern.
//
// The prefix is the portion of the pattern before any unescaped glob
// metacharacter, truncated to the last complete path segment. Escaped
// metacharacters (\*, \?, \[, \{) are treated as literals and included
// unescaped, since object keys may legitimately contain them.
//
// Examples:
//
//	"data/2024/**/*.zarr"   → "data/2024/"
//	"*.tif"                 → ""
//	"exact/path/file.nc4"   → "exact/path/file.nc4"
//	"data/file\*.txt"       → "data/file*.txt"
func DerivePrefix(pattern string) string {
	if pattern == "" {
		return ""
	}

	metaIdx := findFirstUnescapedMeta(pattern)
	if metaIdx == -1 {
		// Exact key: strip escape backslashes for the store prefix.
		return unescapePrefix(pattern)
	}
	if metaIdx == 0 {
		return ""
	}

	prefix := pattern[:metaIdx]

	// Truncate to the last complete segment so "data/2024-*" lists
	// under "data/", not the partial "data/2024-".
	lastSlash := strings.LastIndex(prefix, "/")
	if lastSlash >= 0 {
		return unescapePrefix(prefix[:lastSlash+1])
	}
	return ""
}

// findFirstUnescapedMeta returns the index of the first unescaped glob
// metacharacter (* ? [ {), or -1 if none. Escape-awareness matters:
// without it a pattern like "data/file\*.txt" would terminate the
// prefix at the literal asterisk.
func findFirstUnescapedMeta(pattern string) int {
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]

		if c == '\\' && i+1 < len(pattern) {
			next := pattern[i+1]
			if next == '*' || next == '?' || next == '[' || next == '{' || next == '\\' {
				i++
				continue
			}
			continue
		}

		if c == '*' || c == '?' || c == '[' || c == '{' {
			return i
		}
	}
	return -1
}

// unescapePrefix removes escape backslashes from glob metacharacters in
// a prefix. Object keys do not carry escape sequences, so "file\*.txt"
// must be sent to the store as "file*.txt".
func unescapePrefix(prefix string) string {
	if !strings.ContainsRune(prefix, '\\') {
		return prefix
	}

	var result strings.Builder
	result.Grow(len(prefix))

	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		if c == '\\' && i+1 < len(prefix) {
			next := prefix[i+1]
			if next == '*' || next == '?' || next == '[' || next == ']' ||
				next == '{' || next == '}' || next == '\\' {
				result.WriteByte(next)
				i++
				continue
			}
		}
		result.WriteByte(c)
	}

	return result.String()
}

// DerivePrefixes derives prefixes from multiple patterns, deduplicated
// (parent prefixes subsume children) and sorted for determinism.
//
// Examples:
//
//	["data/2024/**", "data/2025/**"] → ["data/2024/", "data/2025/"]
//	["data/**", "data/2024/**"]      → ["data/"]
//	["**/*.tif"]                     → [""]
func DerivePrefixes(patterns []string) []string {
	if len(patterns) == 0 {
		return nil
	}

	prefixes := make([]string, 0, len(patterns))
	for _, p := range patterns {
		prefixes = append(prefixes, DerivePrefix(p))
	}
	return deduplicatePrefixes(prefixes)
}

// deduplicatePrefixes removes prefixes subsumed by shorter ones. The
// empty prefix subsumes everything (full listing).
func deduplicatePrefixes(prefixes []string) []string {
	if len(prefixes) == 0 {
		return nil
	}

	for _, p := range prefixes {
		if p == "" {
			return []string{""}
		}
	}

	sorted := make([]string, len(prefixes))
	copy(sorted, prefixes)
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i]) < len(sorted[j])
	})

	result := make([]string, 0, len(sorted))
	for _, candidate := range sorted {
		subsumed := false
		for _, existing := range result {
			if strings.HasPrefix(candidate, existing) {
				subsumed = true
				break
			}
		}
		if !subsumed {
			result = append(result, candidate)
		}
	}

	sort.Strings(result)
	return result
}

// IsGlobPattern reports whether the pattern contains unescaped glob
// metacharacters.
func IsGlobPattern(pattern string) bool {
	return findFirstUnescapedMeta(pattern) != -1
}
