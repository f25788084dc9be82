package match

import "strings"

// EnsureTrailingSlash adds a trailing slash if not present. Returns the
// empty string unchanged.
func EnsureTrailingSlash(key string) string {
	if key == "" {
		return ""
	}
	if key[len(key)-1] != '/' {
		return key + "/"
	}
	return key
}

// ParentPrefix returns everything before the key's last slash, or ""
// when the key has no slash. It collapses store-internal object keys
// (chunk files inside a .zarr directory) to the containing prefix; a
// directory-marker key ("out.zarr/") yields the marker's own prefix.
func ParentPrefix(key string) string {
	idx := strings.LastIndex(key, "/")
	if idx < 0 {
		return ""
	}
	return key[:idx]
}
