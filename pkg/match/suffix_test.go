package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnsureTrailingSlash(t *testing.T) {
	assert.Equal(t, "a/b/", EnsureTrailingSlash("a/b"))
	assert.Equal(t, "a/b/", EnsureTrailingSlash("a/b/"))
	assert.Equal(t, "", EnsureTrailingSlash(""))
}

func TestParentPrefix(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"stores/out.zarr/temp/0.0.0", "stores/out.zarr/temp"},
		{"stores/out.zarr/.zattrs", "stores/out.zarr"},
		{"stores/out.zarr/", "stores/out.zarr"},
		{"file.nc4", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, ParentPrefix(tt.key))
		})
	}
}
