package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFTPStagedKey(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		server string
		file   string
		want   string
	}{
		{
			name:   "all parts",
			prefix: "composites",
			server: "floodmap.example.edu",
			file:   "CompositeFlood_Houston_20230115.tif",
			want:   "composites/ftp_floodmap-example-edu/CompositeFlood_Houston_20230115.tif",
		},
		{
			name:   "no prefix",
			server: "floodmap.example.edu",
			file:   "a.tif",
			want:   "ftp_floodmap-example-edu/a.tif",
		},
		{
			name:   "slash padded prefix",
			prefix: "/composites/",
			server: "floodmap.example.edu",
			file:   "a.tif",
			want:   "composites/ftp_floodmap-example-edu/a.tif",
		},
		{
			name:   "explicit port dropped",
			prefix: "composites",
			server: "floodmap.example.edu:2121",
			file:   "a.tif",
			want:   "composites/ftp_floodmap-example-edu/a.tif",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ftpStagedKey(tt.prefix, tt.server, tt.file))
		})
	}
}

func TestObjectExists(t *testing.T) {
	ctx := context.Background()
	store := &listStore{
		bucket: "staging",
		keys:   []string{"composites/ftp_floodmap-example-edu/a.tif"},
	}

	assert.True(t, objectExists(ctx, store, "staging", "composites/ftp_floodmap-example-edu/a.tif"))
	assert.False(t, objectExists(ctx, store, "staging", "composites/ftp_floodmap-example-edu/b.tif"))
	assert.False(t, objectExists(ctx, store, "other", "composites/ftp_floodmap-example-edu/a.tif"))
}
