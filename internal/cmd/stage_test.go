package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStagedKey(t *testing.T) {
	tests := []struct {
		name         string
		prefix       string
		collectionID string
		fileName     string
		want         string
	}{
		{
			name:         "all parts",
			prefix:       "staging",
			collectionID: "C1276812863-GES_DISC",
			fileName:     "MERRA2_400.tavg1_2d_slv_Nx.20240115.nc4",
			want:         "staging/C1276812863-GES_DISC/MERRA2_400.tavg1_2d_slv_Nx.20240115.nc4",
		},
		{
			name:         "no prefix",
			collectionID: "C123",
			fileName:     "data.nc4",
			want:         "C123/data.nc4",
		},
		{
			name:     "slash-padded prefix",
			prefix:   "/staging/",
			fileName: "data.nc4",
			want:     "staging/data.nc4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stagedKey(tt.prefix, tt.collectionID, tt.fileName))
		})
	}
}
