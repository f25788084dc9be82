package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSpec() JobSpec {
	return JobSpec{
		Algorithm:  "CZDT_NETCDF_TO_ZARR",
		Version:    "master",
		Queue:      "geoflow-8gb",
		Identifier: "run_stage_abc1234",
		Params:     map[string]string{"input": "s3://bucket/in.nc"},
	}
}

func TestJobSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*JobSpec)
		wantErr string
	}{
		{"valid", func(s *JobSpec) {}, ""},
		{"valid without params", func(s *JobSpec) { s.Params = nil }, ""},
		{"missing algorithm", func(s *JobSpec) { s.Algorithm = "" }, "algorithm is required"},
		{"missing version", func(s *JobSpec) { s.Version = "" }, "version is required"},
		{"missing queue", func(s *JobSpec) { s.Queue = "" }, "queue is required"},
		{"missing identifier", func(s *JobSpec) { s.Identifier = "" }, "identifier is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(&spec)

			err := spec.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidSpec)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestHandle_Rejected(t *testing.T) {
	assert.True(t, (&Handle{}).Rejected())
	assert.True(t, (&Handle{Identifier: "run_stage_abc"}).Rejected())
	assert.False(t, (&Handle{ID: "job-123"}).Rejected())
}

func TestResolveError(t *testing.T) {
	tests := []struct {
		name   string
		handle *Handle
		want   string
	}{
		{
			name:   "json detail with message",
			handle: &Handle{ErrorDetail: `{"message": "queue does not exist"}`},
			want:   "queue does not exist",
		},
		{
			name:   "json detail without message falls back to raw",
			handle: &Handle{ErrorDetail: `{"code": 42}`},
			want:   `{"code": 42}`,
		},
		{
			name:   "plain string detail",
			handle: &Handle{ErrorDetail: "algorithm not registered"},
			want:   "algorithm not registered",
		},
		{
			name:   "malformed json is returned verbatim",
			handle: &Handle{ErrorDetail: `{"message": `},
			want:   `{"message": `,
		},
		{
			name:   "empty detail falls back to response code",
			handle: &Handle{ResponseCode: 503},
			want:   "HTTP 503",
		},
		{
			name:   "nothing recorded",
			handle: &Handle{},
			want:   "Unknown error",
		},
		{
			name:   "nil handle",
			handle: nil,
			want:   "Unknown error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveError(tt.handle))
		})
	}
}
