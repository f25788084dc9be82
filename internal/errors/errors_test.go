package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earthscale/geoflow/pkg/cmr"
	"github.com/earthscale/geoflow/pkg/ftp"
	"github.com/earthscale/geoflow/pkg/pipeline"
	"github.com/earthscale/geoflow/pkg/poller"
	"github.com/earthscale/geoflow/pkg/storage"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{
			name: "unsupported input type",
			err:  &pipeline.UnsupportedInputTypeError{Input: "s3://b/file.txt"},
			want: CategoryInvalidArgument,
		},
		{
			name: "missing collection id",
			err:  &pipeline.MissingCollectionIDError{Step: pipeline.StepStage},
			want: CategoryInvalidArgument,
		},
		{
			name: "invalid steps",
			err:  &pipeline.InvalidStepsError{Invalid: []string{"fly"}, Valid: []string{"stage"}},
			want: CategoryInvalidArgument,
		},
		{
			name: "invalid run sentinel wrapped",
			err:  fmt.Errorf("%w: no steps selected", pipeline.ErrInvalidRun),
			want: CategoryInvalidArgument,
		},
		{
			name: "granule not found",
			err:  fmt.Errorf("%w: %q in collection %q", cmr.ErrGranuleNotFound, "G1", "C1"),
			want: CategoryGranuleNotFound,
		},
		{
			name: "granule without data url",
			err:  fmt.Errorf("%w: %q", cmr.ErrNoDataURL, "G1"),
			want: CategoryGranuleNotFound,
		},
		{
			name: "ftp listing matched nothing",
			err:  fmt.Errorf("%w: keywords [Houston] in /composite", ftp.ErrNoMatches),
			want: CategoryGranuleNotFound,
		},
		{
			name: "job failed",
			err:  &poller.JobFailedError{JobID: "j1", Status: "Failed", Reason: "oom"},
			want: CategoryJobFailed,
		},
		{
			name: "job timed out",
			err:  &poller.TimeoutError{JobID: "j1", Waited: 4 * time.Hour},
			want: CategoryJobFailed,
		},
		{
			name: "batch failure",
			err: &poller.MultiError{Errors: []error{
				&poller.JobFailedError{JobID: "j1", Status: "Failed", Reason: "oom"},
			}},
			want: CategoryJobFailed,
		},
		{
			name: "all submissions rejected",
			err:  &pipeline.NoJobsSubmittedError{Step: pipeline.StepZarrToCOG},
			want: CategoryJobFailed,
		},
		{
			name: "submission rejected",
			err:  &pipeline.SubmissionError{Step: pipeline.StepStage, Detail: "bad queue"},
			want: CategoryRuntime,
		},
		{
			name: "no outputs",
			err:  fmt.Errorf("%w: job j1 produced no Zarr stores", pipeline.ErrNoOutputs),
			want: CategoryRuntime,
		},
		{
			name: "storage access denied",
			err:  fmt.Errorf("head object: %w", storage.ErrAccessDenied),
			want: CategoryRuntime,
		},
		{
			name: "store error",
			err:  &storage.StoreError{Op: "put", Bucket: "b", Key: "k", Err: storage.ErrThrottled},
			want: CategoryRuntime,
		},
		{
			name: "explicit category wins over typed classification",
			err:  Wrap(CategoryUploadFailed, "stage upload", storage.ErrAccessDenied),
			want: CategoryUploadFailed,
		},
		{
			name: "unmapped error is generic",
			err:  stderrors.New("something odd"),
			want: CategoryGeneric,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(stderrors.New("boom")))
	assert.Equal(t, 2, ExitCode(cmr.ErrGranuleNotFound))
	assert.Equal(t, 3, ExitCode(New(CategoryDownloadFailed, "download failed")))
	assert.Equal(t, 4, ExitCode(New(CategoryUploadFailed, "upload failed")))
	assert.Equal(t, 5, ExitCode(&poller.JobFailedError{JobID: "j1"}))
	assert.Equal(t, 6, ExitCode(pipeline.ErrInvalidRun))
	assert.Equal(t, 7, ExitCode(&pipeline.SubmissionError{Step: pipeline.StepStage, Detail: "x"}))
	assert.Equal(t, 8, ExitCode(New(CategoryNotImplemented, "not yet")))
}

func TestTerminated(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "generic",
			err:  stderrors.New("boom"),
			want: "TERMINATED: An unexpected error occurred: boom",
		},
		{
			name: "granule not found",
			err:  Wrap(CategoryGranuleNotFound, "", stderrors.New("no granule G1")),
			want: "TERMINATED: Granule not found. Details: no granule G1",
		},
		{
			name: "download failed",
			err:  New(CategoryDownloadFailed, "status 502 from DAAC"),
			want: "TERMINATED: Download failed. Details: status 502 from DAAC",
		},
		{
			name: "upload failed",
			err:  New(CategoryUploadFailed, "put denied"),
			want: "TERMINATED: S3 upload failed. Details: put denied",
		},
		{
			name: "job failed",
			err:  &poller.JobFailedError{JobID: "j1", Status: "Failed", Reason: "oom"},
			want: "TERMINATED: Pipeline job failed. Details: job j1 failed with status Failed: oom",
		},
		{
			name: "invalid argument",
			err:  &pipeline.MissingCollectionIDError{Step: pipeline.StepCatalog},
			want: "TERMINATED: Invalid argument or value. Details: collection ID is required for the catalog step",
		},
		{
			name: "runtime",
			err:  &pipeline.SubmissionError{Step: pipeline.StepStage, Detail: "bad queue"},
			want: "TERMINATED: Runtime error. Details: failed to submit stage job: bad queue",
		},
		{
			name: "not implemented",
			err:  New(CategoryNotImplemented, "resume is not available"),
			want: "TERMINATED: Feature not yet implemented. Details: resume is not available",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Terminated(tt.err))
		})
	}
}

func TestPipelineError(t *testing.T) {
	cause := stderrors.New("connection refused")

	t.Run("message and cause", func(t *testing.T) {
		err := Wrap(CategoryRuntime, "executor unreachable", cause)
		assert.Equal(t, "executor unreachable: connection refused", err.Error())
		assert.ErrorIs(t, err, cause)
	})

	t.Run("message only", func(t *testing.T) {
		err := New(CategoryInvalidArgument, "steps must not be empty")
		assert.Equal(t, "steps must not be empty", err.Error())
	})

	t.Run("cause only", func(t *testing.T) {
		err := Wrap(CategoryRuntime, "", cause)
		assert.Equal(t, "connection refused", err.Error())
	})

	t.Run("wrap nil returns nil", func(t *testing.T) {
		assert.Nil(t, Wrap(CategoryRuntime, "whatever", nil))
	})
}

func TestRespondWithError(t *testing.T) {
	decode := func(t *testing.T, rec *httptest.ResponseRecorder) HTTPErrorResponse {
		t.Helper()
		var body HTTPErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		return body
	}

	t.Run("missing resource maps to 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/runs/nope", nil)
		rec := httptest.NewRecorder()

		RespondWithError(rec, req, fmt.Errorf("open run.json: %w", fs.ErrNotExist))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.Equal(t, "NOT_FOUND", decode(t, rec).Error.Code)
	})

	t.Run("invalid argument maps to 400", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		rec := httptest.NewRecorder()

		RespondWithError(rec, req, &pipeline.InvalidStepsError{Invalid: []string{"fly"}, Valid: []string{"stage"}})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_ARGUMENT", decode(t, rec).Error.Code)
	})

	t.Run("anything else maps to 500", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		rec := httptest.NewRecorder()

		RespondWithError(rec, req, stderrors.New("boom"))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "INTERNAL_ERROR", body.Error.Code)
		assert.Equal(t, "boom", body.Error.Message)
	})

	t.Run("request id from context is echoed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req = req.WithContext(ContextWithRequestID(req.Context(), "req-42"))
		rec := httptest.NewRecorder()

		RespondWithError(rec, req, stderrors.New("boom"))

		assert.Equal(t, "req-42", decode(t, rec).Error.RequestID)
	})
}
