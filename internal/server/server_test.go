package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/earthscale/geoflow/internal/errors"
	"github.com/earthscale/geoflow/internal/server/handlers"
	"github.com/earthscale/geoflow/pkg/runledger"
)

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := New("127.0.0.1", 0)

	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}

	var body apperrors.HTTPErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}

	if body.Error.Code != "NOT_FOUND" {
		t.Fatalf("expected error code NOT_FOUND, got %s", body.Error.Code)
	}
}

func TestServer_Port(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"default port", 8080},
		{"custom port", 9000},
		{"zero port", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New("127.0.0.1", tt.port)
			assert.Equal(t, tt.port, srv.Port())
		})
	}
}

func TestServer_Handler(t *testing.T) {
	srv := New("127.0.0.1", 8080)
	handler := srv.Handler()
	assert.NotNil(t, handler)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := New("127.0.0.1", 0)

	// POST to a GET-only endpoint should return 405
	req := httptest.NewRequest(http.MethodPost, "/version", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	var body apperrors.HTTPErrorResponse
	err := json.NewDecoder(rec.Body).Decode(&body)
	require.NoError(t, err)

	assert.Equal(t, "METHOD_NOT_ALLOWED", body.Error.Code)
}

func TestServer_RoutesRegistered(t *testing.T) {
	// Initialize health manager for health endpoint tests
	handlers.InitHealthManager("test")

	srv := New("127.0.0.1", 0)

	endpoints := []struct {
		method string
		path   string
		want   int
	}{
		{"GET", "/health", http.StatusOK},
		{"GET", "/health/live", http.StatusOK},
		{"GET", "/health/ready", http.StatusOK},
		{"GET", "/health/startup", http.StatusOK},
		{"GET", "/version", http.StatusOK},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			rec := httptest.NewRecorder()

			srv.Handler().ServeHTTP(rec, req)

			assert.Equal(t, ep.want, rec.Code, "endpoint %s %s should return %d", ep.method, ep.path, ep.want)
		})
	}
}

func TestServer_RunsEndpoints(t *testing.T) {
	store := runledger.NewStore(t.TempDir())
	started := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, store.Write(&runledger.RunRecord{
		RunID:     "run-1",
		Name:      "merra2",
		InputType: "daac",
		Steps:     []string{"stage", "netcdf2zarr"},
		Status:    runledger.StatusSucceeded,
		StartedAt: started,
	}))

	srv := New("127.0.0.1", 0, WithRunLedger(store))

	t.Run("list", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/runs", nil)
		rec := httptest.NewRecorder()

		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		var body handlers.RunListResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, 1, body.Count)
		require.Len(t, body.Runs, 1)
		assert.Equal(t, "run-1", body.Runs[0].RunID)
	})

	t.Run("get", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/runs/run-1", nil)
		rec := httptest.NewRecorder()

		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		var record runledger.RunRecord
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&record))
		assert.Equal(t, "merra2", record.Name)
		assert.Equal(t, runledger.StatusSucceeded, record.Status)
	})

	t.Run("get unknown id is 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/runs/absent", nil)
		rec := httptest.NewRecorder()

		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusNotFound, rec.Code)

		var body apperrors.HTTPErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, "NOT_FOUND", body.Error.Code)
	})

	t.Run("no ledger configured is 503", func(t *testing.T) {
		bare := New("127.0.0.1", 0)

		req := httptest.NewRequest(http.MethodGet, "/runs", nil)
		rec := httptest.NewRecorder()

		bare.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var body apperrors.HTTPErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, "SERVICE_UNAVAILABLE", body.Error.Code)
	})
}

func TestServer_AdminEndpointDisabledByDefault(t *testing.T) {
	t.Setenv("GEOFLOW_ADMIN_TOKEN", "")

	srv := New("127.0.0.1", 0)

	// Admin endpoint should not be registered
	req := httptest.NewRequest(http.MethodPost, "/admin/signal", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	// Should be 404 (not found) since endpoint is not registered
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_AdminEndpointEnabled(t *testing.T) {
	t.Setenv("GEOFLOW_ADMIN_TOKEN", "secret")

	signals := make(chan string, 1)
	srv := New("127.0.0.1", 0, WithSignalHandler(func(sig string) {
		signals <- sig
	}))

	t.Run("rejects missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/admin/signal", strings.NewReader(`{"signal":"shutdown"}`))
		rec := httptest.NewRecorder()

		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("rejects wrong token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/admin/signal", strings.NewReader(`{"signal":"shutdown"}`))
		req.Header.Set("Authorization", "Bearer wrong")
		rec := httptest.NewRecorder()

		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("rejects unknown signal", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/admin/signal", strings.NewReader(`{"signal":"reboot"}`))
		req.Header.Set("Authorization", "Bearer secret")
		rec := httptest.NewRecorder()

		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("accepts shutdown", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/admin/signal", strings.NewReader(`{"signal":"shutdown"}`))
		req.Header.Set("Authorization", "Bearer secret")
		rec := httptest.NewRecorder()

		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusAccepted, rec.Code)

		select {
		case sig := <-signals:
			assert.Equal(t, "shutdown", sig)
		case <-time.After(2 * time.Second):
			t.Fatal("signal handler was not invoked")
		}
	})
}
