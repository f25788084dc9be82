package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/earthscale/geoflow/internal/errors"
	"github.com/earthscale/geoflow/pkg/runledger"
)

// RunStore lists and loads persisted run records. *runledger.Store
// satisfies it.
type RunStore interface {
	List() ([]runledger.RunRecord, error)
	Get(runID string) (*runledger.RunRecord, error)
}

// RunListResponse is the body of GET /runs.
type RunListResponse struct {
	Runs  []runledger.RunRecord `json:"runs"`
	Count int                   `json:"count"`
}

// ListRunsHandler serves the run list, newest first.
func ListRunsHandler(store RunStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			respondNoLedger(w, r)
			return
		}
		runs, err := store.List()
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		if runs == nil {
			runs = []runledger.RunRecord{}
		}
		writeJSON(w, http.StatusOK, RunListResponse{Runs: runs, Count: len(runs)})
	}
}

// GetRunHandler serves one run record by id. Unknown ids are 404.
func GetRunHandler(store RunStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			respondNoLedger(w, r)
			return
		}
		record, err := store.Get(chi.URLParam(r, "id"))
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	}
}

func respondNoLedger(w http.ResponseWriter, r *http.Request) {
	resp := apperrors.NewHTTPError("SERVICE_UNAVAILABLE", "run ledger not configured").
		WithRequestID(apperrors.RequestIDFromContext(r.Context()))
	apperrors.WriteHTTPError(w, resp, http.StatusServiceUnavailable)
}
