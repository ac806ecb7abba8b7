package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/LAPS-Group/laps/pkg/laps"
	"github.com/LAPS-Group/laps/pkg/metrics"
	"github.com/LAPS-Group/laps/pkg/types"
)

// submitJobRequest is the JSON body of POST /job.
type submitJobRequest struct {
	MapID     int64           `json:"map_id"`
	Algorithm types.ModuleKey `json:"algorithm"`
	Start     types.Point     `json:"start"`
	Stop      types.Point     `json:"stop"`
}

// submitJob implements POST /job, returning the job's token.
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, laps.ErrInvalidInput)
		return
	}
	if !types.ValidNameComponent(req.Algorithm.Name) || !types.ValidNameComponent(req.Algorithm.Version) {
		writeError(w, s.logger, laps.ErrInvalidInput)
		return
	}

	token, err := s.deps.Dispatcher.Submit(r.Context(), req.MapID, req.Algorithm, req.Start, req.Stop)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	metrics.JobsSubmittedTotal.WithLabelValues(req.Algorithm.Name, req.Algorithm.Version).Inc()

	writeJSON(w, http.StatusAccepted, map[string]string{"token": token})
}

// awaitJob implements GET /job/{token}: a long-poll wait of up to
// ?wait=<seconds> for a terminal result.
func (s *Server) awaitJob(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		writeError(w, s.logger, laps.ErrInvalidInput)
		return
	}

	wait := parseWaitSeconds(r)

	state, result, err := s.deps.Dispatcher.Await(r.Context(), token, wait)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	switch state {
	case types.JobCompleted, types.JobFailed:
		writeJSON(w, http.StatusOK, result)
	case types.JobExpired:
		writeError(w, s.logger, laps.ErrExpired)
	case types.JobUnknown:
		writeError(w, s.logger, laps.ErrNotFound)
	case types.JobPending:
		if wait > 0 {
			// The caller asked us to wait and we did, with nothing to show
			// for it: surface that as a server-side timeout rather than a
			// bare "still pending" so long-poll clients can distinguish
			// "try again immediately" from "try again after a pause".
			writeError(w, s.logger, laps.ErrTimeout)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	default:
		writeError(w, s.logger, laps.ErrInternal)
	}
}

func parseWaitSeconds(r *http.Request) time.Duration {
	v := r.URL.Query().Get("wait")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
