package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/LAPS-Group/laps/pkg/laps"
)

// errorResponse is the JSON body written for every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps err's kind (spec §7) to an HTTP status and writes a JSON
// body. Internal errors are logged with the request's logger; the others
// are expected traffic and are not.
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status, msg := classify(err)
	if status == http.StatusInternalServerError {
		laps.LogEvent(logger, err).Msg("internal error serving request")
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, laps.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, laps.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, laps.ErrModuleUnavailable):
		return http.StatusConflict, err.Error()
	case errors.Is(err, laps.ErrBuildFailed):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, laps.ErrTimeout):
		return http.StatusGatewayTimeout, err.Error()
	case errors.Is(err, laps.ErrExpired):
		return http.StatusGone, err.Error()
	case errors.Is(err, laps.ErrBrokerUnavailable):
		return http.StatusServiceUnavailable, "broker unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
