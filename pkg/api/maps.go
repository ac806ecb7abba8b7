package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/LAPS-Group/laps/pkg/laps"
	"github.com/LAPS-Group/laps/pkg/metrics"
)

const maxUploadMemory = 32 << 20 // buffer this much of a multipart body in memory before spilling to disk

// uploadMap implements POST /map: a multipart form with a "data" part
// holding the raw GeoTIFF. Returns the new map's integer ID.
func (s *Server) uploadMap(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, s.logger, laps.ErrInvalidInput)
		return
	}
	file, _, err := r.FormFile("data")
	if err != nil {
		writeError(w, s.logger, laps.ErrInvalidInput)
		return
	}
	defer file.Close()

	timer := metrics.NewTimer()
	id, err := s.deps.Maps.Upload(r.Context(), file)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	timer.ObserveDuration(metrics.MapUploadDuration)
	metrics.MapsTotal.Inc()

	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

// getMap implements GET /map/{id}: the map's pixels as a PNG.
func (s *Server) getMap(w http.ResponseWriter, r *http.Request) {
	id, ok := parseMapID(r)
	if !ok {
		writeError(w, s.logger, laps.ErrInvalidInput)
		return
	}
	png, err := s.deps.Maps.Get(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// getMapMeta implements GET /map/{id}/meta.
func (s *Server) getMapMeta(w http.ResponseWriter, r *http.Request) {
	id, ok := parseMapID(r)
	if !ok {
		writeError(w, s.logger, laps.ErrInvalidInput)
		return
	}
	meta, err := s.deps.Maps.GetMeta(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"width":      meta.Width,
		"height":     meta.Height,
		"min_height": meta.MinHeight,
		"max_height": meta.MaxHeight,
		"resolution": meta.Resolution,
	})
}

// deleteMap implements DELETE /map/{id}.
func (s *Server) deleteMap(w http.ResponseWriter, r *http.Request) {
	id, ok := parseMapID(r)
	if !ok {
		writeError(w, s.logger, laps.ErrInvalidInput)
		return
	}
	if err := s.deps.Maps.Delete(r.Context(), id); err != nil {
		writeError(w, s.logger, err)
		return
	}
	metrics.MapsTotal.Dec()
	w.WriteHeader(http.StatusNoContent)
}

// listMaps implements GET /maps.
func (s *Server) listMaps(w http.ResponseWriter, r *http.Request) {
	ids, err := s.deps.Maps.List(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]int64{"maps": ids})
}

func parseMapID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}
