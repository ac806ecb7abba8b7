package api

import (
	"net/http"
	"time"

	"github.com/LAPS-Group/laps/pkg/laps"
	"github.com/LAPS-Group/laps/pkg/metrics"
	"github.com/LAPS-Group/laps/pkg/types"
)

// moduleView is the JSON shape returned by /module/all.
type moduleView struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

// uploadModule implements POST /module: a multipart form with "name",
// "version" fields and a "module" part holding the module tar (spec §4.3).
// The tar is built into an image and the module started; the build log is
// recorded regardless of outcome.
func (s *Server) uploadModule(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, s.logger, laps.ErrInvalidInput)
		return
	}
	name := r.FormValue("name")
	version := r.FormValue("version")
	if !types.ValidNameComponent(name) || !types.ValidNameComponent(version) {
		writeError(w, s.logger, laps.ErrInvalidInput)
		return
	}
	key := types.ModuleKey{Name: name, Version: version}

	file, _, err := r.FormFile("module")
	if err != nil {
		writeError(w, s.logger, laps.ErrInvalidInput)
		return
	}
	defer file.Close()

	startedAt := time.Now()
	timer := metrics.NewTimer()
	buildLog, buildErr := s.deps.Packager.Build(r.Context(), key, file)

	if _, err := s.deps.Builds.Append(key, startedAt, buildErr == nil, buildLog); err != nil {
		laps.LogEvent(s.logger, err).Str("module", key.String()).Msg("failed to record build history")
	}

	if buildErr != nil {
		metrics.ModuleBuildsFailedTotal.Inc()
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": buildErr.Error(),
			"log":   buildLog,
		})
		return
	}
	timer.ObserveDuration(metrics.ModuleBuildDuration)

	if err := s.deps.Supervisor.Start(r.Context(), key); err != nil {
		writeError(w, s.logger, err)
		return
	}

	mod, err := s.deps.Supervisor.Get(key)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toModuleView(mod))
}

// listModules implements GET /module/all.
func (s *Server) listModules(w http.ResponseWriter, r *http.Request) {
	modules := s.deps.Supervisor.List()
	views := make([]moduleView, 0, len(modules))
	for _, m := range modules {
		views = append(views, toModuleView(m))
	}
	writeJSON(w, http.StatusOK, views)
}

// stopModule implements POST /module/{name}/{version}/stop.
func (s *Server) stopModule(w http.ResponseWriter, r *http.Request) {
	key, ok := moduleKeyFromRoute(r)
	if !ok {
		writeError(w, s.logger, laps.ErrInvalidInput)
		return
	}
	if err := s.deps.Supervisor.Stop(r.Context(), key); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// restartModule implements POST /module/{name}/{version}/restart.
func (s *Server) restartModule(w http.ResponseWriter, r *http.Request) {
	key, ok := moduleKeyFromRoute(r)
	if !ok {
		writeError(w, s.logger, laps.ErrInvalidInput)
		return
	}
	if err := s.deps.Supervisor.Restart(r.Context(), key); err != nil {
		writeError(w, s.logger, err)
		return
	}
	metrics.ModuleRestartsTotal.WithLabelValues(key.Name, key.Version).Inc()
	w.WriteHeader(http.StatusNoContent)
}

// moduleLogs implements GET /module/{name}/{version}/logs.
func (s *Server) moduleLogs(w http.ResponseWriter, r *http.Request) {
	key, ok := moduleKeyFromRoute(r)
	if !ok {
		writeError(w, s.logger, laps.ErrInvalidInput)
		return
	}
	const tailLines = 500
	tail, err := s.deps.Supervisor.Logs(r.Context(), key, tailLines)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(tail))
}

// deleteModule implements DELETE /module/{name}/{version}.
func (s *Server) deleteModule(w http.ResponseWriter, r *http.Request) {
	key, ok := moduleKeyFromRoute(r)
	if !ok {
		writeError(w, s.logger, laps.ErrInvalidInput)
		return
	}
	if err := s.deps.Supervisor.Delete(r.Context(), key); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toModuleView(m types.Module) moduleView {
	return moduleView{
		Name:    m.Key.Name,
		Version: m.Key.Version,
		State:   string(m.State),
		Message: m.Message,
	}
}
