// Package api implements LAPS's external HTTP interface (spec §6): map
// upload/retrieval, module lifecycle management, and job submit/await, as
// a plain JSON-over-HTTP surface secured by HTTP Basic admin credentials
// rather than the mTLS+gRPC+Raft-leader-forwarding scheme of a
// multi-manager cluster control plane.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/LAPS-Group/laps/pkg/buildlog"
	"github.com/LAPS-Group/laps/pkg/dispatcher"
	"github.com/LAPS-Group/laps/pkg/log"
	"github.com/LAPS-Group/laps/pkg/mapstore"
	"github.com/LAPS-Group/laps/pkg/metrics"
	"github.com/LAPS-Group/laps/pkg/packager"
	"github.com/LAPS-Group/laps/pkg/supervisor"
	"github.com/LAPS-Group/laps/pkg/types"
)

// Deps are the components the API wires together. All fields are
// required; NewServer does not default any of them.
type Deps struct {
	Maps       *mapstore.Store
	Supervisor *supervisor.Supervisor
	Packager   *packager.Packager
	Dispatcher *dispatcher.Dispatcher
	Builds     *buildlog.Store
	Auth       Authenticator

	// RegistryPrefix is carried for callers; no handler reads it. The
	// supervisor and packager derive image tags from their own configs.
	RegistryPrefix string
}

// Server serves the spec §6 HTTP API.
type Server struct {
	deps   Deps
	router chi.Router
	http   *http.Server
	logger zerolog.Logger
}

// NewServer builds a Server with every route registered.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: log.Component("api"),
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/map/{id}", s.getMap)
	r.Get("/map/{id}/meta", s.getMapMeta)
	r.Get("/maps", s.listMaps)

	r.Post("/job", s.submitJob)
	r.Get("/job/{token}", s.awaitJob)

	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(requireAdmin(s.deps.Auth))

		r.Post("/map", s.uploadMap)
		r.Delete("/map/{id}", s.deleteMap)

		r.Post("/module", s.uploadModule)
		r.Get("/module/all", s.listModules)
		r.Post("/module/{name}/{version}/stop", s.stopModule)
		r.Post("/module/{name}/{version}/restart", s.restartModule)
		r.Get("/module/{name}/{version}/logs", s.moduleLogs)
		r.Delete("/module/{name}/{version}", s.deleteModule)
	})

	return r
}

// Start begins serving on addr. Blocks until the server stops or errors.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("api server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// moduleKeyFromRoute parses the {name}/{version} route parameters,
// rejecting anything that isn't a legal module identifier.
func moduleKeyFromRoute(r *http.Request) (types.ModuleKey, bool) {
	name := chi.URLParam(r, "name")
	version := chi.URLParam(r, "version")
	if !types.ValidNameComponent(name) || !types.ValidNameComponent(version) {
		return types.ModuleKey{}, false
	}
	return types.ModuleKey{Name: name, Version: version}, true
}
