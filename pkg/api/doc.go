/*
Package api implements lapsd's external interface (spec §6): a JSON-over-HTTP
surface for map management, module lifecycle administration, and job
submission, built on go-chi/chi/v5.

# Routes

Public:

	GET  /map/{id}           map pixels as PNG
	GET  /map/{id}/meta      map metadata (width, height, min/max height, resolution)
	GET  /maps               list of live map IDs
	POST /job                submit a pathfinding job, returns a token
	GET  /job/{token}        await a job's result (?wait=<seconds> for long-poll)
	GET  /health, /ready     liveness/readiness (pkg/metrics)
	GET  /metrics            Prometheus scrape endpoint

Admin (HTTP Basic, see Authenticator):

	POST   /map                               upload a GeoTIFF
	DELETE /map/{id}                          delete a map
	POST   /module                            upload and build a module
	GET    /module/all                        list every registered module
	POST   /module/{name}/{version}/stop      stop a module's container
	POST   /module/{name}/{version}/restart   restart a module's container
	GET    /module/{name}/{version}/logs      tail a module's container output
	DELETE /module/{name}/{version}           remove a module entirely

# Authentication

Admin routes require HTTP Basic credentials checked against a single admin
user and an Argon2id password hash (see Authenticator, BasicAuthenticator).
There is no per-user or per-role model: LAPS has one administrator.

# Error mapping

Handlers never write raw Go errors to the client. writeError classifies an
error by its sentinel (pkg/laps) into an HTTP status and a JSON body of the
form {"error": "..."}, per spec §7:

	ErrInvalidInput       400
	ErrNotFound           404
	ErrModuleUnavailable  409
	ErrBuildFailed        422 (with the build log attached)
	ErrTimeout            504
	ErrExpired            410
	ErrBrokerUnavailable  503
	anything else         500, logged with context
*/
package api
