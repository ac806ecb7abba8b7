/*
Package metrics defines and registers LAPS's Prometheus metrics and exposes
them over HTTP for scraping.

Metrics Catalog

Module metrics:

laps_modules_total{state}:
  - Gauge. Count of registered modules by state (Stopped/Starting/Running/
    Crashed), sampled every 15 seconds by Collector.

laps_module_restarts_total{name, version}:
  - Counter. Restarts requested through POST /module/{name}/{version}/restart.
    Automatic restarts after a crash are not counted.

laps_module_build_duration_seconds:
  - Histogram. Time taken by the packager to build a module image.
    Registered, but nothing in lapsd observes it.

laps_module_builds_failed_total:
  - Counter. Builds that failed validation or image construction.

Queue metrics:

laps_queue_depth{name, version}:
  - Gauge. Tokens currently waiting in a module's job queue.
    Registered, but nothing in lapsd sets it.

Job metrics:

laps_jobs_submitted_total{name, version}:
  - Counter. Jobs accepted by the dispatcher.

laps_job_latency_seconds{name, version, outcome}:
  - Histogram. Time from submission to a terminal result, by outcome
    (ok, failed, expired). Registered, but nothing in lapsd observes it.

laps_jobs_expired_total{name, version}:
  - Counter. Jobs whose record expired before a client observed a result.
    Registered, but nothing in lapsd increments it.

Map store metrics:

laps_maps_total:
  - Gauge. Maps currently stored.

laps_map_upload_duration_seconds:
  - Histogram. Time to decode and store an uploaded raster.

API metrics:

laps_api_requests_total{route, status}:
  - Counter. HTTP requests served by the API, by route and status class
    (2xx, 4xx, 5xx, ...).

laps_api_request_duration_seconds{route}:
  - Histogram. Request duration by route.

Usage

	timer := metrics.NewTimer()
	// ... decode and store an uploaded raster ...
	timer.ObserveDuration(metrics.MapUploadDuration)

	http.Handle("/metrics", metrics.Handler())
*/
package metrics
