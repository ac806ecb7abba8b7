// Package laps defines the error taxonomy shared across lapsd's components.
//
// Errors are sentinel values wrapped with context via fmt.Errorf's %w verb,
// so callers use errors.Is against the sentinels below rather than string
// matching.
package laps

import (
	"errors"

	"github.com/rs/zerolog"
)

var (
	// ErrInvalidInput covers malformed requests, unknown maps or modules,
	// and non-integer coordinates.
	ErrInvalidInput = errors.New("invalid input")

	// ErrModuleUnavailable is returned when submit targets a module that
	// is not in the Running state.
	ErrModuleUnavailable = errors.New("module unavailable")

	// ErrBuildFailed wraps an image build failure; the build log is
	// attached separately by the caller.
	ErrBuildFailed = errors.New("build failed")

	// ErrModuleCrashed marks a job whose assigned container exited before
	// producing a result.
	ErrModuleCrashed = errors.New("module crashed")

	// ErrTimeout marks a long-poll await that exceeded its wait bound.
	// Retryable.
	ErrTimeout = errors.New("timeout")

	// ErrExpired marks a job whose TTL elapsed with no result. Final.
	ErrExpired = errors.New("expired")

	// ErrBrokerUnavailable marks a transient broker I/O failure.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrInternal covers everything else.
	ErrInternal = errors.New("internal error")

	// ErrNotFound marks a missing map, module, or job.
	ErrNotFound = errors.New("not found")
)

// LogEvent returns a zerolog event pre-populated with the error, for
// consistent structured logging at call sites.
func LogEvent(logger zerolog.Logger, err error) *zerolog.Event {
	return logger.Error().Err(err)
}
