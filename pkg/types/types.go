// Package types holds the shared data model described in the LAPS
// specification: maps, modules, jobs and their results.
package types

import (
	"fmt"
	"regexp"
	"time"
)

// nameVersionPattern constrains module name and version strings.
var nameVersionPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidNameComponent reports whether s is a legal module name or version
// component.
func ValidNameComponent(s string) bool {
	return s != "" && nameVersionPattern.MatchString(s)
}

// ModuleKey identifies a module by its (name, version) pair.
type ModuleKey struct {
	Name    string
	Version string
}

func (k ModuleKey) String() string {
	return fmt.Sprintf("%s:%s", k.Name, k.Version)
}

// ImageTag returns the container image tag derived from the key, under the
// given registry prefix (may be empty).
func (k ModuleKey) ImageTag(registryPrefix string) string {
	if registryPrefix == "" {
		return fmt.Sprintf("laps/%s:%s", k.Name, k.Version)
	}
	return fmt.Sprintf("%s/laps/%s:%s", registryPrefix, k.Name, k.Version)
}

// ParseImageTag recovers the ModuleKey encoded in an image tag produced by
// ImageTag, for supervisor startup reconciliation. ok is false if tag isn't
// under registryPrefix or isn't in the laps/{name}:{version} shape.
func ParseImageTag(registryPrefix, tag string) (ModuleKey, bool) {
	rest := tag
	if registryPrefix != "" {
		want := registryPrefix + "/laps/"
		if len(rest) < len(want) || rest[:len(want)] != want {
			return ModuleKey{}, false
		}
		rest = rest[len(want):]
	} else {
		const want = "laps/"
		if len(rest) < len(want) || rest[:len(want)] != want {
			return ModuleKey{}, false
		}
		rest = rest[len(want):]
	}
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == ':' {
			name, version := rest[:i], rest[i+1:]
			if ValidNameComponent(name) && ValidNameComponent(version) {
				return ModuleKey{Name: name, Version: version}, true
			}
			return ModuleKey{}, false
		}
	}
	return ModuleKey{}, false
}

// ModuleState is the supervisor's view of a module's lifecycle state.
type ModuleState string

const (
	ModuleStarting ModuleState = "Starting"
	ModuleRunning  ModuleState = "Running"
	ModuleCrashed  ModuleState = "Crashed"
	ModuleStopped  ModuleState = "Stopped"
	ModuleOther    ModuleState = "Other"
)

// Module is the supervisor's authoritative record for one (name, version).
type Module struct {
	Key         ModuleKey
	ImageTag    string
	ContainerID string
	State       ModuleState
	Message     string // populated for ModuleOther, or the last error
	LogTail     string
}

// Map holds the attributes of a stored elevation raster.
type Map struct {
	ID         int64
	Width      int
	Height     int
	MinHeight  float64
	MaxHeight  float64
	Resolution float64 // meters/pixel
}

// Point is an integer grid coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// JobState is the dispatcher's public view of a job's progress.
type JobState string

const (
	JobPending   JobState = "Pending"
	JobRunning   JobState = "Running"
	JobCompleted JobState = "Completed"
	JobFailed    JobState = "Failed"
	JobExpired   JobState = "Expired"
	JobUnknown   JobState = "Unknown"
)

// Job is the record stored at laps:job:{token}.
type Job struct {
	Token        string
	MapID        int64
	Module       ModuleKey
	Start        Point
	End          Point
	CreatedAt    time.Time
	AssignedToID string // container ID, once dequeued by a shim
}

// FailureKind tags the reason a JobResult failed.
type FailureKind string

const (
	FailureInvalidInput  FailureKind = "InvalidInput"
	FailureModuleCrashed FailureKind = "ModuleCrashed"
	FailureUserError     FailureKind = "UserError"
	FailureTimeout       FailureKind = "Timeout"
	FailureExpired       FailureKind = "Expired"
	FailureInternal      FailureKind = "Internal"
	FailureModuleReject  FailureKind = "ModuleUnavailable"
)

// JobResult is the terminal outcome of a job: either Ok holds the path, or
// Failed holds a human-readable reason and Kind tags it.
type JobResult struct {
	Ok     []Point     `json:"ok,omitempty"`
	Failed string      `json:"failed,omitempty"`
	Kind   FailureKind `json:"kind,omitempty"`
}

// IsFailure reports whether the result represents a failure.
func (r JobResult) IsFailure() bool {
	return r.Failed != ""
}
