// Package runtime abstracts the host container daemon behind a minimal
// interface so the supervisor and packager never depend on containerd
// directly: {pull, build, create, start, stop, remove, inspect, logs}. A
// test double (Fake) satisfies the same interface for unit tests.
package runtime

import (
	"context"
	"io"
	"time"
)

// RunState is the coarse state containerd reports for a container's task.
type RunState string

const (
	StateUnknown RunState = "unknown"
	StateRunning RunState = "running"
	StateExited  RunState = "exited"
)

// Status is the runtime's view of one container.
type Status struct {
	State    RunState
	ExitCode int
}

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	ID    string
	Image string
	Env   []string
	// Mounts lets the supervisor inject, e.g., a read-only broker
	// credentials file; empty for modules, which only need env vars.
	Mounts []Mount
}

// Mount is a bind mount into the container.
type Mount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// BuildSpec describes a module image build: the packager supplies a base
// image and a tar of the validated module tree (including the shim), and
// the runtime commits a new image tagged ImageTag.
type BuildSpec struct {
	ImageTag  string
	BaseImage string
	Layer     io.Reader
}

// Runtime is the minimal container-daemon abstraction depended on by
// pkg/supervisor and pkg/packager.
type Runtime interface {
	// Pull fetches imageRef if not already present locally.
	Pull(ctx context.Context, imageRef string) error

	// Build layers spec.Layer on top of spec.BaseImage (pulling it first
	// if necessary) and commits the result as spec.ImageTag. Returns the
	// build log on both success and BuildFailed.
	Build(ctx context.Context, spec BuildSpec) (buildLog string, err error)

	// Create instantiates (but does not start) a container from spec.
	Create(ctx context.Context, spec ContainerSpec) (containerID string, err error)

	Start(ctx context.Context, containerID string) error

	// Stop sends a graceful termination signal, waits up to timeout, and
	// force-kills if the container has not exited by then.
	Stop(ctx context.Context, containerID string, timeout time.Duration) error

	// Remove deletes the container and its snapshot. Not an error if
	// already absent.
	Remove(ctx context.Context, containerID string) error

	// RemoveImage deletes an image previously produced by Build. Not an
	// error if already absent.
	RemoveImage(ctx context.Context, imageRef string) error

	Inspect(ctx context.Context, containerID string) (Status, error)

	// Logs returns up to tailLines of recent output.
	Logs(ctx context.Context, containerID string, tailLines int) (string, error)

	// List returns the IDs of all containers the runtime knows about in
	// its namespace, for supervisor startup reconciliation.
	List(ctx context.Context) ([]string, error)

	// ListImages returns tags of images present under the given prefix,
	// for supervisor startup reconciliation.
	ListImages(ctx context.Context, prefix string) ([]string, error)

	Close() error
}
