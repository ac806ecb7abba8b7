package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is an in-process Runtime used by supervisor and packager tests. It
// never touches an actual container daemon; containers are just entries in
// a map that the test can mutate to simulate crashes.
type Fake struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	images     map[string]bool
	nextID     int

	// CreateErr, StartErr etc force the next call of that method to fail,
	// for exercising error paths.
	CreateErr error
	StartErr  error
	BuildErr  error
}

type fakeContainer struct {
	spec    ContainerSpec
	status  Status
	started bool
}

func NewFake() *Fake {
	return &Fake{
		containers: make(map[string]*fakeContainer),
		images:     make(map[string]bool),
	}
}

func (f *Fake) Pull(_ context.Context, imageRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[imageRef] = true
	return nil
}

func (f *Fake) Build(_ context.Context, spec BuildSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BuildErr != nil {
		err := f.BuildErr
		f.BuildErr = nil
		return "build failed: " + err.Error(), err
	}
	f.images[spec.ImageTag] = true
	return "built " + spec.ImageTag, nil
}

func (f *Fake) Create(_ context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		err := f.CreateErr
		f.CreateErr = nil
		return "", err
	}
	f.nextID++
	id := spec.ID
	if id == "" {
		id = fmt.Sprintf("fake-%d", f.nextID)
	}
	f.containers[id] = &fakeContainer{spec: spec, status: Status{State: StateUnknown}}
	return id, nil
}

func (f *Fake) Start(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		err := f.StartErr
		f.StartErr = nil
		return err
	}
	c, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("fake: unknown container %s", containerID)
	}
	c.started = true
	c.status = Status{State: StateRunning}
	return nil
}

func (f *Fake) Stop(_ context.Context, containerID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return nil
	}
	c.status = Status{State: StateExited, ExitCode: 0}
	return nil
}

func (f *Fake) Remove(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
	return nil
}

func (f *Fake) RemoveImage(_ context.Context, imageRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.images, imageRef)
	return nil
}

func (f *Fake) Inspect(_ context.Context, containerID string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return Status{State: StateUnknown}, fmt.Errorf("fake: unknown container %s", containerID)
	}
	return c.status, nil
}

func (f *Fake) Logs(_ context.Context, containerID string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[containerID]; !ok {
		return "", fmt.Errorf("fake: unknown container %s", containerID)
	}
	return "", nil
}

func (f *Fake) List(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.containers))
	for id := range f.containers {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *Fake) ListImages(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var tags []string
	for tag := range f.images {
		if len(tag) >= len(prefix) && tag[:len(prefix)] == prefix {
			tags = append(tags, tag)
		}
	}
	return tags, nil
}

func (f *Fake) Close() error { return nil }

// SetExited simulates the container's task exiting with the given code,
// for crash-detection tests.
func (f *Fake) SetExited(containerID string, exitCode int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.status = Status{State: StateExited, ExitCode: exitCode}
	}
}
