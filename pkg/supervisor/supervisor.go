// Package supervisor keeps exactly one running container per registered
// module (name, version), probing its liveness, restarting it with backoff
// after a crash, and resolving any jobs it had in flight as ModuleCrashed.
//
// Each module is owned by a mailbox: a single goroutine serializing every
// command (start/stop/restart/delete) and the health probe through one
// channel, so two commands for the same module can never race.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LAPS-Group/laps/pkg/broker"
	"github.com/LAPS-Group/laps/pkg/laps"
	"github.com/LAPS-Group/laps/pkg/log"
	"github.com/LAPS-Group/laps/pkg/runtime"
	"github.com/LAPS-Group/laps/pkg/types"
)

// Config tunes the supervisor's timing. Start from DefaultConfig: New does
// not fill in zero-value fields.
type Config struct {
	// RegistryPrefix is prepended to name:version to form an image tag, and
	// used to recognize LAPS-managed images during Reconcile.
	RegistryPrefix string

	// ReadyTimeout bounds how long Start waits for the module to publish
	// readiness before it is declared Crashed.
	ReadyTimeout time.Duration
	// ProbeInterval is how often a running module's container is inspected.
	ProbeInterval time.Duration
	// StopTimeout bounds graceful shutdown before the runtime force-kills.
	StopTimeout time.Duration

	// BackoffBase and BackoffCap bound the exponential restart backoff:
	// min(BackoffBase * 2^(attempt-1), BackoffCap), where attempt counts
	// consecutive crashes from 1.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// MaxRestartAttempts is how many consecutive crashes are tolerated
	// before the module is left Crashed rather than retried again.
	MaxRestartAttempts int

	// BrokerAddr is injected into every module container's environment so
	// its shim can reach the broker.
	BrokerAddr string
}

// DefaultConfig returns sensible defaults for a single-host deployment.
func DefaultConfig() Config {
	return Config{
		RegistryPrefix:     "laps/",
		ReadyTimeout:       30 * time.Second,
		ProbeInterval:      5 * time.Second,
		StopTimeout:        10 * time.Second,
		BackoffBase:        time.Second,
		BackoffCap:         60 * time.Second,
		MaxRestartAttempts: 5,
	}
}

// Supervisor owns the lifecycle of every registered module's container.
type Supervisor struct {
	rt     runtime.Runtime
	br     broker.Broker
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	mailboxes map[types.ModuleKey]*mailbox
}

// New builds a Supervisor. Call Reconcile once at startup before serving
// traffic, so a restart of lapsd itself doesn't orphan already-running
// module containers.
func New(rt runtime.Runtime, br broker.Broker, cfg Config) *Supervisor {
	return &Supervisor{
		rt:        rt,
		br:        br,
		cfg:       cfg,
		logger:    log.Component("supervisor"),
		mailboxes: make(map[types.ModuleKey]*mailbox),
	}
}

func (s *Supervisor) imageTag(key types.ModuleKey) string {
	return key.ImageTag(s.cfg.RegistryPrefix)
}

// mailboxFor returns the mailbox for key, creating one in state Stopped if
// this is the first time the module has been seen.
func (s *Supervisor) mailboxFor(key types.ModuleKey) *mailbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb, ok := s.mailboxes[key]
	if !ok {
		mb = newMailbox(key, s.rt, s.br, s.cfg, s.logger)
		s.mailboxes[key] = mb
	}
	return mb
}

// Start creates and starts a container for the module and waits for it to
// report readiness. Calling Start on an already-running module restarts it.
func (s *Supervisor) Start(ctx context.Context, key types.ModuleKey) error {
	return s.mailboxFor(key).do(ctx, cmdStart, s.imageTag(key))
}

// Stop gracefully stops the module's container, resolving any in-flight
// jobs as ModuleCrashed first.
func (s *Supervisor) Stop(ctx context.Context, key types.ModuleKey) error {
	return s.mailboxFor(key).do(ctx, cmdStop, "")
}

// Restart is Stop followed by Start, serialized through the same mailbox.
func (s *Supervisor) Restart(ctx context.Context, key types.ModuleKey) error {
	return s.mailboxFor(key).do(ctx, cmdRestart, s.imageTag(key))
}

// Delete stops the module, removes its image, and drops all of its broker
// state including the job queue.
func (s *Supervisor) Delete(ctx context.Context, key types.ModuleKey) error {
	mb := s.mailboxFor(key)
	if err := mb.do(ctx, cmdStop, ""); err != nil {
		return err
	}
	if err := s.rt.RemoveImage(ctx, s.imageTag(key)); err != nil {
		s.logger.Warn().Err(err).Str("image", s.imageTag(key)).Msg("remove image failed, continuing")
	}
	if err := s.br.Del(ctx, broker.ModuleStateKey(key.Name, key.Version)); err != nil {
		return err
	}
	if err := s.br.Del(ctx, broker.ModuleQueueKey(key.Name, key.Version)); err != nil {
		return err
	}
	if err := s.br.Del(ctx, broker.ModuleReadyKey(key.Name, key.Version)); err != nil {
		return err
	}
	if err := s.br.Del(ctx, broker.ModuleInflightKey(key.Name, key.Version)); err != nil {
		return err
	}

	mb.stop()
	s.mu.Lock()
	delete(s.mailboxes, key)
	s.mu.Unlock()
	return nil
}

// Get returns the current view of a module, or ErrNotFound if it has never
// been registered with this supervisor.
func (s *Supervisor) Get(key types.ModuleKey) (types.Module, error) {
	s.mu.Lock()
	mb, ok := s.mailboxes[key]
	s.mu.Unlock()
	if !ok {
		return types.Module{}, laps.ErrNotFound
	}
	return mb.snapshot(), nil
}

// Logs returns the tail of key's container output, for the GET
// /module/{n}/{v}/logs route. ErrNotFound if the module has no container
// (never started, or stopped).
func (s *Supervisor) Logs(ctx context.Context, key types.ModuleKey, tailLines int) (string, error) {
	mod, err := s.Get(key)
	if err != nil {
		return "", err
	}
	if mod.ContainerID == "" {
		return "", laps.ErrNotFound
	}
	return s.rt.Logs(ctx, mod.ContainerID, tailLines)
}

// List returns every module currently registered with this supervisor.
func (s *Supervisor) List() []types.Module {
	s.mu.Lock()
	mbs := make([]*mailbox, 0, len(s.mailboxes))
	for _, mb := range s.mailboxes {
		mbs = append(mbs, mb)
	}
	s.mu.Unlock()

	modules := make([]types.Module, 0, len(mbs))
	for _, mb := range mbs {
		modules = append(modules, mb.snapshot())
	}
	return modules
}

// Reconcile rebuilds supervisor state from the runtime's own view of the
// world: every image under RegistryPrefix becomes a known module, Running
// if a live container for it exists, Stopped otherwise. This lets lapsd
// restart without orphaning module containers left behind by a previous
// process.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	tags, err := s.rt.ListImages(ctx, s.cfg.RegistryPrefix)
	if err != nil {
		return fmt.Errorf("list images for reconcile: %w", err)
	}

	liveContainers, err := s.rt.List(ctx)
	if err != nil {
		return fmt.Errorf("list containers for reconcile: %w", err)
	}
	live := make(map[string]bool, len(liveContainers))
	for _, id := range liveContainers {
		live[id] = true
	}

	for _, tag := range tags {
		key, ok := types.ParseImageTag(s.cfg.RegistryPrefix, tag)
		if !ok {
			continue
		}
		mb := s.mailboxFor(key)

		containerID := containerName(key)
		if !live[containerID] {
			mb.setReconciled(types.Module{
				Key:      key,
				ImageTag: tag,
				State:    types.ModuleStopped,
			})
			continue
		}

		status, err := s.rt.Inspect(ctx, containerID)
		if err != nil {
			mb.setReconciled(types.Module{Key: key, ImageTag: tag, State: types.ModuleStopped})
			continue
		}
		state := types.ModuleRunning
		if status.State == runtime.StateExited {
			state = types.ModuleCrashed
		}
		mb.setReconciled(types.Module{
			Key:         key,
			ImageTag:    tag,
			ContainerID: containerID,
			State:       state,
		})
		if state == types.ModuleCrashed {
			mb.triggerCrashHandling(ctx)
		}
	}
	return nil
}

// containerName derives a deterministic container ID for a module so
// reconciliation can find it again without a persisted mapping.
func containerName(key types.ModuleKey) string {
	return "laps-" + key.Name + "-" + key.Version
}
