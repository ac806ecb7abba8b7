package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LAPS-Group/laps/pkg/broker"
	"github.com/LAPS-Group/laps/pkg/laps"
	"github.com/LAPS-Group/laps/pkg/runtime"
	"github.com/LAPS-Group/laps/pkg/types"
)

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdRestart
)

type command struct {
	kind     cmdKind
	imageTag string
	resultCh chan error
}

// mailbox serializes every lifecycle operation for one (name, version)
// module through a single goroutine, so Start/Stop/Restart/Delete and the
// health probe never race against each other.
type mailbox struct {
	key    types.ModuleKey
	rt     runtime.Runtime
	br     broker.Broker
	cfg    Config
	logger zerolog.Logger

	cmds chan command
	quit chan struct{}

	mu              sync.Mutex
	module          types.Module
	restartAttempts int
}

func newMailbox(key types.ModuleKey, rt runtime.Runtime, br broker.Broker, cfg Config, logger zerolog.Logger) *mailbox {
	mb := &mailbox{
		key:    key,
		rt:     rt,
		br:     br,
		cfg:    cfg,
		logger: logger.With().Str("module", key.Name).Str("version", key.Version).Logger(),
		cmds:   make(chan command, 4),
		quit:   make(chan struct{}),
		module: types.Module{Key: key, State: types.ModuleStopped},
	}
	go mb.run()
	return mb
}

func (mb *mailbox) snapshot() types.Module {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.module
}

func (mb *mailbox) setState(state types.ModuleState, message string) {
	mb.mu.Lock()
	mb.module.State = state
	mb.module.Message = message
	mb.mu.Unlock()
}

// setReconciled overwrites the mailbox's view wholesale, for supervisor
// startup reconciliation before any command has been processed.
func (mb *mailbox) setReconciled(m types.Module) {
	mb.mu.Lock()
	mb.module = m
	mb.mu.Unlock()
}

func (mb *mailbox) stop() {
	close(mb.quit)
}

// do submits a command and blocks for its result, or until ctx is done.
func (mb *mailbox) do(ctx context.Context, kind cmdKind, imageTag string) error {
	resultCh := make(chan error, 1)
	select {
	case mb.cmds <- command{kind: kind, imageTag: imageTag, resultCh: resultCh}:
	case <-mb.quit:
		return laps.ErrNotFound
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// triggerCrashHandling runs crash handling in its own goroutine, outside
// the mailbox loop, so the caller is not blocked; used by Reconcile when it
// finds a container whose task has already exited.
func (mb *mailbox) triggerCrashHandling(ctx context.Context) {
	go func() {
		mb.handleCrash(ctx)
	}()
}

func (mb *mailbox) run() {
	probeTicker := time.NewTicker(mb.cfg.ProbeInterval)
	defer probeTicker.Stop()

	ctx := context.Background()

	for {
		select {
		case <-mb.quit:
			return

		case cmd := <-mb.cmds:
			var err error
			switch cmd.kind {
			case cmdStart:
				err = mb.doStart(ctx, cmd.imageTag)
			case cmdStop:
				err = mb.doStop(ctx)
			case cmdRestart:
				if stopErr := mb.doStop(ctx); stopErr != nil {
					err = stopErr
				} else {
					err = mb.doStart(ctx, cmd.imageTag)
				}
			}
			cmd.resultCh <- err

		case <-probeTicker.C:
			mb.probe(ctx)
		}
	}
}

func (mb *mailbox) doStart(ctx context.Context, imageTag string) error {
	if mb.snapshot().ContainerID != "" {
		if err := mb.doStop(ctx); err != nil {
			return err
		}
	}
	mb.setState(types.ModuleStarting, "")

	containerID := containerName(mb.key)
	env := []string{
		"LAPS_BROKER_ADDR=" + mb.cfg.BrokerAddr,
		"LAPS_MODULE_NAME=" + mb.key.Name,
		"LAPS_MODULE_VERSION=" + mb.key.Version,
		"LAPS_CONTAINER_ID=" + containerID,
	}

	id, err := mb.rt.Create(ctx, runtime.ContainerSpec{
		ID:    containerID,
		Image: imageTag,
		Env:   env,
	})
	if err != nil {
		mb.setState(types.ModuleCrashed, fmt.Sprintf("create: %v", err))
		return fmt.Errorf("create container for %s: %w", mb.key, err)
	}

	if err := mb.rt.Start(ctx, id); err != nil {
		mb.setState(types.ModuleCrashed, fmt.Sprintf("start: %v", err))
		return fmt.Errorf("start container for %s: %w", mb.key, err)
	}

	mb.mu.Lock()
	mb.module.ContainerID = id
	mb.module.ImageTag = imageTag
	mb.mu.Unlock()

	if err := mb.waitReady(ctx, id); err != nil {
		mb.setState(types.ModuleCrashed, err.Error())
		return fmt.Errorf("module %s failed to become ready: %w", mb.key, err)
	}

	mb.mu.Lock()
	mb.restartAttempts = 0
	mb.mu.Unlock()
	mb.setState(types.ModuleRunning, "")
	return nil
}

// waitReady subscribes to the module's ready channel and also polls it
// (in case the publish raced the subscribe), bounded by cfg.ReadyTimeout.
func (mb *mailbox) waitReady(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, mb.cfg.ReadyTimeout)
	defer cancel()

	readyKey := broker.ModuleReadyKey(mb.key.Name, mb.key.Version)

	if v, ok, err := mb.br.Get(ctx, readyKey); err == nil && ok && string(v) != "" {
		return nil
	}

	sub, err := mb.br.Subscribe(ctx, readyKey)
	if err != nil {
		return fmt.Errorf("subscribe to ready channel: %w", err)
	}
	defer sub.Close()

	poll := time.NewTicker(500 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-sub.C():
			return nil
		case <-poll.C:
			status, err := mb.rt.Inspect(ctx, containerID)
			if err == nil && status.State == runtime.StateExited {
				return fmt.Errorf("container exited before reporting ready (exit code %d)", status.ExitCode)
			}
			if v, ok, err := mb.br.Get(ctx, readyKey); err == nil && ok && string(v) != "" {
				return nil
			}
		case <-ctx.Done():
			return laps.ErrTimeout
		}
	}
}

// doStop resolves every in-flight job as ModuleCrashed, then stops and
// removes the container.
func (mb *mailbox) doStop(ctx context.Context) error {
	containerID := mb.snapshot().ContainerID
	if containerID == "" {
		mb.setState(types.ModuleStopped, "")
		return nil
	}

	mb.resolveInflightAsCrashed(ctx)

	if err := mb.rt.Stop(ctx, containerID, mb.cfg.StopTimeout); err != nil {
		mb.logger.Warn().Err(err).Msg("stop failed, removing anyway")
	}
	if err := mb.rt.Remove(ctx, containerID); err != nil {
		mb.logger.Warn().Err(err).Msg("remove failed")
	}

	mb.mu.Lock()
	mb.module.ContainerID = ""
	mb.mu.Unlock()
	mb.setState(types.ModuleStopped, "")
	return nil
}

// resolveInflightAsCrashed walks the module's inflight hash (token ->
// container id written by the shim when it dequeues a job) and writes a
// ModuleCrashed result for each token, matching the spec's requirement that
// stopping or crashing a module terminalizes any job it was holding.
func (mb *mailbox) resolveInflightAsCrashed(ctx context.Context) {
	key := broker.ModuleInflightKey(mb.key.Name, mb.key.Version)
	inflight, err := mb.br.HGetAll(ctx, key)
	if err != nil {
		mb.logger.Warn().Err(err).Msg("read inflight hash failed")
		return
	}
	for token := range inflight {
		result := types.JobResult{
			Failed: fmt.Sprintf("module %s crashed or was stopped while processing this job", mb.key),
			Kind:   types.FailureModuleCrashed,
		}
		payload, err := json.Marshal(result)
		if err != nil {
			mb.logger.Warn().Err(err).Str("token", token).Msg("marshal crash result failed")
			continue
		}
		if err := mb.br.Set(ctx, broker.JobResultKey(token), payload, 0); err != nil {
			mb.logger.Warn().Err(err).Str("token", token).Msg("write crash result failed")
			continue
		}
		if err := mb.br.Publish(ctx, broker.JobEventsKey(token), payload); err != nil {
			mb.logger.Warn().Err(err).Str("token", token).Msg("publish crash event failed")
		}
		if err := mb.br.HDel(ctx, key, token); err != nil {
			mb.logger.Warn().Err(err).Str("token", token).Msg("clear inflight entry failed")
		}
	}
}

func (mb *mailbox) probe(ctx context.Context) {
	if mb.snapshot().State != types.ModuleRunning {
		return
	}
	containerID := mb.snapshot().ContainerID
	if containerID == "" {
		return
	}
	status, err := mb.rt.Inspect(ctx, containerID)
	if err != nil {
		mb.logger.Warn().Err(err).Msg("probe inspect failed")
		return
	}
	if status.State == runtime.StateExited {
		mb.handleCrash(ctx)
	}
}

// handleCrash resolves in-flight jobs, marks the module Crashed, removes
// the exited container, and schedules a restart with exponential backoff
// unless the attempt budget is exhausted.
func (mb *mailbox) handleCrash(ctx context.Context) {
	mb.resolveInflightAsCrashed(ctx)
	mb.setState(types.ModuleCrashed, "container task exited unexpectedly")

	if id := mb.snapshot().ContainerID; id != "" {
		if err := mb.rt.Remove(ctx, id); err != nil {
			mb.logger.Warn().Err(err).Msg("remove crashed container failed")
		}
	}

	mb.mu.Lock()
	mb.module.ContainerID = ""
	imageTag := mb.module.ImageTag
	mb.restartAttempts++
	attempt := mb.restartAttempts
	mb.mu.Unlock()

	if attempt > mb.cfg.MaxRestartAttempts {
		mb.logger.Error().Int("attempts", attempt).Msg("giving up on restarting module")
		return
	}

	backoff := mb.cfg.BackoffBase * time.Duration(1<<uint(attempt-1))
	if backoff > mb.cfg.BackoffCap || backoff <= 0 {
		backoff = mb.cfg.BackoffCap
	}

	mb.logger.Warn().Dur("backoff", backoff).Int("attempt", attempt).Msg("scheduling module restart")

	time.AfterFunc(backoff, func() {
		resultCh := make(chan error, 1)
		select {
		case mb.cmds <- command{kind: cmdStart, imageTag: imageTag, resultCh: resultCh}:
		case <-mb.quit:
		}
	})
}
