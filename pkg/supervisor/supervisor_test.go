package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/LAPS-Group/laps/pkg/broker"
	"github.com/LAPS-Group/laps/pkg/runtime"
	"github.com/LAPS-Group/laps/pkg/types"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReadyTimeout = 2 * time.Second
	cfg.ProbeInterval = 50 * time.Millisecond
	cfg.StopTimeout = time.Second
	cfg.BackoffBase = 20 * time.Millisecond
	cfg.BackoffCap = 100 * time.Millisecond
	return cfg
}

func publishReadyShortly(br broker.Broker, key types.ModuleKey) {
	go func() {
		time.Sleep(20 * time.Millisecond)
		readyKey := broker.ModuleReadyKey(key.Name, key.Version)
		_ = br.Set(context.Background(), readyKey, []byte("1"), 0)
		_ = br.Publish(context.Background(), readyKey, []byte("1"))
	}()
}

func TestSupervisorStartWaitsForReady(t *testing.T) {
	rt := runtime.NewFake()
	br := broker.NewMemory()
	key := types.ModuleKey{Name: "pathfinder", Version: "v1"}

	sup := New(rt, br, testConfig())
	publishReadyShortly(br, key)

	if err := sup.Start(context.Background(), key); err != nil {
		t.Fatalf("Start: %v", err)
	}

	mod, err := sup.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if mod.State != types.ModuleRunning {
		t.Fatalf("state = %s, want Running", mod.State)
	}
}

func TestSupervisorAtMostOneContainerPerModule(t *testing.T) {
	rt := runtime.NewFake()
	br := broker.NewMemory()
	key := types.ModuleKey{Name: "pathfinder", Version: "v1"}

	sup := New(rt, br, testConfig())
	publishReadyShortly(br, key)
	if err := sup.Start(context.Background(), key); err != nil {
		t.Fatalf("first Start: %v", err)
	}

	publishReadyShortly(br, key)
	if err := sup.Start(context.Background(), key); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	ids, err := rt.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("len(ids) = %d, want 1 (restart should not leak containers)", len(ids))
	}
}

func TestSupervisorCrashResolvesInflightJobs(t *testing.T) {
	rt := runtime.NewFake()
	br := broker.NewMemory()
	key := types.ModuleKey{Name: "pathfinder", Version: "v1"}
	ctx := context.Background()

	sup := New(rt, br, testConfig())
	publishReadyShortly(br, key)
	if err := sup.Start(ctx, key); err != nil {
		t.Fatalf("Start: %v", err)
	}

	mod, _ := sup.Get(key)
	if err := br.HSet(ctx, broker.ModuleInflightKey(key.Name, key.Version), "tok-1", []byte(mod.ContainerID)); err != nil {
		t.Fatalf("HSet inflight: %v", err)
	}

	rt.SetExited(mod.ContainerID, 1)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok, _ := br.Get(ctx, broker.JobResultKey("tok-1")); ok && len(v) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	v, ok, err := br.Get(ctx, broker.JobResultKey("tok-1"))
	if err != nil {
		t.Fatalf("Get result: %v", err)
	}
	if !ok {
		t.Fatal("expected a crash result to have been written for the in-flight job")
	}
	if !contains(string(v), "ModuleCrashed") {
		t.Fatalf("result %s does not tag ModuleCrashed", v)
	}
}

func TestSupervisorStopResolvesInflightJobs(t *testing.T) {
	rt := runtime.NewFake()
	br := broker.NewMemory()
	key := types.ModuleKey{Name: "pathfinder", Version: "v1"}
	ctx := context.Background()

	sup := New(rt, br, testConfig())
	publishReadyShortly(br, key)
	if err := sup.Start(ctx, key); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mod, _ := sup.Get(key)
	if err := br.HSet(ctx, broker.ModuleInflightKey(key.Name, key.Version), "tok-2", []byte(mod.ContainerID)); err != nil {
		t.Fatalf("HSet inflight: %v", err)
	}

	if err := sup.Stop(ctx, key); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	v, ok, err := br.Get(ctx, broker.JobResultKey("tok-2"))
	if err != nil || !ok {
		t.Fatalf("expected crash result on stop, ok=%v err=%v", ok, err)
	}
	if !contains(string(v), "ModuleCrashed") {
		t.Fatalf("result %s does not tag ModuleCrashed", v)
	}

	after, _ := sup.Get(key)
	if after.State != types.ModuleStopped {
		t.Fatalf("state = %s, want Stopped", after.State)
	}
}

func TestSupervisorReconcileRecoversRunningModule(t *testing.T) {
	rt := runtime.NewFake()
	br := broker.NewMemory()
	key := types.ModuleKey{Name: "pathfinder", Version: "v1"}
	ctx := context.Background()

	imageTag := key.ImageTag("laps-registry")
	if _, err := rt.Build(ctx, runtime.BuildSpec{ImageTag: imageTag, BaseImage: "python:3.12-slim"}); err != nil {
		t.Fatalf("Build: %v", err)
	}
	id, err := rt.Create(ctx, runtime.ContainerSpec{ID: "laps-pathfinder-v1", Image: imageTag})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := rt.Start(ctx, id); err != nil {
		t.Fatalf("Start: %v", err)
	}

	cfg := testConfig()
	cfg.RegistryPrefix = "laps-registry"
	sup := New(rt, br, cfg)

	if err := sup.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	mod, err := sup.Get(key)
	if err != nil {
		t.Fatalf("Get after reconcile: %v", err)
	}
	if mod.State != types.ModuleRunning {
		t.Fatalf("state = %s, want Running", mod.State)
	}
	if mod.ContainerID != id {
		t.Fatalf("container id = %s, want %s", mod.ContainerID, id)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
