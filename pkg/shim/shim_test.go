package shim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/LAPS-Group/laps/pkg/broker"
	"github.com/LAPS-Group/laps/pkg/types"
)

func encodeTestGray16PNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray16(x, y, color.Gray16{Y: uint16((y*width + x) * 1000)})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

type fakeRunner struct {
	resp SolveResponse
	err  error
}

func (f *fakeRunner) Solve(context.Context, SolveRequest) (SolveResponse, error) {
	return f.resp, f.err
}

func seedJob(t *testing.T, br broker.Broker, key types.ModuleKey, mapID int64, start, end types.Point) string {
	t.Helper()
	ctx := context.Background()
	token := "test-token"

	rec := jobRecord{MapID: mapID, Module: key, Start: start, End: end, CreatedAt: time.Now()}
	payload, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal job record: %v", err)
	}
	if err := br.Set(ctx, broker.JobKey(token), payload, time.Minute); err != nil {
		t.Fatalf("Set job: %v", err)
	}
	return token
}

func seedMap(t *testing.T, br broker.Broker, id int64) {
	t.Helper()
	ctx := context.Background()
	png := encodeTestGray16PNG(t, 2, 2)
	if err := br.Set(ctx, broker.MapBytesKey(id), png, 0); err != nil {
		t.Fatalf("Set map bytes: %v", err)
	}
	meta := map[string]any{"width": 2, "height": 2, "min_height": 0.0, "max_height": 10.0, "resolution": 1.0}
	payload, _ := json.Marshal(meta)
	if err := br.Set(ctx, broker.MapMetaKey(id), payload, 0); err != nil {
		t.Fatalf("Set map meta: %v", err)
	}
}

func TestShimHandleJobSuccessWritesResult(t *testing.T) {
	br := broker.NewMemory()
	key := types.ModuleKey{Name: "pathfinder", Version: "v1"}
	token := seedJob(t, br, key, 1, types.Point{}, types.Point{X: 1, Y: 1})
	seedMap(t, br, 1)

	runner := &fakeRunner{resp: SolveResponse{Ok: [][2]int{{0, 0}, {1, 1}}}}
	s := New(br, runner, Config{Key: key})

	if err := s.handleJob(context.Background(), token); err != nil {
		t.Fatalf("handleJob: %v", err)
	}

	v, ok, err := br.Get(context.Background(), broker.JobResultKey(token))
	if err != nil || !ok {
		t.Fatalf("expected result to be written, ok=%v err=%v", ok, err)
	}
	var result types.JobResult
	if err := json.Unmarshal(v, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(result.Ok) != 2 {
		t.Fatalf("result = %+v, want 2 points", result)
	}
}

func TestShimHandleJobUserErrorWritesFailed(t *testing.T) {
	br := broker.NewMemory()
	key := types.ModuleKey{Name: "pathfinder", Version: "v1"}
	token := seedJob(t, br, key, 1, types.Point{}, types.Point{X: 1, Y: 1})
	seedMap(t, br, 1)

	runner := &fakeRunner{resp: SolveResponse{Failed: "no path exists"}}
	s := New(br, runner, Config{Key: key})

	if err := s.handleJob(context.Background(), token); err != nil {
		t.Fatalf("handleJob: %v", err)
	}

	v, ok, err := br.Get(context.Background(), broker.JobResultKey(token))
	if err != nil || !ok {
		t.Fatalf("expected result to be written, ok=%v err=%v", ok, err)
	}
	var result types.JobResult
	if err := json.Unmarshal(v, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Kind != types.FailureUserError || result.Failed != "no path exists" {
		t.Fatalf("result = %+v, want UserError/no path exists", result)
	}
}

func TestShimHandleJobClearsInflightAfterCompletion(t *testing.T) {
	br := broker.NewMemory()
	key := types.ModuleKey{Name: "pathfinder", Version: "v1"}
	token := seedJob(t, br, key, 1, types.Point{}, types.Point{X: 1, Y: 1})
	seedMap(t, br, 1)

	runner := &fakeRunner{resp: SolveResponse{Ok: [][2]int{{0, 0}}}}
	s := New(br, runner, Config{Key: key})

	if err := s.handleJob(context.Background(), token); err != nil {
		t.Fatalf("handleJob: %v", err)
	}

	all, err := br.HGetAll(context.Background(), broker.ModuleInflightKey(key.Name, key.Version))
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if _, ok := all[token]; ok {
		t.Fatal("inflight entry should have been cleared after job completion")
	}
}

func TestShimHandleJobMissingMapIsInvalidInput(t *testing.T) {
	br := broker.NewMemory()
	key := types.ModuleKey{Name: "pathfinder", Version: "v1"}
	token := seedJob(t, br, key, 999, types.Point{}, types.Point{X: 1, Y: 1})

	runner := &fakeRunner{}
	s := New(br, runner, Config{Key: key})
	if err := s.handleJob(context.Background(), token); err != nil {
		t.Fatalf("handleJob: %v", err)
	}

	v, ok, err := br.Get(context.Background(), broker.JobResultKey(token))
	if err != nil || !ok {
		t.Fatalf("expected result written, ok=%v err=%v", ok, err)
	}
	var result types.JobResult
	_ = json.Unmarshal(v, &result)
	if result.Kind != types.FailureInvalidInput {
		t.Fatalf("result = %+v, want InvalidInput", result)
	}
}

func TestShimHandleJobRunnerFailureIsCatastrophic(t *testing.T) {
	br := broker.NewMemory()
	key := types.ModuleKey{Name: "pathfinder", Version: "v1"}
	token := seedJob(t, br, key, 1, types.Point{}, types.Point{X: 1, Y: 1})
	seedMap(t, br, 1)

	runner := &fakeRunner{err: errors.New("subprocess crashed")}
	s := New(br, runner, Config{Key: key})

	if err := s.handleJob(context.Background(), token); err == nil {
		t.Fatal("expected handleJob to return an error on runner subprocess failure")
	}

	// No result is written: the job is left for the supervisor's crash
	// detection to resolve as ModuleCrashed once this process exits.
	if _, ok, err := br.Get(context.Background(), broker.JobResultKey(token)); err != nil || ok {
		t.Fatalf("expected no result written, ok=%v err=%v", ok, err)
	}

	// The inflight entry must survive so the supervisor can find it.
	all, err := br.HGetAll(context.Background(), broker.ModuleInflightKey(key.Name, key.Version))
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if _, ok := all[token]; !ok {
		t.Fatal("inflight entry should remain for crash detection to resolve")
	}
}
