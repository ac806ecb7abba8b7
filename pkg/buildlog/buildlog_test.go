package buildlog

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/LAPS-Group/laps/pkg/laps"
	"github.com/LAPS-Group/laps/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "builds.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndLatest(t *testing.T) {
	s := openTestStore(t)
	key := types.ModuleKey{Name: "astar", Version: "v1"}

	if _, err := s.Append(key, time.Now(), false, "pip install failed"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := s.Append(key, time.Now(), true, "build ok"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	rec, err := s.Latest(key)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if !rec.Succeeded || rec.Log != "build ok" {
		t.Errorf("Latest returned stale record: %+v", rec)
	}
}

func TestLatestNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Latest(types.ModuleKey{Name: "missing", Version: "v1"})
	if !errors.Is(err, laps.ErrNotFound) {
		t.Errorf("Latest on unknown module: got %v, want ErrNotFound", err)
	}
}

func TestHistoryOrdering(t *testing.T) {
	s := openTestStore(t)
	key := types.ModuleKey{Name: "dijkstra", Version: "v2"}

	for i := 0; i < 3; i++ {
		if _, err := s.Append(key, time.Now(), i == 2, "attempt"); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	history, err := s.History(key)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("len(history) = %d, want 3", len(history))
	}
	if history[0].ID >= history[1].ID || history[1].ID >= history[2].ID {
		t.Errorf("history not in ascending ID order: %+v", history)
	}
	if !history[2].Succeeded {
		t.Error("last build record should be the successful one")
	}
}

func TestHistoryDoesNotLeakAcrossModules(t *testing.T) {
	s := openTestStore(t)
	a := types.ModuleKey{Name: "astar", Version: "v1"}
	b := types.ModuleKey{Name: "astar", Version: "v2"}

	if _, err := s.Append(a, time.Now(), true, "a"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := s.Append(b, time.Now(), true, "b"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	historyA, err := s.History(a)
	if err != nil {
		t.Fatalf("History(a): %v", err)
	}
	if len(historyA) != 1 || historyA[0].Log != "a" {
		t.Errorf("History(a) = %+v, want exactly a's record", historyA)
	}
}
