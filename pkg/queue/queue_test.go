package queue

import (
	"context"
	"testing"
	"time"

	"github.com/LAPS-Group/laps/pkg/broker"
	"github.com/LAPS-Group/laps/pkg/types"
)

func TestQueueFIFOPerModule(t *testing.T) {
	q := New(broker.NewMemory())
	key := types.ModuleKey{Name: "pathfinder", Version: "v1"}
	ctx := context.Background()

	tokens := []string{"a", "b", "c"}
	for _, tok := range tokens {
		if err := q.Enqueue(ctx, key, tok); err != nil {
			t.Fatalf("Enqueue(%s): %v", tok, err)
		}
	}

	for _, want := range tokens {
		got, ok, err := q.Dequeue(ctx, key, time.Second)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if !ok {
			t.Fatal("Dequeue: ok = false, want true")
		}
		if got != want {
			t.Fatalf("Dequeue = %s, want %s (FIFO order violated)", got, want)
		}
	}
}

func TestQueueDequeueTimeout(t *testing.T) {
	q := New(broker.NewMemory())
	key := types.ModuleKey{Name: "pathfinder", Version: "v1"}

	start := time.Now()
	_, ok, err := q.Dequeue(context.Background(), key, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if ok {
		t.Fatal("ok = true on empty queue, want false")
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("Dequeue returned before timeout elapsed")
	}
}

func TestQueueScopedPerModule(t *testing.T) {
	q := New(broker.NewMemory())
	a := types.ModuleKey{Name: "pathfinder", Version: "v1"}
	b := types.ModuleKey{Name: "pathfinder", Version: "v2"}
	ctx := context.Background()

	if err := q.Enqueue(ctx, a, "tok-a"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	_, ok, err := q.Dequeue(ctx, b, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if ok {
		t.Fatal("job enqueued for v1 was visible to v2's queue")
	}

	got, ok, err := q.Dequeue(ctx, a, time.Second)
	if err != nil || !ok || got != "tok-a" {
		t.Fatalf("Dequeue(a) = %s, %v, %v", got, ok, err)
	}
}
