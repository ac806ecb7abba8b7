// Package queue wraps the broker's LPUSH/BRPOP pair into a per-module FIFO,
// matching spec §4.5: a single broker list per (name, version) module, with
// insertion atomic via LPUSH and consumption via blocking BRPOP.
package queue

import (
	"context"
	"time"

	"github.com/LAPS-Group/laps/pkg/broker"
	"github.com/LAPS-Group/laps/pkg/types"
)

// Queue is a thin, stateless view over a module's broker-backed job list.
// It holds no state of its own; every method is scoped by the ModuleKey
// passed in.
type Queue struct {
	br broker.Broker
}

// New returns a Queue backed by br.
func New(br broker.Broker) *Queue {
	return &Queue{br: br}
}

// Enqueue atomically pushes token onto the tail of key's queue.
func (q *Queue) Enqueue(ctx context.Context, key types.ModuleKey, token string) error {
	return q.br.LPush(ctx, broker.ModuleQueueKey(key.Name, key.Version), []byte(token))
}

// Dequeue blocks until a token is available at the head of key's queue or
// timeout elapses. ok is false on timeout, which is not an error: the
// caller (the module shim) is expected to loop.
func (q *Queue) Dequeue(ctx context.Context, key types.ModuleKey, timeout time.Duration) (token string, ok bool, err error) {
	v, ok, err := q.br.BRPop(ctx, broker.ModuleQueueKey(key.Name, key.Version), timeout)
	if err != nil || !ok {
		return "", ok, err
	}
	return string(v), true, nil
}
