/*
Package broker wraps a key-value store in the semantic layer every other
lapsd component depends on: typed SET/GET/DEL, a blocking list queue
(LPUSH/BRPOP), pub/sub, atomic counters, and small hash records.

The broker is the only piece of cross-component mutable state in the system;
the supervisor, job queue, dispatcher and map store all read and write it
through the Broker interface rather than holding state of their own (besides
the per-module mailbox registry, which is local bookkeeping, not shared
state). Two implementations are provided: Redis, which talks to a real
Redis-wire-compatible server, and Memory, an in-process fake used by tests.
*/
package broker

import (
	"context"
	"strconv"
	"time"
)

// Broker is the command set described in the LAPS broker wire contract.
type Broker interface {
	// Set stores v under k. If ttl > 0 the key expires after ttl.
	Set(ctx context.Context, k string, v []byte, ttl time.Duration) error
	// Get returns the value stored at k, or ok=false if absent.
	Get(ctx context.Context, k string) (v []byte, ok bool, err error)
	// Del removes k. Not an error if k does not exist.
	Del(ctx context.Context, k string) error

	// LPush atomically pushes v onto the head of the list at k.
	LPush(ctx context.Context, k string, v []byte) error
	// BRPop blocks until an item is available at the tail of k or timeout
	// elapses, whichever comes first. ok=false on timeout, not error.
	BRPop(ctx context.Context, k string, timeout time.Duration) (v []byte, ok bool, err error)

	// Publish fire-and-forgets v to channel ch.
	Publish(ctx context.Context, ch string, v []byte) error
	// Subscribe returns a channel of messages published to ch. The
	// returned Subscription must be closed by the caller.
	Subscribe(ctx context.Context, ch string) (Subscription, error)

	// Incr atomically increments the counter at k and returns the new
	// value. Used for ID allocation.
	Incr(ctx context.Context, k string) (int64, error)

	HSet(ctx context.Context, k, field string, v []byte) error
	HGet(ctx context.Context, k, field string) (v []byte, ok bool, err error)
	HDel(ctx context.Context, k, field string) error
	HGetAll(ctx context.Context, k string) (map[string][]byte, error)

	// Close releases any underlying connection.
	Close() error
}

// Subscription delivers messages published to a channel.
type Subscription interface {
	// C returns the message channel. It is closed when the subscription
	// ends (context cancellation or Close).
	C() <-chan []byte
	Close() error
}

// Key namespace helpers, centralizing the "laps:" prefix used throughout the
// wire contract so components never hand-build keys.
const keyPrefix = "laps:"

func MapNextIDKey() string { return keyPrefix + "map:next-id" }
func MapIDsKey() string    { return keyPrefix + "map:ids" }
func MapMetaKey(id int64) string {
	return keyPrefix + "map:" + strconv.FormatInt(id, 10) + ":meta"
}
func MapBytesKey(id int64) string {
	return keyPrefix + "map:" + strconv.FormatInt(id, 10) + ":bytes"
}

func ModuleStateKey(name, version string) string {
	return keyPrefix + "module:" + name + ":" + version + ":state"
}
func ModuleQueueKey(name, version string) string {
	return keyPrefix + "module:" + name + ":" + version + ":queue"
}
func ModuleReadyKey(name, version string) string {
	return keyPrefix + "module:" + name + ":" + version + ":ready"
}
func ModuleCrashEventsKey(name, version string) string {
	return keyPrefix + "module:" + name + ":" + version + ":crash-events"
}

// ModuleInflightKey names the hash tracking which tokens a module's single
// container has currently dequeued (field=token, value=container id), so a
// crash can be resolved against exactly the jobs it was holding.
func ModuleInflightKey(name, version string) string {
	return keyPrefix + "module:" + name + ":" + version + ":inflight"
}

func JobKey(token string) string        { return keyPrefix + "job:" + token }
func JobResultKey(token string) string   { return keyPrefix + "job:" + token + ":result" }
func JobEventsKey(token string) string   { return keyPrefix + "job:" + token + ":events" }
func JobAssignedKey(token string) string { return keyPrefix + "job:" + token + ":assigned" }

// JobSeenKey names a marker written alongside a job record, with a TTL
// longer than the record's own, so an expired-and-reaped job can still be
// told apart from a token that was never issued at all.
func JobSeenKey(token string) string { return keyPrefix + "job:" + token + ":seen" }
