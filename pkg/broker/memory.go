package broker

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Broker used by tests, adapted from the same
// interface-plus-fake pairing the container runtime and map store use.
// It is safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	kv     map[string]memVal
	lists  map[string][][]byte
	popSig map[string]chan struct{}
	hashes map[string]map[string][]byte
	subs   map[string][]chan []byte
}

type memVal struct {
	v       []byte
	expires time.Time
	hasTTL  bool
}

// NewMemory returns an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{
		kv:     make(map[string]memVal),
		lists:  make(map[string][][]byte),
		popSig: make(map[string]chan struct{}),
		hashes: make(map[string]map[string][]byte),
		subs:   make(map[string][]chan []byte),
	}
}

func (m *Memory) Set(_ context.Context, k string, v []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	val := memVal{v: append([]byte(nil), v...)}
	if ttl > 0 {
		val.hasTTL = true
		val.expires = time.Now().Add(ttl)
	}
	m.kv[k] = val
	return nil
}

func (m *Memory) Get(_ context.Context, k string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.kv[k]
	if !ok {
		return nil, false, nil
	}
	if val.hasTTL && time.Now().After(val.expires) {
		delete(m.kv, k)
		return nil, false, nil
	}
	return append([]byte(nil), val.v...), true, nil
}

func (m *Memory) Del(_ context.Context, k string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, k)
	return nil
}

func (m *Memory) LPush(_ context.Context, k string, v []byte) error {
	m.mu.Lock()
	m.lists[k] = append([][]byte{append([]byte(nil), v...)}, m.lists[k]...)
	sig, ok := m.popSig[k]
	m.mu.Unlock()
	if ok {
		select {
		case sig <- struct{}{}:
		default:
		}
	}
	return nil
}

func (m *Memory) signalChan(k string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, ok := m.popSig[k]
	if !ok {
		sig = make(chan struct{}, 1)
		m.popSig[k] = sig
	}
	return sig
}

// BRPop pops from the tail of the list at k, blocking until an item is
// available, ctx is cancelled, or timeout elapses. An item that is popped
// is always returned to the caller even if ctx is cancelled concurrently:
// the pop and the return happen under the same lock acquisition, so there
// is no window where an item is removed from the list without being
// delivered.
func (m *Memory) BRPop(ctx context.Context, k string, timeout time.Duration) ([]byte, bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	sig := m.signalChan(k)
	for {
		m.mu.Lock()
		l := m.lists[k]
		if len(l) > 0 {
			v := l[len(l)-1]
			m.lists[k] = l[:len(l)-1]
			m.mu.Unlock()
			return v, true, nil
		}
		m.mu.Unlock()

		select {
		case <-sig:
			continue
		case <-deadline.C:
			return nil, false, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

func (m *Memory) Publish(_ context.Context, ch string, v []byte) error {
	m.mu.Lock()
	subs := append([]chan []byte(nil), m.subs[ch]...)
	m.mu.Unlock()
	for _, s := range subs {
		select {
		case s <- v:
		default:
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, ch string) (Subscription, error) {
	out := make(chan []byte, 8)
	m.mu.Lock()
	m.subs[ch] = append(m.subs[ch], out)
	m.mu.Unlock()

	sub := &memSubscription{m: m, ch: ch, out: out}
	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	return sub, nil
}

type memSubscription struct {
	m      *Memory
	ch     string
	out    chan []byte
	closed bool
	mu     sync.Mutex
}

func (s *memSubscription) C() <-chan []byte { return s.out }

func (s *memSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.m.mu.Lock()
	subs := s.m.subs[s.ch]
	for i, c := range subs {
		if c == s.out {
			s.m.subs[s.ch] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.m.mu.Unlock()
	close(s.out)
	return nil
}

func (m *Memory) Incr(_ context.Context, k string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val := m.kv[k]
	var n int64
	if val.v != nil {
		n, _ = strconv.ParseInt(string(val.v), 10, 64)
	}
	n++
	m.kv[k] = memVal{v: []byte(strconv.FormatInt(n, 10))}
	return n, nil
}

func (m *Memory) HSet(_ context.Context, k, field string, v []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[k]
	if !ok {
		h = make(map[string][]byte)
		m.hashes[k] = h
	}
	h[field] = append([]byte(nil), v...)
	return nil
}

func (m *Memory) HGet(_ context.Context, k, field string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[k]
	if !ok {
		return nil, false, nil
	}
	v, ok := h[field]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) HDel(_ context.Context, k, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hashes[k]; ok {
		delete(h, field)
	}
	return nil
}

func (m *Memory) HGetAll(_ context.Context, k string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte)
	for field, v := range m.hashes[k] {
		out[field] = append([]byte(nil), v...)
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
