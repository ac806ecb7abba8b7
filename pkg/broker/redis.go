package broker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LAPS-Group/laps/pkg/laps"
	"github.com/LAPS-Group/laps/pkg/log"
)

// maxRetries is the number of local retries the §7 propagation policy
// permits for BrokerUnavailable-classified failures before giving up.
const maxRetries = 3

// retryBackoff is the small fixed backoff between local retries.
const retryBackoff = 50 * time.Millisecond

// Redis is the production Broker backed by a real Redis server.
type Redis struct {
	client *redis.Client
}

// NewRedis dials addr (host:port) and returns a Broker. Connectivity is not
// verified until the first call.
func NewRedis(addr string, db int) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   db,
		}),
	}
}

func (r *Redis) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff):
		}
	}
	log.Component("broker").Warn().Err(err).Msg("broker operation exhausted retries")
	return errors.Join(laps.ErrBrokerUnavailable, err)
}

func isTransient(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	return true
}

func (r *Redis) Set(ctx context.Context, k string, v []byte, ttl time.Duration) error {
	return r.withRetry(ctx, func() error {
		return r.client.Set(ctx, k, v, ttl).Err()
	})
}

func (r *Redis) Get(ctx context.Context, k string) ([]byte, bool, error) {
	var v []byte
	err := r.withRetry(ctx, func() error {
		b, err := r.client.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		v = b
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return v, v != nil, nil
}

func (r *Redis) Del(ctx context.Context, k string) error {
	return r.withRetry(ctx, func() error {
		return r.client.Del(ctx, k).Err()
	})
}

func (r *Redis) LPush(ctx context.Context, k string, v []byte) error {
	return r.withRetry(ctx, func() error {
		return r.client.LPush(ctx, k, v).Err()
	})
}

// BRPop blocks up to timeout for an item at the tail of k. Cancellation of
// ctx never loses a value that was already popped: the redis client either
// returns the value (which the caller must still process before honoring
// its own cancellation upstream) or returns redis.Nil/ctx.Err without
// having removed anything from the list.
func (r *Redis) BRPop(ctx context.Context, k string, timeout time.Duration) ([]byte, bool, error) {
	res, err := r.client.BRPop(ctx, timeout, k).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, false, errors.Join(laps.ErrBrokerUnavailable, err)
	}
	// res is [key, value]
	if len(res) != 2 {
		return nil, false, nil
	}
	return []byte(res[1]), true, nil
}

func (r *Redis) Publish(ctx context.Context, ch string, v []byte) error {
	return r.withRetry(ctx, func() error {
		return r.client.Publish(ctx, ch, v).Err()
	})
}

func (r *Redis) Subscribe(ctx context.Context, ch string) (Subscription, error) {
	sub := r.client.Subscribe(ctx, ch)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, errors.Join(laps.ErrBrokerUnavailable, err)
	}
	out := make(chan []byte, 8)
	redisCh := sub.Channel()
	go func() {
		defer close(out)
		for {
			select {
			case msg, ok := <-redisCh:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return &redisSubscription{sub: sub, out: out}, nil
}

type redisSubscription struct {
	sub *redis.PubSub
	out chan []byte
}

func (s *redisSubscription) C() <-chan []byte { return s.out }
func (s *redisSubscription) Close() error     { return s.sub.Close() }

func (r *Redis) Incr(ctx context.Context, k string) (int64, error) {
	var n int64
	err := r.withRetry(ctx, func() error {
		v, err := r.client.Incr(ctx, k).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

func (r *Redis) HSet(ctx context.Context, k, field string, v []byte) error {
	return r.withRetry(ctx, func() error {
		return r.client.HSet(ctx, k, field, v).Err()
	})
}

func (r *Redis) HGet(ctx context.Context, k, field string) ([]byte, bool, error) {
	var v []byte
	err := r.withRetry(ctx, func() error {
		b, err := r.client.HGet(ctx, k, field).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		v = b
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return v, v != nil, nil
}

func (r *Redis) HDel(ctx context.Context, k, field string) error {
	return r.withRetry(ctx, func() error {
		return r.client.HDel(ctx, k, field).Err()
	})
}

func (r *Redis) HGetAll(ctx context.Context, k string) (map[string][]byte, error) {
	var out map[string][]byte
	err := r.withRetry(ctx, func() error {
		m, err := r.client.HGetAll(ctx, k).Result()
		if err != nil {
			return err
		}
		out = make(map[string][]byte, len(m))
		for field, v := range m {
			out[field] = []byte(v)
		}
		return nil
	})
	return out, err
}

func (r *Redis) Close() error {
	return r.client.Close()
}
