// Package dispatcher implements submit/await (spec §4.6): generating job
// tokens, enqueuing them on a module's queue, and long-polling for a
// result via the broker's pub/sub.
package dispatcher

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/LAPS-Group/laps/pkg/broker"
	"github.com/LAPS-Group/laps/pkg/laps"
	"github.com/LAPS-Group/laps/pkg/log"
	"github.com/LAPS-Group/laps/pkg/queue"
	"github.com/LAPS-Group/laps/pkg/supervisor"
	"github.com/LAPS-Group/laps/pkg/types"
)

// Config tunes dispatcher timing.
type Config struct {
	// JobTTL bounds how long an unclaimed job record and its result survive.
	JobTTL time.Duration
	// MaxWait is the server-side ceiling on a caller's requested await wait.
	MaxWait time.Duration
}

// DefaultConfig matches spec §5's stated defaults.
func DefaultConfig() Config {
	return Config{
		JobTTL:  10 * time.Minute,
		MaxWait: 30 * time.Second,
	}
}

// tokenSeenTTL bounds how long a token is remembered as "issued" after its
// job record and result have both expired, so a late Await can still
// distinguish "this expired" from "this was never submitted". It
// deliberately outlives JobTTL by a wide margin.
const tokenSeenTTL = 24 * time.Hour

// Dispatcher implements submit/await against a broker, a module queue, and
// the supervisor (consulted to reject submits to a non-Running module).
type Dispatcher struct {
	br     broker.Broker
	q      *queue.Queue
	sup    ModuleStateReader
	cfg    Config
	logger zerolog.Logger
}

// ModuleStateReader is the subset of *supervisor.Supervisor the dispatcher
// depends on, kept narrow so tests can supply a stub.
type ModuleStateReader interface {
	Get(key types.ModuleKey) (types.Module, error)
}

var _ ModuleStateReader = (*supervisor.Supervisor)(nil)

// New builds a Dispatcher.
func New(br broker.Broker, sup ModuleStateReader, cfg Config) *Dispatcher {
	return &Dispatcher{
		br:     br,
		q:      queue.New(br),
		sup:    sup,
		cfg:    cfg,
		logger: log.Component("dispatcher"),
	}
}

// jobRecord is the JSON shape stored at laps:job:{token}.
type jobRecord struct {
	MapID     int64          `json:"map_id"`
	Module    types.ModuleKey `json:"module"`
	Start     types.Point    `json:"start"`
	End       types.Point    `json:"end"`
	CreatedAt time.Time      `json:"created_at"`
}

// Submit validates that module is Running, generates a token, persists the
// job record with the configured TTL, and pushes the token onto the
// module's queue. Returns ErrModuleUnavailable if the module is not
// Running.
func (d *Dispatcher) Submit(ctx context.Context, mapID int64, module types.ModuleKey, start, end types.Point) (string, error) {
	mod, err := d.sup.Get(module)
	if err != nil || mod.State != types.ModuleRunning {
		return "", fmt.Errorf("submit to %s: %w", module, laps.ErrModuleUnavailable)
	}

	token, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", laps.ErrInternal)
	}

	rec := jobRecord{MapID: mapID, Module: module, Start: start, End: end, CreatedAt: time.Now()}
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal job record: %w", laps.ErrInternal)
	}

	if err := d.br.Set(ctx, broker.JobKey(token), payload, d.cfg.JobTTL); err != nil {
		return "", fmt.Errorf("write job record: %w", err)
	}
	if err := d.br.Set(ctx, broker.JobSeenKey(token), []byte("1"), tokenSeenTTL); err != nil {
		return "", fmt.Errorf("write job seen marker: %w", err)
	}
	if err := d.q.Enqueue(ctx, module, token); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	d.logger.Debug().Str("token", token).Str("module", module.String()).Msg("job submitted")
	return token, nil
}

// Await implements spec §4.6's await algorithm: check for an existing
// result, subscribe before re-checking to close the subscribe/publish
// race, then wait up to min(waitSeconds, MaxWait) for an event. The
// returned types.JobState tells apart a result (Completed/Failed), a job
// still in flight (Pending), a job whose TTL elapsed before it was claimed
// (Expired), and a token that was never issued in the first place
// (Unknown).
func (d *Dispatcher) Await(ctx context.Context, token string, wait time.Duration) (types.JobState, types.JobResult, error) {
	if wait > d.cfg.MaxWait {
		wait = d.cfg.MaxWait
	}

	if result, ok, err := d.readResult(ctx, token); err != nil {
		return types.JobUnknown, types.JobResult{}, err
	} else if ok {
		return resultState(result), result, nil
	}

	if _, ok, err := d.br.Get(ctx, broker.JobKey(token)); err != nil {
		return types.JobUnknown, types.JobResult{}, err
	} else if !ok {
		return d.unclaimedState(ctx, token)
	}

	sub, err := d.br.Subscribe(ctx, broker.JobEventsKey(token))
	if err != nil {
		return types.JobUnknown, types.JobResult{}, err
	}
	defer sub.Close()

	// Re-check after subscribing: the result may have been written and
	// published between the first readResult and the subscribe call.
	if result, ok, err := d.readResult(ctx, token); err != nil {
		return types.JobUnknown, types.JobResult{}, err
	} else if ok {
		return resultState(result), result, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	select {
	case <-sub.C():
		result, ok, err := d.readResult(ctx, token)
		if err != nil {
			return types.JobUnknown, types.JobResult{}, err
		}
		if !ok {
			return types.JobPending, types.JobResult{}, nil
		}
		return resultState(result), result, nil
	case <-waitCtx.Done():
		if _, ok, err := d.br.Get(ctx, broker.JobKey(token)); err == nil && !ok {
			// The job record existed moments ago (we checked above before
			// subscribing), so its disappearance here means the TTL
			// elapsed mid-wait, not that the token was never issued.
			return types.JobExpired, types.JobResult{}, nil
		}
		return types.JobPending, types.JobResult{}, nil
	}
}

// unclaimedState classifies a token with neither a job record nor a result:
// the seen marker (written alongside the job record, with a longer TTL)
// tells a reaped-but-real job apart from a token that was never submitted.
func (d *Dispatcher) unclaimedState(ctx context.Context, token string) (types.JobState, types.JobResult, error) {
	_, seen, err := d.br.Get(ctx, broker.JobSeenKey(token))
	if err != nil {
		return types.JobUnknown, types.JobResult{}, err
	}
	if seen {
		return types.JobExpired, types.JobResult{}, nil
	}
	return types.JobUnknown, types.JobResult{}, nil
}

// resultState classifies a terminal JobResult as Completed or Failed.
func resultState(result types.JobResult) types.JobState {
	if result.IsFailure() {
		return types.JobFailed
	}
	return types.JobCompleted
}

func (d *Dispatcher) readResult(ctx context.Context, token string) (types.JobResult, bool, error) {
	v, ok, err := d.br.Get(ctx, broker.JobResultKey(token))
	if err != nil || !ok {
		return types.JobResult{}, ok, err
	}
	var result types.JobResult
	if err := json.Unmarshal(v, &result); err != nil {
		return types.JobResult{}, false, fmt.Errorf("unmarshal job result: %w", laps.ErrInternal)
	}
	return result, true, nil
}

// generateToken produces a 128-bit cryptographically random, URL-safe
// token.
func generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
