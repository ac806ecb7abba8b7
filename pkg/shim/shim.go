// Package shim implements the fixed in-container dispatch loop (spec
// §4.7): block on the module's queue, decode the job's map into an
// elevation grid, invoke the user's solve function, and write back a
// result or failure.
package shim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/LAPS-Group/laps/pkg/broker"
	"github.com/LAPS-Group/laps/pkg/log"
	"github.com/LAPS-Group/laps/pkg/queue"
	"github.com/LAPS-Group/laps/pkg/types"
)

// Config tunes the shim's behavior.
type Config struct {
	Key       types.ModuleKey
	DequeueWait time.Duration // BRPOP timeout between idle polls
	JobTTL      time.Duration
}

// Shim runs one module container's dispatch loop.
type Shim struct {
	br     broker.Broker
	q      *queue.Queue
	runner Runner
	cfg    Config
	logger zerolog.Logger
}

// New builds a Shim identified by cfg.Key, driving runner against jobs
// read from br.
func New(br broker.Broker, runner Runner, cfg Config) *Shim {
	if cfg.DequeueWait == 0 {
		cfg.DequeueWait = 5 * time.Second
	}
	if cfg.JobTTL == 0 {
		cfg.JobTTL = 10 * time.Minute
	}
	return &Shim{
		br:     br,
		q:      queue.New(br),
		runner: runner,
		cfg:    cfg,
		logger: log.Component("shim").With().Str("module", cfg.Key.String()).Logger(),
	}
}

// jobRecord mirrors the shape pkg/dispatcher writes at laps:job:{token}.
type jobRecord struct {
	MapID     int64           `json:"map_id"`
	Module    types.ModuleKey `json:"module"`
	Start     types.Point     `json:"start"`
	End       types.Point     `json:"end"`
	CreatedAt time.Time       `json:"created_at"`
}

// Run publishes readiness and loops dequeuing jobs until ctx is cancelled.
// A catastrophic error (one the shim cannot attribute to the user's
// module) is returned so the caller (cmd/laps-shim) can exit non-zero,
// matching the supervisor's crash-detection contract.
func (s *Shim) Run(ctx context.Context) error {
	readyKey := broker.ModuleReadyKey(s.cfg.Key.Name, s.cfg.Key.Version)
	if err := s.br.Set(ctx, readyKey, []byte("1"), 0); err != nil {
		return fmt.Errorf("publish readiness: %w", err)
	}
	if err := s.br.Publish(ctx, readyKey, []byte("1")); err != nil {
		s.logger.Warn().Err(err).Msg("publish readiness event failed, ready key still set")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		token, ok, err := s.q.Dequeue(ctx, s.cfg.Key, s.cfg.DequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dequeue: %w", err)
		}
		if !ok {
			continue
		}

		if err := s.handleJob(ctx, token); err != nil {
			return fmt.Errorf("job %s: %w", token, err)
		}
	}
}

// handleJob runs one job to completion. A non-nil return is catastrophic:
// the module runner itself is unusable (not the user's solve() raising,
// which is reported as an ordinary FailureUserError result). handleJob
// deliberately leaves the inflight entry in place in that case, so the
// supervisor's crash detection resolves it (and any sibling jobs this
// container was holding) as ModuleCrashed once the process exits.
func (s *Shim) handleJob(ctx context.Context, token string) error {
	inflightKey := broker.ModuleInflightKey(s.cfg.Key.Name, s.cfg.Key.Version)
	containerID := containerSelfID()
	if err := s.br.HSet(ctx, inflightKey, token, []byte(containerID)); err != nil {
		s.logger.Error().Err(err).Str("token", token).Msg("record inflight failed")
	}

	result, err := s.solve(ctx, token)
	if err != nil {
		return err
	}

	if err := s.br.HDel(ctx, inflightKey, token); err != nil {
		s.logger.Warn().Err(err).Str("token", token).Msg("clear inflight failed")
	}
	s.writeResult(ctx, token, result)
	return nil
}

// solve runs one job and classifies the outcome. A non-nil error means the
// module runner subprocess itself failed (crashed, was killed, or returned
// malformed output) rather than the user's solve() raising or returning a
// failure: the caller treats that as catastrophic and exits the shim
// process so the supervisor's crash detection takes over.
func (s *Shim) solve(ctx context.Context, token string) (types.JobResult, error) {
	rawJob, ok, err := s.br.Get(ctx, broker.JobKey(token))
	if err != nil || !ok {
		return types.JobResult{Failed: "job record missing or expired", Kind: types.FailureExpired}, nil
	}
	var job jobRecord
	if err := json.Unmarshal(rawJob, &job); err != nil {
		return types.JobResult{Failed: "corrupt job record", Kind: types.FailureInternal}, nil
	}

	rawBytes, ok, err := s.br.Get(ctx, broker.MapBytesKey(job.MapID))
	if err != nil || !ok {
		return types.JobResult{Failed: "map not found", Kind: types.FailureInvalidInput}, nil
	}
	rawMeta, ok, err := s.br.Get(ctx, broker.MapMetaKey(job.MapID))
	if err != nil || !ok {
		return types.JobResult{Failed: "map metadata not found", Kind: types.FailureInvalidInput}, nil
	}

	var meta struct {
		Width      int     `json:"width"`
		Height     int     `json:"height"`
		MinHeight  float64 `json:"min_height"`
		MaxHeight  float64 `json:"max_height"`
		Resolution float64 `json:"resolution"`
	}
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return types.JobResult{Failed: "corrupt map metadata", Kind: types.FailureInternal}, nil
	}

	grid, err := decodeGrid(rawBytes, meta.MinHeight, meta.MaxHeight)
	if err != nil {
		return types.JobResult{Failed: fmt.Sprintf("decode map: %v", err), Kind: types.FailureInternal}, nil
	}

	resp, err := s.runner.Solve(ctx, SolveRequest{
		Grid:       grid,
		Start:      [2]int{job.Start.X, job.Start.Y},
		End:        [2]int{job.End.X, job.End.Y},
		Resolution: meta.Resolution,
		MinHeight:  meta.MinHeight,
		MaxHeight:  meta.MaxHeight,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("token", token).Msg("runner subprocess failed, exiting for supervisor restart")
		return types.JobResult{}, fmt.Errorf("module runner failed: %w", err)
	}
	if resp.Failed != "" {
		return types.JobResult{Failed: resp.Failed, Kind: types.FailureUserError}, nil
	}

	points := make([]types.Point, len(resp.Ok))
	for i, p := range resp.Ok {
		points[i] = types.Point{X: p[0], Y: p[1]}
	}
	return types.JobResult{Ok: points}, nil
}

func (s *Shim) writeResult(ctx context.Context, token string, result types.JobResult) {
	payload, err := json.Marshal(result)
	if err != nil {
		s.logger.Error().Err(err).Str("token", token).Msg("marshal result failed")
		return
	}
	if err := s.br.Set(ctx, broker.JobResultKey(token), payload, s.cfg.JobTTL); err != nil {
		s.logger.Error().Err(err).Str("token", token).Msg("write result failed")
		return
	}
	if err := s.br.Publish(ctx, broker.JobEventsKey(token), payload); err != nil {
		s.logger.Warn().Err(err).Str("token", token).Msg("publish result event failed")
	}
}

// decodeGrid reconstructs elevation values from a 16-bit grayscale PNG
// using the inverse of mapstore's normalization formula (spec §4.2).
func decodeGrid(png16 []byte, minHeight, maxHeight float64) ([][]float64, error) {
	img, err := pngDecode(png16)
	if err != nil {
		return nil, err
	}
	gray, ok := img.(*image.Gray16)
	if !ok {
		return nil, fmt.Errorf("map bytes are not 16-bit grayscale")
	}

	bounds := gray.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	span := maxHeight - minHeight

	grid := make([][]float64, height)
	for y := 0; y < height; y++ {
		row := make([]float64, width)
		for x := 0; x < width; x++ {
			p := gray.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y
			row[x] = minHeight + (float64(p)/65535)*span
		}
		grid[y] = row
	}
	return grid, nil
}

func pngDecode(b []byte) (image.Image, error) {
	return png.Decode(bytes.NewReader(b))
}

// containerSelfID reports the container's own ID as the supervisor's
// deterministic naming scheme would know it, via the identity the
// supervisor injected into the environment at start.
func containerSelfID() string {
	if v := os.Getenv("LAPS_CONTAINER_ID"); v != "" {
		return v
	}
	return "unknown"
}
