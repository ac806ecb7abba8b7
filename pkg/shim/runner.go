package shim

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

//go:embed runner.py
var bootstrapScript []byte

// SolveRequest is the JSON payload written to the subprocess's stdin.
type SolveRequest struct {
	Grid       [][]float64 `json:"grid"`
	Start      [2]int      `json:"start"`
	End        [2]int      `json:"end"`
	Resolution float64     `json:"resolution"`
	MinHeight  float64     `json:"min_height"`
	MaxHeight  float64     `json:"max_height"`
}

// SolveResponse is the JSON payload read back from the subprocess's stdout.
type SolveResponse struct {
	Ok     [][2]int `json:"ok,omitempty"`
	Failed string   `json:"failed,omitempty"`
}

// Runner invokes a module's solve function against one job.
type Runner interface {
	Solve(ctx context.Context, req SolveRequest) (SolveResponse, error)
}

// PythonRunner shells out to a Python interpreter running the embedded
// runner.py bootstrap against a fixed module directory, one job at a time
// (spec §4.7: "strictly sequential, one job at a time per container").
type PythonRunner struct {
	PythonPath string // e.g. "python3"
	ModuleDir  string // e.g. "/app/module"

	once       sync.Once
	scriptPath string
	scriptErr  error
}

// NewPythonRunner returns a Runner for the module tree at moduleDir.
func NewPythonRunner(pythonPath, moduleDir string) *PythonRunner {
	if pythonPath == "" {
		pythonPath = "python3"
	}
	return &PythonRunner{PythonPath: pythonPath, ModuleDir: moduleDir}
}

// materializeScript writes the embedded bootstrap to a temp file once,
// since exec needs a path on disk rather than an in-memory script.
func (r *PythonRunner) materializeScript() (string, error) {
	r.once.Do(func() {
		f, err := os.CreateTemp("", "laps-runner-*.py")
		if err != nil {
			r.scriptErr = fmt.Errorf("create runner script: %w", err)
			return
		}
		defer f.Close()
		if _, err := f.Write(bootstrapScript); err != nil {
			r.scriptErr = fmt.Errorf("write runner script: %w", err)
			return
		}
		r.scriptPath = f.Name()
	})
	return r.scriptPath, r.scriptErr
}

// Solve runs one request-response cycle: write req as a JSON line to the
// subprocess's stdin, read one JSON line back. A non-zero exit or
// malformed output is a catastrophic shim error (distinct from the user
// function raising, which the subprocess reports as {"failed": ...}).
func (r *PythonRunner) Solve(ctx context.Context, req SolveRequest) (SolveResponse, error) {
	script, err := r.materializeScript()
	if err != nil {
		return SolveResponse{}, err
	}

	cmd := exec.CommandContext(ctx, r.PythonPath, script, filepath.Clean(r.ModuleDir))

	payload, err := json.Marshal(req)
	if err != nil {
		return SolveResponse{}, fmt.Errorf("marshal solve request: %w", err)
	}
	cmd.Stdin = bytes.NewReader(append(payload, '\n'))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return SolveResponse{}, fmt.Errorf("runner subprocess failed: %w (stderr: %s)", err, stderr.String())
	}

	var resp SolveResponse
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		return SolveResponse{}, fmt.Errorf("unmarshal runner response: %w (stdout: %s)", err, stdout.String())
	}
	return resp, nil
}
