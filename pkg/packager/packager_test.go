package packager

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/LAPS-Group/laps/pkg/laps"
	"github.com/LAPS-Group/laps/pkg/runtime"
	"github.com/LAPS-Group/laps/pkg/types"
)

func buildTar(t *testing.T, files map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader(%s): %v", name, err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Write(%s): %v", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return &buf
}

func validModuleTar(t *testing.T) *bytes.Buffer {
	return buildTar(t, map[string]string{
		"main.py":           "def solve(grid, start, end, resolution, min_height, max_height):\n    return [start, end]\n",
		"requirements.txt":  "",
	})
}

func TestBuildAcceptsValidModule(t *testing.T) {
	rt := runtime.NewFake()
	p := New(rt, DefaultConfig(), []byte("#!/usr/bin/env python3\n"))
	key := types.ModuleKey{Name: "pathfinder", Version: "v1"}

	_, err := p.Build(context.Background(), key, validModuleTar(t))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
}

func TestBuildRejectsMissingMain(t *testing.T) {
	rt := runtime.NewFake()
	p := New(rt, DefaultConfig(), []byte("shim"))
	key := types.ModuleKey{Name: "pathfinder", Version: "v1"}

	tarball := buildTar(t, map[string]string{"requirements.txt": ""})
	_, err := p.Build(context.Background(), key, tarball)
	if !errors.Is(err, laps.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestBuildRejectsAbsolutePath(t *testing.T) {
	rt := runtime.NewFake()
	p := New(rt, DefaultConfig(), []byte("shim"))
	key := types.ModuleKey{Name: "pathfinder", Version: "v1"}

	tarball := buildTar(t, map[string]string{
		"/etc/passwd":      "root:x:0:0::/root:/bin/sh",
		"main.py":          "def solve(*a): return []\n",
		"requirements.txt": "",
	})
	_, err := p.Build(context.Background(), key, tarball)
	if !errors.Is(err, laps.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestBuildRejectsParentEscape(t *testing.T) {
	rt := runtime.NewFake()
	p := New(rt, DefaultConfig(), []byte("shim"))
	key := types.ModuleKey{Name: "pathfinder", Version: "v1"}

	tarball := buildTar(t, map[string]string{
		"../../etc/passwd": "root:x:0:0::/root:/bin/sh",
		"main.py":          "def solve(*a): return []\n",
		"requirements.txt": "",
	})
	_, err := p.Build(context.Background(), key, tarball)
	if !errors.Is(err, laps.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestBuildPropagatesRuntimeFailure(t *testing.T) {
	rt := runtime.NewFake()
	rt.BuildErr = errors.New("snapshot prepare failed")
	p := New(rt, DefaultConfig(), []byte("shim"))
	key := types.ModuleKey{Name: "pathfinder", Version: "v1"}

	buildLog, err := p.Build(context.Background(), key, validModuleTar(t))
	if !errors.Is(err, laps.ErrBuildFailed) {
		t.Fatalf("err = %v, want ErrBuildFailed", err)
	}
	if !strings.Contains(buildLog, "snapshot prepare failed") {
		t.Fatalf("buildLog = %q, want it to mention the failure", buildLog)
	}
}
