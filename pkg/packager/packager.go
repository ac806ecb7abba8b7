// Package packager turns a user-supplied module tar (spec §4.3) into a
// runnable container image: extract under strict path validation, re-pack
// alongside the fixed runner shim, and drive the build through the
// runtime.Runtime interface so the image ends up committed by containerd.
package packager

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LAPS-Group/laps/pkg/laps"
	"github.com/LAPS-Group/laps/pkg/log"
	"github.com/LAPS-Group/laps/pkg/runtime"
	"github.com/LAPS-Group/laps/pkg/types"
)

// Config tunes the packager.
type Config struct {
	// BaseImage is the fixed base image every module is layered on top of.
	BaseImage string
	// RegistryPrefix is passed through to ModuleKey.ImageTag.
	RegistryPrefix string
	// MaxEntrySize bounds any single tar member (defends against a
	// maliciously oversized member exhausting memory during re-pack).
	MaxEntrySize int64
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		BaseImage:    "docker.io/library/python:3.12-slim",
		MaxEntrySize: 64 << 20, // 64 MiB per file
	}
}

// Packager builds module images.
type Packager struct {
	rt     runtime.Runtime
	cfg    Config
	shim   []byte // the fixed runner shim binary/script, embedded by the caller
	logger zerolog.Logger
}

// New builds a Packager. shim is the fixed in-container entrypoint content
// written into every built image at /app/laps-shim.
func New(rt runtime.Runtime, cfg Config, shim []byte) *Packager {
	return &Packager{rt: rt, cfg: cfg, shim: shim, logger: log.Component("packager")}
}

// Build validates moduleTar, re-packs it with the shim, and builds an
// image tagged for key. Returns the build log regardless of outcome; on
// failure the error wraps ErrBuildFailed and no container should be
// started from the (nonexistent) result.
func (p *Packager) Build(ctx context.Context, key types.ModuleKey, moduleTar io.Reader) (buildLog string, err error) {
	// A fresh build ID per attempt, used only to correlate this attempt's
	// log lines; it's unrelated to the buildlog.Store sequence number that
	// orders a module's build history.
	buildID := uuid.NewString()
	logger := p.logger.With().Str("build_id", buildID).Str("module", key.String()).Logger()

	layer, err := p.prepareLayer(moduleTar)
	if err != nil {
		logger.Error().Err(err).Msg("module layer preparation failed")
		return "", fmt.Errorf("prepare module layer: %w", err)
	}

	imageTag := key.ImageTag(p.cfg.RegistryPrefix)
	logger.Info().Str("image_tag", imageTag).Msg("building module image")
	buildLog, err = p.rt.Build(ctx, runtime.BuildSpec{
		ImageTag:  imageTag,
		BaseImage: p.cfg.BaseImage,
		Layer:     layer,
	})
	if err != nil {
		logger.Error().Err(err).Msg("module image build failed")
		return buildLog, fmt.Errorf("build image %s: %w", imageTag, laps.ErrBuildFailed)
	}
	logger.Info().Msg("module image build succeeded")
	return buildLog, nil
}

// prepareLayer validates every member of moduleTar (no absolute paths, no
// parent-relative escapes, no symlink or hard-link entries at all) and
// returns a new tar stream containing the validated tree under
// /app/module plus the fixed shim at /app/laps-shim, ready to hand to the
// runtime as a build layer.
func (p *Packager) prepareLayer(moduleTar io.Reader) (io.Reader, error) {
	tr := tar.NewReader(moduleTar)

	var out bytes.Buffer
	tw := tar.NewWriter(&out)

	sawMain := false
	sawRequirements := false

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read module tar: %w", laps.ErrInvalidInput)
		}

		cleanName, err := sanitizeTarPath(hdr.Name)
		if err != nil {
			return nil, err
		}
		hdr.Name = path.Join("app/module", cleanName)

		switch cleanName {
		case "main.py":
			sawMain = true
		case "requirements.txt":
			sawRequirements = true
		}

		if hdr.Typeflag == tar.TypeSymlink || hdr.Typeflag == tar.TypeLink {
			return nil, fmt.Errorf("module tar contains a link entry %q: %w", hdr.Name, laps.ErrInvalidInput)
		}
		if hdr.Size > p.cfg.MaxEntrySize {
			return nil, fmt.Errorf("module tar entry %q exceeds size limit: %w", hdr.Name, laps.ErrInvalidInput)
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("write module tar header: %w", laps.ErrInternal)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := io.CopyN(tw, tr, hdr.Size); err != nil && err != io.EOF {
				return nil, fmt.Errorf("copy module tar entry: %w", laps.ErrInvalidInput)
			}
		}
	}

	if !sawMain || !sawRequirements {
		return nil, fmt.Errorf("module tar must contain main.py and requirements.txt: %w", laps.ErrInvalidInput)
	}

	if err := tw.WriteHeader(&tar.Header{
		Name: "app/laps-shim",
		Mode: 0o755,
		Size: int64(len(p.shim)),
	}); err != nil {
		return nil, fmt.Errorf("write shim header: %w", laps.ErrInternal)
	}
	if _, err := tw.Write(p.shim); err != nil {
		return nil, fmt.Errorf("write shim: %w", laps.ErrInternal)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close module layer tar: %w", laps.ErrInternal)
	}
	return &out, nil
}

// sanitizeTarPath rejects absolute paths and parent-relative escapes,
// never trusting member names from an untrusted archive.
func sanitizeTarPath(name string) (string, error) {
	cleaned := path.Clean(strings.TrimPrefix(name, "/"))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("module tar entry %q escapes its root: %w", name, laps.ErrInvalidInput)
	}
	if path.IsAbs(name) {
		return "", fmt.Errorf("module tar entry %q is an absolute path: %w", name, laps.ErrInvalidInput)
	}
	return cleaned, nil
}
