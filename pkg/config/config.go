// Package config loads lapsd's runtime configuration. Loading a
// configuration file is out of scope (spec §1): the primary mechanism is a
// set of LAPS_* environment variables, with an optional YAML file that can
// supply the same fields for deployments that prefer a file on disk.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything lapsd needs to start serving.
type Config struct {
	// ListenAddr is the address the HTTP API listens on.
	ListenAddr string `yaml:"listen_addr"`

	// BrokerAddr is the Redis-compatible broker's address.
	BrokerAddr string `yaml:"broker_addr"`

	// ContainerdSocket is the containerd runtime socket path.
	ContainerdSocket string `yaml:"containerd_socket"`

	// RegistryPrefix is prepended to module image tags.
	RegistryPrefix string `yaml:"registry_prefix"`

	// AdminUser and AdminPasswordHash gate the admin-only routes (spec §6).
	// AdminPasswordHash is an Argon2id hash, never a plaintext password.
	AdminUser         string `yaml:"admin_user"`
	AdminPasswordHash string `yaml:"admin_password_hash"`

	// JobTTL bounds how long an unclaimed job record and its result survive.
	JobTTL time.Duration `yaml:"job_ttl"`
	// MaxWait is the server-side ceiling on a caller's requested await wait.
	MaxWait time.Duration `yaml:"max_wait"`

	// MaxRasterPixels bounds the width*height of an uploaded map. 0 disables
	// the cap.
	MaxRasterPixels int `yaml:"max_raster_pixels"`

	// BuildLogPath is the bbolt file path for the module build-history log.
	BuildLogPath string `yaml:"build_log_path"`

	// ShimPath is the filesystem path to the compiled laps-shim binary,
	// baked into every module image the packager builds.
	ShimPath string `yaml:"shim_path"`

	LogLevel  string `yaml:"log_level"`
	LogJSON   bool   `yaml:"log_json"`
}

// Default returns the configuration that applies if neither a file nor an
// environment variable overrides a field.
func Default() Config {
	return Config{
		ListenAddr:       ":8080",
		BrokerAddr:       "localhost:6379",
		ContainerdSocket: "/run/containerd/containerd.sock",
		RegistryPrefix:   "laps",
		JobTTL:           10 * time.Minute,
		MaxWait:          30 * time.Second,
		MaxRasterPixels:  4096 * 4096,
		BuildLogPath:     "laps-builds.db",
		ShimPath:         "/usr/local/libexec/laps-shim",
		LogLevel:         "info",
	}
}

// FromFile loads a YAML configuration file over Default(). A missing or
// unreadable file is an error, so callers only call this when a path was
// explicitly given.
func FromFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv starts from base (typically Default(), or the result of
// FromFile) and overrides any field for which the corresponding LAPS_*
// environment variable is set.
func FromEnv(base Config) Config {
	cfg := base

	if v, ok := os.LookupEnv("LAPS_LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv("LAPS_BROKER_ADDR"); ok {
		cfg.BrokerAddr = v
	}
	if v, ok := os.LookupEnv("LAPS_CONTAINERD_SOCKET"); ok {
		cfg.ContainerdSocket = v
	}
	if v, ok := os.LookupEnv("LAPS_REGISTRY_PREFIX"); ok {
		cfg.RegistryPrefix = v
	}
	if v, ok := os.LookupEnv("LAPS_ADMIN_USER"); ok {
		cfg.AdminUser = v
	}
	if v, ok := os.LookupEnv("LAPS_ADMIN_PASSWORD_HASH"); ok {
		cfg.AdminPasswordHash = v
	}
	if v, ok := os.LookupEnv("LAPS_JOB_TTL"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.JobTTL = d
		}
	}
	if v, ok := os.LookupEnv("LAPS_MAX_WAIT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.MaxWait = d
		}
	}
	if v, ok := os.LookupEnv("LAPS_MAX_RASTER_PIXELS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRasterPixels = n
		}
	}
	if v, ok := os.LookupEnv("LAPS_BUILD_LOG_PATH"); ok {
		cfg.BuildLogPath = v
	}
	if v, ok := os.LookupEnv("LAPS_SHIM_PATH"); ok {
		cfg.ShimPath = v
	}
	if v, ok := os.LookupEnv("LAPS_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv("LAPS_LOG_JSON"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.LogJSON = b
		}
	}

	return cfg
}

// Validate checks that the configuration is complete enough to start.
func (c Config) Validate() error {
	if c.AdminUser == "" || c.AdminPasswordHash == "" {
		return fmt.Errorf("admin credentials are required (LAPS_ADMIN_USER / LAPS_ADMIN_PASSWORD_HASH)")
	}
	if c.BrokerAddr == "" {
		return fmt.Errorf("broker address is required (LAPS_BROKER_ADDR)")
	}
	if c.ContainerdSocket == "" {
		return fmt.Errorf("containerd socket is required (LAPS_CONTAINERD_SOCKET)")
	}
	return nil
}
