package config

import (
	"testing"
	"time"
)

func TestFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("LAPS_LISTEN_ADDR", ":9090")
	t.Setenv("LAPS_BROKER_ADDR", "broker.internal:6379")
	t.Setenv("LAPS_JOB_TTL", "5m")
	t.Setenv("LAPS_MAX_RASTER_PIXELS", "1024")
	t.Setenv("LAPS_LOG_JSON", "true")

	cfg := FromEnv(Default())

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.ListenAddr)
	}
	if cfg.BrokerAddr != "broker.internal:6379" {
		t.Errorf("BrokerAddr = %q, want broker.internal:6379", cfg.BrokerAddr)
	}
	if cfg.JobTTL != 5*time.Minute {
		t.Errorf("JobTTL = %v, want 5m", cfg.JobTTL)
	}
	if cfg.MaxRasterPixels != 1024 {
		t.Errorf("MaxRasterPixels = %d, want 1024", cfg.MaxRasterPixels)
	}
	if !cfg.LogJSON {
		t.Error("LogJSON = false, want true")
	}
}

func TestFromEnvLeavesUnsetFieldsAlone(t *testing.T) {
	cfg := FromEnv(Default())
	if cfg.ContainerdSocket != Default().ContainerdSocket {
		t.Errorf("ContainerdSocket changed with no env var set: %q", cfg.ContainerdSocket)
	}
}

func TestValidateRequiresAdminCredentials(t *testing.T) {
	cfg := Default()
	cfg.BrokerAddr = "localhost:6379"
	cfg.ContainerdSocket = "/run/containerd/containerd.sock"

	if err := cfg.Validate(); err == nil {
		t.Error("expected Validate to fail without admin credentials")
	}

	cfg.AdminUser = "admin"
	cfg.AdminPasswordHash = "$argon2id$v=19$..."
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed with all fields set: %v", err)
	}
}
