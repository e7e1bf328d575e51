package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != "5050" {
		t.Errorf("expected default port 5050, got %s", cfg.Port)
	}
	if cfg.ChunkSize != 64*1024 {
		t.Errorf("expected default chunk size 64KiB, got %d", cfg.ChunkSize)
	}
	if cfg.MaxSimultaneousFiles != 5 {
		t.Errorf("expected default max simultaneous files 5, got %d", cfg.MaxSimultaneousFiles)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("expected default heartbeat interval 30s, got %v", cfg.HeartbeatInterval)
	}
	if cfg.StrictFrames {
		t.Error("expected StrictFrames to default to false")
	}
}

func TestLoadReadsEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("CHUNK_SIZE", "1024")
	t.Setenv("MAX_SIMULTANEOUS_FILES", "2")
	t.Setenv("HEARTBEAT_INTERVAL", "5")
	t.Setenv("STRICT_FRAMES", "true")
	t.Setenv("DEBUG", "1")

	cfg := Load()

	if cfg.Port != "9999" {
		t.Errorf("expected port 9999, got %s", cfg.Port)
	}
	if cfg.ChunkSize != 1024 {
		t.Errorf("expected chunk size 1024, got %d", cfg.ChunkSize)
	}
	if cfg.MaxSimultaneousFiles != 2 {
		t.Errorf("expected max simultaneous files 2, got %d", cfg.MaxSimultaneousFiles)
	}
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Errorf("expected heartbeat interval 5s, got %v", cfg.HeartbeatInterval)
	}
	if !cfg.StrictFrames {
		t.Error("expected STRICT_FRAMES=true to enable strict frames")
	}
	if !cfg.Debug {
		t.Error("expected DEBUG=1 to enable debug")
	}
}

func TestLoadIgnoresInvalidEnvValues(t *testing.T) {
	t.Setenv("CHUNK_SIZE", "not-a-number")
	cfg := Load()
	if cfg.ChunkSize != 64*1024 {
		t.Errorf("expected fallback chunk size on invalid env value, got %d", cfg.ChunkSize)
	}
}
