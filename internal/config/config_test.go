package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":8787" || cfg.StorageMode != "file" || cfg.DataDir != "./data" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.TokenTTL != 168*time.Hour {
		t.Fatalf("expected 168h token ttl, got %s", cfg.TokenTTL)
	}
	if cfg.DatabaseURL != "" || cfg.DocumentURL != "" {
		t.Fatalf("expected empty database urls, got %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("OPENTD_STORAGE_MODE", "mongo")
	t.Setenv("OPENTD_DOCUMENT_URL", "redis://localhost:6379/2")
	t.Setenv("OPENTD_TOKEN_TTL", "30m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StorageMode != "mongo" || cfg.DocumentURL != "redis://localhost:6379/2" || cfg.TokenTTL != 30*time.Minute {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadParseError(t *testing.T) {
	t.Setenv("OPENTD_TOKEN_TTL", "soon")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env error, got %v", err)
	}
}

func TestLoadRejectsNonPositiveTTL(t *testing.T) {
	t.Setenv("OPENTD_TOKEN_TTL", "0s")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}
