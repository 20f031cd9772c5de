package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_ADDR", "")
	t.Setenv("RUBY_CONFIG_FILE", "")
	t.Setenv("RUBY_AUTOSAVE_SECONDS", "")
	t.Setenv("RUBY_REINDEX_SECONDS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":8787" {
		t.Errorf("Addr = %q, want :8787", cfg.Addr)
	}
	if cfg.AutosaveInterval != 30*time.Second {
		t.Errorf("AutosaveInterval = %v, want 30s", cfg.AutosaveInterval)
	}
	if cfg.VersionArchive != "postgres" {
		t.Errorf("VersionArchive = %q, want postgres", cfg.VersionArchive)
	}
	if cfg.ReindexInterval != 10*time.Minute {
		t.Errorf("ReindexInterval = %v, want 10m", cfg.ReindexInterval)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("API_ADDR", ":9000")
	t.Setenv("S3_USE_SSL", "true")
	t.Setenv("RUBY_SHARE_MAX_DAYS", "not-a-number")
	t.Setenv("RUBY_CONFIG_FILE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Errorf("Addr = %q, want :9000", cfg.Addr)
	}
	if !cfg.S3UseSSL {
		t.Error("S3UseSSL = false, want true")
	}
	if cfg.ShareMaxDays != 90 {
		t.Errorf("ShareMaxDays = %d, want fallback 90", cfg.ShareMaxDays)
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ruby.yaml")
	if err := os.WriteFile(path, []byte("addr: \":7000\"\nversionArchive: git\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RUBY_CONFIG_FILE", path)
	t.Setenv("API_ADDR", ":9000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":7000" {
		t.Errorf("Addr = %q, want overlay value :7000", cfg.Addr)
	}
	if cfg.VersionArchive != "git" {
		t.Errorf("VersionArchive = %q, want git", cfg.VersionArchive)
	}
}

func TestLoadMissingOverlay(t *testing.T) {
	t.Setenv("RUBY_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
