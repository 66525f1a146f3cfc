package runtimeconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != DefaultConfig() {
		t.Errorf("Load(missing) = %+v, want defaults %+v", cfg, DefaultConfig())
	}
}

func TestLoadOverridesOnlyPresentFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"repo_slug":"acme/repo","pr_strategy":"parallel"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RepoSlug != "acme/repo" {
		t.Errorf("RepoSlug = %q, want acme/repo", cfg.RepoSlug)
	}
	if cfg.PRStrategy != "parallel" {
		t.Errorf("PRStrategy = %q, want parallel (overridden)", cfg.PRStrategy)
	}
	if cfg.AgentType != "codex" {
		t.Errorf("AgentType = %q, want codex (default preserved)", cfg.AgentType)
	}
	if cfg.HistoryMode != "squash" {
		t.Errorf("HistoryMode = %q, want squash (default preserved)", cfg.HistoryMode)
	}
}

func TestLoadMalformedJSONErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{not json`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for malformed config JSON")
	}
}

func TestWatchIntervalDurationFallsBackOnEmpty(t *testing.T) {
	cfg := Config{}
	if got := cfg.WatchIntervalDuration(); got != 5*time.Minute {
		t.Errorf("WatchIntervalDuration() = %v, want 5m default", got)
	}
}

func TestWatchIntervalDurationParsesValidValue(t *testing.T) {
	cfg := Config{WatchInterval: "90s"}
	if got := cfg.WatchIntervalDuration(); got != 90*time.Second {
		t.Errorf("WatchIntervalDuration() = %v, want 90s", got)
	}
}

func TestWatchIntervalDurationRejectsNonPositive(t *testing.T) {
	cfg := Config{WatchInterval: "-5s"}
	if got := cfg.WatchIntervalDuration(); got != 5*time.Minute {
		t.Errorf("WatchIntervalDuration() = %v, want 5m fallback for a negative value", got)
	}
}

func TestResolvedWatchIntervalPrefersEnvOverride(t *testing.T) {
	t.Setenv("ATELIER_WATCH_INTERVAL", "2m")
	cfg := Config{WatchInterval: "30s"}
	if got := cfg.ResolvedWatchInterval(); got != 2*time.Minute {
		t.Errorf("ResolvedWatchInterval() = %v, want 2m from env override", got)
	}
}

func TestResolvedWatchIntervalFallsBackWhenEnvUnset(t *testing.T) {
	t.Setenv("ATELIER_WATCH_INTERVAL", "")
	cfg := Config{WatchInterval: "45s"}
	if got := cfg.ResolvedWatchInterval(); got != 45*time.Second {
		t.Errorf("ResolvedWatchInterval() = %v, want 45s from config", got)
	}
}
