// Package runtimeconfig loads the per-repository worker configuration file:
// the handful of settings (repo slug, PR strategy, history mode, agent
// type, watch interval) that don't change per-cycle and so are read once at
// startup rather than threaded through every call.
package runtimeconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the worker session's static configuration, typically loaded
// from "<repoRoot>/.atelier/config.json".
type Config struct {
	RepoSlug      string `json:"repo_slug"`
	AgentType     string `json:"agent_type"`
	PRStrategy    string `json:"pr_strategy"`
	HistoryMode   string `json:"history_mode"`
	BranchPR      bool   `json:"branch_pr"`
	BranchPRMode  string `json:"branch_pr_mode"`
	WatchInterval string `json:"watch_interval"`
	BeadsDir      string `json:"beads_dir,omitempty"`
	Role          string `json:"role"`
}

const defaultWatchInterval = "5m"

// DefaultConfig returns the baseline configuration applied before overrides
// from file or environment.
func DefaultConfig() Config {
	return Config{
		AgentType:     "codex",
		PRStrategy:    "sequential",
		HistoryMode:   "squash",
		BranchPR:      true,
		BranchPRMode:  "draft",
		WatchInterval: defaultWatchInterval,
		Role:          "worker",
	}
}

// Load reads a Config from path, falling back to defaults for any field
// the file omits. A missing file is not an error: it returns defaults
// unmodified, since a worker can run against a bare repo slug passed on the
// command line instead.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// WatchIntervalDuration parses WatchInterval, falling back to the default
// when it's empty or malformed.
func (c Config) WatchIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.WatchInterval)
	if err != nil || d <= 0 {
		fallback, _ := time.ParseDuration(defaultWatchInterval)
		return fallback
	}
	return d
}

// EnvWatchIntervalOverride returns the ATELIER_WATCH_INTERVAL environment
// override, or "" if unset.
func EnvWatchIntervalOverride() string {
	return os.Getenv("ATELIER_WATCH_INTERVAL")
}

// ResolvedWatchInterval applies the ATELIER_WATCH_INTERVAL environment
// override over the config file value.
func (c Config) ResolvedWatchInterval() time.Duration {
	if override := EnvWatchIntervalOverride(); override != "" {
		if d, err := time.ParseDuration(override); err == nil && d > 0 {
			return d
		}
	}
	return c.WatchIntervalDuration()
}
