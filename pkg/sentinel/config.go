package sentinel

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the client-side configuration, loaded from a YAML file in
// the host's config directory.
type Config struct {
	ServerURL string `yaml:"server_url"`

	// SuggestionFlag is the host settings key the enforcement
	// controller toggles.
	SuggestionFlag string `yaml:"suggestion_flag"`

	// FallbackModel is billed for usage detected by the diff heuristic,
	// which cannot see which model produced the insertion.
	FallbackModel string `yaml:"fallback_model"`

	SyncInterval    time.Duration `yaml:"sync_interval"`
	DebounceWindow  time.Duration `yaml:"debounce_window"`
	KeystrokeWindow time.Duration `yaml:"keystroke_window"`
	RescanInterval  time.Duration `yaml:"rescan_interval"`
}

func DefaultConfig() Config {
	return Config{
		ServerURL:       "http://localhost:8080",
		SuggestionFlag:  "editor.suggestions.enabled",
		FallbackModel:   "gpt-4",
		SyncInterval:    60 * time.Second,
		DebounceWindow:  3 * time.Second,
		KeystrokeWindow: 300 * time.Millisecond,
		RescanInterval:  30 * time.Second,
	}
}

// LoadConfig reads a YAML config file, filling omitted fields with
// defaults. A missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 60 * time.Second
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = 3 * time.Second
	}
	if cfg.KeystrokeWindow <= 0 {
		cfg.KeystrokeWindow = 300 * time.Millisecond
	}
	if cfg.RescanInterval <= 0 {
		cfg.RescanInterval = 30 * time.Second
	}
	if cfg.FallbackModel == "" {
		cfg.FallbackModel = "gpt-4"
	}
	return cfg, nil
}
