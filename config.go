package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"

	"scadview/internal/render"
)

// Config holds application settings
type Config struct {
	Port          int    `json:"port"`
	OpenSCAD      string `json:"openscad"`       // compiler command, may include arguments
	PreviewFormat string `json:"preview_format"` // 3mf or stl
	OpenBrowser   bool   `json:"open_browser"`
	DebounceMS    int    `json:"debounce_ms"`
	TempDir       string `json:"temp_dir,omitempty"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Port:          8080,
		OpenSCAD:      render.DefaultCommand,
		PreviewFormat: string(render.Format3MF),
		OpenBrowser:   true,
		DebounceMS:    100,
	}
}

// Debounce returns the debounce interval as a duration.
func (c Config) Debounce() time.Duration {
	if c.DebounceMS <= 0 {
		return 0
	}
	return time.Duration(c.DebounceMS) * time.Millisecond
}

// getConfigDir returns XDG compliant config directory
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, appName)
	}
	home, err := homedir.Dir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", appName)
}

// getConfigPath returns full path to config file
func getConfigPath(override string) string {
	if override != "" {
		if p, err := homedir.Expand(override); err == nil {
			return p
		}
		return override
	}
	dir := getConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "settings.json")
}

// loadConfig loads settings from path, falling back to defaults for a
// missing file. Fields absent from the file keep their defaults.
func loadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// saveConfig saves settings to path
func saveConfig(path string, cfg Config) error {
	if path == "" {
		return fmt.Errorf("no config location available")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// expandPath resolves ~ and makes p absolute.
func expandPath(p string) (string, error) {
	p, err := homedir.Expand(p)
	if err != nil {
		return "", err
	}
	return filepath.Abs(p)
}
