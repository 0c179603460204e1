// Package config carries all tunables for the voiced daemon. Values are
// resolved in an explicit order: command-line flag > config file >
// environment > built-in default. Persisted user choices (install path,
// backend mode, resource policy) are layered on top by their owners.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the daemon.
// Zero values mean "unspecified" and are replaced during merging.
type Config struct {
	Addr        string `json:"addr" yaml:"addr" toml:"addr" env:"VOICED_ADDR"`
	InstallPath string `json:"install_path" yaml:"install_path" toml:"install_path" env:"VOICED_INSTALL_PATH"`
	BackendMode string `json:"backend_mode" yaml:"backend_mode" toml:"backend_mode" env:"VOICED_BACKEND_MODE"`
	SettingsDB  string `json:"settings_db" yaml:"settings_db" toml:"settings_db" env:"VOICED_SETTINGS_DB"`

	// Bundled pack source shipped alongside the application.
	BundleDir string `json:"bundle_dir" yaml:"bundle_dir" toml:"bundle_dir" env:"VOICED_BUNDLE_DIR"`

	// Sidecar backend process.
	SidecarBin  string   `json:"sidecar_bin" yaml:"sidecar_bin" toml:"sidecar_bin" env:"VOICED_SIDECAR_BIN"`
	SidecarArgs []string `json:"sidecar_args" yaml:"sidecar_args" toml:"sidecar_args" env:"VOICED_SIDECAR_ARGS" envSeparator:" "`
	SidecarPort int      `json:"sidecar_port" yaml:"sidecar_port" toml:"sidecar_port" env:"VOICED_SIDECAR_PORT"`

	// Embedded backend worker (host node-compatible runtime + script).
	WorkerBin    string   `json:"worker_bin" yaml:"worker_bin" toml:"worker_bin" env:"VOICED_NODE_BIN"`
	WorkerFlags  []string `json:"worker_flags" yaml:"worker_flags" toml:"worker_flags" env:"VOICED_NODE_BIN_FLAGS" envSeparator:" "`
	WorkerScript string   `json:"worker_script" yaml:"worker_script" toml:"worker_script" env:"VOICED_WORKER_SCRIPT"`

	// Resource policy fallback, used only until a policy is explicitly saved.
	IdleStopMs     int64 `json:"idle_stop_ms" yaml:"idle_stop_ms" toml:"idle_stop_ms" env:"VOICED_IDLE_STOP_MS"`
	StrictWakeOnly bool  `json:"strict_wake_only" yaml:"strict_wake_only" toml:"strict_wake_only" env:"VOICED_STRICT_WAKE_ONLY"`

	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level" env:"VOICED_LOG_LEVEL"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format" env:"VOICED_LOG_FORMAT"`

	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins" env:"VOICED_CORS_ORIGINS" envSeparator:","`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:        "127.0.0.1:43110",
		InstallPath: "~/.voiced",
		BackendMode: "auto",
		SettingsDB:  "~/.voiced/settings.db",
		BundleDir:   "resources/models",
		SidecarBin:  "python3",
		SidecarPort: 43111,
		WorkerBin:   "node",
		IdleStopMs:  5 * 60 * 1000,
		LogLevel:    "info",
		LogFormat:   "console",
	}
}

// LoadFile reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func LoadFile(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// FromEnv parses the VOICED_* environment into a Config overlay.
func FromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Merged returns c with every set field of over applied on top.
func (c Config) Merged(over Config) Config {
	out := c
	if over.Addr != "" {
		out.Addr = over.Addr
	}
	if over.InstallPath != "" {
		out.InstallPath = over.InstallPath
	}
	if over.BackendMode != "" {
		out.BackendMode = over.BackendMode
	}
	if over.SettingsDB != "" {
		out.SettingsDB = over.SettingsDB
	}
	if over.BundleDir != "" {
		out.BundleDir = over.BundleDir
	}
	if over.SidecarBin != "" {
		out.SidecarBin = over.SidecarBin
	}
	if len(over.SidecarArgs) > 0 {
		out.SidecarArgs = over.SidecarArgs
	}
	if over.SidecarPort != 0 {
		out.SidecarPort = over.SidecarPort
	}
	if over.WorkerBin != "" {
		out.WorkerBin = over.WorkerBin
	}
	if len(over.WorkerFlags) > 0 {
		out.WorkerFlags = over.WorkerFlags
	}
	if over.WorkerScript != "" {
		out.WorkerScript = over.WorkerScript
	}
	if over.IdleStopMs != 0 {
		out.IdleStopMs = over.IdleStopMs
	}
	if over.StrictWakeOnly {
		out.StrictWakeOnly = true
	}
	if over.LogLevel != "" {
		out.LogLevel = over.LogLevel
	}
	if over.LogFormat != "" {
		out.LogFormat = over.LogFormat
	}
	if len(over.CORSOrigins) > 0 {
		out.CORSOrigins = over.CORSOrigins
	}
	return out
}
