// Package config resolves the sidecar's runtime configuration from the
// environment and an optional daymon.yaml overrides file.
//
// Resolution order: built-in defaults, then file values, then environment
// variables. The environment always wins.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variable names understood by the sidecar.
const (
	EnvDBPath      = "DAYMON_DB_PATH"
	EnvResultsDir  = "DAYMON_RESULTS_DIR"
	EnvDataDir     = "DAYMON_DATA_DIR"
	EnvSidecarPort = "DAYMON_SIDECAR_PORT"
	EnvLogFile     = "DAYMON_LOG_FILE"
	EnvConfigFile  = "DAYMON_CONFIG"
)

// Discovery file names written into DataDir while the sidecar is running.
const (
	PortFileName = "sidecar.port"
	PIDFileName  = "sidecar.pid"
)

// Config is the fully resolved sidecar configuration.
type Config struct {
	DBPath     string // absolute path to the SQLite store (required)
	ResultsDir string // per-run markdown output directory
	DataDir    string // discovery files + default locations
	Port       int    // requested HTTP port, 0 = OS-assigned
	LogFile    string // optional rotating log file; empty = stderr only

	RetentionDays        int    // task-run retention window for pruning
	NotificationsEnabled bool   // desktop notification master switch
	DefaultNudgeMode     string // "always", "failure_only", or "never"
	QuietHoursFrom       string // "HH:MM" local time, empty = no quiet hours
	QuietHoursUntil      string
}

// fileConfig is the daymon.yaml shape. All fields are optional.
type fileConfig struct {
	Port                 *int   `yaml:"port"`
	ResultsDir           string `yaml:"resultsDir"`
	LogFile              string `yaml:"logFile"`
	RetentionDays        *int   `yaml:"retentionDays"`
	NotificationsEnabled *bool  `yaml:"notificationsEnabled"`
	DefaultNudgeMode     string `yaml:"defaultNudgeMode"`
	QuietHours           *struct {
		From  string `yaml:"from"`
		Until string `yaml:"until"`
	} `yaml:"quietHours"`
}

// Load resolves the sidecar configuration. It fails when DAYMON_DB_PATH is
// missing or any configured path cannot be normalized; misconfiguration is
// startup-fatal.
func Load() (*Config, error) {
	cfg := &Config{
		RetentionDays:        30,
		NotificationsEnabled: true,
		DefaultNudgeMode:     "always",
	}

	var err error
	if cfg.DataDir, err = ResolveDataDir(); err != nil {
		return nil, fmt.Errorf("%s: %w", EnvDataDir, err)
	}

	if err := cfg.applyFile(); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.DBPath == "" {
		return nil, fmt.Errorf("%s is required", EnvDBPath)
	}
	if cfg.ResultsDir == "" {
		cfg.ResultsDir = filepath.Join(cfg.DataDir, "results")
	}
	switch cfg.DefaultNudgeMode {
	case "always", "failure_only", "never":
	default:
		return nil, fmt.Errorf("invalid default nudge mode %q", cfg.DefaultNudgeMode)
	}

	return cfg, nil
}

// applyFile merges values from daymon.yaml if present. A missing file is not
// an error; a malformed one is.
func (c *Config) applyFile() error {
	path := os.Getenv(EnvConfigFile)
	if path == "" {
		path = filepath.Join(c.DataDir, "daymon.yaml")
	} else {
		var err error
		if path, err = ExpandHome(path); err != nil {
			return fmt.Errorf("%s: %w", EnvConfigFile, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	if fc.Port != nil {
		c.Port = *fc.Port
	}
	if fc.ResultsDir != "" {
		if c.ResultsDir, err = ExpandHome(fc.ResultsDir); err != nil {
			return fmt.Errorf("resultsDir: %w", err)
		}
	}
	if fc.LogFile != "" {
		if c.LogFile, err = ExpandHome(fc.LogFile); err != nil {
			return fmt.Errorf("logFile: %w", err)
		}
	}
	if fc.RetentionDays != nil {
		c.RetentionDays = *fc.RetentionDays
	}
	if fc.NotificationsEnabled != nil {
		c.NotificationsEnabled = *fc.NotificationsEnabled
	}
	if fc.DefaultNudgeMode != "" {
		c.DefaultNudgeMode = fc.DefaultNudgeMode
	}
	if fc.QuietHours != nil {
		c.QuietHoursFrom = fc.QuietHours.From
		c.QuietHoursUntil = fc.QuietHours.Until
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error
	if v := os.Getenv(EnvDBPath); v != "" {
		if c.DBPath, err = ExpandHome(v); err != nil {
			return fmt.Errorf("%s: %w", EnvDBPath, err)
		}
	}
	if v := os.Getenv(EnvResultsDir); v != "" {
		if c.ResultsDir, err = ExpandHome(v); err != nil {
			return fmt.Errorf("%s: %w", EnvResultsDir, err)
		}
	}
	if v := os.Getenv(EnvLogFile); v != "" {
		if c.LogFile, err = ExpandHome(v); err != nil {
			return fmt.Errorf("%s: %w", EnvLogFile, err)
		}
	}
	if v := os.Getenv(EnvSidecarPort); v != "" {
		port, perr := strconv.Atoi(v)
		if perr != nil || port < 0 || port > 65535 {
			return fmt.Errorf("%s: invalid port %q", EnvSidecarPort, v)
		}
		c.Port = port
	}
	return nil
}

// ResolveDataDir resolves the data directory the same way Load does, without
// requiring the rest of the configuration. CLI subcommands that only need the
// discovery files use this.
func ResolveDataDir() (string, error) {
	dir := os.Getenv(EnvDataDir)
	if dir == "" {
		dir = "~/.daymon"
	}
	return ExpandHome(dir)
}

// PortFile returns the path of the discovery file carrying the bound port.
func (c *Config) PortFile() string { return filepath.Join(c.DataDir, PortFileName) }

// PIDFile returns the path of the discovery file carrying the sidecar PID.
func (c *Config) PIDFile() string { return filepath.Join(c.DataDir, PIDFileName) }

// ExpandHome expands a leading "~/" to the current user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home: %w", err)
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
