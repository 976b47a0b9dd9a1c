// Package config holds the monitor's user-editable configuration.
//
// Configuration is an explicit object passed into the recorder at
// construction; there is no package-level cache. The file format is
// JSON (the historical format), with YAML accepted by file extension.
//
// Loading is forgiving by design: a missing or corrupt file and invalid
// field values fall back to defaults, because the monitor must keep
// counting on a machine whose config file was hand-edited badly. The
// one exception is the machine id, which has no safe default and is
// rejected at apply time by Validate.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/fstre/cyclemon/internal/counter"
)

// Defaults for optional fields.
const (
	DefaultMachineID      = "M"
	DefaultSensorPin      = 2
	DefaultDebounceMillis = 200
)

// Config is the user-editable monitor configuration.
type Config struct {
	// MachineID is the canonical uppercase machine identifier. It names
	// the ledger file and keys the state and history stores.
	MachineID string `json:"machine_id" yaml:"machine_id"`

	// SensorPin is handed to the edge-detection collaborator.
	SensorPin int `json:"sensor_pin" yaml:"sensor_pin"`

	// DataDir is the directory holding the ledger and its sidecar
	// files. Often removable or network storage.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// ResetHour is the hour of day (0-23) at which the cycle counter
	// restarts from zero.
	ResetHour int `json:"reset_hour" yaml:"reset_hour"`

	// DebounceMillis is the hardware/driver debounce window.
	DebounceMillis int `json:"debounce_ms" yaml:"debounce_ms"`
}

// CanonicalMachineID returns the canonical form of a machine id:
// NFC-normalized, trimmed, uppercased.
func CanonicalMachineID(id string) string {
	return strings.ToUpper(strings.TrimSpace(norm.NFC.String(id)))
}

// Default returns built-in defaults. The data directory defaults to
// <home>/FWCycle, matching historical deployments.
func Default() Config {
	return Config{
		MachineID:      DefaultMachineID,
		SensorPin:      DefaultSensorPin,
		DataDir:        DefaultDataDir(),
		ResetHour:      counter.DefaultResetHour,
		DebounceMillis: DefaultDebounceMillis,
	}
}

// normalize applies canonicalization and fallback-to-default semantics
// to every field that has a safe default.
func (c *Config) normalize() {
	defaults := Default()
	c.MachineID = CanonicalMachineID(c.MachineID)
	if c.DataDir == "" {
		c.DataDir = defaults.DataDir
	}
	if c.ResetHour < 0 || c.ResetHour > 23 {
		slog.Warn("invalid reset hour; using default",
			"configured", c.ResetHour, "default", defaults.ResetHour)
		c.ResetHour = defaults.ResetHour
	}
	if c.SensorPin < 0 {
		c.SensorPin = defaults.SensorPin
	}
	if c.DebounceMillis <= 0 {
		c.DebounceMillis = defaults.DebounceMillis
	}
}

// Validate rejects configurations that have no safe fallback. Called at
// configuration-apply time, before the recorder starts.
func (c Config) Validate() error {
	if CanonicalMachineID(c.MachineID) == "" {
		return errors.New("machine id must not be empty")
	}
	return nil
}

// LedgerPath returns the machine's ledger file path, CM_<ID>.csv inside
// the data directory.
func (c Config) LedgerPath() string {
	return filepath.Join(c.DataDir, "CM_"+CanonicalMachineID(c.MachineID)+".csv")
}

// Load reads configuration from path, decoding JSON or YAML by
// extension. A missing or unreadable file returns defaults.
func Load(path string) Config {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("failed to read config file; using defaults", "path", path, "error", err)
		}
		return cfg
	}

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		slog.Warn("config file is corrupt; using defaults", "path", path, "error", err)
		return Default()
	}

	cfg.normalize()
	return cfg
}

// Save validates and persists cfg as JSON, then retires the previous
// machine's stored state when the machine id or data directory changed.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("apply configuration: %w", err)
	}
	cfg.normalize()

	var previous *Config
	if _, err := os.Stat(path); err == nil {
		prev := Load(path)
		previous = &prev
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	slog.Debug("saved config", "path", path, "machine", cfg.MachineID)

	if previous != nil {
		retireIfChanged(*previous, cfg)
	}
	return nil
}
