package config

import (
	"os"
	"path/filepath"
)

// EnvConfigDir overrides the configuration directory. The installer
// sets it so the GUI and the background service agree on one location
// even when they run under different accounts.
const EnvConfigDir = "CYCLEMON_CONFIG_DIR"

// Dir returns the directory used for configuration, state, and history
// files: $CYCLEMON_CONFIG_DIR when set, else ~/.config/cyclemon.
func Dir() string {
	if override := os.Getenv(EnvConfigDir); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".cyclemon"
	}
	return filepath.Join(home, ".config", "cyclemon")
}

// Path returns the config file path inside Dir.
func Path() string {
	return filepath.Join(Dir(), "config.json")
}

// StatePath returns the primary state store path inside Dir.
func StatePath() string {
	return filepath.Join(Dir(), "state.json")
}

// HistoryPath returns the history database path inside Dir.
func HistoryPath() string {
	return filepath.Join(Dir(), "history.db")
}

// DefaultDataDir returns the default ledger directory, <home>/FWCycle.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "FWCycle"
	}
	return filepath.Join(home, "FWCycle")
}
