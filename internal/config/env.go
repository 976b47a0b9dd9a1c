package config

import (
	"os"
	"strconv"
)

// FromEnv overlays CYCLEMON_* environment variables onto cfg. Invalid
// values are ignored, keeping the file/default value.
func FromEnv(cfg *Config) {
	if v := os.Getenv("CYCLEMON_MACHINE_ID"); v != "" {
		cfg.MachineID = CanonicalMachineID(v)
	}
	if v := os.Getenv("CYCLEMON_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CYCLEMON_RESET_HOUR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 23 {
			cfg.ResetHour = n
		}
	}
	if v := os.Getenv("CYCLEMON_SENSOR_PIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.SensorPin = n
		}
	}
	if v := os.Getenv("CYCLEMON_DEBOUNCE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DebounceMillis = n
		}
	}
}
