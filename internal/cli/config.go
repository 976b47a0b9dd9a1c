package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fstre/cyclemon/internal/config"
)

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and change configuration",
	}
	cmd.AddCommand(newConfigShowCommand(rootOpts))
	cmd.AddCommand(newConfigSetCommand(rootOpts))
	return cmd
}

func newConfigShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show",
		Short:         "Show the effective configuration",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.loadConfig()
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout(), Verbose: rootOpts.Verbose}
			if rootOpts.Format == "json" {
				return out.Success(cfg)
			}
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return WrapExitError(ExitFailure, "failed to render configuration", err)
			}
			return out.Success(string(data))
		},
	}
}

func newConfigSetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key>=<value> ...",
		Short: "Update configuration values",
		Long: `Update one or more configuration values and write the config file.

Keys: machine_id, sensor_pin, data_dir, reset_hour, debounce_ms.

Changing machine_id or data_dir retires the previous machine's persisted
state so a future machine with the old id starts fresh.

Example:
  cyclemon config set machine_id=M2 reset_hour=6`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSet(rootOpts, args, cmd)
		},
	}
}

func runConfigSet(opts *RootOptions, args []string, cmd *cobra.Command) error {
	path := opts.configPath()
	cfg := config.Load(path)

	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return NewExitError(ExitCommandError, fmt.Sprintf("expected <key>=<value>, got %q", arg))
		}
		if err := applyConfigValue(&cfg, key, value); err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("invalid value for %s", key), err)
		}
	}

	if err := config.Save(path, cfg); err != nil {
		return WrapExitError(ExitFailure, "failed to save configuration", err)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if opts.Format == "json" {
		return out.Success(config.Load(path))
	}
	return out.Success(fmt.Sprintf("Configuration saved to %s", path))
}

func applyConfigValue(cfg *config.Config, key, value string) error {
	switch key {
	case "machine_id":
		id := config.CanonicalMachineID(value)
		if id == "" {
			return fmt.Errorf("machine id must not be empty")
		}
		cfg.MachineID = id
	case "sensor_pin":
		pin, err := strconv.Atoi(value)
		if err != nil || pin < 0 {
			return fmt.Errorf("sensor pin must be a non-negative integer")
		}
		cfg.SensorPin = pin
	case "data_dir":
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("data dir must not be empty")
		}
		cfg.DataDir = value
	case "reset_hour":
		hour, err := strconv.Atoi(value)
		if err != nil || hour < 0 || hour > 23 {
			return fmt.Errorf("reset hour must be between 0 and 23")
		}
		cfg.ResetHour = hour
	case "debounce_ms":
		ms, err := strconv.Atoi(value)
		if err != nil || ms < 0 {
			return fmt.Errorf("debounce must be a non-negative integer of milliseconds")
		}
		cfg.DebounceMillis = ms
	default:
		return fmt.Errorf("unknown key %q", key)
	}
	return nil
}
