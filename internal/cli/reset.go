package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fstre/cyclemon/internal/ledger"
	"github.com/fstre/cyclemon/internal/recorder"
	"github.com/fstre/cyclemon/internal/sensor"
)

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset the cycle counter to zero",
		Long: `Reset the machine's cycle counter outside the automatic daily
schedule. The next recorded event logs as cycle 1. The ledger is not
touched; only the persisted counter baseline changes.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(rootOpts, at, cmd)
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "baseline timestamp (RFC 3339, default: now)")
	return cmd
}

func runReset(opts *RootOptions, at string, cmd *cobra.Command) error {
	cfg := opts.loadConfig()
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	var reference time.Time
	if at != "" {
		ts, err := ledger.ParseTimestamp(at)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --at timestamp", err)
		}
		reference = ts
	}

	rec := recorder.New(cfg, sensor.NewSim(0))
	rec.ResetCycleCounter(reference)

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if opts.Format == "json" {
		return out.Success(map[string]string{"machine_id": cfg.MachineID})
	}
	return out.Success(fmt.Sprintf("Cycle counter reset for %s; next cycle is 1", cfg.MachineID))
}
