package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fstre/cyclemon/internal/config"
	"github.com/fstre/cyclemon/internal/ledger"
	"github.com/fstre/cyclemon/internal/recorder"
	"github.com/fstre/cyclemon/internal/sensor"
	"github.com/fstre/cyclemon/internal/state"
)

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Record one test cycle event",
		Long: `Record a single cycle event without hardware, through the same
counter, ledger, and state path a real edge takes.

Runs in its own process against the shared files, so it works whether or
not a monitor is currently running.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(rootOpts, cmd)
		},
	}
	return cmd
}

type simulateResult struct {
	MachineID string `json:"machine_id"`
	Timestamp string `json:"timestamp"`
	Cycle     int    `json:"cycle"`
	Ledger    string `json:"ledger"`
}

func runSimulate(opts *RootOptions, cmd *cobra.Command) error {
	cfg := opts.loadConfig()
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	rec := recorder.New(cfg, sensor.NewSim(0))
	ts, err := rec.SimulateEvent()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to record test event", err)
	}

	cycle := 0
	if st := state.NewStore(config.StatePath(), rec.LedgerPath(), cfg.MachineID).Load(); st != nil {
		cycle = st.LastCycle
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if opts.Format == "json" {
		return out.Success(simulateResult{
			MachineID: cfg.MachineID,
			Timestamp: ledger.FormatTimestamp(ts),
			Cycle:     cycle,
			Ledger:    rec.LedgerPath(),
		})
	}
	return out.Success(fmt.Sprintf("Recorded test event for %s at %s (cycle %d)",
		cfg.MachineID, ledger.FormatTimestamp(ts), cycle))
}
