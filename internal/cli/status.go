package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fstre/cyclemon/internal/config"
	"github.com/fstre/cyclemon/internal/history"
	"github.com/fstre/cyclemon/internal/ledger"
	"github.com/fstre/cyclemon/internal/spool"
	"github.com/fstre/cyclemon/internal/state"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show machine and storage status",
		Long: `Show the configured machine, its persisted cycle state, the ledger
location, any rows still spooled for retry, and recent event history.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
	return cmd
}

type statusResult struct {
	MachineID     string   `json:"machine_id"`
	Ledger        string   `json:"ledger"`
	LedgerExists  bool     `json:"ledger_exists"`
	LastCycle     int      `json:"last_cycle"`
	LastTimestamp string   `json:"last_timestamp,omitempty"`
	PendingRows   int      `json:"pending_rows"`
	RecentEvents  []string `json:"recent_events,omitempty"`
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	cfg := opts.loadConfig()
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	ledgerPath := cfg.LedgerPath()
	result := statusResult{
		MachineID: cfg.MachineID,
		Ledger:    ledgerPath,
	}
	if _, err := os.Stat(ledgerPath); err == nil {
		result.LedgerExists = true
	}

	if st := state.NewStore(config.StatePath(), ledgerPath, cfg.MachineID).Load(); st != nil {
		result.LastCycle = st.LastCycle
		result.LastTimestamp = ledger.FormatTimestamp(st.LastTimestamp)
	}

	// Count rows awaiting ledger commit without touching the ledger.
	q := spool.NewQueue(ledgerPath, nil)
	q.LoadPending()
	result.PendingRows = q.Len()

	if hist, err := history.Open(config.HistoryPath()); err == nil {
		if stamps, err := hist.Timestamps(cmd.Context(), cfg.MachineID); err == nil {
			for _, ts := range stamps {
				result.RecentEvents = append(result.RecentEvents, ledger.FormatTimestamp(ts))
			}
		}
		_ = hist.Close()
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if opts.Format == "json" {
		return out.Success(result)
	}
	return out.Success(formatStatus(result))
}

func formatStatus(r statusResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Machine:      %s\n", r.MachineID)
	fmt.Fprintf(&b, "Ledger:       %s", r.Ledger)
	if !r.LedgerExists {
		b.WriteString(" (not created yet)")
	}
	b.WriteString("\n")
	if r.LastTimestamp != "" {
		fmt.Fprintf(&b, "Last cycle:   %d at %s\n", r.LastCycle, r.LastTimestamp)
	} else {
		b.WriteString("Last cycle:   none recorded\n")
	}
	fmt.Fprintf(&b, "Pending rows: %d\n", r.PendingRows)
	if len(r.RecentEvents) > 0 {
		fmt.Fprintf(&b, "Recent events (last %s):\n", history.Retention)
		for _, ts := range r.RecentEvents {
			fmt.Fprintf(&b, "  %s\n", ts)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
