package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fstre/cyclemon/internal/config"
	"github.com/fstre/cyclemon/internal/history"
	"github.com/fstre/cyclemon/internal/recorder"
	"github.com/fstre/cyclemon/internal/sensor"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Simulated bool

	// OpenSensor allows overriding the sensor constructor (for testing
	// and for hardware builds that link a real GPIO driver). If nil,
	// defaults to openSensor.
	OpenSensor func(cfg config.Config) (recorder.Sensor, error)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the cycle monitor",
		Long: `Start the cycle monitor for the configured machine.

The monitor restores counter state, prepares the ledger, recovers any
unflushed rows from the spool file, arms the sensor, and records one
ledger row per machine cycle until interrupted.

Example:
  cyclemon run
  cyclemon run --config /etc/cyclemon/config.json --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Simulated, "sim", false, "use a simulated sensor line instead of hardware")

	return cmd
}

func runMonitor(opts *RunOptions, cmd *cobra.Command) error {
	mgr := config.NewManager(opts.configPath())
	cfg := mgr.Current()
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	open := opts.OpenSensor
	if open == nil {
		open = openSensor(opts.Simulated)
	}
	line, err := open(cfg)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to open sensor", err)
	}

	hist, err := history.Open(config.HistoryPath())
	if err != nil {
		// The monitor keeps running without recent-event history.
		slog.Warn("cycle history unavailable", "error", err)
		hist = nil
	} else {
		defer func() {
			if closeErr := hist.Close(); closeErr != nil {
				slog.Error("error closing history database", "error", closeErr)
			}
		}()
	}

	recOpts := []recorder.Option{}
	if hist != nil {
		recOpts = append(recOpts, recorder.WithHistory(hist))
	}
	rec := recorder.New(cfg, line, recOpts...)

	if err := rec.Start(); err != nil {
		if errors.Is(err, recorder.ErrSensorUnavailable) {
			return WrapExitError(ExitFailure, "sensor unavailable", err)
		}
		return WrapExitError(ExitFailure, "failed to start monitor", err)
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	fmt.Fprintf(cmd.OutOrStdout(), "Monitoring machine %s on pin %d. Ledger: %s\n",
		cfg.MachineID, cfg.SensorPin, rec.LedgerPath())
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				// Reload configuration; restart the monitor when the
				// machine identity or storage location changed.
				next := mgr.Reload()
				if next == cfg {
					slog.Info("configuration unchanged after reload")
					continue
				}
				slog.Info("configuration changed; restarting monitor",
					"machine", next.MachineID, "data_dir", next.DataDir)
				rec.Stop()
				cfg = next
				newLine, err := open(cfg)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to reopen sensor after reload", err)
				}
				line = newLine
				rec = recorder.New(cfg, line, recOpts...)
				if err := rec.Start(); err != nil {
					return WrapExitError(ExitFailure, "failed to restart monitor after reload", err)
				}
				continue
			}
			slog.Info("received signal, shutting down", "signal", sig)
		case <-ctx.Done():
		}
		break
	}

	rec.Stop()
	slog.Info("monitor stopped gracefully")
	return nil
}

// openSensor returns the default sensor constructor. Simulated runs get
// an idle software line; hardware runs require a platform driver, which
// portable builds do not carry.
func openSensor(simulated bool) func(cfg config.Config) (recorder.Sensor, error) {
	return func(cfg config.Config) (recorder.Sensor, error) {
		if simulated {
			return sensor.NewSim(time.Duration(cfg.DebounceMillis) * time.Millisecond), nil
		}
		return nil, sensor.ErrNoHardware
	}
}
