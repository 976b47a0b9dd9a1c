package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/fstre/cyclemon/internal/config"
	"github.com/fstre/cyclemon/internal/recorder"
	"github.com/fstre/cyclemon/internal/sensor"
)

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the cyclemon CLI.
func NewRootCommand() *cobra.Command {
	cmd, _ := newRootCommand()
	return cmd
}

func newRootCommand() (*cobra.Command, *RootOptions) {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "cyclemon",
		Short: "Machine cycle monitor",
		Long: `cyclemon records machine cycle events from an edge-detection sensor
into an append-only CSV ledger, with a per-day cycle counter and
crash-safe state recovery.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			configureLogging(opts.Verbose)
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to config file (default: "+config.Path()+")")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSimulateCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewResetCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd, opts
}

// Execute runs the CLI and renders any failure in the selected output
// format: JSON errors go to out as the standard {"status":"error",...}
// response, text errors to errOut. Returns the process exit code.
func Execute(args []string, out, errOut io.Writer) int {
	cmd, opts := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	err := cmd.Execute()
	if err == nil {
		return ExitSuccess
	}

	format := opts.Format
	w := errOut
	if format == "json" {
		w = out
	} else {
		// Covers flag values rejected before they could take effect.
		format = "text"
	}
	f := &OutputFormatter{Format: format, Writer: w, Verbose: opts.Verbose}

	message := err.Error()
	var details interface{}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		message = exitErr.Message
		if exitErr.Err != nil {
			details = exitErr.Err.Error()
		}
	}
	if renderErr := f.Error(errorCode(err), message, details); renderErr != nil {
		fmt.Fprintln(errOut, "Error:", err)
	}
	return GetExitCode(err)
}

// errorCode maps a command failure onto the wire-level error code.
func errorCode(err error) string {
	if errors.Is(err, recorder.ErrSensorUnavailable) || errors.Is(err, sensor.ErrNoHardware) {
		return CodeSensorUnavailable
	}
	if GetExitCode(err) == ExitCommandError {
		return CodeConfigError
	}
	return CodeStorageError
}

// configPath resolves the effective config file path for a command run.
func (o *RootOptions) configPath() string {
	if o.ConfigPath != "" {
		return o.ConfigPath
	}
	return config.Path()
}

// loadConfig loads the effective configuration: file, then environment
// overlay.
func (o *RootOptions) loadConfig() config.Config {
	cfg := config.Load(o.configPath())
	config.FromEnv(&cfg)
	return cfg
}

func configureLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
