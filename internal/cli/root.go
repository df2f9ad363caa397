package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
	// exitCodeStorage means the measurement finished but its record was not saved.
	exitCodeStorage = 2
)

// version is set at build time with -ldflags "-X netqual/internal/cli.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Run executes the command line and returns the process exit code.
func Run() ExitCode {
	return run(os.Args[1:], os.Stdout, os.Stderr)
}

func run(args []string, stdout, stderr io.Writer) ExitCode {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return exitCodeError
	}
	return exitCodeSuccess
}

// exitError carries a non-default exit code out of a command.
type exitError struct {
	code ExitCode
	err  error
}

func (e exitError) Error() string { return e.err.Error() }
func (e exitError) Unwrap() error { return e.err }

func newRootCmd() *cobra.Command {
	var opts appOptions

	rootCmd := &cobra.Command{
		Use:           "netqual",
		Short:         "Measure bandwidth, latency and stability to a set of game servers.",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Help(); err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config (json or yaml); defaults to $NETQUAL_CONFIG")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the config")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "set debug logging level")

	rootCmd.AddCommand(
		newRunCmd(&opts),
		newWatchCmd(&opts),
		newHistoryCmd(&opts),
		newConfigCmd(&opts),
	)
	return rootCmd
}
