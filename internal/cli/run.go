package cli

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"netqual/internal/measure"
	"netqual/internal/record"
	"netqual/internal/report"
)

func newRunCmd(opts *appOptions) *cobra.Command {
	var noColor bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one measurement and append it to the log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o := *opts
			o.quiet = true
			a, err := newApp(o)
			if err != nil {
				return err
			}
			defer a.Close()

			orch, err := a.orchestrator()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "=== Network quality check ===")
			fmt.Fprintln(out, "Measuring, please wait...")

			console := report.NewConsole[*measure.AggregateResult](out)
			console.NoColor = noColor
			console.OnDone = func(w io.Writer, res *measure.AggregateResult) {
				fmt.Fprintf(w, "Done in %s.\n", res.Elapsed.Round(100*time.Millisecond))
			}

			if _, err := orch.Run(ctx, console); err != nil {
				if record.IsStorageError(err) {
					return exitError{code: exitCodeStorage, err: err}
				}
				return err
			}
			fmt.Fprintf(out, "Saved to %s\n", a.store.Path())
			return nil
		},
	}
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored warning lines")
	return cmd
}
