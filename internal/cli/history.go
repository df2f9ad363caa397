package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"netqual/internal/record"
)

func newHistoryCmd(opts *appOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the most recent recorded measurements",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o := *opts
			o.quiet = true
			a, err := newApp(o)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.openStore()
			if err != nil {
				return err
			}
			tab, err := st.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(tab.Rows) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No records in %s\n", st.Path())
				return nil
			}
			renderTable(cmd.OutOrStdout(), tab)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of records to show (0 for all)")
	return cmd
}

func renderTable(w io.Writer, tab *record.Table) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetRowLine(false)

	header := make([]string, len(tab.Header))
	for i, h := range tab.Header {
		header[i] = headerLabel(h)
	}
	table.SetHeader(header)
	for _, row := range tab.Rows {
		table.Append(row)
	}
	table.Render()
}

// headerLabel splits per-target columns over two lines to keep the table narrow.
func headerLabel(h string) string {
	for _, suffix := range []string{"_avg_ping_ms", "_packet_loss_pct", "_stability"} {
		if name, ok := strings.CutSuffix(h, suffix); ok {
			return name + "\n" + strings.TrimPrefix(suffix, "_")
		}
	}
	return h
}
