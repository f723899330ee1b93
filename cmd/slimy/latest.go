package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var latestGuild string

var latestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Print the current roster view with week-over-week deltas",
	RunE:  runLatest,
}

func init() {
	latestCmd.Flags().StringVarP(&latestGuild, "guild", "g", "", "guild identifier (required)")
	_ = latestCmd.MarkFlagRequired("guild")
}

func runLatest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	rows, err := a.snaps.Latest(ctx, latestGuild)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Printf("No snapshots for guild %s\n", latestGuild)
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MEMBER\tSIM\tTOTAL\tSIM %\tTOTAL %")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.DisplayName, cell(r.Sim), cell(r.Total), pctCell(r.SimPct), pctCell(r.TotalPct))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\nSnapshot at %s, %d members\n", rows[0].SnapshotAt.Format(time.RFC3339), len(rows))
	return nil
}

func cell(v *int64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}

func pctCell(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%+.2f", *v)
}
