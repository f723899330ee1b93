package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rollbackGuild string

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Delete the most recent snapshot and restore the prior view",
	Long: `Deletes the newest snapshot for a guild together with its metric
rows and rebuilds the latest view anchored at the snapshot before it.
Refused when only one snapshot exists.`,
	RunE: runRollback,
}

func init() {
	rollbackCmd.Flags().StringVarP(&rollbackGuild, "guild", "g", "", "guild identifier (required)")
	_ = rollbackCmd.MarkFlagRequired("guild")
}

func runRollback(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.snaps.Rollback(ctx, rollbackGuild); err != nil {
		return err
	}
	at, ok, err := a.snaps.MostRecentAt(ctx, rollbackGuild)
	if err != nil {
		return err
	}
	if ok {
		fmt.Printf("Rolled back guild %s; latest view restored to %s\n", rollbackGuild, at.Format("2006-01-02"))
	}
	return nil
}
