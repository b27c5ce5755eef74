package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"jobrunner/internal/config"
	"jobrunner/internal/storage"
	logx "jobrunner/pkg/logx"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent job runs from storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewConfigManager(cfgPath).Parse()
		if err != nil {
			return err
		}
		if cfg.Storage == nil {
			return errors.New("storage is not configured")
		}
		st, err := storage.Open(storage.Config{Driver: cfg.Storage.Driver, Path: cfg.Storage.Path, BusyTimeout: time.Second}, logx.Nop())
		if err != nil {
			return err
		}
		if st == nil {
			return errors.New("storage is disabled")
		}
		defer st.Close()

		runs, err := st.RecentRuns(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "AT\tJOB\tSLOT\tSTATUS\tTOOK\tERROR")
		for _, r := range runs {
			took := (time.Duration(r.TookMS) * time.Millisecond).String()
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.At.Local().Format(time.RFC3339), r.Job, r.Slot, r.Status, took, r.Error)
		}
		return tw.Flush()
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of runs to show")
}
