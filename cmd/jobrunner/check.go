package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"jobrunner/internal/config"
	"jobrunner/internal/schedule"
)

var (
	upcomingN   int
	upcomingFor time.Duration
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config and preview upcoming runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewConfigManager(cfgPath).Parse()
		if err != nil {
			return err
		}
		if err := config.Validate(cfg); err != nil {
			return err
		}
		loc, err := config.LoadLocation(cfg.Scheduler.Timezone)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "config ok: %d job(s), timezone %s\n", len(cfg.Jobs), loc)
		if upcomingN <= 0 {
			return nil
		}
		now := time.Now().In(loc)
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "JOB\tSCHEDULE\tNEXT")
		for _, j := range cfg.Jobs {
			s, err := schedule.Parse(j.Schedule, loc)
			if err != nil {
				return err
			}
			var next []string
			for _, t := range schedule.Upcoming(s, now, upcomingN, upcomingFor) {
				next = append(next, t.Format("2006-01-02 15:04"))
			}
			if len(next) == 0 {
				next = []string{"-"}
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", j.Name, s, strings.Join(next, ", "))
		}
		return tw.Flush()
	},
}

func init() {
	checkCmd.Flags().IntVar(&upcomingN, "upcoming", 3, "occurrences to preview per job (0 disables)")
	checkCmd.Flags().DurationVar(&upcomingFor, "horizon", 8*24*time.Hour, "how far ahead to look")
}
