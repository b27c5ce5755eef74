package main

import (
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "jobrunner",
	Short: "Run recurring jobs on calendar schedules",
	Long: `jobrunner evaluates registered jobs on a fixed wall-clock tick and runs
each one at most once per schedule occurrence.

Examples:
  jobrunner run                      # run until SIGINT/SIGTERM
  jobrunner run --once               # evaluate the current instant and exit
  jobrunner check --upcoming 5       # validate config and preview schedules
  jobrunner history --limit 20       # show recent runs from storage`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./jobrunner.yaml", "path to config (json or yaml)")
	rootCmd.AddCommand(runCmd, checkCmd, historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
