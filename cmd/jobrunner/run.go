package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"jobrunner/internal/app"
)

var runOnce bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := app.NewFromFile(cfgPath)
		if err != nil {
			return err
		}
		if runOnce {
			return once(ctx, cmd, a)
		}

		if err := a.Start(ctx); err != nil {
			_ = a.Stop(context.Background(), app.StopFatalError)
			return errors.Wrap(err, "start")
		}

		reason := app.StopSignal
		select {
		case <-ctx.Done():
		case <-a.Done():
			reason = app.StopFatalError
		}
		runErr := a.Err()

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer stopCancel()
		if err := a.Stop(stopCtx, reason); err != nil {
			return errors.CombineErrors(runErr, err)
		}
		return runErr
	},
}

func once(ctx context.Context, cmd *cobra.Command, a *app.App) error {
	ev, err := a.RunOnce(ctx)
	stopCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, app.StopOnceDone)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "tick %s: due=%d fired=%d skipped=%d failed=%d\n",
		ev.TickInstant.Format(time.RFC3339), ev.DueCount, ev.FiredCount, len(ev.Skipped), len(ev.Failures))
	for _, f := range ev.Failures {
		fmt.Fprintf(out, "  %s (%s): %s\n", f.JobName, f.Slot, f.Error)
	}
	if len(ev.Failures) > 0 {
		return errors.Newf("%d job(s) failed", len(ev.Failures))
	}
	return nil
}

func init() {
	runCmd.Flags().BoolVar(&runOnce, "once", false, "evaluate a single tick at the current instant, then exit")
}
