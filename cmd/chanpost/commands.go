package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chanpost/internal/app"
)

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bot and the due-post scheduler until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		stopTimeout, _ := cmd.Flags().GetDuration("stop-timeout")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := app.New(path)
		if err != nil {
			return err
		}
		if err := a.Start(ctx); err != nil {
			sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			_ = a.Stop(sctx, app.StopFatalError)
			return fmt.Errorf("start: %w", err)
		}

		reason := app.StopSignal
		select {
		case <-ctx.Done():
		case <-a.Done():
			if a.Err() != nil {
				reason = app.StopFatalError
			}
		}

		sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := a.Stop(sctx, reason); err != nil {
			return err
		}
		return a.Err()
	},
}

// --- tick ---

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Deliver due posts once and exit",
	Long: `Run one scheduler pass: recover stale claims, deliver every due post,
print a summary and exit. Useful from cron or for debugging delivery.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		a, err := app.New(path)
		if err != nil {
			return err
		}
		sum := a.Tick(ctx)
		fmt.Fprintf(os.Stdout, "found=%d recovered=%d claimed=%d posted=%d failed=%d unauthorized=%d skipped=%d\n",
			sum.Found, sum.Recovered, sum.Claimed, sum.Posted, sum.Failed, sum.Unauthorized, sum.Skipped)

		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := a.Stop(sctx, app.StopUnknown); err != nil {
			return err
		}
		return sum.Err
	},
}

// --- check-config ---

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the config file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := app.CheckConfig(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "config ok: %s (storage=%s, scheduler.enabled=%t)\n",
			path, storageDriver(cfg.Storage.Driver), cfg.Scheduler.Enabled)
		return nil
	},
}

func storageDriver(d string) string {
	if d == "" {
		return "sqlite"
	}
	return d
}

func init() {
	runCmd.Flags().Duration("stop-timeout", 10*time.Second, "upper bound for graceful shutdown")
	tickCmd.Flags().Duration("timeout", 2*time.Minute, "upper bound for the tick")
}
