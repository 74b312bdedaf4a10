package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"testjobs/internal/app"
	logx "testjobs/pkg/logx"
	"testjobs/pkg/systemd"
)

var shutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job workers, the scheduled-run trigger and the ops API",
	Long: `serve starts one worker pool per queue, the scheduled-run trigger and, when
enabled, the ops HTTP API. The config file is watched and reloaded live.

On SIGINT or SIGTERM the queues stop accepting work and drain until
--shutdown-timeout; jobs still running after that are picked up again on the
next start.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context(), cfgFile, shutdownTimeout)
	},
}

func serve(ctx context.Context, cfgPath string, timeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.NewApp(ctx, cfgPath)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	log := a.Logger()
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	if _, err := systemd.Ready(); err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
	}
	wdCtx, wdCancel := context.WithCancel(ctx)
	defer wdCancel()
	go func() { _ = systemd.Watchdog(wdCtx, a.Health) }()

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
		if err := a.Err(); err != nil {
			log.Error("fatal error", logx.Err(err))
		}
	case <-ctx.Done():
		reason = app.StopAppStop
	}

	wdCancel()
	_, _ = systemd.Stopping()
	_, _ = systemd.Status("draining")

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func init() {
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "how long queues may drain on shutdown")
	rootCmd.AddCommand(serveCmd)
}
