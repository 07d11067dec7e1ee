package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	Long: `Serve exposes the webhook endpoint plus on-demand poll and worker
triggers. With sync.poll_interval / sync.dispatch_interval configured,
internal tickers drive the poller and dispatcher; otherwise an external
scheduler is expected to POST /poller/run and /worker/run.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Sync.PollInterval > 0 {
		go runTicker(ctx, cfg.Sync.PollInterval, func() {
			if _, err := apiClient.Poller.Run(ctx); err != nil {
				logger.WithError(err).Error("Scheduled poll failed")
			}
		})
	}
	if cfg.Sync.DispatchInterval > 0 {
		go runTicker(ctx, cfg.Sync.DispatchInterval, func() {
			if _, err := apiClient.Dispatcher.RunOne(ctx); err != nil {
				logger.WithError(err).Error("Scheduled dispatch failed")
			}
		})
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiClient.Server.ListenAndServe()
	}()

	printInfo("Listening on %s", cfg.Server.Addr)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := apiClient.Server.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}

	printInfo("Server stopped")
	return nil
}

func runTicker(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-ctx.Done():
			return
		}
	}
}
