package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/insightline/internal/api"
	"github.com/kalambet/insightline/internal/config"
	"github.com/kalambet/insightline/internal/trigger"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server (webhook, trigger endpoints, health, metrics)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(true)
		if err != nil {
			return err
		}
		return runServer(cfg)
	},
}

func runServer(cfg config.Config) error {
	slog.Info("starting insightline", "version", version, "addr", cfg.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	handler := api.NewRouter(api.Deps{
		Receiver:   a.receiver,
		Queue:      a.worker,
		Alerts:     a.alerts,
		Health:     a.store,
		Metrics:    a.metricsHandler(),
		CronSecret: cfg.Server.CronSecret,
		BatchSize:  cfg.Queue.BatchSize,
	})

	// The in-process scheduler replaces an external cron hitting /cron/*.
	if cfg.Scheduler.Enabled {
		sched, err := newTicker(a, cfg)
		if err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
		slog.Info("in-process scheduler started", "jobs", sched.Entries())
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newTicker registers the queue drain and the alert check on the minute.
func newTicker(a *app, cfg config.Config) (*trigger.Scheduler, error) {
	sched := trigger.NewScheduler(cfg.Location(), 0)

	if err := sched.Register("queue", trigger.EveryMinute, func(ctx context.Context) error {
		sum, err := a.worker.Drain(ctx, cfg.Queue.BatchSize)
		if err != nil {
			return err
		}
		if sum.Processed > 0 {
			slog.Info("queue drained", "processed", sum.Processed, "succeeded", sum.Succeeded,
				"retried", sum.Retried, "failed", sum.Failed)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := sched.Register("alerts", trigger.EveryMinute, func(ctx context.Context) error {
		sum, err := a.alerts.CheckAll(ctx, time.Now())
		if err != nil {
			return err
		}
		if sum.Triggered > 0 {
			slog.Info("alerts checked", "checked", sum.Checked, "triggered", sum.Triggered)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return sched, nil
}
