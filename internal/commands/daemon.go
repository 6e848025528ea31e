package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newDaemonCommand(opts *rootOptions) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Sync every linked account on an interval and serve /metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if once {
				res, err := a.orch.SyncAll(ctx, nil)
				return emit(cmd, res, err)
			}
			return runDaemon(ctx, a)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	return cmd
}

func runDaemon(ctx context.Context, a *app) error {
	log := a.log.WithField("component", "daemon")

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	interval := a.cfg.Sync.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	log.WithFields(logrus.Fields{"interval": interval, "metrics_addr": a.cfg.Metrics.Addr}).Info("daemon started")

	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		res, err := a.orch.SyncAll(ctx, nil)
		if err != nil {
			log.WithError(err).Warn("scheduled sync failed")
		} else {
			log.WithFields(logrus.Fields{"succeeded": res.Succeeded, "failed": res.Failed}).Info("scheduled sync done")
		}
		select {
		case <-ctx.Done():
			log.Info("daemon stopping")
			return nil
		case <-tick.C:
		}
	}
}
