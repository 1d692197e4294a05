package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentworkforce/doclist/internal/config"
	"github.com/agentworkforce/doclist/internal/doclist"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func newRunCmd(flags *rootFlags) *cobra.Command {
	var debugAddr string
	var watch bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load the view and keep it live from the change feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("debug-addr") {
				cfg.Debug.Listen = debugAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSync(ctx, cfg, watch)
		},
	}
	cmd.Flags().StringVar(&debugAddr, "debug-addr", "", "serve /metrics, /rows, /queue and /healthz on this address")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload the view when the filter file changes")
	return cmd
}

func runSync(ctx context.Context, cfg *config.Config, watch bool) error {
	reg := prometheus.NewRegistry()
	d, err := buildDeps(cfg, nil, reg)
	if err != nil {
		return err
	}
	defer d.cursors.Close()

	engine, err := d.engine(cfg.Feed)
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := engine.Start(ctx); err != nil {
		return err
	}
	state := engine.State()
	d.logger.Info("view loaded",
		"view", d.view.Key(),
		"rows", len(state.OrderedIDs),
		"total", state.Total,
		"pages", state.PageCount)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := engine.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.Debug.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Debug.Listen,
			Handler:           newDebugRouter(engine, reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			d.logger.Info("debug server starting", "address", cfg.Debug.Listen)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if watch && cfg.View.FilterFile != "" {
		watcher := config.NewViewWatcher(cfg.View, func(view doclist.View) {
			if err := engine.SetView(gctx, view); err != nil && gctx.Err() == nil {
				d.logger.Error("view reload failed", "error", err)
				return
			}
			d.logger.Info("view reloaded", "view", view.Key(), "rows", len(engine.Rows()))
		}, engineLogger(d.logger))
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	err = g.Wait()
	d.logger.Info("shutdown complete")
	return err
}
