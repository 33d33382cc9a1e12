package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/api"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		addr          string
		sweepInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the repair HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.API.Addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			validator := api.NewJWTValidator(a.cfg.API.JWTSecret)
			if validator == nil {
				a.logger.WarnContext(ctx, "api.jwt_secret is empty; every /v1 request will be rejected")
			}
			srv := api.NewServer(a.orch, a.monitor,
				api.WithValidator(validator),
				api.WithRateLimiter(api.NewClientRateLimiter(a.cfg.API.RatePerSecond, a.cfg.API.Burst)),
				api.WithObservability(a.obs),
				api.WithServerLogger(a.logger.With("component", "api")),
			)
			httpServer := &http.Server{
				Addr:              addr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			if sweepInterval > 0 {
				go a.maintain(ctx, sweepInterval)
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.InfoContext(ctx, "repair API listening", "addr", addr)
				errCh <- httpServer.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("serve: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			a.logger.InfoContext(shutdownCtx, "shutting down repair API")
			return httpServer.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (defaults to api.addr)")
	cmd.Flags().DurationVar(&sweepInterval, "sweep-interval", 15*time.Minute, "How often to expire stale repairs and refresh health gauges; 0 disables")
	return cmd
}

// maintain sweeps expired repairs and refreshes the health snapshot until ctx ends.
func (a *app) maintain(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if res, err := a.orch.SweepExpired(ctx); err != nil {
			a.logger.ErrorContext(ctx, "sweep failed", "error", err)
		} else if len(res.Revoked) > 0 {
			a.logger.InfoContext(ctx, "expired repairs revoked", "count", len(res.Revoked))
		}
		if _, err := a.monitor.Check(ctx, 0, 0); err != nil {
			a.logger.ErrorContext(ctx, "health check failed", "error", err)
		}
	}
}
