package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/paygate/pkg/config"
)

const serveLongDesc string = `Run the paygate HTTP gateway.

Every route in the route file is served behind the enforcement gate.
GET /health and GET /v1/actions/{actionId}/events are always available.`

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long:  serveLongDesc,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := loadViper(cmd)
			if err != nil {
				return err
			}
			if err := v.BindPFlag("listen", cmd.Flags().Lookup("listen")); err != nil {
				return fmt.Errorf("could not bind listen flag: %w", err)
			}
			if err := v.BindPFlag("policy.routes_file", cmd.Flags().Lookup("routes")); err != nil {
				return fmt.Errorf("could not bind routes flag: %w", err)
			}
			cfg, err := config.FromViper(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}

	cmd.Flags().StringP("listen", "l", config.Default().Listen, "Address to listen on")
	cmd.Flags().StringP("routes", "r", config.Default().Policy.RoutesFile, "Path to the route file")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.LogLevel)

	srv, err := buildServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Error("shutdown incomplete", "error", err)
		}
	}()
	go srv.edge.Run(ctx)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.handler,
		ReadHeaderTimeout: 30 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("paygate listening", "addr", cfg.Listen, "routes", len(srv.routes.List()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
