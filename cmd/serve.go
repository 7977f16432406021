package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), a)
		},
	}
}

func newWorkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "work",
		Short: "Consume crawl jobs from the message channel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return runWorkers(cmd.Context(), a)
		},
	}
}

func newReapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Fail abandoned jobs and republish stuck ones",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return runReaper(cmd.Context(), a)
		},
	}
}

func newAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run the API, the workers and the reaper in one process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return runAll(cmd.Context(), a)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Migrate(cmd.Context()); err != nil {
				return err //nolint:wrapcheck // already wrapped
			}
			a.Logger().Info("schema applied")
			return nil
		},
	}
}

// runAll stops every component as soon as one fails.
func runAll(ctx context.Context, a App) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return runServer(gCtx, a) })
	g.Go(func() error { return runWorkers(gCtx, a) })
	if a.Config().Reaper.Enabled {
		g.Go(func() error { return runReaper(gCtx, a) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("run all: %w", err)
	}
	return nil
}

func runServer(ctx context.Context, a App) error {
	cfg := a.Config()
	logger := a.Logger()
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           a.APIServer().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("http server shutting down")
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func runWorkers(ctx context.Context, a App) error {
	a.Logger().Info("dispatcher started", zap.Int("concurrency", a.Config().Worker.Concurrency))
	if err := a.Dispatcher().Run(ctx); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	a.Logger().Info("dispatcher stopped")
	return nil
}

func runReaper(ctx context.Context, a App) error {
	a.Logger().Info("reaper started", zap.Duration("interval", a.Config().Reaper.Interval))
	if err := a.Reaper().Run(ctx); err != nil {
		return fmt.Errorf("reaper: %w", err)
	}
	return nil
}
