package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkscope/internal/api"
	"github.com/JakeFAU/linkscope/internal/app"
	"github.com/JakeFAU/linkscope/internal/config"
	"github.com/JakeFAU/linkscope/internal/dispatcher"
	"github.com/JakeFAU/linkscope/internal/reaper"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a test app.
type App interface {
	Close()
	Logger() *zap.Logger
	Config() config.Config
	APIServer() *api.Server
	Dispatcher() *dispatcher.Dispatcher
	Reaper() *reaper.Reaper
	Migrate(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfgFile string) (App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, err //nolint:wrapcheck // wrapped by the caller
	}
	return a, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "linkscope",
		Short: "Crawl a site breadth-first and record its link graph.",
		Long: `linkscope accepts crawl jobs over HTTP, hands them to competing workers
through a durable message channel, and records every page and link it finds
within the start URL's domain.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			zap.ReplaceGlobals(appInstance.Logger())
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./linkscope.yaml)")

	cmd.AddCommand(
		newServeCmd(),
		newWorkCmd(),
		newReapCmd(),
		newAllCmd(),
		newMigrateCmd(),
	)
	return cmd
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command
// context so long-running commands drain and return.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "linkscope: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
