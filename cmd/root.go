// Package cmd defines the listingsync command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-sync-crawler/internal/config"
	"github.com/JakeFAU/listing-sync-crawler/internal/crawler"
	"github.com/JakeFAU/listing-sync-crawler/internal/server"
)

const closeTimeout = 15 * time.Second

// App is the part of the application the commands drive. Tests swap in a fake.
type App interface {
	Run(ctx context.Context) error
	RunJob(ctx context.Context, opts crawler.JobOptions) (crawler.CrawlJob, error)
	Plan(ctx context.Context, keys []string) (server.PlanResult, error)
	Close(ctx context.Context) error
}

type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "listingsync",
		Short: "Keeps a local copy of a regional real-estate catalog in sync.",
		Long: `listingsync walks the catalog's category/transaction partitions, stores every
listing it sees, skips partitions whose remote count has not moved and archives
listings that disappeared from a complete walk.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML/JSON/TOML); env vars use the LISTINGSYNC_ prefix")

	cmd.AddCommand(newServeCmd(), newCrawlCmd(), newPlanCmd())
	return cmd
}

// withApp adapts fn to a RunE that closes the application afterwards, even
// when fn fails.
func withApp(fn func(cmd *cobra.Command, app App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) (err error) {
		appInstance, ok := cmd.Context().Value(appKey).(App)
		if !ok || appInstance == nil {
			return errors.New("application services not initialized")
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), closeTimeout)
			defer cancel()
			if cerr := appInstance.Close(ctx); cerr != nil && err == nil {
				err = fmt.Errorf("close: %w", cerr)
			}
		}()
		return fn(cmd, appInstance)
	}
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
