package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/url-crawler/internal/batch"
	"github.com/JakeFAU/url-crawler/internal/config"
	"github.com/JakeFAU/url-crawler/internal/server"
)

var cfgFile string

// ctxKeyType is the key for storing the loaded Config in the context.
type ctxKeyType string

const configKey ctxKeyType = "config"

// App is the application surface the commands use. Tests swap in a fake via
// newApp.
type App interface {
	Run(ctx context.Context) error
	Crawl(ctx context.Context, seeds []string, maxDepth *int) (batch.Result, error)
	Close(ctx context.Context) error
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "url-crawler",
		Short: "A batch web crawler with an HTTP API.",
		Long: `url-crawler accepts batches of seed URLs, crawls them breadth-first up to a
depth limit and a page budget, and stores every page it visits with its
status, outbound links and compressed content.`,
		SilenceUsage: true,

		// Runs before every subcommand: load configuration once and hand it down.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCrawlCmd())
	return cmd
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "url-crawler:", err)
		os.Exit(1)
	}
}
