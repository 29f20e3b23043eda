// Package cmd defines and implements the CLI commands for the url-crawler executable.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/url-crawler/internal/links"
)

// newCrawlCmd creates the 'crawl' subcommand: run one batch in-process and
// print the result as JSON.
func newCrawlCmd() *cobra.Command {
	var depth int
	cmd := &cobra.Command{
		Use:   "crawl URL [URL...]",
		Short: "Crawls the given seed URLs once and prints the batch",
		Long: `Runs a single batch in the foreground against the configured store and
prints the batch with its pages (without content) when it settles.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seeds, err := normalizeSeeds(args)
			if err != nil {
				return err
			}
			var maxDepth *int
			if cmd.Flags().Changed("depth") {
				if depth < 0 {
					return fmt.Errorf("--depth must be >= 0")
				}
				maxDepth = &depth
			}
			return runCrawl(cmd, seeds, maxDepth)
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 0, "maximum link depth (default from crawler.max_depth_default)")
	return cmd
}

func runCrawl(cmd *cobra.Command, seeds []string, maxDepth *int) (err error) {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	app, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		if cerr := app.Close(context.WithoutCancel(cmd.Context())); cerr != nil && err == nil {
			err = fmt.Errorf("close application: %w", cerr)
		}
	}()

	res, err := app.Crawl(cmd.Context(), seeds, maxDepth)
	if err != nil {
		return fmt.Errorf("run crawl: %w", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

func normalizeSeeds(args []string) ([]string, error) {
	seen := make(map[string]struct{}, len(args))
	seeds := make([]string, 0, len(args))
	for _, raw := range args {
		normalized, ok := links.NormalizeString(raw)
		if !ok {
			return nil, fmt.Errorf("invalid URL %q: must be an absolute http or https URL", raw)
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		seeds = append(seeds, normalized)
	}
	return seeds, nil
}
