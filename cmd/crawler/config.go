package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/blockedby/tg-crawler/internal/config"
)

// NewConfigCmd creates the config command group.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(newConfigValidateCmd())
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [keywords.yaml]...",
		Short: "Validate the environment and keyword table files",
		Long: `Validate loads the configuration the crawler would run with and reports
every invalid setting. Extra arguments are validated as keyword table files.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			failed := false

			cfg, err := config.Load()
			if err != nil {
				fmt.Fprintf(w, "environment: invalid\n%s\n", indent(err.Error()))
				failed = true
			} else {
				printConfig(w, cfg)
			}

			for _, path := range args {
				tables, err := config.LoadKeywordTables(path)
				if err == nil {
					err = tables.Validate()
				}
				if err != nil {
					fmt.Fprintf(w, "%s: invalid\n%s\n", path, indent(err.Error()))
					failed = true
					continue
				}
				fmt.Fprintf(w, "%s: valid (%d categories, %d languages)\n", path, len(tables.Categories), len(tables.Languages))
			}

			if failed {
				return fmt.Errorf("configuration is invalid")
			}
			return nil
		},
	}
}

func printConfig(w io.Writer, cfg *config.Config) {
	cc := cfg.Crawl
	fmt.Fprintln(w, "environment: valid")
	fmt.Fprintf(w, "  data dir:        %s\n", cfg.DataDir)
	fmt.Fprintf(w, "  session db:      %s\n", cfg.SessionDB)
	fmt.Fprintf(w, "  strategies:      %s\n", strings.Join(cc.Strategies, ", "))
	fmt.Fprintf(w, "  strategy budget: %s\n", cc.StrategyBudget)
	fmt.Fprintf(w, "  workers:         %d\n", cc.Workers)
	fmt.Fprintf(w, "  rate:            %.2f rps, burst %d\n", cc.RateRPS, cc.RateBurst)
	fmt.Fprintf(w, "  keyword tables:  %d categories, %d languages\n", len(cfg.Keywords.Categories), len(cfg.Keywords.Languages))
	if cfg.NatsURL == "" {
		fmt.Fprintln(w, "  nats:            disabled")
	} else {
		fmt.Fprintf(w, "  nats:            %s\n", cfg.NatsURL)
	}
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}
