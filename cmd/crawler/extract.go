package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/blockedby/tg-crawler/internal/crawler"
	"github.com/blockedby/tg-crawler/internal/extraction"
	"github.com/blockedby/tg-crawler/internal/models"
)

// NewExtractCmd creates the extract command.
func NewExtractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract <ref>...",
		Short: "Extract members of one or more entities",
		Long: `Extract runs the configured strategies against each entity within a time
budget. Entities that are not stored yet are resolved and stored first.

Examples:
  crawler extract golang_ru
  crawler extract --budget 2m https://t.me/golang_ru @gophers`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			budget, _ := cmd.Flags().GetDuration("budget")

			ctx, cancel := signalContext()
			defer cancel()
			a, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			reports, runErr := a.session.ExtractMany(ctx, args, budget)
			if err := emit(cmd, reports, func(w io.Writer) {
				for _, r := range reports {
					printExtraction(w, r)
				}
			}); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().DurationP("budget", "b", 0, "Per-entity time budget (0 uses STRATEGY_BUDGET)")
	return cmd
}

// NewSweepCmd creates the sweep command.
func NewSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Extract members of stored entities under one time budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			budget, _ := cmd.Flags().GetDuration("budget")
			perEntity, _ := cmd.Flags().GetDuration("per-entity")
			skip, _ := cmd.Flags().GetBool("skip-extracted")
			typeNames, _ := cmd.Flags().GetStringSlice("types")

			opts := crawler.SweepOptions{PerEntity: perEntity, SkipExtracted: skip}
			for _, name := range typeNames {
				t := models.EntityType(name)
				if !t.Valid() {
					return fmt.Errorf("unknown entity type %q", name)
				}
				opts.Types = append(opts.Types, t)
			}

			ctx, cancel := signalContext()
			defer cancel()
			a, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			report, runErr := a.session.Sweep(ctx, budget, opts)
			if report == nil {
				return runErr
			}
			if err := emit(cmd, report, func(w io.Writer) {
				for _, r := range report.Reports {
					printExtraction(w, r)
				}
				fmt.Fprintf(w, "swept %d/%d entities, %d new members", report.Extracted, report.Entities, report.NewMembers)
				if report.TimedOut {
					fmt.Fprint(w, " (budget exhausted)")
				}
				fmt.Fprintln(w)
			}); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().DurationP("budget", "b", time.Hour, "Total time budget")
	cmd.Flags().Duration("per-entity", 0, "Per-entity budget (0 uses STRATEGY_BUDGET)")
	cmd.Flags().StringSlice("types", nil, "Entity types to include (channel, megagroup, group, forum)")
	cmd.Flags().Bool("skip-extracted", false, "Skip entities that already have members")
	return cmd
}

func printExtraction(w io.Writer, r *extraction.Report) {
	fmt.Fprintf(w, "%d %q: %s, %d new members, %d new probable, %d seen\n",
		r.EntityID, r.Title, r.Status, r.NewMembers, r.NewProbable, r.Seen)
	for _, s := range r.Strategies {
		fmt.Fprintf(w, "  %-12s %-20s new=%-5d %s", s.Name, s.Status, s.NewMembers, s.Duration.Round(time.Millisecond))
		if s.Error != "" {
			fmt.Fprintf(w, " error=%q", s.Error)
		}
		fmt.Fprintln(w)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", r.Error)
	}
}
