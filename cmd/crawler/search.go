package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/blockedby/tg-crawler/internal/search"
)

// NewSearchCmd creates the search command group.
func NewSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Discover entities by global search",
	}
	cmd.AddCommand(newSearchTermCmd())
	cmd.AddCommand(newSearchCategoryCmd())
	cmd.AddCommand(newSearchAllCmd())
	cmd.AddCommand(newSearchLanguageCmd())
	return cmd
}

func newSearchTermCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "term <term>",
		Short: "Search one term",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			ctx, cancel := signalContext()
			defer cancel()
			a, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.session.SearchTerm(ctx, args[0], limit)
			if err != nil {
				return err
			}
			return emit(cmd, res, func(w io.Writer) { printTerm(w, *res) })
		},
	}
	cmd.Flags().IntP("limit", "n", 0, "Maximum results (0 uses SEARCH_LIMIT)")
	return cmd
}

func newSearchCategoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "category <name>",
		Short: "Search every term of a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.session.SearchCategory(ctx, args[0])
			return printReport(cmd, report, err)
		},
	}
}

func newSearchAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Search every category",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.session.SearchAll(ctx)
			return printReport(cmd, report, err)
		},
	}
}

func newSearchLanguageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "language <code>",
		Short: "Search the terms of a language",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.session.SearchLanguage(ctx, args[0])
			return printReport(cmd, report, err)
		},
	}
}

// printReport prints a partial report even when the run was interrupted.
func printReport(cmd *cobra.Command, report *search.Report, runErr error) error {
	if report == nil {
		return runErr
	}
	if err := emit(cmd, report, func(w io.Writer) {
		for _, t := range report.Terms {
			printTerm(w, t)
		}
		fmt.Fprintf(w, "total: %d new entities, %d failed terms\n", report.New, report.Failed)
		if report.Canceled {
			fmt.Fprintln(w, "search was canceled")
		}
	}); err != nil {
		return err
	}
	return runErr
}

func printTerm(w io.Writer, t search.TermResult) {
	fmt.Fprintf(w, "%-24s found=%-4d new=%-4d skipped=%-4d filtered=%-4d pauses=%d",
		t.Term, t.Found, t.New, t.Skipped, t.Filtered, t.Pauses)
	if t.Error != "" {
		fmt.Fprintf(w, " error=%q", t.Error)
	}
	fmt.Fprintln(w)
}
