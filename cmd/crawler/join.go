package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/blockedby/tg-crawler/internal/join"
	"github.com/blockedby/tg-crawler/internal/telegram"
)

// NewJoinCmd creates the join command.
func NewJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <ref>...",
		Short: "Join entities with the logged-in account",
		Long: `Join joins each entity by username, falling back to a stored invite link for
private entities, and verifies the membership afterwards.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			var (
				results []*join.Result
				errs    []error
			)
			for _, ref := range args {
				res, err := a.session.Join(ctx, ref)
				if res == nil {
					res = &join.Result{Ref: ref}
				}
				if err != nil {
					res.Error = err.Error()
					errs = append(errs, fmt.Errorf("%s: %w", ref, err))
				}
				results = append(results, res)
				if err != nil && stopJoining(err) {
					break
				}
			}

			if err := emit(cmd, results, func(w io.Writer) {
				for _, r := range results {
					if r.Error != "" {
						fmt.Fprintf(w, "%-32s failed: %s\n", r.Ref, r.Error)
						continue
					}
					fmt.Fprintf(w, "%-32s %s (via %s)\n", r.Ref, r.Outcome, r.Via)
				}
			}); err != nil {
				return err
			}
			return errors.Join(errs...)
		},
	}
}

// stopJoining reports whether the remaining refs should not be attempted.
func stopJoining(err error) bool {
	return telegram.IsRateLimited(err) || errors.Is(err, telegram.ErrNotAuthorized)
}
