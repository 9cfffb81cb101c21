package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewReclassifyCmd creates the reclassify command.
func NewReclassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reclassify",
		Short: "Refine stored entities with unknown type, language or category",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			report, runErr := a.session.Reclassify(ctx)
			if report == nil {
				return runErr
			}
			if err := emit(cmd, report, func(w io.Writer) {
				fmt.Fprintf(w, "checked=%d updated=%d resolved=%d failed=%d\n",
					report.Checked, report.Updated, report.Resolved, report.Failed)
			}); err != nil {
				return err
			}
			return runErr
		},
	}
}
