package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawler",
		Short: "Discover public Telegram entities and their members",
		Long: `crawler searches public channels and groups by keyword, classifies them,
and extracts their members into CSV tables under DATA_DIR.

Configuration is read from the environment and an optional .env file.
Run tg-auth once to store a logged-in session in SESSION_DB.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().Bool("json", false, "Print results as JSON")

	cmd.AddCommand(NewSearchCmd())
	cmd.AddCommand(NewExtractCmd())
	cmd.AddCommand(NewSweepCmd())
	cmd.AddCommand(NewJoinCmd())
	cmd.AddCommand(NewReclassifyCmd())
	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewWatchCmd())
	cmd.AddCommand(NewConfigCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// emit prints v as indented JSON when --json is set, otherwise calls text.
func emit(cmd *cobra.Command, v any, text func(w io.Writer)) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	w := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
