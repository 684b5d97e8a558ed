// Command barge is the installer/operator CLI for the barge job queue:
// it applies (or rolls back) the embedded schema against a Postgres
// database and reports its own version. It carries no opinion about how
// the core library's Executor gets its SQL run, matching spec.md
// section 1's "the concrete query execution is out of scope" boundary --
// this binary only touches the database directly for `migrate`.
// Grounded on the teacher's own cmd/river, including its choice of
// github.com/lmittmann/tint for colorized terminal logging.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var databaseURL string

	root := &cobra.Command{
		Use:           "barge",
		Short:         "Operate a barge job queue's Postgres schema",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("BARGE_DATABASE_URL"),
		"Postgres connection string (defaults to $BARGE_DATABASE_URL)")

	root.AddCommand(newMigrateCmd(&databaseURL))
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the barge CLI version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

// newLogger falls back to JSON output when stdout isn't a terminal
// (piped into a log aggregator), and to tint's colorized handler
// otherwise.
func newLogger() *slog.Logger {
	if fi, err := os.Stdout.Stat(); err == nil && (fi.Mode()&os.ModeCharDevice) != 0 {
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
