package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"

	"github.com/riverstage/barge/schema"
)

// schemaVersion is bumped whenever schema.sql changes in a way that
// needs a new barge_migration row recorded; the schema itself is written
// idempotently (CREATE TABLE/INDEX IF NOT EXISTS) so re-running migrate
// against an up-to-date database is always a no-op.
const schemaVersion = 1

var downStatements = []string{
	"DROP TABLE IF EXISTS barge_peer",
	"DROP TABLE IF EXISTS barge_producer",
	"DROP TABLE IF EXISTS barge_job",
	"DROP TABLE IF EXISTS barge_migration",
}

func newMigrateCmd(databaseURL *string) *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply (or with --down, remove) the barge schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if *databaseURL == "" {
				return fmt.Errorf("--database-url (or $BARGE_DATABASE_URL) is required")
			}

			logger := newLogger()

			conn, err := pgx.Connect(cmd.Context(), *databaseURL)
			if err != nil {
				return fmt.Errorf("connecting to database: %w", err)
			}
			defer conn.Close(cmd.Context())

			if down {
				return runMigrateDown(cmd.Context(), conn)
			}

			logger.Info("applying barge schema", "version", schemaVersion)
			return runMigrateUp(cmd.Context(), conn)
		},
	}

	cmd.Flags().BoolVar(&down, "down", false, "remove the barge schema instead of applying it")

	return cmd
}

func runMigrateUp(ctx context.Context, conn *pgx.Conn) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning migration transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, schema.SQL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}

	if _, err := tx.Exec(ctx,
		"INSERT INTO barge_migration (version) VALUES ($1) ON CONFLICT (version) DO NOTHING", schemaVersion,
	); err != nil {
		return fmt.Errorf("recording migration version: %w", err)
	}

	return tx.Commit(ctx)
}

func runMigrateDown(ctx context.Context, conn *pgx.Conn) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning migration transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, stmt := range downStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("running %q: %w", stmt, err)
		}
	}

	return tx.Commit(ctx)
}
