// Package migrations embeds the ingestion bookkeeping/target-table DDL so
// the registrysync binary can apply it on startup without a separate
// migration tool — the same "plain SQL executed via pgx at startup" idiom
// the host module already uses ad-hoc in its DDL-maintenance helpers.
package migrations

import (
	"context"
	_ "embed"

	"github.com/jackc/pgx/v4/pgxpool"
)

//go:embed 0001_ingest.sql
var ingestDDL string

// Apply executes the embedded DDL. Every statement is IF NOT EXISTS, so
// Apply is safe to call on every process start.
func Apply(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, ingestDDL)
	return err
}
