// registrysync is the CLI entry point for the bulk registry ingestion
// pipeline: a single sync command with --only/--weekly/--dry-run/
// --keep-files flags, exiting 0 on all-success and 1 if any registry
// failed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/atlanteq/registryingest/internal/data/migrations"
	ingest "github.com/atlanteq/registryingest/internal/ingest"
	"github.com/atlanteq/registryingest/internal/ingest/catalog"
	"github.com/atlanteq/registryingest/internal/ingest/orchestrator"
)

func main() {
	only := flag.String("only", "", "comma-separated list of registry names to restrict to")
	weekly := flag.Bool("weekly", false, "honor per-registry update cadence (skip registries synced recently)")
	dryRun := flag.Bool("dry-run", false, "plan only, no fetch/extract/upsert")
	keepFiles := flag.Bool("keep-files", false, "retain scratch directory on completion")
	flag.Parse()

	log := logrus.NewEntry(logrus.StandardLogger())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	dbCfg := ingest.LoadDBConfig()
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s", dbCfg.User, dbCfg.Password, dbCfg.Host, dbCfg.Port, dbCfg.Name)
	db, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		log.WithError(err).Fatal("connect to database")
	}
	defer db.Close()

	if err := migrations.Apply(ctx, db); err != nil {
		log.WithError(err).Fatal("apply bookkeeping migrations")
	}

	cat, err := catalog.All()
	if err != nil {
		log.WithError(err).Fatal("invalid registry catalog")
	}

	opts := ingest.LoadOptionsFromEnv()
	opts.Weekly = *weekly
	opts.DryRun = *dryRun
	opts.KeepFiles = *keepFiles
	if *only != "" {
		for _, n := range strings.Split(*only, ",") {
			opts.Only = append(opts.Only, strings.TrimSpace(n))
		}
	}

	start := time.Now()
	results, err := orchestrator.SyncAll(ctx, db, cat, opts, log)
	if err != nil {
		log.WithError(err).Fatal("sync run failed to start")
	}

	printSummary(results, time.Since(start))

	for _, r := range results {
		if r.Err != nil {
			os.Exit(1)
		}
	}
}

// printSummary prints one aligned line per registry in the host module's
// cmd/jobctl table-writer style.
func printSummary(results []orchestrator.RegistryResult, total time.Duration) {
	nameWidth := len("REGISTRY")
	for _, r := range results {
		if len(r.Registry) > nameWidth {
			nameWidth = len(r.Registry)
		}
	}

	fmt.Printf("%-*s  RESULT\n", nameWidth, "REGISTRY")
	for _, r := range results {
		fmt.Printf("%-*s  %s\n", nameWidth, r.Registry, orchestrator.Summary(r))
	}
	fmt.Printf("\ntotal: %d registries in %.1fs\n", len(results), total.Seconds())
}
