// Package upsert implements the upsert worker pool (C8): bounded-parallel
// batch consumers performing multi-row INSERT ... ON CONFLICT DO UPDATE,
// with intra-batch dedup and a savepoint-based per-row fallback.
package upsert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/atlanteq/registryingest/internal/ingest/catalog"
	"github.com/atlanteq/registryingest/internal/ingest/ingesterr"
	"github.com/atlanteq/registryingest/internal/ingest/model"
	"github.com/atlanteq/registryingest/internal/ingest/progress"
)

// BatchStats describes the outcome of one upserted batch.
type BatchStats struct {
	Imported  int64
	Errors    int64
	Unchanged int64
}

type job struct {
	ctx   context.Context
	cfg   catalog.RegistryConfig
	batch []model.MappedRecord
}

// Pool is a fixed-size pool of worker goroutines draining a shared batch
// channel, the same batchCh/worker-loop/wg.Wait() dispatcher the
// marketdata ingestion job uses to fan COPY batches out across connections.
// Submit hands a batch to the channel and returns as soon as it is queued
// there (the channel holds as many batches as there are workers), so the
// parser feeding Submit keeps producing the next batch while earlier ones
// are still running against the database.
type Pool struct {
	db       *pgxpool.Pool
	log      *logrus.Entry
	counters *progress.Counters

	batchCh chan job
	wg      sync.WaitGroup
	stopped atomic.Bool

	imported  atomic.Int64
	errors    atomic.Int64
	unchanged atomic.Int64
	firstErr  atomic.Pointer[error]
}

// NewPool starts workers goroutines, each draining the pool's internal
// batch channel, and returns the running Pool. counters, when non-nil, is
// updated as each batch finishes so the progress reporter's "imported"
// line reflects database work in flight, not just what has been parsed.
func NewPool(db *pgxpool.Pool, workers int, counters *progress.Counters, log *logrus.Entry) *Pool {
	if workers <= 0 {
		workers = 1
	}
	p := &Pool{db: db, log: log, counters: counters, batchCh: make(chan job, workers)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.runWorker()
	}
	return p
}

// RequestStop marks the pool for shutdown: batches already queued or
// in-flight still drain, but Submit refuses new work. No rollback of
// already-committed batches.
func (p *Pool) RequestStop() { p.stopped.Store(true) }

// Submit hands batch to the worker pool and returns once it is queued on
// the bounded batch channel (capacity = worker count), or ctx is cancelled
// first — not once the database round trip completes. This is what lets the caller (the
// parser's sink) overlap producing the next batch with this one's upsert.
func (p *Pool) Submit(ctx context.Context, cfg catalog.RegistryConfig, batch []model.MappedRecord) error {
	if p.stopped.Load() {
		return ingesterr.New(ingesterr.KindDatabase, "pool stopped, refusing new batch", nil)
	}
	select {
	case p.batchCh <- job{ctx: ctx, cfg: cfg, batch: batch}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the pool from accepting new batches and blocks until every
// queued and in-flight batch has drained.
func (p *Pool) Close() {
	p.stopped.Store(true)
	close(p.batchCh)
	p.wg.Wait()
}

// Stats returns the cumulative totals across every batch processed since
// construction.
func (p *Pool) Stats() BatchStats {
	return BatchStats{Imported: p.imported.Load(), Errors: p.errors.Load(), Unchanged: p.unchanged.Load()}
}

// Err returns the first batch-level error a worker encountered, or nil.
func (p *Pool) Err() error {
	if ptr := p.firstErr.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

// runWorker is the batch-receive loop: it ranges over batchCh until Close
// closes it, so a batch already queued before RequestStop is observed
// still runs to completion rather than being dropped.
func (p *Pool) runWorker() {
	defer p.wg.Done()
	for j := range p.batchCh {
		stats, err := p.upsertBatch(j.ctx, j.cfg, j.batch)

		p.imported.Add(stats.Imported)
		p.errors.Add(stats.Errors)
		p.unchanged.Add(stats.Unchanged)
		if p.counters != nil {
			p.counters.Imported.Add(stats.Imported)
			p.counters.Errors.Add(stats.Errors)
			p.counters.Unchanged.Add(stats.Unchanged)
		}

		if err != nil {
			p.firstErr.CompareAndSwap(nil, &err)
			p.log.WithError(err).Error("batch upsert failed")
		}
	}
}

// upsertBatch dedups batch on its unique key (last occurrence wins), then
// upserts it: a single multi-row INSERT ... ON CONFLICT DO UPDATE, or, on
// any failure of that fast path, a per-row savepoint-isolated fallback
// within one transaction.
func (p *Pool) upsertBatch(ctx context.Context, cfg catalog.RegistryConfig, batch []model.MappedRecord) (BatchStats, error) {
	deduped := dedupe(cfg.UniqueKey, batch)

	stats, err := p.fastPath(ctx, cfg, deduped)
	if err == nil {
		return stats, nil
	}
	p.log.WithError(err).Warnf("fast-path upsert failed for %s, falling back to per-row savepoints", cfg.TableName)
	return p.fallbackPath(ctx, cfg, deduped)
}

// dedupe keeps only the last occurrence of each unique-key tuple, in the
// same relative order, so ON CONFLICT never targets the same row twice
// within one statement.
func dedupe(uniqueKey []string, batch []model.MappedRecord) []model.MappedRecord {
	lastIdx := make(map[string]int, len(batch))
	keyOf := func(r model.MappedRecord) string {
		var b strings.Builder
		for _, k := range uniqueKey {
			fmt.Fprintf(&b, "%v\x1f", r.Values[k])
		}
		return b.String()
	}
	for i, r := range batch {
		lastIdx[keyOf(r)] = i
	}
	keep := make(map[int]bool, len(lastIdx))
	for _, i := range lastIdx {
		keep[i] = true
	}
	out := make([]model.MappedRecord, 0, len(keep))
	for i, r := range batch {
		if keep[i] {
			out = append(out, r)
		}
	}
	return out
}

// fastPath builds and executes one multi-row INSERT ... ON CONFLICT DO
// UPDATE statement for the whole (already-deduped) batch. The update
// clause is gated by WHERE ... IS DISTINCT FROM so a conflicting row whose
// non-key columns exactly match the incoming values isn't touched at all —
// that is what lets Unchanged count genuine no-ops instead of every
// conflict, since updated_at would otherwise advance unconditionally.
func (p *Pool) fastPath(ctx context.Context, cfg catalog.RegistryConfig, batch []model.MappedRecord) (BatchStats, error) {
	if len(batch) == 0 {
		return BatchStats{}, nil
	}
	cols := batch[0].Columns

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", cfg.TableName, strings.Join(cols, ", "))

	args := make([]any, 0, len(cols)*len(batch))
	argN := 1
	for i, rec := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j, c := range cols {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", argN)
			argN++
			args = append(args, rec.Values[c])
		}
		sb.WriteByte(')')
	}

	updateCols := make([]string, 0, len(cols))
	distinctClauses := make([]string, 0, len(cols))
	for _, c := range cols {
		if containsStr(cfg.UniqueKey, c) {
			continue
		}
		updateCols = append(updateCols, c)
		distinctClauses = append(distinctClauses, fmt.Sprintf("%s IS DISTINCT FROM EXCLUDED.%s", c, c))
	}

	sb.WriteString(fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET ", strings.Join(cfg.UniqueKey, ", ")))
	for i, c := range updateCols {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s = EXCLUDED.%s", c, c)
	}
	if len(updateCols) > 0 {
		sb.WriteString(", ")
	}
	sb.WriteString("updated_at = now()")
	if len(distinctClauses) > 0 {
		fmt.Fprintf(&sb, " WHERE %s", strings.Join(distinctClauses, " OR "))
	}
	sb.WriteString(" RETURNING (xmax = 0) AS inserted")

	rows, err := p.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return BatchStats{}, ingesterr.New(ingesterr.KindDatabase, "fast-path upsert", err)
	}
	defer rows.Close()

	var touched int64
	for rows.Next() {
		touched++
	}
	if err := rows.Err(); err != nil {
		return BatchStats{}, ingesterr.New(ingesterr.KindDatabase, "fast-path upsert", err)
	}

	return BatchStats{Imported: touched, Unchanged: int64(len(batch)) - touched}, nil
}

// fallbackPath runs the batch inside one transaction, each row isolated by
// a named savepoint: a per-row failure rolls back to the savepoint
// (counted as an error) while the transaction itself still commits the
// rows that succeeded.
func (p *Pool) fallbackPath(ctx context.Context, cfg catalog.RegistryConfig, batch []model.MappedRecord) (BatchStats, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return BatchStats{}, ingesterr.New(ingesterr.KindDatabase, "begin fallback tx", err)
	}
	defer tx.Rollback(ctx) // no-op if already committed

	var stats BatchStats
	for i, rec := range batch {
		sp := fmt.Sprintf("sp_%d", i)
		if _, err := tx.Exec(ctx, fmt.Sprintf("SAVEPOINT %s", sp)); err != nil {
			return stats, ingesterr.New(ingesterr.KindDatabase, "create savepoint", err)
		}

		changed, err := upsertOneRow(ctx, tx, cfg, rec)
		if err != nil {
			if _, rerr := tx.Exec(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT %s", sp)); rerr != nil {
				return stats, ingesterr.New(ingesterr.KindDatabase, "rollback to savepoint", rerr)
			}
			stats.Errors++
			continue
		}

		if _, err := tx.Exec(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", sp)); err != nil {
			return stats, ingesterr.New(ingesterr.KindDatabase, "release savepoint", err)
		}
		if changed {
			stats.Imported++
		} else {
			stats.Unchanged++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return stats, ingesterr.New(ingesterr.KindDatabase, "commit fallback tx", err)
	}
	return stats, nil
}

// upsertOneRow reports whether the row was actually inserted or changed an
// existing one (changed), as opposed to conflicting with an identical row.
func upsertOneRow(ctx context.Context, tx pgx.Tx, cfg catalog.RegistryConfig, rec model.MappedRecord) (changed bool, err error) {
	cols := rec.Columns
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = rec.Values[c]
	}

	updateCols := make([]string, 0, len(cols))
	distinctClauses := make([]string, 0, len(cols))
	for _, c := range cols {
		if containsStr(cfg.UniqueKey, c) {
			continue
		}
		updateCols = append(updateCols, c)
		distinctClauses = append(distinctClauses, fmt.Sprintf("%s IS DISTINCT FROM EXCLUDED.%s", c, c))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET ",
		cfg.TableName, strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(cfg.UniqueKey, ", "))
	for i, c := range updateCols {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s = EXCLUDED.%s", c, c)
	}
	if len(updateCols) > 0 {
		sb.WriteString(", ")
	}
	sb.WriteString("updated_at = now()")
	if len(distinctClauses) > 0 {
		fmt.Fprintf(&sb, " WHERE %s", strings.Join(distinctClauses, " OR "))
	}

	tag, err := tx.Exec(ctx, sb.String(), args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return false, fmt.Errorf("row upsert violated constraint %s: %w", pgErr.ConstraintName, err)
		}
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func containsStr(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
