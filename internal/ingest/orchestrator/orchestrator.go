// Package orchestrator implements the job orchestrator (C10): registry
// selection, registry-level bounded parallelism, the per-registry
// fetch→extract→decode→parse→map→validate→upsert pipeline, and the
// import_log/registry_metadata bookkeeping.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/atlanteq/registryingest/internal/ingest/catalog"
	"github.com/atlanteq/registryingest/internal/ingest/decode"
	"github.com/atlanteq/registryingest/internal/ingest/extract"
	"github.com/atlanteq/registryingest/internal/ingest/fetch"
	"github.com/atlanteq/registryingest/internal/ingest/ingesterr"
	"github.com/atlanteq/registryingest/internal/ingest/mapper"
	"github.com/atlanteq/registryingest/internal/ingest/model"
	"github.com/atlanteq/registryingest/internal/ingest/parse"
	"github.com/atlanteq/registryingest/internal/ingest/progress"
	"github.com/atlanteq/registryingest/internal/ingest/upsert"
	"github.com/atlanteq/registryingest/internal/ingest/validate"
)

// Options controls one SyncAll invocation; it is the Go shape of the CLI's
// --only/--weekly/--dry-run/--keep-files flags plus tuning knobs.
type Options struct {
	Only          []string
	Weekly        bool
	DryRun        bool
	KeepFiles     bool
	Concurrency   int // default 3
	ScratchRoot   string
	BatchSizeXML  int // default 2000
	BatchSizeCSV  int // default 1000
	WorkersXML    int // default 3..10
	WorkersCSV    int // default 10
	ProgressEvery time.Duration
	HeapWarnBytes uint64
	FailOnInvalid bool
}

// RegistryResult is one registry's outcome from a SyncAll run.
type RegistryResult struct {
	Registry string
	Imported int64
	Errors   int64
	Skipped  int64
	Duration time.Duration
	Err      error
}

// SyncAll selects the due registries (honoring Only/Weekly), runs each
// registry pipeline with registry-level concurrency capped at
// Options.Concurrency, and returns one RegistryResult per registry
// attempted. One failed registry never cancels the others.
func SyncAll(ctx context.Context, db *pgxpool.Pool, cat []catalog.RegistryConfig, opts Options, log *logrus.Entry) ([]RegistryResult, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	selected, err := selectRegistries(ctx, db, cat, opts)
	if err != nil {
		return nil, err
	}

	sem := semaphore.NewWeighted(int64(opts.Concurrency))
	results := make([]RegistryResult, len(selected))
	var wg sync.WaitGroup

	for i, cfg := range selected {
		i, cfg := i, cfg
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = RegistryResult{Registry: cfg.Name, Err: err}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = runRegistry(ctx, db, cfg, opts, log.WithField("registry", cfg.Name))
		}()
	}
	wg.Wait()

	return results, nil
}

// selectRegistries applies --only filtering and, in weekly mode, the
// cadence-threshold check against registry_metadata.last_update_date.
func selectRegistries(ctx context.Context, db *pgxpool.Pool, cat []catalog.RegistryConfig, opts Options) ([]catalog.RegistryConfig, error) {
	var filtered []catalog.RegistryConfig
	if len(opts.Only) == 0 {
		filtered = cat
	} else {
		onlySet := make(map[string]bool, len(opts.Only))
		for _, n := range opts.Only {
			onlySet[strings.TrimSpace(n)] = true
		}
		for _, c := range cat {
			if onlySet[c.Name] {
				filtered = append(filtered, c)
			}
		}
	}

	if !opts.Weekly {
		return filtered, nil
	}

	var due []catalog.RegistryConfig
	for _, c := range filtered {
		last, ok, err := getLastUpdateDate(ctx, db, c.Name)
		if err != nil {
			return nil, err
		}
		if !ok {
			due = append(due, c)
			continue
		}
		thresholdDays := catalog.CadenceThreshold(c.UpdateFrequency)
		if time.Since(last) >= time.Duration(thresholdDays)*24*time.Hour {
			due = append(due, c)
		}
	}
	return due, nil
}

// runRegistry executes one registry's full pipeline: create ImportJob →
// fetch → extract → decode → parse → map+validate → upsert → finalize
// ImportJob + RegistryMetadata → scratch cleanup.
func runRegistry(ctx context.Context, db *pgxpool.Pool, cfg catalog.RegistryConfig, opts Options, log *logrus.Entry) RegistryResult {
	start := time.Now()
	runID := uuid.NewString()
	log = log.WithField("run_id", runID)

	if opts.DryRun {
		log.Info("dry run: would sync registry")
		return RegistryResult{Registry: cfg.Name, Duration: time.Since(start)}
	}

	jobID, err := insertImportJob(ctx, db, runID, cfg.Name, start)
	if err != nil {
		return RegistryResult{Registry: cfg.Name, Err: err, Duration: time.Since(start)}
	}

	scratchDir := filepath.Join(opts.ScratchRoot, cfg.Name+"-"+runID)
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		finishImportJob(ctx, db, jobID, model.StatusFailed, 0, 0, err.Error())
		return RegistryResult{Registry: cfg.Name, Err: err, Duration: time.Since(start)}
	}
	if !opts.KeepFiles {
		defer os.RemoveAll(scratchDir)
	}

	counters := &progress.Counters{}
	progCtx, cancelProg := context.WithCancel(ctx)
	reporter := &progress.Reporter{Counters: counters, Interval: opts.ProgressEvery, HeapWarnBytes: opts.HeapWarnBytes}
	go reporter.Run(progCtx, log)
	defer cancelProg()

	imported, errCount, skipped, runErr := runPipeline(ctx, db, cfg, opts, scratchDir, counters, log)

	duration := time.Since(start)
	if runErr != nil {
		finishImportJob(ctx, db, jobID, model.StatusFailed, imported, errCount, runErr.Error())
		return RegistryResult{Registry: cfg.Name, Imported: imported, Errors: errCount, Skipped: skipped, Err: runErr, Duration: duration}
	}

	finishImportJob(ctx, db, jobID, model.StatusCompleted, imported, errCount, "")
	// Advances last_update_date even when imported==0 for this run (see
	// DESIGN.md Open Question #2): reaching "completed" status is itself
	// the signal the registry was checked, independent of row deltas.
	if err := setLastUpdateDate(ctx, db, cfg.Name, start); err != nil {
		log.WithError(err).Warn("failed to advance registry_metadata.last_update_date")
	}

	return RegistryResult{Registry: cfg.Name, Imported: imported, Errors: errCount, Skipped: skipped, Duration: duration}
}

func runPipeline(ctx context.Context, db *pgxpool.Pool, cfg catalog.RegistryConfig, opts Options, scratchDir string, counters *progress.Counters, log *logrus.Entry) (imported, errCount, skipped int64, err error) {
	archivePath := filepath.Join(scratchDir, "archive.zip")
	f := fetch.New(log)
	if ferr := f.Fetch(ctx, cfg.DatasetURL, archivePath); ferr != nil {
		return 0, 0, 0, ferr
	}

	extractDir := filepath.Join(scratchDir, "extracted")
	files, eerr := extract.Extract(archivePath, extractDir)
	if eerr != nil {
		return 0, 0, 0, eerr
	}
	if len(files) == 0 {
		return 0, 0, 0, ingesterr.New(ingesterr.KindArchive, "archive contained no data file", nil)
	}

	batchSize := opts.BatchSizeXML
	workers := opts.WorkersXML
	if cfg.Format == catalog.FormatCSV {
		batchSize = opts.BatchSizeCSV
		workers = opts.WorkersCSV
	}
	if batchSize <= 0 {
		batchSize = 2000
	}
	if workers <= 0 {
		workers = 3
	}

	pool := upsert.NewPool(db, workers, counters, log)
	defer func() {
		pool.Close()
		stats := pool.Stats()
		imported += stats.Imported
		errCount += stats.Errors
		if perr := pool.Err(); perr != nil && err == nil {
			err = perr
		}
		if err == nil && imported == 0 && errCount > 0 {
			err = ingesterr.New(ingesterr.KindConfig, "no records imported and parse errors occurred", nil)
		}
	}()
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		<-watchCtx.Done()
		pool.RequestStop()
	}()

	validator := &validate.Validator{FailOnInvalid: opts.FailOnInvalid}
	defer func() {
		vs := validator.Summary()
		log.WithFields(logrus.Fields{
			"validated": vs.Total,
			"valid":     vs.Valid,
			"skipped":   vs.Skipped,
			"warnings":  vs.Warnings,
		}).Info("validation summary")
	}()
	var runningIndex atomic.Int64

	requiredFields, identifierField, dateFields, numericFields := fieldPolicyFor(cfg)

	for _, relPath := range files {
		fullPath := filepath.Join(extractDir, relPath)
		if !strings.EqualFold(filepath.Ext(fullPath), "."+string(cfg.Format)) {
			continue
		}

		raw, oerr := os.Open(fullPath)
		if oerr != nil {
			return imported, errCount, skipped, ingesterr.New(ingesterr.KindArchive, "open data file", oerr)
		}

		decoded, derr := decode.Decode(raw, cfg.Encoding)
		if derr != nil {
			raw.Close()
			return imported, errCount, skipped, derr
		}
		sanitized := decode.Sanitize(decoded)

		sink := func(ctx context.Context, batch []model.RawRecord) error {
			mapped := make([]model.MappedRecord, 0, len(batch))
			for _, rr := range batch {
				counters.Parsed.Add(1)

				flatForValidation := flatten(rr)
				ok, fatal, warnings := validator.Validate(flatForValidation, requiredFields, identifierField, dateFields, numericFields)
				for _, w := range warnings {
					log.Debug(w)
				}
				if fatal {
					return ingesterr.New(ingesterr.KindValidate,
						fmt.Sprintf("required field validation failed and fail-on-invalid is set: %s", strings.Join(warnings, "; ")), nil)
				}
				if !ok {
					counters.Skipped.Add(1)
					skipped++
					continue
				}

				mr, merr := mapper.Map(cfg, rr, runningIndex.Add(1), relPath)
				if merr != nil {
					counters.Errors.Add(1)
					errCount++
					continue
				}
				mapped = append(mapped, mr)
			}
			if len(mapped) == 0 {
				return nil
			}
			return pool.Submit(ctx, cfg, mapped)
		}

		var perr error
		if cfg.Format == catalog.FormatXML {
			_, perr = parse.ParseXML(ctx, sanitized, cfg.RecordPath, cfg.RepeatedTags, batchSize, sink)
		} else {
			_, perr = parse.ParseCSV(ctx, sanitized, cfg.CSVDelimiter, batchSize, sink)
		}
		raw.Close()

		if perr != nil {
			if ingesterr.KindOf(perr) == ingesterr.KindValidate {
				// fail-on-invalid aborts the registry run outright, unlike
				// an ordinary decode/parse error which only demotes to a
				// warning below.
				err = perr
				return
			}
			// Decode/parse errors are demoted to warnings: the partial
			// batch already flushed stays, and the run still finishes
			// with status=completed as long as something was imported.
			log.WithError(perr).Warn("parser aborted mid-file, continuing with partial results")
			errCount++
		}
	}

	return
}

// flatten projects a RawRecord's scalar fields into a plain
// map[string]any for the validator, which only inspects scalar leaves.
func flatten(rr model.RawRecord) map[string]any {
	out := make(map[string]any, len(rr))
	for k, v := range rr {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// fieldPolicyFor derives the validator's field lists from a registry's
// declarative config: required fields are the unique-key source columns,
// and date/numeric fields come straight from the catalog entry's
// DateFields/NumericFields — catalog-driven policy rather than a second
// structure to keep in sync.
func fieldPolicyFor(cfg catalog.RegistryConfig) (required []string, identifier string, dates, numerics []string) {
	for _, k := range cfg.UniqueKey {
		if fm, ok := cfg.FieldMap[k]; ok && fm.SourceField != "" {
			required = append(required, fm.SourceField)
			if identifier == "" {
				identifier = fm.SourceField
			}
		}
	}
	return required, identifier, cfg.DateFields, cfg.NumericFields
}

func insertImportJob(ctx context.Context, db *pgxpool.Pool, id, registryName string, startedAt time.Time) (string, error) {
	_, err := db.Exec(ctx, `
		INSERT INTO import_log (id, registry_name, file_name, started_at, status, records_imported, records_failed)
		VALUES ($1, $2, '', $3, 'in_progress', 0, 0)`, id, registryName, startedAt)
	if err != nil {
		return "", ingesterr.New(ingesterr.KindDatabase, "insert import_log row", err)
	}
	return id, nil
}

func finishImportJob(ctx context.Context, db *pgxpool.Pool, id string, status model.ImportStatus, imported, errCount int64, errMsg string) {
	_, _ = db.Exec(ctx, `
		UPDATE import_log
		SET finished_at = now(), status = $2, records_imported = $3, records_failed = $4, error_message = $5
		WHERE id = $1`, id, string(status), imported, errCount, errMsg)
}

func getLastUpdateDate(ctx context.Context, db *pgxpool.Pool, registryName string) (time.Time, bool, error) {
	var t time.Time
	err := db.QueryRow(ctx, `SELECT last_update_date FROM registry_metadata WHERE registry_name = $1`, registryName).Scan(&t)
	if err != nil {
		if err == pgx.ErrNoRows {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, ingesterr.New(ingesterr.KindDatabase, "read registry_metadata", err)
	}
	return t, true, nil
}

func setLastUpdateDate(ctx context.Context, db *pgxpool.Pool, registryName string, t time.Time) error {
	_, err := db.Exec(ctx, `
		INSERT INTO registry_metadata (registry_name, last_update_date, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (registry_name) DO UPDATE SET last_update_date = EXCLUDED.last_update_date, updated_at = now()`,
		registryName, t)
	if err != nil {
		return ingesterr.New(ingesterr.KindDatabase, "update registry_metadata", err)
	}
	return nil
}

// Summary formats one RegistryResult as the end-of-run summary line: "<N>
// records (<T>s)" on success, "FAILED: <reason> (<T>s)" on failure.
func Summary(r RegistryResult) string {
	if r.Err != nil {
		return fmt.Sprintf("FAILED: %v (%.1fs)", r.Err, r.Duration.Seconds())
	}
	return fmt.Sprintf("%d records (%.1fs)", r.Imported, r.Duration.Seconds())
}
