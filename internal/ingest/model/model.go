// Package model holds the data types shared across every ingestion
// component: the raw parser output, the mapped row, and the per-run
// bookkeeping records.
package model

import "time"

// RawRecord is the parser's output shape for one source record. Values are
// one of: string (scalar leaf), []RawRecord (repeated child, e.g. FOUNDER),
// or []NameText (item-based "name=X"/<text> nested object, keyed "item").
type RawRecord map[string]any

// NameText is the item-based nested-object shape some XML dialects use:
// an element carrying a name attribute and a <text> child.
type NameText struct {
	Name string
	Text string
}

// MappedRecord is an ordered tuple aligned with the target table's column
// list, plus the injected raw_data/source_file columns. Columns gives the
// column order used to build positional placeholders in the upsert pool.
type MappedRecord struct {
	Values  map[string]any
	Columns []string
}

// ImportStatus is the lifecycle state of one ImportJob.
type ImportStatus string

const (
	StatusInProgress ImportStatus = "in_progress"
	StatusCompleted  ImportStatus = "completed"
	StatusFailed     ImportStatus = "failed"
)

// ImportJob is the audit-log row for one registry run.
type ImportJob struct {
	ID           string
	RegistryName string
	FileName     string
	StartedAt    time.Time
	FinishedAt   *time.Time
	Status       ImportStatus
	Imported     int64
	Errors       int64
	ErrorMessage string
}

// RegistryMetadata tracks the last successful sync date per registry.
type RegistryMetadata struct {
	RegistryName   string
	LastUpdateDate time.Time
}

// Counters is the set of progress counters the spec requires:
// parsed = imported + errors + skipped + unchanged once the pipeline drains.
type Counters struct {
	Parsed    int64
	Imported  int64
	Errors    int64
	Skipped   int64
	Unchanged int64
}
