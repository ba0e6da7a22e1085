// Package mapper implements the record mapper (C6): pure, I/O-free
// application of a registry's field map to turn a RawRecord into a
// MappedRecord, with synthetic key generation for null unique keys.
//
// Synthetic keys (gen_<n>) regenerate every run rather than persisting
// across runs (see DESIGN.md, Open Question #1) — a known,
// intentionally-accepted idempotence gap for unkeyed rows, matching the
// source system's behavior rather than inventing new persistence the spec
// never asked for.
package mapper

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/atlanteq/registryingest/internal/ingest/catalog"
	"github.com/atlanteq/registryingest/internal/ingest/model"
)

// Map applies cfg.FieldMap to raw, producing an ordered MappedRecord plus
// the injected raw_data/source_file columns. runningIndex seeds synthetic
// keys for records whose unique key maps to null.
//
// Columns are visited in sorted-name order rather than native map
// iteration order: upsert.Pool.fastPath builds one multi-row statement
// from batch[0].Columns and assumes every row in the batch shares that
// same column order, which only holds if Map is deterministic.
func Map(cfg catalog.RegistryConfig, raw model.RawRecord, runningIndex int64, sourceFile string) (model.MappedRecord, error) {
	values := make(map[string]any, len(cfg.FieldMap)+2)
	columns := make([]string, 0, len(cfg.FieldMap)+2)

	fieldCols := make([]string, 0, len(cfg.FieldMap))
	for col := range cfg.FieldMap {
		fieldCols = append(fieldCols, col)
	}
	sort.Strings(fieldCols)

	for _, col := range fieldCols {
		fm := cfg.FieldMap[col]
		var (
			v   any
			err error
		)
		if fm.Fn != nil {
			var rawField string
			if fm.SourceField != "" {
				rawField, _ = raw[fm.SourceField].(string)
			}
			v, err = fm.Fn(rawField, raw)
			if err != nil {
				return model.MappedRecord{}, fmt.Errorf("map column %q: %w", col, err)
			}
		} else {
			s, _ := raw[fm.SourceField].(string)
			if s == "" {
				v = nil
			} else {
				v = s
			}
		}
		values[col] = v
		columns = append(columns, col)
	}

	for _, k := range cfg.UniqueKey {
		if values[k] == nil || values[k] == "" {
			values[k] = fmt.Sprintf("gen_%d", runningIndex)
		}
	}

	rawJSON, err := json.Marshal(raw)
	if err != nil {
		return model.MappedRecord{}, fmt.Errorf("marshal raw_data: %w", err)
	}
	values["raw_data"] = string(rawJSON)
	values["source_file"] = sourceFile
	columns = append(columns, "raw_data", "source_file")

	return model.MappedRecord{Values: values, Columns: columns}, nil
}
