// Package validate implements the per-record validator (C7): required
// field presence, domain-specific format checks, and date/numeric
// leniency rules, plus a per-run summary.
package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"sync/atomic"
	"time"
)

// Summary is the per-run validation tally.
type Summary struct {
	Total    int64
	Valid    int64
	Skipped  int64
	Warnings int64
}

// Validator checks one record at a time and accumulates a run-wide
// Summary via atomic counters (no locking needed for single-field bumps).
type Validator struct {
	// FailOnInvalid decides whether errors>0 aborts the record (skipped,
	// default) or fails the run outright.
	FailOnInvalid bool

	total, valid, skipped, warnings int64
}

var entityCodePattern = regexp.MustCompile(`^\d{8}$`)

var dateLayouts = []string{"02.01.2006", "2006-01-02", time.RFC3339}

// Validate checks rec's required fields, identifier format, date and
// numeric fields. ok reports whether the record should proceed to
// mapping; fatal reports that a required field was missing under
// FailOnInvalid, meaning the caller must abort the run rather than skip
// just this record. warnings collects every issue found along the way,
// including the missing required fields behind ok=false or fatal.
func (v *Validator) Validate(rec map[string]any, requiredFields []string, identifierField string, dateFields, numericFields []string) (ok bool, fatal bool, warnings []string) {
	atomic.AddInt64(&v.total, 1)

	var errs int
	for _, f := range requiredFields {
		if s, _ := rec[f].(string); s == "" {
			errs++
			warnings = append(warnings, fmt.Sprintf("required field %q is empty", f))
		}
	}

	if identifierField != "" {
		if s, _ := rec[identifierField].(string); s != "" && !entityCodePattern.MatchString(s) {
			warnings = append(warnings, fmt.Sprintf("identifier %q does not match expected 8-digit pattern", identifierField))
			atomic.AddInt64(&v.warnings, 1)
		}
	}

	for _, f := range dateFields {
		s, _ := rec[f].(string)
		if s == "" {
			continue
		}
		t, perr := parseDate(s)
		if perr != nil {
			warnings = append(warnings, fmt.Sprintf("date field %q unparseable: %v", f, perr))
			atomic.AddInt64(&v.warnings, 1)
			continue
		}
		if t.After(time.Now().AddDate(1, 0, 0)) {
			warnings = append(warnings, fmt.Sprintf("date field %q more than one year in the future", f))
			atomic.AddInt64(&v.warnings, 1)
		}
	}

	for _, f := range numericFields {
		s, _ := rec[f].(string)
		if s == "" {
			continue
		}
		if _, nerr := strconv.ParseFloat(s, 64); nerr != nil {
			warnings = append(warnings, fmt.Sprintf("numeric field %q unparseable: %v", f, nerr))
			atomic.AddInt64(&v.warnings, 1)
		}
	}

	if errs > 0 {
		atomic.AddInt64(&v.skipped, 1)
		if v.FailOnInvalid {
			return false, true, warnings
		}
		return false, false, warnings
	}

	atomic.AddInt64(&v.valid, 1)
	return true, false, warnings
}

// Summary returns a snapshot of the run's validation counters.
func (v *Validator) Summary() Summary {
	return Summary{
		Total:    atomic.LoadInt64(&v.total),
		Valid:    atomic.LoadInt64(&v.valid),
		Skipped:  atomic.LoadInt64(&v.skipped),
		Warnings: atomic.LoadInt64(&v.warnings),
	}
}

// parseDate tries the dotted and ISO layouts the spec names, in order.
func parseDate(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}
