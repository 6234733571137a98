package pipeline

import (
	"fmt"
	"strings"
)

// DefaultRequiredColumns is the fixed set of columns validation requires
// unless the configuration overrides it. The opinion-text column is the
// one mandatory input of the whole pipeline.
var DefaultRequiredColumns = []string{"opinion"}

// sampleSize caps how many rows the validation report carries.
const sampleSize = 5

// ValidationStats summarizes the parsed table.
type ValidationStats struct {
	RowCount        int      `json:"rowCount"`
	ColumnCount     int      `json:"columnCount"`
	Columns         []string `json:"columns"`
	MissingRequired []string `json:"missingRequired"`
}

// ValidationResult classifies a parse as usable or not, with diagnostics.
// Valid is true iff Errors is empty; there is no hidden condition.
type ValidationResult struct {
	Valid    bool                `json:"valid"`
	Errors   []string            `json:"errors"`
	Warnings []string            `json:"warnings"`
	Stats    ValidationStats     `json:"stats"`
	Sample   []map[string]string `json:"sample"`
}

// Validate classifies parsed tabular data. Pure: no side effects,
// identical input yields identical output, callable repeatedly.
//
// Every missing required column is reported by name, all at once. A parse
// with zero data rows is invalid regardless of column correctness.
func Validate(parsed ParseResult, required []string) ValidationResult {
	if required == nil {
		required = DefaultRequiredColumns
	}

	errs := make([]string, 0, len(parsed.Errors)+2)
	errs = append(errs, parsed.Errors...)
	warnings := []string{}

	var missing []string
	for _, col := range required {
		if !containsColumn(parsed.Fields, col) {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		errs = append(errs, fmt.Sprintf("missing required columns: %s", strings.Join(missing, ", ")))
	}
	if missing == nil {
		missing = []string{}
	}

	if len(parsed.Rows) == 0 {
		errs = append(errs, "no data rows")
	}

	if dup := duplicateColumns(parsed.Fields); len(dup) > 0 {
		warnings = append(warnings, fmt.Sprintf("duplicate column names: %s", strings.Join(dup, ", ")))
	}

	sample := parsed.Rows
	if len(sample) > sampleSize {
		sample = sample[:sampleSize]
	}

	return ValidationResult{
		Valid:    len(errs) == 0,
		Errors:   errs,
		Warnings: warnings,
		Stats: ValidationStats{
			RowCount:        len(parsed.Rows),
			ColumnCount:     len(parsed.Fields),
			Columns:         parsed.Fields,
			MissingRequired: missing,
		},
		Sample: sample,
	}
}

func containsColumn(columns []string, name string) bool {
	for _, c := range columns {
		if c == name {
			return true
		}
	}
	return false
}

func duplicateColumns(columns []string) []string {
	seen := make(map[string]int, len(columns))
	var dup []string
	for _, c := range columns {
		seen[c]++
		if seen[c] == 2 {
			dup = append(dup, c)
		}
	}
	return dup
}
