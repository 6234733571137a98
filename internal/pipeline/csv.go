package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/broadlistening/opinionmap/internal/worker"
)

// ParseCSV parses header-first CSV text into column→value rows. Empty
// lines are skipped. Malformed records are reported in Errors but do not
// abort the parse; downstream validation decides whether the result is
// usable.
func ParseCSV(text string) ParseResult {
	reader := csv.NewReader(strings.NewReader(text))
	reader.FieldsPerRecord = -1 // collect ragged rows as errors, keep parsing
	reader.TrimLeadingSpace = true

	var result ParseResult

	header, err := reader.Read()
	if err == io.EOF {
		result.Errors = append(result.Errors, "empty input")
		return result
	}
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("header: %v", err))
		return result
	}
	fields := make([]string, len(header))
	for i, f := range header {
		fields[i] = strings.TrimSpace(f)
	}
	result.Fields = fields

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.Errors = append(result.Errors, err.Error())
			break
		}

		if isEmptyRecord(record) {
			continue
		}
		if len(record) != len(fields) {
			result.Errors = append(result.Errors,
				fmt.Sprintf("row %d: expected %d fields, got %d", len(result.Rows)+1, len(fields), len(record)))
		}

		row := make(map[string]string, len(fields))
		for i, name := range fields {
			if i < len(record) {
				row[name] = record[i]
			} else {
				row[name] = ""
			}
		}
		result.Rows = append(result.Rows, row)
	}

	return result
}

func isEmptyRecord(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// parseStage wraps ParseCSV as a compute unit.
func parseStage(_ context.Context, p worker.Payload) (worker.Result, error) {
	payload, ok := p.(ParsePayload)
	if !ok {
		return nil, &worker.StageError{Kind: worker.ErrKindContract, Message: "csvParser: unexpected payload type"}
	}
	if strings.TrimSpace(payload.CSVText) == "" {
		return nil, &worker.StageError{Kind: worker.ErrKindInput, Message: "CSV text is empty"}
	}
	return ParseCSV(payload.CSVText), nil
}
