// Package importer validates externally supplied bulk bar data (delimited
// files, tabular records) and writes it into the catalog store. Import
// shares the partition write path with the fetch path, so conflict policy
// semantics are identical for both.
package importer

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	caterrors "barcatalog/internal/errors"
	"barcatalog/internal/models"
	"barcatalog/internal/store"
)

// Record is one tabular input row. All fields are raw strings; validation
// happens in Import.
type Record struct {
	Row       int // 1-based input position, used in error reports
	Timestamp string
	Open      string
	High      string
	Low       string
	Close     string
	Volume    string
}

// Report summarizes an import batch. Validation failures never abort the
// batch: valid rows are still written and the error list is returned
// alongside the summary.
type Report struct {
	RowsProcessed int
	RowsWritten   int
	RowsSkipped   int
	Errors        []error

	// DatesWritten are the partition days created or replaced, for the
	// caller to feed into the availability index.
	DatesWritten []time.Time
}

// Importer writes validated bulk data through the catalog store.
type Importer struct {
	store  store.CatalogStore
	logger *slog.Logger
}

// New creates an importer over the given store.
func New(st store.CatalogStore, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{store: st, logger: logger.With("component", "importer")}
}

// timestampLayouts are accepted input timestamp formats, tried in order.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Import validates each record, converts the valid ones to bars, groups
// them into partitions and writes them with the given conflict policy.
// Per-row failures are collected into the report; only systemic failures
// (bad key, bad policy, storage errors) abort the batch.
func (im *Importer) Import(ctx context.Context, records []Record, key models.SeriesKey, policy store.ConflictPolicy) (*Report, error) {
	const op = "importer.Import"

	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	report := &Report{RowsProcessed: len(records)}
	seen := make(map[time.Time]int, len(records)) // timestamp -> first row
	var bars []models.Bar
	rowByDay := make(map[time.Time]int)

	for i, rec := range records {
		row := rec.Row
		if row == 0 {
			row = i + 1
		}

		bar, err := parseRecord(rec)
		if err != nil {
			report.Errors = append(report.Errors, caterrors.Validation(op, row, err))
			report.RowsSkipped++
			continue
		}

		if firstRow, dup := seen[bar.Timestamp]; dup {
			report.Errors = append(report.Errors, caterrors.Validation(op, row,
				fmt.Errorf("duplicate timestamp %s (first seen at row %d)",
					bar.Timestamp.Format(time.RFC3339), firstRow)))
			report.RowsSkipped++
			continue
		}
		seen[bar.Timestamp] = row

		bars = append(bars, *bar)
		rowByDay[models.DayOf(bar.Timestamp)]++
	}

	if len(bars) == 0 {
		im.logger.Warn("import batch contained no valid rows",
			"key", key.String(), "rows", len(records), "errors", len(report.Errors))
		return report, nil
	}

	result, err := im.store.WriteRange(ctx, key, bars, policy)
	if err != nil {
		return nil, fmt.Errorf("%s: writing batch for %s: %w", op, key, err)
	}

	report.DatesWritten = result.DatesWritten
	for _, day := range result.DatesSkipped {
		report.RowsSkipped += rowByDay[day]
	}
	for _, day := range result.DatesWritten {
		report.RowsWritten += rowByDay[day]
	}

	im.logger.Info("import batch complete",
		"key", key.String(),
		"rows_processed", report.RowsProcessed,
		"rows_written", report.RowsWritten,
		"rows_skipped", report.RowsSkipped,
		"validation_errors", len(report.Errors))

	return report, nil
}

// parseRecord converts one raw row into a validated bar.
func parseRecord(rec Record) (*models.Bar, error) {
	ts, err := parseTimestamp(rec.Timestamp)
	if err != nil {
		return nil, err
	}
	return models.NewBar(ts, strings.TrimSpace(rec.Open), strings.TrimSpace(rec.High),
		strings.TrimSpace(rec.Low), strings.TrimSpace(rec.Close), strings.TrimSpace(rec.Volume))
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("timestamp is empty")
	}

	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return ts.UTC(), nil
		}
	}
	// Unix seconds or milliseconds.
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
}

// ReadCSV parses delimited input with the column order
// timestamp,open,high,low,close,volume. A header row is detected and
// skipped. Row numbers count from the first line of the file.
func ReadCSV(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var records []Record
	line := 0
	for {
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv line %d: %w", line+1, err)
		}
		line++

		if line == 1 && isHeader(fields) {
			continue
		}
		if len(fields) < 6 {
			records = append(records, Record{Row: line, Timestamp: strings.Join(fields, ",")})
			continue
		}

		records = append(records, Record{
			Row:       line,
			Timestamp: fields[0],
			Open:      fields[1],
			High:      fields[2],
			Low:       fields[3],
			Close:     fields[4],
			Volume:    fields[5],
		})
	}

	return records, nil
}

func isHeader(fields []string) bool {
	if len(fields) == 0 {
		return false
	}
	first := strings.ToLower(strings.TrimSpace(fields[0]))
	return first == "timestamp" || first == "time" || first == "date"
}
