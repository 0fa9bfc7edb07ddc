package importer

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	caterrors "barcatalog/internal/errors"
	"barcatalog/internal/models"
	"barcatalog/internal/store"
)

func testImporter(t *testing.T) (*Importer, *store.ParquetStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.NewParquetStore(t.TempDir(), logger)
	require.NoError(t, err)
	return New(st, logger), st
}

func testKey() models.SeriesKey {
	return models.SeriesKey{Instrument: models.NewInstrumentKey("AAPL", "XNAS"), Spec: models.Spec1Min}
}

func record(row int, ts, close string) Record {
	return Record{Row: row, Timestamp: ts, Open: "100", High: "105", Low: "95", Close: close, Volume: "1000"}
}

func TestImportValidBatch(t *testing.T) {
	im, st := testImporter(t)
	key := testKey()

	records := []Record{
		record(1, "2024-01-02T10:00:00Z", "101"),
		record(2, "2024-01-02T11:00:00Z", "102"),
		record(3, "2024-01-03T10:00:00Z", "103"),
	}

	report, err := im.Import(context.Background(), records, key, store.PolicySkip)
	require.NoError(t, err)
	assert.Equal(t, 3, report.RowsProcessed)
	assert.Equal(t, 3, report.RowsWritten)
	assert.Zero(t, report.RowsSkipped)
	assert.Empty(t, report.Errors)
	assert.Len(t, report.DatesWritten, 2)

	bars, err := st.ReadRange(context.Background(), key,
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, bars, 3)
}

func TestImportInvalidRowDoesNotAbortBatch(t *testing.T) {
	im, _ := testImporter(t)
	key := testKey()

	base := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	var records []Record
	for i := 1; i <= 100; i++ {
		ts := base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
		records = append(records, record(i, ts, "101"))
	}
	// Row 42 violates the OHLC relationship: high below close.
	records[41].High = "100"
	records[41].Close = "104"

	report, err := im.Import(context.Background(), records, key, store.PolicySkip)
	require.NoError(t, err)
	assert.Equal(t, 100, report.RowsProcessed)
	assert.Equal(t, 99, report.RowsWritten)
	assert.Equal(t, 1, report.RowsSkipped)

	require.Len(t, report.Errors, 1)
	assert.Equal(t, caterrors.KindValidation, caterrors.KindOf(report.Errors[0]))
	assert.Contains(t, report.Errors[0].Error(), "row 42")
}

func TestImportDuplicateTimestamps(t *testing.T) {
	im, _ := testImporter(t)

	records := []Record{
		record(1, "2024-01-02T10:00:00Z", "101"),
		record(2, "2024-01-02T10:00:00Z", "999"),
	}

	report, err := im.Import(context.Background(), records, testKey(), store.PolicySkip)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RowsWritten)
	assert.Equal(t, 1, report.RowsSkipped)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0].Error(), "duplicate timestamp")
	assert.Contains(t, report.Errors[0].Error(), "row 1")
}

func TestImportSkipPolicyOnExistingDay(t *testing.T) {
	im, _ := testImporter(t)
	key := testKey()

	first := []Record{record(1, "2024-01-02T10:00:00Z", "101")}
	_, err := im.Import(context.Background(), first, key, store.PolicySkip)
	require.NoError(t, err)

	second := []Record{
		record(1, "2024-01-02T11:00:00Z", "102"),
		record(2, "2024-01-03T10:00:00Z", "103"),
	}
	report, err := im.Import(context.Background(), second, key, store.PolicySkip)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RowsWritten, "only the new day is written")
	assert.Equal(t, 1, report.RowsSkipped, "the existing day is skipped")
}

func TestImportAllRowsInvalid(t *testing.T) {
	im, _ := testImporter(t)

	records := []Record{
		{Row: 1, Timestamp: "not a time", Open: "1", High: "1", Low: "1", Close: "1", Volume: "0"},
		{Row: 2, Timestamp: "2024-01-02T10:00:00Z", Open: "abc", High: "1", Low: "1", Close: "1", Volume: "0"},
	}

	report, err := im.Import(context.Background(), records, testKey(), store.PolicySkip)
	require.NoError(t, err)
	assert.Zero(t, report.RowsWritten)
	assert.Equal(t, 2, report.RowsSkipped)
	assert.Len(t, report.Errors, 2)
	assert.Empty(t, report.DatesWritten)
}

func TestImportRejectsBadKeyAndPolicy(t *testing.T) {
	im, _ := testImporter(t)

	_, err := im.Import(context.Background(), nil, models.SeriesKey{}, store.PolicySkip)
	assert.Error(t, err)

	_, err = im.Import(context.Background(), nil, testKey(), store.ConflictPolicy("upsert"))
	assert.Error(t, err)
}

func TestParseTimestampFormats(t *testing.T) {
	want := time.Date(2024, 1, 2, 10, 30, 0, 0, time.UTC)
	tests := []string{
		"2024-01-02T10:30:00Z",
		"2024-01-02 10:30:00",
		"2024-01-02T10:30:00",
		"1704191400",    // unix seconds
		"1704191400000", // unix milliseconds
	}
	for _, raw := range tests {
		t.Run(raw, func(t *testing.T) {
			got, err := parseTimestamp(raw)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}

	dayOnly, err := parseTimestamp("2024-01-02")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), dayOnly)

	_, err = parseTimestamp("yesterday")
	assert.Error(t, err)
	_, err = parseTimestamp("  ")
	assert.Error(t, err)
}

func TestReadCSV(t *testing.T) {
	input := strings.Join([]string{
		"timestamp,open,high,low,close,volume",
		"2024-01-02T10:00:00Z,100,105,95,101,1000",
		"2024-01-02T11:00:00Z,101,106,96,102,900",
	}, "\n")

	records, err := ReadCSV(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 2, records[0].Row, "row numbers count file lines, header included")
	assert.Equal(t, "2024-01-02T10:00:00Z", records[0].Timestamp)
	assert.Equal(t, "101", records[0].Close)
}

func TestReadCSVWithoutHeader(t *testing.T) {
	input := "2024-01-02T10:00:00Z,100,105,95,101,1000\n"
	records, err := ReadCSV(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].Row)
}

func TestReadCSVShortRowBecomesInvalidRecord(t *testing.T) {
	input := "2024-01-02T10:00:00Z,100,105\n2024-01-02T11:00:00Z,100,105,95,101,1000\n"
	records, err := ReadCSV(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, records, 2)

	// The short row survives as a record that will fail validation, so it
	// shows up in the import report rather than vanishing.
	assert.Empty(t, records[0].Open)

	im, _ := testImporter(t)
	report, err := im.Import(context.Background(), records, testKey(), store.PolicySkip)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RowsWritten)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0].Error(), "row 1")
}
