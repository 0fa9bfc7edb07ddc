package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	caterrors "barcatalog/internal/errors"
	"barcatalog/internal/models"
)

func testKey() models.SeriesKey {
	return models.SeriesKey{Instrument: models.NewInstrumentKey("AAPL", "XNAS"), Spec: models.Spec1Min}
}

func testStore(t *testing.T) *ParquetStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewParquetStore(t.TempDir(), logger)
	require.NoError(t, err)
	return s
}

func bar(t *testing.T, ts time.Time, close string) models.Bar {
	t.Helper()
	b, err := models.NewBar(ts, close, close, close, close, "100")
	require.NoError(t, err)
	return *b
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := testKey()

	d1 := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	d2 := time.Date(2024, 1, 3, 9, 30, 0, 0, time.UTC)
	bars := []models.Bar{bar(t, d2, "102"), bar(t, d1, "101"), bar(t, d1.Add(time.Minute), "101.5")}

	result, err := s.WriteRange(ctx, key, bars, PolicySkip)
	require.NoError(t, err)
	assert.Equal(t, 3, result.BarsWritten)
	require.Len(t, result.DatesWritten, 2)
	assert.Equal(t, models.DayOf(d1), result.DatesWritten[0])
	assert.Equal(t, models.DayOf(d2), result.DatesWritten[1])

	got, err := s.ReadRange(ctx, key, d1, d2.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, d1, got[0].Timestamp)
	assert.Equal(t, d1.Add(time.Minute), got[1].Timestamp)
	assert.Equal(t, d2, got[2].Timestamp)
	assert.Equal(t, "101", got[0].Close)
}

func TestReadRangeFiltersHalfOpen(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := testKey()

	base := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	var bars []models.Bar
	for i := 0; i < 5; i++ {
		bars = append(bars, bar(t, base.Add(time.Duration(i)*time.Minute), "100"))
	}
	_, err := s.WriteRange(ctx, key, bars, PolicySkip)
	require.NoError(t, err)

	// [base+1m, base+3m): exactly minutes 1 and 2.
	got, err := s.ReadRange(ctx, key, base.Add(time.Minute), base.Add(3*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, base.Add(time.Minute), got[0].Timestamp)
	assert.Equal(t, base.Add(2*time.Minute), got[1].Timestamp)
}

func TestConflictPolicySkip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := testKey()
	ts := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)

	_, err := s.WriteRange(ctx, key, []models.Bar{bar(t, ts, "100")}, PolicySkip)
	require.NoError(t, err)

	result, err := s.WriteRange(ctx, key, []models.Bar{bar(t, ts, "999")}, PolicySkip)
	require.NoError(t, err)
	assert.Empty(t, result.DatesWritten)
	assert.Len(t, result.DatesSkipped, 1)
	assert.Zero(t, result.BarsWritten)

	got, err := s.ReadRange(ctx, key, ts, ts.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "100", got[0].Close)
}

func TestConflictPolicyOverwrite(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := testKey()
	ts := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)

	_, err := s.WriteRange(ctx, key, []models.Bar{bar(t, ts, "100"), bar(t, ts.Add(time.Minute), "100")}, PolicySkip)
	require.NoError(t, err)

	result, err := s.WriteRange(ctx, key, []models.Bar{bar(t, ts, "999")}, PolicyOverwrite)
	require.NoError(t, err)
	assert.Len(t, result.DatesWritten, 1)

	got, err := s.ReadRange(ctx, key, ts, ts.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "999", got[0].Close)
}

func TestConflictPolicyMerge(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := testKey()
	ts := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)

	_, err := s.WriteRange(ctx, key, []models.Bar{bar(t, ts, "100")}, PolicySkip)
	require.NoError(t, err)

	// One colliding timestamp, one new.
	incoming := []models.Bar{bar(t, ts, "999"), bar(t, ts.Add(time.Minute), "101")}
	result, err := s.WriteRange(ctx, key, incoming, PolicyMerge)
	require.NoError(t, err)
	assert.Len(t, result.DatesWritten, 1)

	got, err := s.ReadRange(ctx, key, ts, ts.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Existing value wins on collision.
	assert.Equal(t, "100", got[0].Close)
	assert.Equal(t, "101", got[1].Close)
}

func TestWriteRangeDedupesInput(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := testKey()
	ts := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)

	result, err := s.WriteRange(ctx, key, []models.Bar{bar(t, ts, "100"), bar(t, ts, "200")}, PolicySkip)
	require.NoError(t, err)
	assert.Equal(t, 1, result.BarsWritten)
}

func TestWriteEmptyPartition(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := testKey()
	d := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	created, err := s.WriteEmptyPartition(ctx, key, d)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, s.HasPartition(key, d))

	created, err = s.WriteEmptyPartition(ctx, key, d)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.ReadRange(ctx, key, d, d.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTempFilesInvisibleAfterCrash(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := testKey()
	ts := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)

	_, err := s.WriteRange(ctx, key, []models.Bar{bar(t, ts, "100")}, PolicySkip)
	require.NoError(t, err)

	// Simulate a crash mid-write: a temp file left behind next to the
	// published partition.
	dir := s.seriesDir(key)
	leftover := filepath.Join(dir, tmpPrefix+"2024-01-03-deadbeef"+partitionExt)
	require.NoError(t, os.WriteFile(leftover, []byte("partial garbage"), 0o644))

	got, err := s.ReadRange(ctx, key, ts, ts.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.Len(t, got, 1)

	partitions, err := s.ListPartitions(ctx)
	require.NoError(t, err)
	require.Len(t, partitions[key], 1)
	assert.False(t, s.HasPartition(key, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)))
}

func TestCorruptPartitionQuarantinedOnRead(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := testKey()
	ts := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	d := models.DayOf(ts)

	_, err := s.WriteRange(ctx, key, []models.Bar{bar(t, ts, "100")}, PolicySkip)
	require.NoError(t, err)

	// Corrupt the published file in place.
	require.NoError(t, os.WriteFile(s.partitionPath(key, d), []byte("not parquet"), 0o644))

	_, err = s.ReadRange(ctx, key, ts, ts.Add(time.Hour))
	require.Error(t, err)
	assert.Equal(t, caterrors.KindCorruption, caterrors.KindOf(err))

	var corrupt *CorruptPartitionError
	require.True(t, errors.As(err, &corrupt))
	assert.Equal(t, key, corrupt.Key)
	assert.Equal(t, d, corrupt.Day)
	require.NotEmpty(t, corrupt.QuarantinePath)

	// Original moved, quarantine copy preserved for inspection.
	assert.False(t, s.HasPartition(key, d))
	_, statErr := os.Stat(corrupt.QuarantinePath)
	assert.NoError(t, statErr)
}

func TestQuarantineTreeExcludedFromListing(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := testKey()
	ts := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)

	_, err := s.WriteRange(ctx, key, []models.Bar{bar(t, ts, "100")}, PolicySkip)
	require.NoError(t, err)

	_, err = s.Quarantine(key, ts)
	require.NoError(t, err)

	partitions, err := s.ListPartitions(ctx)
	require.NoError(t, err)
	assert.Empty(t, partitions)
}

func TestListPartitionsAndStats(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key1 := testKey()
	key2 := models.SeriesKey{Instrument: models.NewInstrumentKey("MSFT", "XNAS"), Spec: models.Spec1Day}

	_, err := s.WriteRange(ctx, key1, []models.Bar{
		bar(t, time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC), "100"),
		bar(t, time.Date(2024, 1, 3, 9, 30, 0, 0, time.UTC), "101"),
	}, PolicySkip)
	require.NoError(t, err)
	_, err = s.WriteRange(ctx, key2, []models.Bar{
		bar(t, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), "300"),
	}, PolicySkip)
	require.NoError(t, err)

	partitions, err := s.ListPartitions(ctx)
	require.NoError(t, err)
	require.Len(t, partitions, 2)
	assert.Len(t, partitions[key1], 2)
	assert.Len(t, partitions[key2], 1)

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Partitions)
	assert.Equal(t, 2, stats.Series)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), stats.EarliestDate)
	assert.Equal(t, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), stats.LatestDate)
}

func TestWriteRangeRejectsBadPolicy(t *testing.T) {
	s := testStore(t)
	_, err := s.WriteRange(context.Background(), testKey(), nil, ConflictPolicy("upsert"))
	assert.Error(t, err)
}

func TestConflictPolicyValidate(t *testing.T) {
	assert.NoError(t, PolicySkip.Validate())
	assert.NoError(t, PolicyOverwrite.Validate())
	assert.NoError(t, PolicyMerge.Validate())
	assert.Error(t, ConflictPolicy("").Validate())
}
