// Market Data Catalog CLI
// Answers bar range requests from a local partitioned store, fetching
// missing sub-ranges from the configured provider on demand.
//
// Usage:
//
//	barcatalog fetch --key AAPL.XNAS --spec 1m --start 2024-01-02T09:30:00Z --end 2024-01-02T10:20:00Z
//	barcatalog gaps --key AAPL.XNAS --spec 1d --start 2024-01-01 --end 2024-02-01
//	barcatalog import --key AAPL.XNAS --spec 1m --file bars.csv --policy merge
//	barcatalog availability
//
// For detailed help on any command, use: barcatalog <command> --help
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"barcatalog/internal/catalog"
	"barcatalog/internal/config"
	"barcatalog/internal/importer"
	"barcatalog/internal/index"
	"barcatalog/internal/logger"
	"barcatalog/internal/models"
	"barcatalog/internal/provider"
	"barcatalog/internal/store"
)

const (
	exitSuccess    = 0
	exitUsageError = 1
	exitConfigErr  = 2
	exitDataError  = 4
)

type app struct {
	cfg     *config.AppConfig
	logger  *slog.Logger
	closer  io.Closer
	catalog *catalog.Catalog
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitUsageError)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := initApp(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitConfigErr)
	}
	defer a.closer.Close()

	var runErr error
	switch os.Args[1] {
	case "fetch":
		runErr = a.runFetch(ctx, os.Args[2:])
	case "gaps":
		runErr = a.runGaps(ctx, os.Args[2:])
	case "import":
		runErr = a.runImport(ctx, os.Args[2:])
	case "availability":
		runErr = a.runAvailability(ctx, os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(exitUsageError)
	}

	if runErr != nil {
		fmt.Fprintln(os.Stderr, "error:", runErr)
		os.Exit(exitDataError)
	}
}

func initApp(ctx context.Context) (*app, error) {
	cfgPath := os.Getenv("CATALOG_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	log, closer, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	st, err := store.NewParquetStore(cfg.DataDir, log)
	if err != nil {
		return nil, err
	}

	idx := index.New(st, log)
	if err := idx.Rebuild(ctx); err != nil {
		return nil, fmt.Errorf("rebuilding availability index: %w", err)
	}

	var source provider.Source
	switch cfg.Provider.Type {
	case "fake":
		source = provider.NewFakeSource()
	default:
		source = provider.NewHTTPSource(cfg.Provider.BaseURL, cfg.Provider.APIKey, log)
	}

	initialDelay, _ := cfg.RetryInitialDelay()
	maxDelay, _ := cfg.RetryMaxDelay()
	fetcher := provider.NewFetcher(source, provider.Config{
		RequestsPerSecond: cfg.Provider.RequestsPerSecond,
		Burst:             cfg.Provider.Burst,
		BlockOnLimit:      cfg.Provider.BlockOnLimit,
		Retry: provider.RetryPolicy{
			MaxAttempts:  cfg.Provider.MaxAttempts,
			InitialDelay: initialDelay,
			MaxDelay:     maxDelay,
			Multiplier:   2.0,
			Jitter:       0.5,
		},
	}, log)

	return &app{
		cfg:     cfg,
		logger:  log,
		closer:  closer,
		catalog: catalog.New(st, idx, fetcher, log),
	}, nil
}

func (a *app) runFetch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	keyFlag := fs.String("key", "", "instrument key as SYMBOL.VENUE")
	specFlag := fs.String("spec", "1d", "bar spec: 1m, 5m, 15m, 1h, 1d")
	startFlag := fs.String("start", "", "range start (RFC3339 or YYYY-MM-DD)")
	endFlag := fs.String("end", "", "range end, exclusive (RFC3339 or YYYY-MM-DD)")
	quiet := fs.Bool("quiet", false, "print only the bar count")
	fs.Parse(args)

	key, start, end, err := parseSeriesRange(*keyFlag, *specFlag, *startFlag, *endFlag)
	if err != nil {
		return err
	}

	bars, err := a.catalog.FetchOrLoad(ctx, key, start, end)
	if err != nil {
		return err
	}

	if *quiet {
		fmt.Println(len(bars))
		return nil
	}
	for _, b := range bars {
		fmt.Printf("%s  O=%s H=%s L=%s C=%s V=%s\n",
			b.Timestamp.Format(time.RFC3339), b.Open, b.High, b.Low, b.Close, b.Volume)
	}
	fmt.Printf("%d bars for %s\n", len(bars), key)
	return nil
}

func (a *app) runGaps(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("gaps", flag.ExitOnError)
	keyFlag := fs.String("key", "", "instrument key as SYMBOL.VENUE")
	specFlag := fs.String("spec", "1d", "bar spec")
	startFlag := fs.String("start", "", "range start")
	endFlag := fs.String("end", "", "range end, exclusive")
	fs.Parse(args)

	key, start, end, err := parseSeriesRange(*keyFlag, *specFlag, *startFlag, *endFlag)
	if err != nil {
		return err
	}

	found, err := a.catalog.DetectGaps(ctx, key, start, end)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Printf("no gaps for %s in [%s, %s)\n", key,
			start.Format(time.RFC3339), end.Format(time.RFC3339))
		return nil
	}
	for _, g := range found {
		fmt.Println(g)
	}
	fmt.Printf("%d gaps for %s\n", len(found), key)
	return nil
}

func (a *app) runImport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	keyFlag := fs.String("key", "", "instrument key as SYMBOL.VENUE")
	specFlag := fs.String("spec", "1d", "bar spec")
	fileFlag := fs.String("file", "", "CSV file: timestamp,open,high,low,close,volume")
	policyFlag := fs.String("policy", string(store.PolicySkip), "conflict policy: skip, overwrite, merge")
	fs.Parse(args)

	key, err := parseSeries(*keyFlag, *specFlag)
	if err != nil {
		return err
	}
	policy := store.ConflictPolicy(*policyFlag)
	if err := policy.Validate(); err != nil {
		return err
	}
	if *fileFlag == "" {
		return fmt.Errorf("--file is required")
	}

	f, err := os.Open(*fileFlag)
	if err != nil {
		return fmt.Errorf("opening import file: %w", err)
	}
	defer f.Close()

	records, err := importer.ReadCSV(f)
	if err != nil {
		return err
	}

	report, err := a.catalog.ImportBulk(ctx, records, key, policy)
	if err != nil {
		return err
	}

	fmt.Printf("processed %d rows: %d written, %d skipped, %d validation errors\n",
		report.RowsProcessed, report.RowsWritten, report.RowsSkipped, len(report.Errors))
	for _, e := range report.Errors {
		fmt.Fprintln(os.Stderr, " -", e)
	}
	return nil
}

func (a *app) runAvailability(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("availability", flag.ExitOnError)
	keyFlag := fs.String("key", "", "optional instrument key as SYMBOL.VENUE")
	specFlag := fs.String("spec", "", "optional bar spec")
	fs.Parse(args)

	if *keyFlag != "" && *specFlag != "" {
		key, err := parseSeries(*keyFlag, *specFlag)
		if err != nil {
			return err
		}
		avail, ok := a.catalog.GetAvailability(key)
		if !ok || avail.IsEmpty() {
			fmt.Printf("%s: no partitions\n", key)
			return nil
		}
		fmt.Printf("%s: %d days, %s .. %s\n", key, len(avail.Dates),
			avail.Earliest().Format(models.DateLayout), avail.Latest().Format(models.DateLayout))
		return nil
	}

	connected := "unreachable"
	if a.catalog.CheckSource(ctx) {
		connected = "reachable"
	}
	fmt.Printf("provider: %s\n", connected)

	stats, err := a.catalog.Stats(ctx)
	if err != nil {
		return err
	}
	if stats.Partitions > 0 {
		fmt.Printf("store: %d partitions across %d series, %s .. %s\n",
			stats.Partitions, stats.Series,
			stats.EarliestDate.Format(models.DateLayout), stats.LatestDate.Format(models.DateLayout))
	}

	listed := false
	for _, key := range a.catalog.Keys() {
		avail, ok := a.catalog.GetAvailability(key)
		if !ok {
			continue
		}
		fmt.Printf("%s: %d days, %s .. %s\n", key, len(avail.Dates),
			avail.Earliest().Format(models.DateLayout), avail.Latest().Format(models.DateLayout))
		listed = true
	}
	if !listed {
		fmt.Println("catalog is empty")
	}
	return nil
}

func parseSeries(keyArg, specArg string) (models.SeriesKey, error) {
	instrument, err := models.ParseInstrumentKey(keyArg)
	if err != nil {
		return models.SeriesKey{}, err
	}
	key := models.SeriesKey{Instrument: instrument, Spec: models.BarSpec(specArg)}
	if err := key.Validate(); err != nil {
		return models.SeriesKey{}, err
	}
	return key, nil
}

func parseSeriesRange(keyArg, specArg, startArg, endArg string) (models.SeriesKey, time.Time, time.Time, error) {
	key, err := parseSeries(keyArg, specArg)
	if err != nil {
		return models.SeriesKey{}, time.Time{}, time.Time{}, err
	}
	start, err := parseTime(startArg)
	if err != nil {
		return models.SeriesKey{}, time.Time{}, time.Time{}, fmt.Errorf("invalid --start: %w", err)
	}
	end, err := parseTime(endArg)
	if err != nil {
		return models.SeriesKey{}, time.Time{}, time.Time{}, fmt.Errorf("invalid --end: %w", err)
	}
	return key, start, end, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("value is required")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.ParseInLocation(models.DateLayout, raw, time.UTC); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unparseable time %q (want RFC3339 or YYYY-MM-DD)", raw)
}

func printUsage() {
	fmt.Println(`barcatalog - market data catalog service

Commands:
  fetch         fetch-or-load bars for a series and range
  gaps          list uncovered sub-ranges of a series
  import        bulk import a CSV of bars
  availability  show stored coverage and provider status

Configuration is read from the file named by CATALOG_CONFIG plus
CATALOG_* environment overrides.`)
}
