package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"barcatalog/internal/models"
)

// FakeSource is an in-memory Source implementing the identical contract
// as HTTPSource. Tests seed it with bars and scripted failures; the CLI
// can use it as an offline provider.
type FakeSource struct {
	mu        sync.Mutex
	bars      map[models.SeriesKey][]models.Bar
	failures  []error // consumed front-to-back before any fetch succeeds
	healthy   bool
	fetchLog  []FetchCall
	fetchHook func(key models.SeriesKey, start, end time.Time)
}

// FetchCall records one Fetch invocation for assertions.
type FetchCall struct {
	Key   models.SeriesKey
	Start time.Time
	End   time.Time
}

var _ Source = (*FakeSource)(nil)

// NewFakeSource creates an empty, healthy fake.
func NewFakeSource() *FakeSource {
	return &FakeSource{
		bars:    make(map[models.SeriesKey][]models.Bar),
		healthy: true,
	}
}

// Seed adds bars the fake will serve for a series.
func (f *FakeSource) Seed(key models.SeriesKey, bars []models.Bar) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bars[key] = append(f.bars[key], bars...)
	models.SortBars(f.bars[key])
}

// FailNext queues errors returned by subsequent Fetch calls, in order,
// before any fetch succeeds again.
func (f *FakeSource) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

// SetHealthy flips the health probe result.
func (f *FakeSource) SetHealthy(healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = healthy
}

// OnFetch registers a hook invoked at the start of every Fetch. Tests use
// it to coordinate concurrency scenarios.
func (f *FakeSource) OnFetch(hook func(key models.SeriesKey, start, end time.Time)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchHook = hook
}

// Calls returns a copy of the recorded Fetch invocations.
func (f *FakeSource) Calls() []FetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FetchCall, len(f.fetchLog))
	copy(out, f.fetchLog)
	return out
}

// CallCount returns the number of Fetch invocations so far.
func (f *FakeSource) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetchLog)
}

// Fetch implements Source.
func (f *FakeSource) Fetch(ctx context.Context, key models.SeriesKey, start, end time.Time) ([]models.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.fetchLog = append(f.fetchLog, FetchCall{Key: key, Start: start, End: end})
	hook := f.fetchHook

	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		f.mu.Unlock()
		return nil, err
	}

	seeded := f.bars[key]
	out := make([]models.Bar, 0, len(seeded))
	for _, b := range seeded {
		if !b.Timestamp.Before(start) && b.Timestamp.Before(end) {
			out = append(out, b)
		}
	}
	f.mu.Unlock()

	if hook != nil {
		hook(key, start, end)
	}

	return out, nil
}

// HealthCheck implements Source.
func (f *FakeSource) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.healthy {
		return fmt.Errorf("fake source marked unhealthy")
	}
	return nil
}
