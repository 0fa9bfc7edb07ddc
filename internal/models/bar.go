// Package models provides the core data types for the market data catalog:
// instrument keys, bar specifications, OHLCV bars and availability records.
package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentKey identifies an instrument on a venue. It namespaces all
// storage and availability lookups.
type InstrumentKey struct {
	Symbol string `json:"symbol"`
	Venue  string `json:"venue"`
}

// NewInstrumentKey creates an InstrumentKey with normalized (upper-case,
// trimmed) symbol and venue.
func NewInstrumentKey(symbol, venue string) InstrumentKey {
	return InstrumentKey{
		Symbol: strings.ToUpper(strings.TrimSpace(symbol)),
		Venue:  strings.ToUpper(strings.TrimSpace(venue)),
	}
}

// Validate checks that both components are present.
func (k InstrumentKey) Validate() error {
	if k.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if k.Venue == "" {
		return &ValidationError{Field: "venue", Message: "venue cannot be empty"}
	}
	return nil
}

// String returns the canonical "SYMBOL.VENUE" form used in storage paths
// and log output.
func (k InstrumentKey) String() string {
	return k.Symbol + "." + k.Venue
}

// ParseInstrumentKey parses the canonical "SYMBOL.VENUE" form.
func ParseInstrumentKey(s string) (InstrumentKey, error) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return InstrumentKey{}, fmt.Errorf("invalid instrument key %q: want SYMBOL.VENUE", s)
	}
	return NewInstrumentKey(parts[0], parts[1]), nil
}

// BarSpec is the aggregation granularity of a bar series (e.g. "1m", "1h",
// "1d"). It determines the partition size together with the calendar day.
type BarSpec string

// Supported bar specifications.
const (
	Spec1Min  BarSpec = "1m"
	Spec5Min  BarSpec = "5m"
	Spec15Min BarSpec = "15m"
	Spec1Hour BarSpec = "1h"
	Spec1Day  BarSpec = "1d"
)

// Duration returns the time span of one bar, or an error for an unknown spec.
func (s BarSpec) Duration() (time.Duration, error) {
	switch s {
	case Spec1Min:
		return time.Minute, nil
	case Spec5Min:
		return 5 * time.Minute, nil
	case Spec15Min:
		return 15 * time.Minute, nil
	case Spec1Hour:
		return time.Hour, nil
	case Spec1Day:
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unsupported bar spec: %s", s)
	}
}

// Validate checks that the spec is one of the supported granularities.
func (s BarSpec) Validate() error {
	if _, err := s.Duration(); err != nil {
		return &ValidationError{Field: "spec", Message: err.Error()}
	}
	return nil
}

func (s BarSpec) String() string { return string(s) }

// Bar represents one OHLCV bar. Prices and volume are decimal strings so
// no precision is lost between the provider, the partition files and the
// caller; use the Get*Decimal accessors for arithmetic.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      string    `json:"open"`
	High      string    `json:"high"`
	Low       string    `json:"low"`
	Close     string    `json:"close"`
	Volume    string    `json:"volume"`
}

// ValidationError reports a field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate performs full validation of the bar: the timestamp must be set,
// all prices must parse as positive decimals, volume must be non-negative,
// and the OHLC relationship low <= {open, close} <= high must hold.
func (b *Bar) Validate() error {
	if b.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "timestamp cannot be zero"}
	}

	open, err := decimal.NewFromString(b.Open)
	if err != nil {
		return &ValidationError{Field: "open", Message: fmt.Sprintf("invalid open price: %v", err)}
	}
	high, err := decimal.NewFromString(b.High)
	if err != nil {
		return &ValidationError{Field: "high", Message: fmt.Sprintf("invalid high price: %v", err)}
	}
	low, err := decimal.NewFromString(b.Low)
	if err != nil {
		return &ValidationError{Field: "low", Message: fmt.Sprintf("invalid low price: %v", err)}
	}
	close, err := decimal.NewFromString(b.Close)
	if err != nil {
		return &ValidationError{Field: "close", Message: fmt.Sprintf("invalid close price: %v", err)}
	}
	volume, err := decimal.NewFromString(b.Volume)
	if err != nil {
		return &ValidationError{Field: "volume", Message: fmt.Sprintf("invalid volume: %v", err)}
	}

	if open.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{Field: "open", Message: "open price must be greater than 0"}
	}
	if high.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{Field: "high", Message: "high price must be greater than 0"}
	}
	if low.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{Field: "low", Message: "low price must be greater than 0"}
	}
	if close.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{Field: "close", Message: "close price must be greater than 0"}
	}
	if volume.LessThan(decimal.Zero) {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}

	maxOC := decimal.Max(open, close)
	if high.LessThan(maxOC) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high (%s) must be >= max(open, close) (%s)", high, maxOC),
		}
	}
	minOC := decimal.Min(open, close)
	if low.GreaterThan(minOC) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low (%s) must be <= min(open, close) (%s)", low, minOC),
		}
	}

	return nil
}

// GetOpenDecimal returns the open price as a decimal.Decimal.
func (b *Bar) GetOpenDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(b.Open)
}

// GetHighDecimal returns the high price as a decimal.Decimal.
func (b *Bar) GetHighDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(b.High)
}

// GetLowDecimal returns the low price as a decimal.Decimal.
func (b *Bar) GetLowDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(b.Low)
}

// GetCloseDecimal returns the close price as a decimal.Decimal.
func (b *Bar) GetCloseDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(b.Close)
}

// GetVolumeDecimal returns the volume as a decimal.Decimal.
func (b *Bar) GetVolumeDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(b.Volume)
}

// String implements fmt.Stringer.
func (b *Bar) String() string {
	return fmt.Sprintf("Bar{T: %s, O: %s, H: %s, L: %s, C: %s, V: %s}",
		b.Timestamp.Format(time.RFC3339), b.Open, b.High, b.Low, b.Close, b.Volume)
}

// NewBar creates a validated Bar. The timestamp is normalized to UTC.
func NewBar(timestamp time.Time, open, high, low, close, volume string) (*Bar, error) {
	bar := &Bar{
		Timestamp: timestamp.UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    volume,
	}
	if err := bar.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create bar: %w", err)
	}
	return bar, nil
}

// SortBars sorts bars ascending by timestamp in place.
func SortBars(bars []Bar) {
	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})
}
