package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInstrumentKey(t *testing.T) {
	key := NewInstrumentKey(" aapl ", "xnas")
	assert.Equal(t, "AAPL", key.Symbol)
	assert.Equal(t, "XNAS", key.Venue)
	assert.Equal(t, "AAPL.XNAS", key.String())
}

func TestParseInstrumentKey(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    InstrumentKey
		wantErr bool
	}{
		{name: "valid", input: "AAPL.XNAS", want: InstrumentKey{Symbol: "AAPL", Venue: "XNAS"}},
		{name: "lowercase normalized", input: "btc-usd.coinbase", want: InstrumentKey{Symbol: "BTC-USD", Venue: "COINBASE"}},
		{name: "missing venue", input: "AAPL", wantErr: true},
		{name: "empty venue", input: "AAPL.", wantErr: true},
		{name: "empty symbol", input: ".XNAS", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseInstrumentKey(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBarSpecDuration(t *testing.T) {
	tests := []struct {
		spec BarSpec
		want time.Duration
	}{
		{Spec1Min, time.Minute},
		{Spec5Min, 5 * time.Minute},
		{Spec15Min, 15 * time.Minute},
		{Spec1Hour, time.Hour},
		{Spec1Day, 24 * time.Hour},
	}
	for _, tt := range tests {
		d, err := tt.spec.Duration()
		require.NoError(t, err)
		assert.Equal(t, tt.want, d)
	}

	_, err := BarSpec("2h").Duration()
	assert.Error(t, err)
	assert.Error(t, BarSpec("").Validate())
}

func TestBarValidate(t *testing.T) {
	ts := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)

	valid := Bar{Timestamp: ts, Open: "100.50", High: "101.00", Low: "100.00", Close: "100.75", Volume: "1500"}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name  string
		bar   Bar
		field string
	}{
		{
			name:  "zero timestamp",
			bar:   Bar{Open: "1", High: "1", Low: "1", Close: "1", Volume: "0"},
			field: "timestamp",
		},
		{
			name:  "unparseable open",
			bar:   Bar{Timestamp: ts, Open: "abc", High: "1", Low: "1", Close: "1", Volume: "0"},
			field: "open",
		},
		{
			name:  "negative price",
			bar:   Bar{Timestamp: ts, Open: "-1", High: "1", Low: "1", Close: "1", Volume: "0"},
			field: "open",
		},
		{
			name:  "negative volume",
			bar:   Bar{Timestamp: ts, Open: "1", High: "1", Low: "1", Close: "1", Volume: "-5"},
			field: "volume",
		},
		{
			name:  "high below close",
			bar:   Bar{Timestamp: ts, Open: "100", High: "100.5", Low: "99", Close: "101", Volume: "10"},
			field: "high",
		},
		{
			name:  "low above open",
			bar:   Bar{Timestamp: ts, Open: "100", High: "102", Low: "100.5", Close: "101", Volume: "10"},
			field: "low",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.bar.Validate()
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestBarValidatePreservesPrecision(t *testing.T) {
	ts := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	bar, err := NewBar(ts, "0.00000001", "0.00000003", "0.00000001", "0.00000002", "123456789.123456789")
	require.NoError(t, err)

	open, err := bar.GetOpenDecimal()
	require.NoError(t, err)
	assert.Equal(t, "0.00000001", open.String())
}

func TestNewBarNormalizesToUTC(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	bar, err := NewBar(time.Date(2024, 1, 2, 9, 30, 0, 0, est), "1", "1", "1", "1", "0")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, bar.Timestamp.Location())
	assert.Equal(t, 14, bar.Timestamp.Hour())
}

func TestSortBars(t *testing.T) {
	d := func(hour int) time.Time { return time.Date(2024, 1, 2, hour, 0, 0, 0, time.UTC) }
	bars := []Bar{
		{Timestamp: d(12), Open: "1", High: "1", Low: "1", Close: "1", Volume: "0"},
		{Timestamp: d(9), Open: "1", High: "1", Low: "1", Close: "1", Volume: "0"},
		{Timestamp: d(15), Open: "1", High: "1", Low: "1", Close: "1", Volume: "0"},
	}
	SortBars(bars)
	assert.Equal(t, d(9), bars[0].Timestamp)
	assert.Equal(t, d(12), bars[1].Timestamp)
	assert.Equal(t, d(15), bars[2].Timestamp)
}
