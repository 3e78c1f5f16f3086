package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// MarketType selects the venue category a candle belongs to.
type MarketType string

const (
	MarketSpot   MarketType = "spot"
	MarketLinear MarketType = "linear"
)

// Valid reports whether the market type is one the venue supports.
func (m MarketType) Valid() bool {
	return m == MarketSpot || m == MarketLinear
}

// Candle is a single OHLCV record for one (symbol, interval, market_type, open_time).
// OpenTime is epoch milliseconds aligned to the interval. Raw preserves the
// source row verbatim for auditing and is never parsed on the read path.
type Candle struct {
	Symbol     string          `json:"symbol" db:"symbol"`
	Interval   Interval        `json:"interval" db:"interval"`
	MarketType MarketType      `json:"market_type" db:"market_type"`
	OpenTime   int64           `json:"open_time" db:"open_time"`
	Open       float64         `json:"open" db:"open"`
	High       float64         `json:"high" db:"high"`
	Low        float64         `json:"low" db:"low"`
	Close      float64         `json:"close" db:"close"`
	Volume     float64         `json:"volume" db:"volume"`
	Turnover   float64         `json:"turnover" db:"turnover"`
	Raw        json.RawMessage `json:"raw,omitempty" db:"raw_json"`
	InsertedAt time.Time       `json:"inserted_at,omitempty" db:"inserted_at"`
}

// OpenTimeUTC returns the candle open as a UTC timestamp.
func (c Candle) OpenTimeUTC() time.Time {
	return time.UnixMilli(c.OpenTime).UTC()
}

// Key identifies a (symbol, interval) series.
type Key struct {
	Symbol   string
	Interval Interval
}

func (k Key) String() string {
	return k.Symbol + ":" + string(k.Interval)
}

// Coverage describes the persisted extent of one series.
type Coverage struct {
	Symbol    string   `json:"symbol"`
	Interval  Interval `json:"interval"`
	OldestMs  int64    `json:"oldest_ms"`
	NewestMs  int64    `json:"newest_ms"`
	RowCount  int64    `json:"row_count"`
}

// Empty reports whether the series has no persisted rows.
func (c Coverage) Empty() bool { return c.RowCount == 0 }

// SpanMs returns newest-oldest in milliseconds, 0 for empty coverage.
func (c Coverage) SpanMs() int64 {
	if c.Empty() {
		return 0
	}
	return c.NewestMs - c.OldestMs
}

// ExpectedRows returns the row count a gap-free series covering the same
// span would have.
func (c Coverage) ExpectedRows() int64 {
	if c.Empty() {
		return 0
	}
	span := c.Interval.Milliseconds()
	if span <= 0 {
		return c.RowCount
	}
	return c.SpanMs()/span + 1
}

// CompletenessPct returns persisted rows as a percentage of ExpectedRows.
func (c Coverage) CompletenessPct() float64 {
	expected := c.ExpectedRows()
	if expected == 0 {
		return 0
	}
	pct := float64(c.RowCount) / float64(expected) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// SortCandles orders candles by open time ascending, in place.
func SortCandles(cs []Candle) {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].OpenTime < cs[j].OpenTime })
}

// DedupCandles drops rows whose open time matches their predecessor,
// assuming the input is already sorted ascending. Later rows win.
func DedupCandles(cs []Candle) []Candle {
	if len(cs) < 2 {
		return cs
	}
	out := cs[:1]
	for _, c := range cs[1:] {
		if c.OpenTime == out[len(out)-1].OpenTime {
			out[len(out)-1] = c
			continue
		}
		out = append(out, c)
	}
	return out
}
