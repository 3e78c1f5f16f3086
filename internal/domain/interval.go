package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Interval is a Bybit v5 timeframe code: minutes as a bare number
// ("1" .. "720") or "D", "W", "M".
type Interval string

const (
	Interval1m  Interval = "1"
	Interval3m  Interval = "3"
	Interval5m  Interval = "5"
	Interval15m Interval = "15"
	Interval30m Interval = "30"
	Interval1h  Interval = "60"
	Interval2h  Interval = "120"
	Interval4h  Interval = "240"
	Interval6h  Interval = "360"
	Interval12h Interval = "720"
	IntervalDay Interval = "D"
	IntervalWk  Interval = "W"
	IntervalMo  Interval = "M"
)

const (
	dayMs  = int64(24 * time.Hour / time.Millisecond)
	weekMs = 7 * dayMs
	// monthMs approximates 30 days. Used only for bucket sizing; monthly
	// alignment is the venue's business.
	monthMs = 30 * dayMs
)

// intervalAliases maps accepted spellings to the venue-canonical code.
var intervalAliases = map[string]Interval{
	"1m": Interval1m, "1min": Interval1m,
	"3m": Interval3m, "3min": Interval3m,
	"5m": Interval5m, "5min": Interval5m,
	"15m": Interval15m, "15min": Interval15m,
	"30m": Interval30m, "30min": Interval30m,
	"1h": Interval1h, "60m": Interval1h, "60min": Interval1h,
	"2h": Interval2h, "4h": Interval4h, "6h": Interval6h, "12h": Interval12h,
	"1d": IntervalDay, "d": IntervalDay, "1day": IntervalDay,
	"1w": IntervalWk, "w": IntervalWk,
	"1mo": IntervalMo, "1month": IntervalMo,
}

var supportedIntervals = map[Interval]int64{
	Interval1m:  1 * 60_000,
	Interval3m:  3 * 60_000,
	Interval5m:  5 * 60_000,
	Interval15m: 15 * 60_000,
	Interval30m: 30 * 60_000,
	Interval1h:  60 * 60_000,
	Interval2h:  120 * 60_000,
	Interval4h:  240 * 60_000,
	Interval6h:  360 * 60_000,
	Interval12h: 720 * 60_000,
	IntervalDay: dayMs,
	IntervalWk:  weekMs,
	IntervalMo:  monthMs,
}

// ParseInterval normalizes a user- or venue-supplied interval string to its
// canonical code. Aliases like "1h", "4h", "1d" are accepted.
func ParseInterval(s string) (Interval, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "", fmt.Errorf("empty interval")
	}
	switch trimmed {
	case "D", "W", "M":
		return Interval(trimmed), nil
	}
	if alias, ok := intervalAliases[strings.ToLower(trimmed)]; ok {
		return alias, nil
	}
	if mins, err := strconv.Atoi(trimmed); err == nil {
		candidate := Interval(strconv.Itoa(mins))
		if _, ok := supportedIntervals[candidate]; ok {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("unsupported interval %q", s)
}

// Milliseconds returns the interval span in milliseconds, 0 for unknown codes.
func (i Interval) Milliseconds() int64 {
	return supportedIntervals[i]
}

// Duration returns the interval span as a time.Duration.
func (i Interval) Duration() time.Duration {
	return time.Duration(i.Milliseconds()) * time.Millisecond
}

// Valid reports whether the code names a supported timeframe.
func (i Interval) Valid() bool {
	_, ok := supportedIntervals[i]
	return ok
}

// SubDaily reports whether the interval is shorter than one day. Alignment
// checks apply only to sub-daily intervals; D/W/M start times are trusted
// verbatim from the venue.
func (i Interval) SubDaily() bool {
	switch i {
	case IntervalDay, IntervalWk, IntervalMo:
		return false
	}
	return i.Valid()
}

// Aligned reports whether an open time sits on the interval grid.
func (i Interval) Aligned(openTimeMs int64) bool {
	span := i.Milliseconds()
	if span == 0 {
		return false
	}
	if !i.SubDaily() {
		return true
	}
	return openTimeMs%span == 0
}

// Truncate floors a millisecond timestamp to the interval grid.
func (i Interval) Truncate(ms int64) int64 {
	span := i.Milliseconds()
	if span == 0 || !i.SubDaily() {
		return ms
	}
	return ms - ms%span
}

// Fresh reports whether the newest open time is no older than one interval
// span behind now.
func (i Interval) Fresh(newestOpenMs, nowMs int64) bool {
	span := i.Milliseconds()
	if span == 0 {
		return false
	}
	return nowMs-newestOpenMs <= span
}
