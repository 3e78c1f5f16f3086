package domain

import "time"

// Gap marks a hole in a persisted series: the rows at StartMs and EndMs
// exist, everything strictly between them is missing. Never persisted.
type Gap struct {
	Symbol       string   `json:"symbol"`
	Interval     Interval `json:"interval"`
	StartMs      int64    `json:"gap_start_ms"`
	EndMs        int64    `json:"gap_end_ms"`
	MissingCount int64    `json:"missing_count"`
	IsWeekend    bool     `json:"is_weekend"`
}

// Severity classifies the gap by missing-candle count.
func (g Gap) Severity() Severity {
	switch {
	case g.MissingCount > 50:
		return SeverityCritical
	case g.MissingCount > 10:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// IsWeekendWindow reports whether [startMs, endMs] lies inside the weekly
// market-closed window: on or after Friday 00:00 UTC and on or before the
// following Monday 00:00 UTC.
func IsWeekendWindow(startMs, endMs int64) bool {
	start := time.UnixMilli(startMs).UTC()
	end := time.UnixMilli(endMs).UTC()

	if start.Weekday() != time.Friday && start.Weekday() != time.Saturday && start.Weekday() != time.Sunday {
		return false
	}
	// Walk forward from the start's Friday 00:00 to the following Monday 00:00
	// and require the whole gap to fit inside.
	friday := start
	for friday.Weekday() != time.Friday {
		friday = friday.AddDate(0, 0, -1)
	}
	friday = time.Date(friday.Year(), friday.Month(), friday.Day(), 0, 0, 0, 0, time.UTC)
	monday := friday.AddDate(0, 0, 3)

	return !start.Before(friday) && !end.After(monday)
}
