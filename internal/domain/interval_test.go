package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInterval(t *testing.T) {
	cases := map[string]Interval{
		"1":   Interval1m,
		"15":  Interval15m,
		"60":  Interval1h,
		"1h":  Interval1h,
		"4h":  Interval4h,
		"1d":  IntervalDay,
		"D":   IntervalDay,
		"W":   IntervalWk,
		"1w":  IntervalWk,
		"30m": Interval30m,
	}
	for in, want := range cases {
		got, err := ParseInterval(in)
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, want, got, "input %q", in)
	}

	for _, bad := range []string{"", "7", "2d", "foo", "90"} {
		_, err := ParseInterval(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestIntervalMilliseconds(t *testing.T) {
	assert.Equal(t, int64(60_000), Interval1m.Milliseconds())
	assert.Equal(t, int64(15*60_000), Interval15m.Milliseconds())
	assert.Equal(t, int64(86_400_000), IntervalDay.Milliseconds())
	assert.Equal(t, int64(604_800_000), IntervalWk.Milliseconds())
	assert.Equal(t, int64(0), Interval("X").Milliseconds())
}

func TestIntervalAligned(t *testing.T) {
	assert.True(t, Interval15m.Aligned(0))
	assert.True(t, Interval15m.Aligned(15*60_000))
	assert.False(t, Interval15m.Aligned(15*60_000+1))

	// D/W/M start times are trusted verbatim from the venue.
	assert.True(t, IntervalDay.Aligned(123))
	assert.True(t, IntervalWk.Aligned(123))
}

func TestIntervalFresh(t *testing.T) {
	now := time.Now().UnixMilli()
	span := Interval1h.Milliseconds()

	assert.True(t, Interval1h.Fresh(now, now))
	assert.True(t, Interval1h.Fresh(now-span, now))
	assert.False(t, Interval1h.Fresh(now-span-1, now))
}

func TestIsWeekendWindow(t *testing.T) {
	// 2025-01-10 is a Friday.
	friday := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	saturday := friday.AddDate(0, 0, 1)
	monday := friday.AddDate(0, 0, 3)
	tuesday := friday.AddDate(0, 0, 4)

	assert.True(t, IsWeekendWindow(friday.UnixMilli(), monday.UnixMilli()))
	assert.True(t, IsWeekendWindow(saturday.UnixMilli(), saturday.Add(6*time.Hour).UnixMilli()))
	assert.False(t, IsWeekendWindow(friday.UnixMilli(), tuesday.UnixMilli()))
	assert.False(t, IsWeekendWindow(friday.AddDate(0, 0, -1).UnixMilli(), monday.UnixMilli()))
}

func TestGapSeverity(t *testing.T) {
	assert.Equal(t, SeverityMedium, Gap{MissingCount: 2}.Severity())
	assert.Equal(t, SeverityHigh, Gap{MissingCount: 11}.Severity())
	assert.Equal(t, SeverityCritical, Gap{MissingCount: 51}.Severity())
}

func TestSortAndDedup(t *testing.T) {
	cs := []Candle{
		{OpenTime: 3000, Close: 3},
		{OpenTime: 1000, Close: 1},
		{OpenTime: 2000, Close: 2},
		{OpenTime: 2000, Close: 2.5},
	}
	SortCandles(cs)
	deduped := DedupCandles(cs)

	require.Len(t, deduped, 3)
	assert.Equal(t, int64(1000), deduped[0].OpenTime)
	assert.Equal(t, int64(2000), deduped[1].OpenTime)
	assert.Equal(t, 2.5, deduped[1].Close) // later row wins
	assert.Equal(t, int64(3000), deduped[2].OpenTime)
}

func TestCoverageCompleteness(t *testing.T) {
	cov := Coverage{
		Interval: Interval1m,
		OldestMs: 0,
		NewestMs: 99 * 60_000,
		RowCount: 95,
	}
	assert.Equal(t, int64(100), cov.ExpectedRows())
	assert.InDelta(t, 95.0, cov.CompletenessPct(), 0.001)
	assert.True(t, Coverage{}.Empty())
}
