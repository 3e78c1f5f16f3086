// Package repair finds holes and suspect prices in persisted series and
// heals them by refetching the surrounding window from the venue.
package repair

import (
	"fmt"
	"math"

	"github.com/klinevault/klinevault/internal/domain"
)

// gapFactor: a spacing wider than this multiple of the interval span counts
// as a gap.
const gapFactor = 1.5

// FindTimestampGaps scans an ascending open-time sequence for spacings wider
// than 1.5x the interval span. Intervals without a fixed span (calendar
// months) are never scanned. Gaps whose missing region sits entirely inside
// the Friday-to-Monday market-closed window are flagged as weekend gaps.
func FindTimestampGaps(symbol string, interval domain.Interval, times []int64) []domain.Gap {
	span := interval.Milliseconds()
	if span <= 0 || len(times) < 2 {
		return nil
	}
	if interval == domain.IntervalMo {
		// Monthly candles have no fixed grid; spacing says nothing.
		return nil
	}

	threshold := int64(float64(span) * gapFactor)
	var gaps []domain.Gap
	for i := 1; i < len(times); i++ {
		diff := times[i] - times[i-1]
		if diff <= threshold {
			continue
		}
		missing := diff/span - 1
		if missing < 1 {
			missing = 1
		}
		gaps = append(gaps, domain.Gap{
			Symbol:       symbol,
			Interval:     interval,
			StartMs:      times[i-1],
			EndMs:        times[i],
			MissingCount: missing,
			IsWeekend:    domain.IsWeekendWindow(times[i-1]+span, times[i]-span),
		})
	}
	return gaps
}

// FindPriceGaps flags discontinuities between one candle's close and the
// next candle's open: absolute moves at or above criticalPct are critical,
// and moves whose z-score against the series' own open/close jumps exceeds
// zThreshold are high. Candles must be ascending.
func FindPriceGaps(candles []domain.Candle, criticalPct, zThreshold float64) []domain.AnomalyReport {
	if len(candles) < 2 {
		return nil
	}

	jumps := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		if prev == 0 {
			jumps = append(jumps, 0)
			continue
		}
		jumps = append(jumps, math.Abs(candles[i].Open-prev)/prev*100)
	}

	mean, std := meanStd(jumps)

	var reports []domain.AnomalyReport
	for i, pct := range jumps {
		c := candles[i+1]
		var sev domain.Severity
		switch {
		case pct >= criticalPct:
			sev = domain.SeverityCritical
		case std > 0 && (pct-mean)/std > zThreshold:
			sev = domain.SeverityHigh
		default:
			continue
		}
		r := domain.NewAnomalyReport(domain.AnomalyPriceGap, sev, c.Symbol, c.Interval, c.OpenTime,
			fmt.Sprintf("price jumped %.2f%% between consecutive candles", pct))
		r.Details["gap_pct"] = pct
		r.Details["prev_close"] = candles[i].Close
		r.Details["open"] = c.Open
		reports = append(reports, r)
	}
	return reports
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))

	var variance float64
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs))
	return mean, math.Sqrt(variance)
}
