package quality

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/klinevault/klinevault/internal/config"
	"github.com/klinevault/klinevault/internal/domain"
)

// minOutlierScore is the absolute isolation-score floor below which nothing
// is flagged regardless of the quantile.
const minOutlierScore = 0.55

// candleFeatures maps one candle to the four shape features the forest
// scores: range and body relative to close, body-to-range ratio, and
// damped volume.
func candleFeatures(c domain.Candle) []float64 {
	cl := c.Close
	if cl == 0 {
		cl = 1
	}
	rng := c.High - c.Low
	body := math.Abs(c.Close - c.Open)
	bodyRatio := 0.0
	if rng > 0 {
		bodyRatio = body / rng
	}
	return []float64{
		rng / cl * 100,
		body / cl * 100,
		bodyRatio,
		math.Log1p(c.Volume),
	}
}

// DetectOutliers scores a candle window with an isolation forest and reports
// the contamination-quantile tail as outliers. Windows below MinCandles are
// skipped: the forest has nothing to learn a baseline from.
func DetectOutliers(candles []domain.Candle, cfg config.OutlierConfig, seed int64) []domain.AnomalyReport {
	if len(candles) < cfg.MinCandles {
		return nil
	}

	features := make([][]float64, len(candles))
	for i, c := range candles {
		features[i] = candleFeatures(c)
	}

	rng := rand.New(rand.NewSource(seed))
	forest := fitForest(features, cfg.Trees, cfg.SubsampleSize, rng)

	scores := make([]float64, len(candles))
	for i, f := range features {
		scores[i] = forest.score(f)
	}

	// Threshold at the (1 - contamination) quantile of this window's scores,
	// floored at 0.55: a score near 0.5 means "as deep as everything else",
	// and flagging the tail of a uniform window would just manufacture noise.
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)) * (1 - cfg.Contamination))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	threshold := sorted[idx]
	if threshold < minOutlierScore {
		threshold = minOutlierScore
	}

	var reports []domain.AnomalyReport
	for i, s := range scores {
		if s < threshold {
			continue
		}
		c := candles[i]
		r := domain.NewAnomalyReport(domain.AnomalyOutlier, domain.SeverityLow, c.Symbol, c.Interval, c.OpenTime,
			fmt.Sprintf("candle shape isolates unusually fast (score %.3f)", s))
		r.Details["score"] = s
		r.Details["range_pct"] = features[i][0]
		r.Details["body_pct"] = features[i][1]
		reports = append(reports, r)
	}
	return reports
}
