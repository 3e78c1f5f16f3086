// Package quality watches persisted series for completeness, freshness,
// continuity, and shape anomalies, and hands repairable findings to the
// repair engine.
package quality

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/klinevault/klinevault/internal/config"
	"github.com/klinevault/klinevault/internal/domain"
	"github.com/klinevault/klinevault/internal/metrics"
	"github.com/klinevault/klinevault/internal/repair"
)

// maxOutliersHealthy: more shape outliers than this in one window flips the
// series verdict to degraded.
const maxOutliersHealthy = 5

// stalenessFactor: a series is stale when the newest candle is older than
// this many spans.
const stalenessFactor = 2

// maxGapReports bounds how many per-gap findings one completeness check
// emits; the largest gaps win.
const maxGapReports = 10

// Reader is the store-side read surface the monitor scans.
type Reader interface {
	GetCoverage(ctx context.Context, symbol string, interval domain.Interval, market domain.MarketType) (domain.Coverage, error)
	GetRange(ctx context.Context, symbol string, interval domain.Interval, market domain.MarketType, limit int, endMs int64) ([]domain.Candle, error)
}

// RepairFunc is invoked with the series that needs remediation.
type RepairFunc func(ctx context.Context, key domain.Key)

// RefetchFunc is invoked per suspect candle, identified by its open time,
// to refetch it and a few neighbors.
type RefetchFunc func(ctx context.Context, key domain.Key, openMs int64)

// Hooks are the remediation callbacks the monitor dispatches findings to.
// Any of them may be nil.
type Hooks struct {
	// Repair handles missing_data findings: a gap-repair pass over the series.
	Repair RepairFunc
	// Freshen handles stale_data findings: a forced fresh venue read.
	Freshen RepairFunc
	// Refetch handles price_gap and outlier findings candle by candle.
	Refetch RefetchFunc
}

// SeriesHealth is the latest verdict for one watched series.
type SeriesHealth struct {
	Key       domain.Key             `json:"key"`
	Healthy   bool                   `json:"healthy"`
	CheckedAt time.Time              `json:"checked_at"`
	Reports   []domain.AnomalyReport `json:"reports,omitempty"`
}

// Monitor periodically runs the four quality layers over every watched
// series using a small worker pool.
type Monitor struct {
	reader    Reader
	cfg       config.QualityConfig
	repairCfg config.RepairConfig
	market    domain.MarketType
	metrics   *metrics.Registry
	hooks     Hooks

	mu      sync.RWMutex
	watched map[domain.Key]struct{}
	health  map[domain.Key]SeriesHealth

	cancel context.CancelFunc
	wg     sync.WaitGroup

	nowMs func() int64
}

// NewMonitor builds a monitor. repairCfg supplies the price-gap thresholds
// the continuity layer shares with the repair engine. metrics may be nil.
func NewMonitor(reader Reader, cfg config.QualityConfig, repairCfg config.RepairConfig, market domain.MarketType, m *metrics.Registry, hooks Hooks) *Monitor {
	return &Monitor{
		reader:    reader,
		cfg:       cfg,
		repairCfg: repairCfg,
		market:    market,
		metrics:   m,
		hooks:     hooks,
		watched:   make(map[domain.Key]struct{}),
		health:    make(map[domain.Key]SeriesHealth),
		nowMs:     func() int64 { return time.Now().UnixMilli() },
	}
}

// Watch adds a series to the monitoring set. Idempotent.
func (m *Monitor) Watch(key domain.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watched[key] = struct{}{}
}

// Unwatch removes a series and its last verdict.
func (m *Monitor) Unwatch(key domain.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watched, key)
	delete(m.health, key)
}

// Start launches the periodic scan loop. Stop with Stop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	period := time.Duration(m.cfg.MonitorPeriodS) * time.Second
	if period <= 0 {
		period = time.Minute
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.RunOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Info().Dur("period", period).Msg("Quality monitor started")
}

// Stop cancels the scan loop and waits for in-flight checks.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// RunOnce checks every watched series through the worker pool and returns
// when all checks finish.
func (m *Monitor) RunOnce(ctx context.Context) {
	m.mu.RLock()
	keys := make([]domain.Key, 0, len(m.watched))
	for k := range m.watched {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	if len(keys) == 0 {
		return
	}

	workers := m.cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	work := make(chan domain.Key)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for key := range work {
				m.checkSeries(ctx, key)
			}
		}()
	}
	for _, k := range keys {
		select {
		case work <- k:
		case <-ctx.Done():
		}
	}
	close(work)
	wg.Wait()
}

// Health returns the latest verdicts for all watched series.
func (m *Monitor) Health() map[string]SeriesHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]SeriesHealth, len(m.health))
	for k, h := range m.health {
		out[k.String()] = h
	}
	return out
}

// HealthFor returns the latest verdict for one series.
func (m *Monitor) HealthFor(key domain.Key) (SeriesHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.health[key]
	return h, ok
}

// checkSeries runs the four layers for one series, records the verdict, and
// dispatches each finding to its remediation hook. Read failures leave the
// previous verdict untouched.
func (m *Monitor) checkSeries(ctx context.Context, key domain.Key) {
	reports := m.runChecks(ctx, key)

	outliers := 0
	missing := false
	stale := false
	priceGaps := 0
	var refetch []int64
	for _, r := range reports {
		if m.metrics != nil {
			m.metrics.Anomalies.WithLabelValues(string(r.Kind), string(r.Severity)).Inc()
		}
		switch r.Kind {
		case domain.AnomalyOutlier:
			outliers++
			refetch = append(refetch, r.TimestampMs)
		case domain.AnomalyPriceGap:
			priceGaps++
			refetch = append(refetch, r.TimestampMs)
		case domain.AnomalyMissingData:
			missing = true
		case domain.AnomalyStaleData:
			stale = true
		}
	}

	healthy := !missing && !stale && priceGaps == 0 && outliers <= maxOutliersHealthy

	m.mu.Lock()
	if _, still := m.watched[key]; still {
		m.health[key] = SeriesHealth{
			Key:       key,
			Healthy:   healthy,
			CheckedAt: time.Now().UTC(),
			Reports:   reports,
		}
	}
	m.mu.Unlock()

	if !healthy {
		log.Warn().Str("series", key.String()).Int("anomalies", len(reports)).Msg("Series failed quality checks")
	}
	if missing && m.hooks.Repair != nil {
		m.hooks.Repair(ctx, key)
	}
	if stale && m.hooks.Freshen != nil {
		m.hooks.Freshen(ctx, key)
	}
	if m.hooks.Refetch != nil {
		for _, openMs := range refetch {
			m.hooks.Refetch(ctx, key, openMs)
		}
	}
}

// runChecks produces the anomaly reports for one series: completeness,
// freshness, price-gap continuity, then shape outliers, the last two over
// the continuity window.
func (m *Monitor) runChecks(ctx context.Context, key domain.Key) []domain.AnomalyReport {
	var reports []domain.AnomalyReport

	cov, err := m.reader.GetCoverage(ctx, key.Symbol, key.Interval, m.market)
	if err != nil {
		log.Error().Err(err).Str("series", key.String()).Msg("Coverage check read failed")
		return nil
	}
	if cov.Empty() {
		return nil
	}

	window := m.cfg.ContinuityWindow
	if window <= 0 {
		window = 500
	}
	candles, err := m.reader.GetRange(ctx, key.Symbol, key.Interval, m.market, window, 0)
	if err != nil {
		log.Error().Err(err).Str("series", key.String()).Msg("Quality window read failed")
		return nil
	}

	if pct := cov.CompletenessPct(); pct < m.cfg.CompletenessThreshold {
		reports = append(reports, m.missingDataReports(key, cov, candles, pct)...)
	}

	span := key.Interval.Milliseconds()
	if span > 0 {
		if age := m.nowMs() - cov.NewestMs; age > stalenessFactor*span {
			r := domain.NewAnomalyReport(domain.AnomalyStaleData, domain.SeverityHigh, key.Symbol, key.Interval, cov.NewestMs,
				fmt.Sprintf("newest candle is %s old", time.Duration(age)*time.Millisecond))
			r.Details["age_ms"] = age
			reports = append(reports, r)
		}
	}

	reports = append(reports, repair.FindPriceGaps(candles, m.repairCfg.CriticalGapPct, m.repairCfg.ZThreshold)...)
	reports = append(reports, DetectOutliers(candles, m.cfg.Outlier, cov.NewestMs)...)
	return reports
}

// missingDataReports turns an under-threshold completeness result into
// per-gap findings, largest first, capped at maxGapReports. When the holes
// sit outside the inspected window one aggregate report stands in.
func (m *Monitor) missingDataReports(key domain.Key, cov domain.Coverage, candles []domain.Candle, pct float64) []domain.AnomalyReport {
	times := make([]int64, len(candles))
	for i, c := range candles {
		times[i] = c.OpenTime
	}
	gaps := repair.FindTimestampGaps(key.Symbol, key.Interval, times)
	kept := gaps[:0]
	for _, g := range gaps {
		if !g.IsWeekend {
			kept = append(kept, g)
		}
	}

	if len(kept) == 0 {
		r := domain.NewAnomalyReport(domain.AnomalyMissingData, domain.SeverityHigh, key.Symbol, key.Interval, cov.OldestMs,
			fmt.Sprintf("series is %.1f%% complete, below the %.0f%% threshold", pct, m.cfg.CompletenessThreshold))
		r.Details["completeness_pct"] = pct
		r.Details["rows"] = cov.RowCount
		r.Details["expected"] = cov.ExpectedRows()
		return []domain.AnomalyReport{r}
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].MissingCount > kept[j].MissingCount })
	if len(kept) > maxGapReports {
		kept = kept[:maxGapReports]
	}

	out := make([]domain.AnomalyReport, 0, len(kept))
	for _, g := range kept {
		r := domain.NewAnomalyReport(domain.AnomalyMissingData, g.Severity(), key.Symbol, key.Interval, g.StartMs,
			fmt.Sprintf("%d candles missing in recent window", g.MissingCount))
		r.Details["gap_start"] = g.StartMs
		r.Details["gap_end"] = g.EndMs
		r.Details["missing"] = g.MissingCount
		r.Details["completeness_pct"] = pct
		out = append(out, r)
	}
	return out
}
