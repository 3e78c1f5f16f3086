package repair

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/klinevault/klinevault/internal/config"
	"github.com/klinevault/klinevault/internal/domain"
	"github.com/klinevault/klinevault/internal/metrics"
)

// Source serves one page of candles older than endMs, oldest-first.
type Source interface {
	GetKlinesBefore(ctx context.Context, symbol string, interval domain.Interval, endMs int64, limit int, market domain.MarketType) ([]domain.Candle, error)
}

// SeriesReader is the store-side surface the engine scans.
type SeriesReader interface {
	OpenTimes(ctx context.Context, symbol string, interval domain.Interval, market domain.MarketType) ([]int64, error)
	GetRange(ctx context.Context, symbol string, interval domain.Interval, market domain.MarketType, limit int, endMs int64) ([]domain.Candle, error)
}

// Sink accepts repaired candles for persistence.
type Sink interface {
	Queue(candles []domain.Candle) (int, error)
}

// Engine scans persisted series for gaps and refetches the missing windows.
// One pass is bounded: at most MaxGapsPerPass refetches, spaced by
// RateLimitDelay.
type Engine struct {
	source  Source
	reader  SeriesReader
	sink    Sink
	cfg     config.RepairConfig
	market  domain.MarketType
	metrics *metrics.Registry
}

// NewEngine builds a repair engine. metrics may be nil in tests.
func NewEngine(source Source, reader SeriesReader, sink Sink, cfg config.RepairConfig, market domain.MarketType, m *metrics.Registry) *Engine {
	return &Engine{source: source, reader: reader, sink: sink, cfg: cfg, market: market, metrics: m}
}

// Report summarizes one repair pass.
type Report struct {
	Scanned   int
	GapsFound int
	Skipped   int
	Attempted int
	Repaired  int
	PriceGaps []domain.AnomalyReport
}

// RunOnce scans the given series and repairs what it finds, honoring the
// per-pass gap budget. Scan failures on one series do not stop the others.
func (e *Engine) RunOnce(ctx context.Context, keys []domain.Key) Report {
	var rep Report
	budget := e.cfg.MaxGapsPerPass
	if budget <= 0 {
		budget = 50
	}

	for _, key := range keys {
		if ctx.Err() != nil {
			return rep
		}
		rep.Scanned++

		gaps, priceGaps := e.scanSeries(ctx, key)
		rep.PriceGaps = append(rep.PriceGaps, priceGaps...)
		rep.GapsFound += len(gaps)

		for _, gap := range gaps {
			if gap.IsWeekend && !e.cfg.RepairWeekends {
				rep.Skipped++
				continue
			}
			if rep.Attempted >= budget {
				log.Debug().Int("budget", budget).Msg("Repair pass budget exhausted")
				return rep
			}
			rep.Attempted++
			if e.repairGap(ctx, gap) {
				rep.Repaired++
			}

			select {
			case <-time.After(e.cfg.RateLimitDelay.Std()):
			case <-ctx.Done():
				return rep
			}
		}
	}
	return rep
}

// scanSeries finds timestamp and price gaps for one series. Read failures
// are logged and yield an empty scan; the read path never raises.
func (e *Engine) scanSeries(ctx context.Context, key domain.Key) ([]domain.Gap, []domain.AnomalyReport) {
	times, err := e.reader.OpenTimes(ctx, key.Symbol, key.Interval, e.market)
	if err != nil {
		log.Error().Err(err).Str("series", key.String()).Msg("Gap scan read failed")
		return nil, nil
	}
	gaps := FindTimestampGaps(key.Symbol, key.Interval, times)
	for _, g := range gaps {
		e.countAnomaly(domain.AnomalyMissingData, g.Severity())
		log.Warn().
			Str("series", key.String()).
			Int64("gap_start", g.StartMs).
			Int64("gap_end", g.EndMs).
			Int64("missing", g.MissingCount).
			Bool("weekend", g.IsWeekend).
			Msg("Timestamp gap detected")
	}

	candles, err := e.reader.GetRange(ctx, key.Symbol, key.Interval, e.market, 500, 0)
	if err != nil {
		log.Error().Err(err).Str("series", key.String()).Msg("Price gap read failed")
		return gaps, nil
	}
	priceGaps := FindPriceGaps(candles, e.cfg.CriticalGapPct, e.cfg.ZThreshold)
	for _, r := range priceGaps {
		e.countAnomaly(r.Kind, r.Severity)
		log.Warn().
			Str("series", key.String()).
			Int64("open_time", r.TimestampMs).
			Str("severity", string(r.Severity)).
			Msg(r.Description)
	}
	return gaps, priceGaps
}

// repairGap refetches the gap window padded by ContextIntervals spans on
// each side and queues whatever came back. Success means at least one row
// landed strictly inside the gap.
func (e *Engine) repairGap(ctx context.Context, gap domain.Gap) bool {
	if e.metrics != nil {
		e.metrics.RepairsAttempted.Inc()
	}

	span := gap.Interval.Milliseconds()
	pad := int64(e.cfg.ContextIntervals) * span
	windowStart := gap.StartMs - pad
	windowEnd := gap.EndMs + pad

	limit := int(gap.MissingCount) + 2*e.cfg.ContextIntervals + 2
	if limit > 1000 {
		limit = 1000
	}

	// GetKlinesBefore is end-exclusive; +span covers the row at windowEnd.
	page, err := e.source.GetKlinesBefore(ctx, gap.Symbol, gap.Interval, windowEnd+span, limit, e.market)
	if err != nil {
		log.Error().Err(err).Str("symbol", gap.Symbol).Str("interval", string(gap.Interval)).Msg("Gap refetch failed")
		return false
	}

	kept := page[:0:len(page)]
	healed := false
	for _, c := range page {
		if c.OpenTime < windowStart || c.OpenTime > windowEnd {
			continue
		}
		kept = append(kept, c)
		if c.OpenTime > gap.StartMs && c.OpenTime < gap.EndMs {
			healed = true
		}
	}
	if len(kept) == 0 {
		return false
	}
	if _, err := e.sink.Queue(kept); err != nil {
		log.Error().Err(err).Str("symbol", gap.Symbol).Msg("Failed to queue repaired rows")
		return false
	}
	if healed {
		if e.metrics != nil {
			e.metrics.RepairsSucceeded.Inc()
		}
		log.Info().
			Str("symbol", gap.Symbol).
			Str("interval", string(gap.Interval)).
			Int("rows", len(kept)).
			Msg("Gap repaired")
	}
	return healed
}

func (e *Engine) countAnomaly(kind domain.AnomalyKind, sev domain.Severity) {
	if e.metrics != nil {
		e.metrics.Anomalies.WithLabelValues(string(kind), string(sev)).Inc()
	}
}
