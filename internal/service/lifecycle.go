package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/klinevault/klinevault/internal/domain"
)

// recentWindow is how many newest candles each update tick refreshes per
// tracked series.
const recentWindow = 10

// backfillThreshold: coverage below this fraction of the interval's target
// triggers a background historical fetch.
const backfillThreshold = 0.9

// InitResult describes what InitializeSymbol prepared: the canonical symbol
// and the persisted coverage of every tracked interval at call time.
type InitResult struct {
	Symbol    string                              `json:"symbol"`
	Intervals map[domain.Interval]domain.Coverage `json:"intervals"`
}

// InitializeSymbol registers a symbol for serving: the symbol is validated
// against the venue, the primary interval plus its configured neighbors
// (when loadAdjacent is set), the always-on intervals, and the daily series
// are all tracked, and any of them short on history starts a background
// backfill when loadHistory is set. Idempotent per (symbol, interval).
func (s *Service) InitializeSymbol(ctx context.Context, symbol, interval string, loadHistory, loadAdjacent bool) (InitResult, error) {
	iv, err := domain.ParseInterval(interval)
	if err != nil {
		return InitResult{}, err
	}
	canonical, err := s.venue.ValidateSymbol(ctx, symbol, s.market)
	if err != nil {
		return InitResult{}, fmt.Errorf("symbol %q not tradable: %w", symbol, err)
	}

	res := InitResult{Symbol: canonical, Intervals: make(map[domain.Interval]domain.Coverage)}
	for _, target := range s.intervalSet(iv, loadAdjacent) {
		key := domain.Key{Symbol: canonical, Interval: target}

		s.mu.Lock()
		_, done := s.initialized[key]
		s.initialized[key] = struct{}{}
		s.mu.Unlock()

		if !done {
			if s.monitor != nil {
				s.monitor.Watch(key)
			}
			if loadHistory {
				s.maybeBackfill(ctx, key)
			}
		}
		if cov, cerr := s.storage.GetCoverage(ctx, key.Symbol, key.Interval, s.market); cerr == nil {
			res.Intervals[target] = cov
		} else {
			res.Intervals[target] = domain.Coverage{Symbol: canonical, Interval: target}
		}
	}
	return res, nil
}

// intervalSet is the union of the primary interval, its neighbors (when
// requested), the required intervals, and the daily series.
func (s *Service) intervalSet(primary domain.Interval, includeAdjacent bool) []domain.Interval {
	seen := map[domain.Interval]struct{}{primary: {}}
	out := []domain.Interval{primary}
	add := func(iv domain.Interval) {
		if _, ok := seen[iv]; ok {
			return
		}
		seen[iv] = struct{}{}
		out = append(out, iv)
	}
	if includeAdjacent {
		for _, adj := range s.cfg.AdjacentIntervals(primary) {
			add(adj)
		}
	}
	for _, req := range s.cfg.RequiredIntervalSet() {
		add(req)
	}
	add(domain.IntervalDay)
	return out
}

// maybeBackfill starts a background historical fetch when the persisted
// coverage falls short of the interval's load target.
func (s *Service) maybeBackfill(ctx context.Context, key domain.Key) {
	target := s.cfg.TargetCandles(key.Interval)
	cov, err := s.storage.GetCoverage(ctx, key.Symbol, key.Interval, s.market)
	if err != nil {
		log.Error().Err(err).Str("series", key.String()).Msg("Coverage check failed during init")
		return
	}
	if float64(cov.RowCount) >= backfillThreshold*float64(target) {
		return
	}
	if s.history == nil {
		return
	}

	log.Info().
		Str("series", key.String()).
		Int64("have", cov.RowCount).
		Int("target", target).
		Msg("Coverage short, starting background backfill")

	s.lifecycle.Add(1)
	go func() {
		defer s.lifecycle.Done()
		bctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if _, err := s.history.FetchHistory(bctx, key.Symbol, key.Interval, s.market, target); err != nil {
			log.Error().Err(err).Str("series", key.String()).Msg("Background backfill failed")
		}
	}()
}

// GetLoadingStatus reports all historical-load tasks keyed by series.
func (s *Service) GetLoadingStatus() map[string]domain.LoadingProgress {
	return s.tracker.Snapshot()
}

// StartUpdateService launches the background refresher: every update period
// each tracked series gets its newest candles refetched and merged, and the
// gated repair and retention passes run when due. The quality monitor starts
// alongside.
func (s *Service) StartUpdateService(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	if s.monitor != nil {
		s.monitor.Start(ctx)
	}

	period := time.Duration(s.cfg.Service.UpdatePeriodS) * time.Second
	if period <= 0 {
		period = time.Minute
	}

	s.lifecycle.Add(1)
	go func() {
		defer s.lifecycle.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.updateTick(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Info().Dur("period", period).Msg("Update service started")
}

// StopUpdateService stops the refresher, the monitor, and waits for
// background work to settle.
func (s *Service) StopUpdateService() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.monitor != nil {
			s.monitor.Stop()
		}
		s.lifecycle.Wait()
		log.Info().Msg("Update service stopped")
	})
}

// updateTick refreshes every initialized series and runs the periodic
// maintenance passes when their gates open. Each series first has any
// backlog beyond the regular refresh window closed, then its newest candles
// refetched and merged.
func (s *Service) updateTick(ctx context.Context) {
	for _, key := range s.trackedKeys() {
		if ctx.Err() != nil {
			return
		}
		s.ensureFresh(ctx, key)
		fetched, err := s.venue.GetKlines(ctx, key.Symbol, key.Interval, recentWindow, s.market)
		if err != nil || len(fetched) == 0 {
			continue
		}
		if _, qerr := s.storage.Queue(fetched); qerr != nil {
			log.Warn().Err(qerr).Str("series", key.String()).Msg("Failed to queue refreshed candles")
		}
		s.hot.merge(key, fetched)
	}

	now := time.Now()
	if s.repairs != nil && now.Sub(s.lastRepair) >= time.Duration(s.cfg.Repair.IntervalHours)*time.Hour {
		s.lastRepair = now
		rep := s.repairs.RunOnce(ctx, s.trackedKeys())
		if rep.GapsFound > 0 {
			log.Info().Int("found", rep.GapsFound).Int("repaired", rep.Repaired).Msg("Repair pass finished")
		}
	}
	if now.Sub(s.lastRetention) >= time.Duration(s.cfg.Retention.CheckDays)*24*time.Hour {
		s.lastRetention = now
		s.EnforceRetention(ctx)
	}
}

// ensureFresh closes the backlog between the store's newest row and now.
// A series within the regular refresh window is left to the 10-candle
// refetch; anything further behind is paged backwards from now until the
// stored frontier is reached, so downtime longer than the refresh window
// cannot leave a permanent hole.
func (s *Service) ensureFresh(ctx context.Context, key domain.Key) {
	span := key.Interval.Milliseconds()
	if span <= 0 {
		return
	}
	cov, err := s.storage.GetCoverage(ctx, key.Symbol, key.Interval, s.market)
	if err != nil || cov.Empty() {
		return
	}
	missing := (nowMs() - cov.NewestMs) / span
	if missing <= recentWindow {
		return
	}

	log.Info().
		Str("series", key.String()).
		Int64("behind", missing).
		Msg("Series fell behind, closing backlog")

	end := int64(0)
	for {
		want := int(missing) + 1
		if want > 1000 {
			want = 1000
		}
		var page []domain.Candle
		if end == 0 {
			page, err = s.venue.GetKlines(ctx, key.Symbol, key.Interval, want, s.market)
		} else {
			page, err = s.venue.GetKlinesBefore(ctx, key.Symbol, key.Interval, end, want, s.market)
		}
		if err != nil || len(page) == 0 {
			return
		}
		if _, qerr := s.storage.Queue(page); qerr != nil {
			log.Warn().Err(qerr).Str("series", key.String()).Msg("Failed to queue backlog page")
			return
		}
		s.hot.merge(key, page)

		oldest := page[0].OpenTime
		if oldest <= cov.NewestMs {
			return
		}
		if end != 0 && oldest >= end {
			// Venue cannot reach further back; the repair pass owns the rest.
			return
		}
		end = oldest
	}
}

// trackedKeys snapshots the initialized series set.
func (s *Service) trackedKeys() []domain.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Key, 0, len(s.initialized))
	for k := range s.initialized {
		out = append(out, k)
	}
	return out
}

// EnforceRetention deletes rows older than the retention window, cut at a
// calendar-month boundary, and sweeps everything below the global floor.
// Series whose whole span fits inside the window are untouched.
func (s *Service) EnforceRetention(ctx context.Context) {
	cutoff := retentionCutoffMs(time.Now().UTC(), s.cfg.Retention.MaxRetentionDays)
	if floor := s.cfg.GlobalMinMs(); cutoff < floor {
		cutoff = floor
	}

	summaries, err := s.storage.Summary(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Retention summary read failed")
		return
	}

	var total int64
	for _, cov := range summaries {
		if cov.OldestMs >= cutoff {
			continue
		}
		n, err := s.storage.DeleteBefore(ctx, cov.Symbol, cov.Interval, s.market, cutoff)
		if err != nil {
			log.Error().Err(err).Str("symbol", cov.Symbol).Str("interval", string(cov.Interval)).Msg("Retention delete failed")
			continue
		}
		total += n
	}

	swept, err := s.storage.SweepBeforeGlobalMin(ctx, s.cfg.GlobalMinMs())
	if err != nil {
		log.Error().Err(err).Msg("Global floor sweep failed")
	}
	total += swept

	if total > 0 {
		if s.metrics != nil {
			s.metrics.RetentionDeletes.Add(float64(total))
		}
		log.Info().Int64("rows", total).Int64("cutoff_ms", cutoff).Msg("Retention enforced")
	}
}

// retentionCutoffMs returns the retention cutoff snapped back to the start
// of its calendar month, so deletions happen in month-sized steps instead
// of a daily trickle.
func retentionCutoffMs(now time.Time, maxDays int) int64 {
	raw := now.AddDate(0, 0, -maxDays)
	monthStart := time.Date(raw.Year(), raw.Month(), 1, 0, 0, 0, 0, time.UTC)
	return monthStart.UnixMilli()
}

// SeriesStatus is one row of the diagnostics status map.
type SeriesStatus struct {
	Symbol       string                  `json:"symbol"`
	Interval     domain.Interval         `json:"interval"`
	RAMRows      int                     `json:"ram_rows"`
	StoredRows   int64                   `json:"stored_rows"`
	OldestMs     int64                   `json:"oldest_ms"`
	NewestMs     int64                   `json:"newest_ms"`
	Completeness float64                 `json:"completeness_pct"`
	Loading      *domain.LoadingProgress `json:"loading,omitempty"`
}

// Status reports every tracked series, plus any series living only in the
// RAM tier, for the diagnostics surface.
func (s *Service) Status(ctx context.Context) map[string]SeriesStatus {
	keys := s.trackedKeys()
	seen := make(map[domain.Key]struct{}, len(keys))
	for _, k := range keys {
		seen[k] = struct{}{}
	}
	for _, k := range s.hot.keys() {
		if _, ok := seen[k]; !ok {
			keys = append(keys, k)
		}
	}

	out := make(map[string]SeriesStatus)
	for _, key := range keys {
		st := SeriesStatus{
			Symbol:   key.Symbol,
			Interval: key.Interval,
			RAMRows:  s.hot.size(key),
		}
		if cov, err := s.storage.GetCoverage(ctx, key.Symbol, key.Interval, s.market); err == nil {
			st.StoredRows = cov.RowCount
			st.OldestMs = cov.OldestMs
			st.NewestMs = cov.NewestMs
			st.Completeness = cov.CompletenessPct()
		}
		if p, ok := s.tracker.Get(key.Symbol, key.Interval); ok {
			st.Loading = &p
		}
		out[key.String()] = st
	}
	return out
}

// Coverage exposes one series' persisted extent for the diagnostics surface.
func (s *Service) Coverage(ctx context.Context, symbol, interval string) (domain.Coverage, error) {
	iv, err := domain.ParseInterval(interval)
	if err != nil {
		return domain.Coverage{}, err
	}
	return s.storage.GetCoverage(ctx, symbol, iv, s.market)
}
