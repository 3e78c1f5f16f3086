// Package service is the read facade over the three tiers: the RAM working
// set, the persistent store, and the venue adapter. Reads prefer the
// cheapest tier whose data is fresh enough; every venue fetch is also
// queued for persistence so the mirror heals as it serves.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/klinevault/klinevault/internal/cache"
	"github.com/klinevault/klinevault/internal/config"
	"github.com/klinevault/klinevault/internal/domain"
	"github.com/klinevault/klinevault/internal/metrics"
)

// historyOverlap extends backwards fetches past the oldest known row so the
// seam between stored and fetched history cannot leave a hole.
const historyOverlap = 10

// defaultLimit applies when a caller asks for zero or negative candles.
const defaultLimit = 200

var nowMs = func() int64 { return time.Now().UnixMilli() }

// Venue is the exchange-side surface the service consumes.
type Venue interface {
	GetKlines(ctx context.Context, symbol string, interval domain.Interval, limit int, market domain.MarketType) ([]domain.Candle, error)
	GetKlinesBefore(ctx context.Context, symbol string, interval domain.Interval, endMs int64, limit int, market domain.MarketType) ([]domain.Candle, error)
	ValidateSymbol(ctx context.Context, symbol string, market domain.MarketType) (string, error)
}

// Storage is the store-side surface the service consumes.
type Storage interface {
	Queue(candles []domain.Candle) (int, error)
	GetRange(ctx context.Context, symbol string, interval domain.Interval, market domain.MarketType, limit int, endMs int64) ([]domain.Candle, error)
	GetCoverage(ctx context.Context, symbol string, interval domain.Interval, market domain.MarketType) (domain.Coverage, error)
	Summary(ctx context.Context) ([]domain.Coverage, error)
	DeleteBefore(ctx context.Context, symbol string, interval domain.Interval, market domain.MarketType, cutoffMs int64) (int64, error)
	SweepBeforeGlobalMin(ctx context.Context, minMs int64) (int64, error)
}

// HistoryFetcher loads deep history for one series in the background.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, symbol string, interval domain.Interval, market domain.MarketType, target int) (int, error)
}

// Repairer runs one bounded gap-repair pass.
type Repairer interface {
	RunOnce(ctx context.Context, keys []domain.Key) RepairSummary
}

// RepairSummary is the slice of the repair report the service cares about.
type RepairSummary struct {
	GapsFound int
	Repaired  int
}

// HealthMonitor is the quality-monitor surface the service consumes.
type HealthMonitor interface {
	Watch(key domain.Key)
	Unwatch(key domain.Key)
	Start(ctx context.Context)
	Stop()
}

// Service serves candles from the cheapest sufficient tier and keeps every
// initialized series fresh, complete, and bounded.
type Service struct {
	cfg     config.Config
	venue   Venue
	storage Storage
	history HistoryFetcher
	repairs Repairer
	monitor HealthMonitor
	warm    cache.Warm
	hot     *workingSet
	tracker *domain.ProgressTracker
	metrics *metrics.Registry
	market  domain.MarketType

	mu          sync.Mutex
	initialized map[domain.Key]struct{}
	prewarming  map[domain.Key]struct{}

	lifecycle sync.WaitGroup
	stopOnce  sync.Once
	cancel    context.CancelFunc

	lastRetention time.Time
	lastRepair    time.Time
}

// New wires the service. warm, repairs, monitor, and metrics may be nil; a
// nil warm tier is replaced with the no-op.
func New(cfg config.Config, venue Venue, storage Storage, history HistoryFetcher, repairs Repairer, monitor HealthMonitor, warm cache.Warm, tracker *domain.ProgressTracker, m *metrics.Registry) *Service {
	if warm == nil {
		warm = cache.New(config.RedisConfig{}, nil)
	}
	if tracker == nil {
		tracker = domain.NewProgressTracker()
	}
	return &Service{
		cfg:         cfg,
		venue:       venue,
		storage:     storage,
		history:     history,
		repairs:     repairs,
		monitor:     monitor,
		warm:        warm,
		hot:         newWorkingSet(cfg.Service.RAMLimit),
		tracker:     tracker,
		metrics:     m,
		market:      cfg.Service.MarketType,
		initialized: make(map[domain.Key]struct{}),
		prewarming:  make(map[domain.Key]struct{}),
	}
}

// GetCandles returns the newest limit candles for a series, oldest-first.
// Tiers are tried cheapest-first; a tier answers only when it has enough
// rows and its newest row is fresh. Windows wider than the working set are
// served straight from the store, which hydrates RAM with only the newest
// slice. forceFresh skips straight to the venue. The read path never raises
// for venue trouble: the best stale answer wins.
func (s *Service) GetCandles(ctx context.Context, symbol, interval string, limit int, forceFresh bool) ([]domain.Candle, error) {
	iv, err := domain.ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	key := domain.Key{Symbol: symbol, Interval: iv}

	if !forceFresh {
		if window, ok := s.hot.get(key); ok && len(window) >= limit && iv.Fresh(window[len(window)-1].OpenTime, nowMs()) {
			s.countTier("ram", true)
			s.prewarmAdjacent(key)
			return window[len(window)-limit:], nil
		}
		s.countTier("ram", false)

		if window, ok := s.warm.Get(ctx, key); ok && len(window) >= limit && iv.Fresh(window[len(window)-1].OpenTime, nowMs()) {
			s.hot.replace(key, window)
			s.prewarmAdjacent(key)
			return window[len(window)-limit:], nil
		}

		stored, err := s.storage.GetRange(ctx, symbol, iv, s.market, s.storeReadLimit(limit), 0)
		if err != nil {
			log.Error().Err(err).Str("series", key.String()).Msg("Store read failed")
		}
		if len(stored) >= limit && iv.Fresh(stored[len(stored)-1].OpenTime, nowMs()) {
			s.countTier("store", true)
			s.hot.replace(key, stored)
			s.warm.Put(ctx, key, stored)
			s.prewarmAdjacent(key)
			return stored[len(stored)-limit:], nil
		}
		s.countTier("store", false)
	}

	return s.fetchAndServe(ctx, key, limit)
}

// storeReadLimit sizes store reads: at least the working-set size, so a hit
// can hydrate RAM in full, and at least the caller's window.
func (s *Service) storeReadLimit(limit int) int {
	if limit > s.cfg.Service.RAMLimit {
		return limit
	}
	return s.cfg.Service.RAMLimit
}

// fetchAndServe pulls the newest window from the venue, persists it, and
// merges it into the hot tier. When the venue comes back empty the store's
// stale window is the answer.
func (s *Service) fetchAndServe(ctx context.Context, key domain.Key, limit int) ([]domain.Candle, error) {
	fetched, err := s.venue.GetKlines(ctx, key.Symbol, key.Interval, limit, s.market)
	if err != nil {
		// Unknown symbols are a caller mistake, not venue weather.
		return nil, err
	}

	if len(fetched) > 0 {
		if _, qerr := s.storage.Queue(fetched); qerr != nil {
			log.Warn().Err(qerr).Str("series", key.String()).Msg("Failed to queue fetched candles")
		}
		s.hot.merge(key, fetched)
	}

	window, ok := s.hot.get(key)
	if !ok || len(window) < limit {
		stored, serr := s.storage.GetRange(ctx, key.Symbol, key.Interval, s.market, s.storeReadLimit(limit), 0)
		if serr == nil && len(stored) > len(window) {
			s.hot.replace(key, stored)
			window = stored
		}
	}
	if len(window) == 0 {
		return nil, nil
	}
	s.warm.Put(ctx, key, window)
	s.prewarmAdjacent(key)
	if len(window) > limit {
		window = window[len(window)-limit:]
	}
	return window, nil
}

// GetHistoricalCandles returns up to limit candles strictly before endMs,
// oldest-first. The store answers when it can; otherwise one venue page,
// overlapped past the oldest stored row, fills the difference.
func (s *Service) GetHistoricalCandles(ctx context.Context, symbol, interval string, limit int, endMs int64) ([]domain.Candle, error) {
	iv, err := domain.ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	key := domain.Key{Symbol: symbol, Interval: iv}

	stored, err := s.storage.GetRange(ctx, symbol, iv, s.market, limit, endMs)
	if err != nil {
		log.Error().Err(err).Str("series", key.String()).Msg("Historical store read failed")
	}
	if len(stored) >= limit {
		s.countTier("store", true)
		return stored, nil
	}
	s.countTier("store", false)

	span := iv.Milliseconds()
	fetchEnd := endMs
	if len(stored) > 0 && span > 0 {
		// Overlap past the oldest stored row so the seam stays contiguous.
		fetchEnd = stored[0].OpenTime + historyOverlap*span
	}
	want := limit - len(stored) + historyOverlap
	if want > 1000 {
		want = 1000
	}

	fetched, err := s.venue.GetKlinesBefore(ctx, symbol, iv, fetchEnd, want, s.market)
	if err != nil {
		return stored, err
	}
	if len(fetched) == 0 {
		return stored, nil
	}
	if _, qerr := s.storage.Queue(fetched); qerr != nil {
		log.Warn().Err(qerr).Str("series", key.String()).Msg("Failed to queue historical candles")
	}

	merged := make([]domain.Candle, 0, len(stored)+len(fetched))
	merged = append(merged, stored...)
	merged = append(merged, fetched...)
	domain.SortCandles(merged)
	merged = domain.DedupCandles(merged)

	// Re-apply the caller's bound: the venue page may reach past endMs.
	kept := merged[:0]
	for _, c := range merged {
		if endMs <= 0 || c.OpenTime < endMs {
			kept = append(kept, c)
		}
	}
	if len(kept) > limit {
		kept = kept[len(kept)-limit:]
	}
	return kept, nil
}

// prewarmAdjacent loads the configured neighbor intervals of an accessed
// series into the hot tier from the store, asynchronously. A neighbor
// already cached, or already being warmed, is left alone.
func (s *Service) prewarmAdjacent(key domain.Key) {
	for _, adj := range s.cfg.AdjacentIntervals(key.Interval) {
		adjKey := domain.Key{Symbol: key.Symbol, Interval: adj}
		if s.hot.size(adjKey) > 0 {
			continue
		}
		s.mu.Lock()
		if _, busy := s.prewarming[adjKey]; busy {
			s.mu.Unlock()
			continue
		}
		s.prewarming[adjKey] = struct{}{}
		s.mu.Unlock()

		s.lifecycle.Add(1)
		go func(k domain.Key) {
			defer s.lifecycle.Done()
			defer func() {
				s.mu.Lock()
				delete(s.prewarming, k)
				s.mu.Unlock()
			}()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			rows, err := s.storage.GetRange(ctx, k.Symbol, k.Interval, s.market, s.cfg.Service.RAMLimit, 0)
			if err != nil || len(rows) == 0 {
				return
			}
			s.hot.replace(k, rows)
			log.Debug().Str("series", k.String()).Int("rows", len(rows)).Msg("Adjacent interval pre-warmed")
		}(adjKey)
	}
}

func (s *Service) countTier(tier string, hit bool) {
	if s.metrics == nil {
		return
	}
	if hit {
		s.metrics.CacheHits.WithLabelValues(tier).Inc()
	} else {
		s.metrics.CacheMisses.WithLabelValues(tier).Inc()
	}
}
