package service

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/klinevault/klinevault/internal/domain"
)

// maxHotSeries bounds how many (symbol, interval) series the RAM tier holds
// before the least recently used one is evicted.
const maxHotSeries = 256

// workingSet is the hot tier: per-series windows of the newest candles,
// each capped at the configured working-set size. Reads hand out copies so
// callers can never mutate the cached window.
type workingSet struct {
	mu    sync.RWMutex
	limit int
	cache *lru.Cache
}

func newWorkingSet(limit int) *workingSet {
	c, _ := lru.New(maxHotSeries)
	return &workingSet{limit: limit, cache: c}
}

// get returns a copy of the cached window, newest last.
func (w *workingSet) get(key domain.Key) ([]domain.Candle, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	v, ok := w.cache.Get(key)
	if !ok {
		return nil, false
	}
	window := v.([]domain.Candle)
	out := make([]domain.Candle, len(window))
	copy(out, window)
	return out, true
}

// replace installs a window wholesale, trimming to the newest limit rows.
func (w *workingSet) replace(key domain.Key, candles []domain.Candle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cache.Add(key, w.trim(candles))
}

// merge folds new candles into the cached window: sort, dedup with later
// rows winning, keep the newest limit.
func (w *workingSet) merge(key domain.Key, candles []domain.Candle) {
	if len(candles) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	var window []domain.Candle
	if v, ok := w.cache.Get(key); ok {
		window = v.([]domain.Candle)
	}
	merged := make([]domain.Candle, 0, len(window)+len(candles))
	merged = append(merged, window...)
	merged = append(merged, candles...)
	domain.SortCandles(merged)
	merged = domain.DedupCandles(merged)
	w.cache.Add(key, w.trim(merged))
}

// size returns the cached row count for one series.
func (w *workingSet) size(key domain.Key) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if v, ok := w.cache.Get(key); ok {
		return len(v.([]domain.Candle))
	}
	return 0
}

// keys lists all cached series.
func (w *workingSet) keys() []domain.Key {
	w.mu.RLock()
	defer w.mu.RUnlock()
	raw := w.cache.Keys()
	out := make([]domain.Key, 0, len(raw))
	for _, k := range raw {
		out = append(out, k.(domain.Key))
	}
	return out
}

func (w *workingSet) trim(candles []domain.Candle) []domain.Candle {
	if len(candles) <= w.limit {
		out := make([]domain.Candle, len(candles))
		copy(out, candles)
		return out
	}
	out := make([]domain.Candle, w.limit)
	copy(out, candles[len(candles)-w.limit:])
	return out
}
