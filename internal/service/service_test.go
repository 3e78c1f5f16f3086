package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klinevault/klinevault/internal/config"
	"github.com/klinevault/klinevault/internal/domain"
	"github.com/klinevault/klinevault/internal/exchange/bybit"
)

// fakeVenue serves a contiguous series ending at the frozen now.
type fakeVenue struct {
	mu    sync.Mutex
	calls int
	empty bool
}

func (v *fakeVenue) klineCalls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

func (v *fakeVenue) page(symbol string, interval domain.Interval, endMs int64, limit int, market domain.MarketType) []domain.Candle {
	span := interval.Milliseconds()
	var out []domain.Candle
	for ot := interval.Truncate(endMs - 1); ot >= 0 && len(out) < limit; ot -= span {
		out = append(out, domain.Candle{
			Symbol: symbol, Interval: interval, MarketType: market,
			OpenTime: ot, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 3,
		})
	}
	domain.SortCandles(out)
	return out
}

func (v *fakeVenue) GetKlines(_ context.Context, symbol string, interval domain.Interval, limit int, market domain.MarketType) ([]domain.Candle, error) {
	v.mu.Lock()
	v.calls++
	empty := v.empty
	v.mu.Unlock()
	if empty {
		return nil, nil
	}
	return v.page(symbol, interval, nowMs(), limit, market), nil
}

func (v *fakeVenue) GetKlinesBefore(_ context.Context, symbol string, interval domain.Interval, endMs int64, limit int, market domain.MarketType) ([]domain.Candle, error) {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()
	return v.page(symbol, interval, endMs, limit, market), nil
}

func (v *fakeVenue) ValidateSymbol(_ context.Context, symbol string, _ domain.MarketType) (string, error) {
	up := strings.ToUpper(symbol)
	if !strings.HasSuffix(up, "USDT") {
		up += "USDT"
	}
	if up == "NOPEUSDT" {
		return "", bybit.ErrUnknownSymbol
	}
	return up, nil
}

// fakeStorage is a synchronous in-memory stand-in for the store.
type fakeStorage struct {
	mu   sync.Mutex
	rows map[domain.Key]map[int64]domain.Candle
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{rows: make(map[domain.Key]map[int64]domain.Candle)}
}

func (f *fakeStorage) Queue(candles []domain.Candle) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range candles {
		key := domain.Key{Symbol: c.Symbol, Interval: c.Interval}
		if f.rows[key] == nil {
			f.rows[key] = make(map[int64]domain.Candle)
		}
		f.rows[key][c.OpenTime] = c
	}
	return len(candles), nil
}

func (f *fakeStorage) series(symbol string, interval domain.Interval) []domain.Candle {
	var out []domain.Candle
	for _, c := range f.rows[domain.Key{Symbol: symbol, Interval: interval}] {
		out = append(out, c)
	}
	domain.SortCandles(out)
	return out
}

func (f *fakeStorage) GetRange(_ context.Context, symbol string, interval domain.Interval, _ domain.MarketType, limit int, endMs int64) ([]domain.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.series(symbol, interval)
	var out []domain.Candle
	for _, c := range all {
		if endMs <= 0 || c.OpenTime < endMs {
			out = append(out, c)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeStorage) GetCoverage(_ context.Context, symbol string, interval domain.Interval, _ domain.MarketType) (domain.Coverage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.series(symbol, interval)
	cov := domain.Coverage{Symbol: symbol, Interval: interval, RowCount: int64(len(all))}
	if len(all) > 0 {
		cov.OldestMs = all[0].OpenTime
		cov.NewestMs = all[len(all)-1].OpenTime
	}
	return cov, nil
}

func (f *fakeStorage) Summary(ctx context.Context) ([]domain.Coverage, error) {
	f.mu.Lock()
	keys := make([]domain.Key, 0, len(f.rows))
	for k := range f.rows {
		keys = append(keys, k)
	}
	f.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	var out []domain.Coverage
	for _, k := range keys {
		cov, _ := f.GetCoverage(ctx, k.Symbol, k.Interval, "")
		out = append(out, cov)
	}
	return out, nil
}

func (f *fakeStorage) DeleteBefore(_ context.Context, symbol string, interval domain.Interval, _ domain.MarketType, cutoffMs int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for ot := range f.rows[domain.Key{Symbol: symbol, Interval: interval}] {
		if ot < cutoffMs {
			delete(f.rows[domain.Key{Symbol: symbol, Interval: interval}], ot)
			n++
		}
	}
	return n, nil
}

func (f *fakeStorage) SweepBeforeGlobalMin(_ context.Context, minMs int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, series := range f.rows {
		for ot := range series {
			if ot < minMs {
				delete(series, ot)
				n++
			}
		}
	}
	return n, nil
}

type fakeHistory struct {
	mu    sync.Mutex
	calls []domain.Key
}

func (h *fakeHistory) FetchHistory(_ context.Context, symbol string, interval domain.Interval, _ domain.MarketType, _ int) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, domain.Key{Symbol: symbol, Interval: interval})
	return 0, nil
}

func (h *fakeHistory) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

type fakeMonitor struct {
	mu      sync.Mutex
	watched map[domain.Key]struct{}
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{watched: make(map[domain.Key]struct{})}
}

func (m *fakeMonitor) Watch(key domain.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watched[key] = struct{}{}
}

func (m *fakeMonitor) Unwatch(key domain.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watched, key)
}

func (m *fakeMonitor) Start(context.Context) {}
func (m *fakeMonitor) Stop()                 {}

func (m *fakeMonitor) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watched)
}

func freezeNow(t *testing.T, ms int64) {
	t.Helper()
	orig := nowMs
	nowMs = func() int64 { return ms }
	t.Cleanup(func() { nowMs = orig })
}

func newTestService(t *testing.T) (*Service, *fakeVenue, *fakeStorage, *fakeHistory, *fakeMonitor) {
	t.Helper()
	cfg := config.Default()
	venue := &fakeVenue{}
	storage := newFakeStorage()
	history := &fakeHistory{}
	monitor := newFakeMonitor()
	svc := New(cfg, venue, storage, history, nil, monitor, nil, nil, nil)
	t.Cleanup(svc.StopUpdateService)
	return svc, venue, storage, history, monitor
}

func TestGetCandlesColdThenHot(t *testing.T) {
	span := domain.Interval1m.Milliseconds()
	freezeNow(t, 100_000*span)
	svc, venue, storage, _, _ := newTestService(t)

	first, err := svc.GetCandles(context.Background(), "BTCUSDT", "1", 50, false)
	require.NoError(t, err)
	require.Len(t, first, 50)
	assert.Equal(t, 1, venue.klineCalls(), "cold read goes to the venue")
	assert.NotEmpty(t, storage.series("BTCUSDT", domain.Interval1m), "fetched candles must be persisted")

	second, err := svc.GetCandles(context.Background(), "BTCUSDT", "1", 50, false)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, venue.klineCalls(), "hot read must not touch the venue")
}

func TestGetCandlesAcceptsAliases(t *testing.T) {
	span := domain.Interval1h.Milliseconds()
	freezeNow(t, 1_000*span)
	svc, _, _, _, _ := newTestService(t)

	candles, err := svc.GetCandles(context.Background(), "BTCUSDT", "1h", 10, false)
	require.NoError(t, err)
	require.Len(t, candles, 10)
	assert.Equal(t, domain.Interval1h, candles[0].Interval)

	_, err = svc.GetCandles(context.Background(), "BTCUSDT", "7m", 10, false)
	assert.Error(t, err, "unknown interval is a caller error")
}

func TestGetCandlesStaleStoreRefetches(t *testing.T) {
	span := domain.Interval1m.Milliseconds()
	now := 100_000 * span
	freezeNow(t, now)
	svc, venue, storage, _, _ := newTestService(t)

	// Seed the store with a window ending well in the past.
	var old []domain.Candle
	for i := 0; i < 60; i++ {
		old = append(old, domain.Candle{
			Symbol: "BTCUSDT", Interval: domain.Interval1m,
			OpenTime: now - 1000*span + int64(i)*span, Close: 1,
		})
	}
	_, err := storage.Queue(old)
	require.NoError(t, err)

	candles, err := svc.GetCandles(context.Background(), "BTCUSDT", "1", 50, false)
	require.NoError(t, err)
	require.Len(t, candles, 50)
	assert.Equal(t, 1, venue.klineCalls(), "stale store window forces a venue fetch")
	assert.Equal(t, domain.Interval1m.Truncate(now-1), candles[len(candles)-1].OpenTime)
}

func TestGetCandlesForceFreshSkipsTiers(t *testing.T) {
	span := domain.Interval1m.Milliseconds()
	freezeNow(t, 100_000*span)
	svc, venue, _, _, _ := newTestService(t)

	_, err := svc.GetCandles(context.Background(), "BTCUSDT", "1", 20, false)
	require.NoError(t, err)
	_, err = svc.GetCandles(context.Background(), "BTCUSDT", "1", 20, true)
	require.NoError(t, err)
	assert.Equal(t, 2, venue.klineCalls(), "force-fresh must bypass every cache tier")
}

func TestGetCandlesVenueDownServesStale(t *testing.T) {
	span := domain.Interval1m.Milliseconds()
	now := 100_000 * span
	freezeNow(t, now)
	svc, venue, storage, _, _ := newTestService(t)

	var old []domain.Candle
	for i := 0; i < 30; i++ {
		old = append(old, domain.Candle{
			Symbol: "BTCUSDT", Interval: domain.Interval1m,
			OpenTime: now - 500*span + int64(i)*span, Close: 42,
		})
	}
	_, err := storage.Queue(old)
	require.NoError(t, err)
	venue.empty = true

	candles, err := svc.GetCandles(context.Background(), "BTCUSDT", "1", 20, false)
	require.NoError(t, err, "read path never raises for venue trouble")
	require.Len(t, candles, 20)
	assert.Equal(t, 42.0, candles[0].Close, "stale stored rows are the answer of last resort")
}

func TestGetCandlesWideWindowServedFromStore(t *testing.T) {
	span := domain.Interval1m.Milliseconds()
	now := 100_000 * span
	freezeNow(t, now)
	svc, venue, storage, _, _ := newTestService(t)

	// Fresh stored series wider than the working set.
	var rows []domain.Candle
	for i := 0; i < 600; i++ {
		rows = append(rows, domain.Candle{
			Symbol: "BTCUSDT", Interval: domain.Interval1m,
			OpenTime: now - int64(600-i)*span, Close: 1,
		})
	}
	_, err := storage.Queue(rows)
	require.NoError(t, err)

	candles, err := svc.GetCandles(context.Background(), "BTCUSDT", "1", 600, false)
	require.NoError(t, err)
	require.Len(t, candles, 600, "the full requested window must come back")
	assert.Equal(t, now-span, candles[len(candles)-1].OpenTime)
	assert.Zero(t, venue.klineCalls(), "a sufficient fresh store answers alone")

	key := domain.Key{Symbol: "BTCUSDT", Interval: domain.Interval1m}
	assert.Equal(t, config.Default().Service.RAMLimit, svc.hot.size(key),
		"RAM keeps only the newest working-set slice")
}

func TestGetHistoricalCandlesStoreFirst(t *testing.T) {
	span := domain.Interval1m.Milliseconds()
	now := 100_000 * span
	freezeNow(t, now)
	svc, venue, storage, _, _ := newTestService(t)

	var rows []domain.Candle
	for i := 0; i < 200; i++ {
		rows = append(rows, domain.Candle{
			Symbol: "BTCUSDT", Interval: domain.Interval1m,
			OpenTime: int64(i) * span, Close: 1,
		})
	}
	_, err := storage.Queue(rows)
	require.NoError(t, err)

	got, err := svc.GetHistoricalCandles(context.Background(), "BTCUSDT", "1", 50, 100*span)
	require.NoError(t, err)
	require.Len(t, got, 50)
	assert.Equal(t, 99*span, got[len(got)-1].OpenTime)
	assert.Zero(t, venue.klineCalls(), "a sufficient store answers alone")
}

func TestGetHistoricalCandlesFillsFromVenue(t *testing.T) {
	span := domain.Interval1m.Milliseconds()
	now := 100_000 * span
	freezeNow(t, now)
	svc, venue, storage, _, _ := newTestService(t)

	// Store has only the newest 20 of the requested window.
	var rows []domain.Candle
	for i := 0; i < 20; i++ {
		rows = append(rows, domain.Candle{
			Symbol: "BTCUSDT", Interval: domain.Interval1m,
			OpenTime: 980*span + int64(i)*span, Close: 1,
		})
	}
	_, err := storage.Queue(rows)
	require.NoError(t, err)

	got, err := svc.GetHistoricalCandles(context.Background(), "BTCUSDT", "1", 100, 1000*span)
	require.NoError(t, err)
	require.Len(t, got, 100)
	assert.Equal(t, 1, venue.klineCalls())
	assert.Equal(t, 999*span, got[len(got)-1].OpenTime)
	assert.Equal(t, 900*span, got[0].OpenTime)
	for i := 1; i < len(got); i++ {
		assert.Equal(t, got[i-1].OpenTime+span, got[i].OpenTime, "seam must be contiguous")
	}
	assert.Greater(t, len(storage.series("BTCUSDT", domain.Interval1m)), 20, "fetched history must be persisted")
}

func TestInitializeSymbolTracksIntervalSet(t *testing.T) {
	span := domain.Interval1h.Milliseconds()
	freezeNow(t, 1_000*span)
	svc, _, _, history, monitor := newTestService(t)

	res, err := svc.InitializeSymbol(context.Background(), "btc", "60", true, true)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", res.Symbol)

	// 60 + neighbors {30, 120} + required {1, 60} + D = 5 distinct series.
	assert.Equal(t, 5, monitor.count())
	assert.Len(t, res.Intervals, 5, "every tracked interval must report its coverage")
	require.Eventually(t, func() bool { return history.count() == 5 }, 2*time.Second, 10*time.Millisecond,
		"empty series must start background backfills")

	// Second call is a no-op.
	_, err = svc.InitializeSymbol(context.Background(), "BTCUSDT", "60", true, true)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 5, history.count())
	assert.Equal(t, 5, monitor.count())
}

func TestInitializeSymbolUnknownSymbol(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	_, err := svc.InitializeSymbol(context.Background(), "nope", "60", true, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, bybit.ErrUnknownSymbol)
}

func TestInitializeSymbolSkipsHistoryWhenDisabled(t *testing.T) {
	freezeNow(t, 1_000*domain.Interval1h.Milliseconds())
	svc, _, _, history, monitor := newTestService(t)

	_, err := svc.InitializeSymbol(context.Background(), "btc", "60", false, true)
	require.NoError(t, err)
	assert.Equal(t, 5, monitor.count(), "tracking is independent of history loading")
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, history.count(), "no backfill may start when history loading is off")
}

func TestInitializeSymbolWithoutAdjacent(t *testing.T) {
	freezeNow(t, 1_000*domain.Interval1h.Milliseconds())
	svc, _, _, _, monitor := newTestService(t)

	res, err := svc.InitializeSymbol(context.Background(), "btc", "60", false, false)
	require.NoError(t, err)
	// 60 + required {1, 60} + D = 3 distinct series, no neighbors.
	assert.Equal(t, 3, monitor.count())
	assert.Len(t, res.Intervals, 3)
	assert.NotContains(t, res.Intervals, domain.Interval30m)
}

func TestUpdateTickClosesStaleBacklog(t *testing.T) {
	span := domain.Interval1m.Milliseconds()
	now := 100_000 * span
	freezeNow(t, now)
	svc, _, storage, _, _ := newTestService(t)

	// Stored frontier sits 52 candles behind now, well past the regular
	// refresh window.
	var rows []domain.Candle
	for i := 0; i < 60; i++ {
		rows = append(rows, domain.Candle{
			Symbol: "BTCUSDT", Interval: domain.Interval1m,
			OpenTime: now - int64(111-i)*span, Close: 1,
		})
	}
	_, err := storage.Queue(rows)
	require.NoError(t, err)

	key := domain.Key{Symbol: "BTCUSDT", Interval: domain.Interval1m}
	svc.mu.Lock()
	svc.initialized[key] = struct{}{}
	svc.mu.Unlock()
	svc.lastRepair = time.Now()
	svc.lastRetention = time.Now()

	svc.updateTick(context.Background())

	stored := storage.series("BTCUSDT", domain.Interval1m)
	require.NotEmpty(t, stored)
	assert.Equal(t, now-span, stored[len(stored)-1].OpenTime, "the series must be caught up")
	for i := 1; i < len(stored); i++ {
		require.Equal(t, stored[i-1].OpenTime+span, stored[i].OpenTime,
			"the backlog must be closed without holes")
	}
}

func TestStatusIncludesRAMOnlySeries(t *testing.T) {
	span := domain.Interval1m.Milliseconds()
	freezeNow(t, 100_000*span)
	svc, _, _, _, _ := newTestService(t)

	_, err := svc.GetCandles(context.Background(), "ETHUSDT", "1", 20, false)
	require.NoError(t, err)

	status := svc.Status(context.Background())
	key := domain.Key{Symbol: "ETHUSDT", Interval: domain.Interval1m}
	st, ok := status[key.String()]
	require.True(t, ok, "series living only in the RAM tier must be reported")
	assert.Equal(t, 20, st.RAMRows)
}

func TestPrewarmAdjacentIntervals(t *testing.T) {
	span := domain.Interval1h.Milliseconds()
	now := 10_000 * span
	freezeNow(t, now)
	svc, _, storage, _, _ := newTestService(t)

	// Neighbor series already persisted.
	var rows []domain.Candle
	for i := 0; i < 40; i++ {
		rows = append(rows, domain.Candle{
			Symbol: "BTCUSDT", Interval: domain.Interval30m,
			OpenTime: now - int64(40-i)*domain.Interval30m.Milliseconds(), Close: 1,
		})
	}
	_, err := storage.Queue(rows)
	require.NoError(t, err)

	_, err = svc.GetCandles(context.Background(), "BTCUSDT", "60", 10, false)
	require.NoError(t, err)

	key := domain.Key{Symbol: "BTCUSDT", Interval: domain.Interval30m}
	require.Eventually(t, func() bool { return svc.hot.size(key) == 40 }, 2*time.Second, 10*time.Millisecond,
		"neighbor interval must be pre-warmed from the store")
}

func TestEnforceRetention(t *testing.T) {
	svc, _, storage, _, _ := newTestService(t)

	nowT := time.Now().UTC()
	span := domain.IntervalDay.Milliseconds()
	recent := nowT.AddDate(0, 0, -10).UnixMilli()
	ancient := nowT.AddDate(0, 0, -900).UnixMilli()

	_, err := storage.Queue([]domain.Candle{
		{Symbol: "BTCUSDT", Interval: domain.IntervalDay, OpenTime: domain.IntervalDay.Truncate(recent), Close: 1},
		{Symbol: "BTCUSDT", Interval: domain.IntervalDay, OpenTime: domain.IntervalDay.Truncate(recent) - span, Close: 1},
		{Symbol: "BTCUSDT", Interval: domain.IntervalDay, OpenTime: domain.IntervalDay.Truncate(ancient), Close: 1},
	})
	require.NoError(t, err)

	svc.EnforceRetention(context.Background())

	left := storage.series("BTCUSDT", domain.IntervalDay)
	require.Len(t, left, 2, "rows past the retention window must be deleted")
	for _, c := range left {
		assert.Greater(t, c.OpenTime, ancient)
	}
}

func TestWorkingSetMergeAndTrim(t *testing.T) {
	ws := newWorkingSet(5)
	key := domain.Key{Symbol: "BTCUSDT", Interval: domain.Interval1m}
	span := domain.Interval1m.Milliseconds()

	var first []domain.Candle
	for i := 0; i < 4; i++ {
		first = append(first, domain.Candle{OpenTime: int64(i) * span, Close: 1})
	}
	ws.merge(key, first)
	assert.Equal(t, 4, ws.size(key))

	// Overlapping newer batch: dedup, newest five win.
	var second []domain.Candle
	for i := 2; i < 8; i++ {
		second = append(second, domain.Candle{OpenTime: int64(i) * span, Close: 2})
	}
	ws.merge(key, second)
	assert.Equal(t, 5, ws.size(key))

	window, ok := ws.get(key)
	require.True(t, ok)
	assert.Equal(t, 3*span, window[0].OpenTime)
	assert.Equal(t, 7*span, window[len(window)-1].OpenTime)
	assert.Equal(t, 2.0, window[0].Close, "later rows win on conflict")

	// Mutating the returned copy must not corrupt the cache.
	window[0].Close = 999
	again, _ := ws.get(key)
	assert.Equal(t, 2.0, again[0].Close)
}
