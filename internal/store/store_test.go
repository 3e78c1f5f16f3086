package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klinevault/klinevault/internal/config"
	"github.com/klinevault/klinevault/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", filepath.Join(t.TempDir(), "kline_audit.db"))
	db, err := sqlx.Connect("sqlite3", dsn)
	require.NoError(t, err)

	cfg := config.StoreConfig{
		QueueCapacity: 10_000,
		BatchSize:     100,
		BatchFlushMs:  20,
		DrainTimeout:  config.Duration(5 * time.Second),
	}
	s, err := New(db, "sqlite3", cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func makeCandles(symbol string, interval domain.Interval, startMs int64, n int) []domain.Candle {
	span := interval.Milliseconds()
	out := make([]domain.Candle, n)
	for i := range out {
		ot := startMs + int64(i)*span
		out[i] = domain.Candle{
			Symbol:     symbol,
			Interval:   interval,
			MarketType: domain.MarketLinear,
			OpenTime:   ot,
			Open:       100 + float64(i),
			High:       101 + float64(i),
			Low:        99 + float64(i),
			Close:      100.5 + float64(i),
			Volume:     10,
			Turnover:   1000,
			Raw:        json.RawMessage(fmt.Sprintf(`["%d","100","101","99","100.5","10","1000"]`, ot)),
		}
	}
	return out
}

func waitForCount(t *testing.T, s *Store, symbol string, interval domain.Interval, want int64) domain.Coverage {
	t.Helper()
	var cov domain.Coverage
	require.Eventually(t, func() bool {
		var err error
		cov, err = s.GetCoverage(context.Background(), symbol, interval, domain.MarketLinear)
		return err == nil && cov.RowCount == want
	}, 5*time.Second, 10*time.Millisecond, "store never reached %d rows", want)
	return cov
}

func TestQueueAndReadBack(t *testing.T) {
	s := openTestStore(t)
	candles := makeCandles("BTCUSDT", domain.Interval15m, 0, 50)

	n, err := s.Queue(candles)
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	cov := waitForCount(t, s, "BTCUSDT", domain.Interval15m, 50)
	assert.Equal(t, int64(0), cov.OldestMs)
	assert.Equal(t, int64(49)*domain.Interval15m.Milliseconds(), cov.NewestMs)

	got, err := s.GetRange(context.Background(), "BTCUSDT", domain.Interval15m, domain.MarketLinear, 100, 0)
	require.NoError(t, err)
	require.Len(t, got, 50)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].OpenTime, got[i-1].OpenTime, "reads must be strictly ascending")
	}
	assert.NotEmpty(t, got[0].Raw)
}

func TestIdempotentReingestion(t *testing.T) {
	s := openTestStore(t)
	candles := makeCandles("SOLUSDT", domain.Interval15m, 0, 100)

	_, err := s.Queue(candles)
	require.NoError(t, err)
	waitForCount(t, s, "SOLUSDT", domain.Interval15m, 100)

	_, err = s.Queue(candles)
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)

	cov := waitForCount(t, s, "SOLUSDT", domain.Interval15m, 100)
	assert.Equal(t, int64(100), cov.RowCount, "re-queueing identical rows must not create duplicates")
}

func TestUpsertReplacesValues(t *testing.T) {
	s := openTestStore(t)
	first := makeCandles("ETHUSDT", domain.Interval1h, 0, 1)
	_, err := s.Queue(first)
	require.NoError(t, err)
	waitForCount(t, s, "ETHUSDT", domain.Interval1h, 1)

	updated := first
	updated[0].Close = 9999
	updated[0].Raw = json.RawMessage(`["0","re","played"]`)
	_, err = s.Queue(updated)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := s.GetRange(context.Background(), "ETHUSDT", domain.Interval1h, domain.MarketLinear, 1, 0)
		return err == nil && len(got) == 1 && got[0].Close == 9999
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGetRangeRespectsEndBoundAndLimit(t *testing.T) {
	s := openTestStore(t)
	span := domain.Interval5m.Milliseconds()
	_, err := s.Queue(makeCandles("XRPUSDT", domain.Interval5m, 0, 20))
	require.NoError(t, err)
	waitForCount(t, s, "XRPUSDT", domain.Interval5m, 20)

	got, err := s.GetRange(context.Background(), "XRPUSDT", domain.Interval5m, domain.MarketLinear, 5, 10*span)
	require.NoError(t, err)
	require.Len(t, got, 5)
	// Newest 5 rows strictly before 10*span: open times 5..9.
	assert.Equal(t, 5*span, got[0].OpenTime)
	assert.Equal(t, 9*span, got[4].OpenTime)
}

func TestMarketTypesAreSeparateSeries(t *testing.T) {
	s := openTestStore(t)
	linear := makeCandles("BTCUSDT", domain.Interval1h, 0, 3)
	spot := makeCandles("BTCUSDT", domain.Interval1h, 0, 3)
	for i := range spot {
		spot[i].MarketType = domain.MarketSpot
	}
	_, err := s.Queue(append(linear, spot...))
	require.NoError(t, err)
	waitForCount(t, s, "BTCUSDT", domain.Interval1h, 3)

	cov, err := s.GetCoverage(context.Background(), "BTCUSDT", domain.Interval1h, domain.MarketSpot)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cov.RowCount)
}

func TestQueueOverflowRejectsWithoutDeadlock(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL", filepath.Join(t.TempDir(), "small.db"))
	db, err := sqlx.Connect("sqlite3", dsn)
	require.NoError(t, err)
	cfg := config.StoreConfig{QueueCapacity: 10, BatchSize: 100, BatchFlushMs: 1000, DrainTimeout: config.Duration(time.Second)}
	s, err := New(db, "sqlite3", cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop(context.Background()) })

	_, err = s.Queue(makeCandles("BTCUSDT", domain.Interval1m, 0, 20))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestQueueAfterStopFails(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Stop(context.Background()))

	_, err := s.Queue(makeCandles("BTCUSDT", domain.Interval1m, 0, 1))
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestStopDrainsPendingRows(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL", filepath.Join(t.TempDir(), "drain.db"))
	db, err := sqlx.Connect("sqlite3", dsn)
	require.NoError(t, err)
	// Long flush timer: only the shutdown drain can flush these rows.
	cfg := config.StoreConfig{QueueCapacity: 10_000, BatchSize: 10_000, BatchFlushMs: 60_000, DrainTimeout: config.Duration(5 * time.Second)}
	s, err := New(db, "sqlite3", cfg, nil)
	require.NoError(t, err)

	_, err = s.Queue(makeCandles("ADAUSDT", domain.Interval1m, 0, 25))
	require.NoError(t, err)
	require.NoError(t, s.Stop(context.Background()))

	db2, err := sqlx.Connect("sqlite3", dsn)
	require.NoError(t, err)
	defer db2.Close()
	var count int64
	require.NoError(t, db2.Get(&count, `SELECT COUNT(*) FROM kline_audit`))
	assert.Equal(t, int64(25), count, "shutdown must flush buffered rows")
}

func TestDeleteBeforeAndSweep(t *testing.T) {
	s := openTestStore(t)
	span := domain.IntervalDay.Milliseconds()
	_, err := s.Queue(makeCandles("AVAXUSDT", domain.IntervalDay, 0, 10))
	require.NoError(t, err)
	waitForCount(t, s, "AVAXUSDT", domain.IntervalDay, 10)

	n, err := s.DeleteBefore(context.Background(), "AVAXUSDT", domain.IntervalDay, domain.MarketLinear, 3*span)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = s.SweepBeforeGlobalMin(context.Background(), 5*span)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	cov := waitForCount(t, s, "AVAXUSDT", domain.IntervalDay, 5)
	assert.Equal(t, 5*span, cov.OldestMs)
}

func TestLegacyIndexMigration(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL", filepath.Join(t.TempDir(), "legacy.db"))
	db, err := sqlx.Connect("sqlite3", dsn)
	require.NoError(t, err)

	// Seed the pre-market_type schema.
	_, err = db.Exec(`CREATE TABLE kline_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL, "interval" TEXT NOT NULL, market_type TEXT NOT NULL,
		open_time INTEGER NOT NULL, open_time_dt TIMESTAMP,
		open REAL NOT NULL DEFAULT 0, high REAL NOT NULL DEFAULT 0,
		low REAL NOT NULL DEFAULT 0, close REAL NOT NULL DEFAULT 0,
		volume REAL NOT NULL DEFAULT 0, turnover REAL NOT NULL DEFAULT 0,
		raw_json TEXT, inserted_at TIMESTAMP NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE UNIQUE INDEX ux_kline_audit_sym_iv_time ON kline_audit (symbol, "interval", open_time)`)
	require.NoError(t, err)

	cfg := config.StoreConfig{QueueCapacity: 100, BatchSize: 10, BatchFlushMs: 20, DrainTimeout: config.Duration(time.Second)}
	s, err := New(db, "sqlite3", cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop(context.Background()) })

	var count int
	require.NoError(t, db.Get(&count, `SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name='ux_kline_audit_sym_iv_time'`))
	assert.Zero(t, count, "legacy index must be dropped")
	require.NoError(t, db.Get(&count, `SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name='ux_kline_audit_key'`))
	assert.Equal(t, 1, count, "composite index must exist")
}

func TestRepositoryFacade(t *testing.T) {
	s := openTestStore(t)
	span := domain.Interval1h.Milliseconds()
	_, err := s.Queue(makeCandles("DOTUSDT", domain.Interval1h, 0, 30))
	require.NoError(t, err)
	waitForCount(t, s, "DOTUSDT", domain.Interval1h, 30)

	repo := NewRepository(s, domain.MarketLinear)

	last, err := repo.LastN(context.Background(), "DOTUSDT", domain.Interval1h, 10)
	require.NoError(t, err)
	require.Len(t, last, 10)
	assert.Equal(t, 29*span, last[9].OpenTime)

	before, err := repo.LastNBefore(context.Background(), "DOTUSDT", domain.Interval1h, 5, 20*span)
	require.NoError(t, err)
	require.Len(t, before, 5)
	assert.Equal(t, 19*span, before[4].OpenTime)

	cov, err := repo.Coverage(context.Background(), "DOTUSDT", domain.Interval1h)
	require.NoError(t, err)
	assert.Equal(t, int64(30), cov.RowCount)
}
