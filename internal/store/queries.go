package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klinevault/klinevault/internal/domain"
)

const readTimeout = 10 * time.Second

const selectColumns = `symbol, "interval", market_type, open_time, open, high, low, close, volume, turnover, raw_json, inserted_at`

// GetRange returns up to limit candles with open_time strictly before endMs
// ("now" when endMs is 0), oldest-first. The newest qualifying rows win when
// more than limit exist.
func (s *Store) GetRange(ctx context.Context, symbol string, interval domain.Interval, market domain.MarketType, limit int, endMs int64) ([]domain.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	if endMs <= 0 {
		endMs = time.Now().UnixMilli() + 1
	}
	if limit <= 0 {
		limit = 200
	}

	query := s.db.Rebind(fmt.Sprintf(`
		SELECT %s FROM kline_audit
		WHERE symbol = ? AND "interval" = ? AND market_type = ? AND open_time < ?
		ORDER BY open_time DESC
		LIMIT ?`, selectColumns))

	rows, err := s.db.QueryxContext(ctx, query, symbol, string(interval), string(market), endMs, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query kline range: %w", err)
	}
	defer rows.Close()

	candles, err := scanCandles(rows)
	if err != nil {
		return nil, err
	}
	// Reverse the DESC page into ascending order.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// GetCoverage returns (oldest, newest, count) for one series. Empty series
// yield a zero Coverage with RowCount 0.
func (s *Store) GetCoverage(ctx context.Context, symbol string, interval domain.Interval, market domain.MarketType) (domain.Coverage, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	query := s.db.Rebind(`
		SELECT COALESCE(MIN(open_time), 0), COALESCE(MAX(open_time), 0), COUNT(*)
		FROM kline_audit
		WHERE symbol = ? AND "interval" = ? AND market_type = ?`)

	cov := domain.Coverage{Symbol: symbol, Interval: interval}
	err := s.db.QueryRowxContext(ctx, query, symbol, string(interval), string(market)).
		Scan(&cov.OldestMs, &cov.NewestMs, &cov.RowCount)
	if err != nil {
		return cov, fmt.Errorf("failed to query coverage: %w", err)
	}
	return cov, nil
}

// Summary returns coverage for every persisted (symbol, interval, market)
// series, for diagnostics.
func (s *Store) Summary(ctx context.Context) ([]domain.Coverage, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	query := `
		SELECT symbol, "interval", MIN(open_time), MAX(open_time), COUNT(*)
		FROM kline_audit
		GROUP BY symbol, "interval", market_type
		ORDER BY symbol, "interval"`

	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query summary: %w", err)
	}
	defer rows.Close()

	var out []domain.Coverage
	for rows.Next() {
		var cov domain.Coverage
		var interval string
		if err := rows.Scan(&cov.Symbol, &interval, &cov.OldestMs, &cov.NewestMs, &cov.RowCount); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		cov.Interval = domain.Interval(interval)
		out = append(out, cov)
	}
	return out, rows.Err()
}

// OpenTimes returns the full ascending open_time sequence for one series,
// used by gap analysis.
func (s *Store) OpenTimes(ctx context.Context, symbol string, interval domain.Interval, market domain.MarketType) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	query := s.db.Rebind(`
		SELECT open_time FROM kline_audit
		WHERE symbol = ? AND "interval" = ? AND market_type = ?
		ORDER BY open_time ASC`)

	var times []int64
	if err := s.db.SelectContext(ctx, &times, query, symbol, string(interval), string(market)); err != nil {
		return nil, fmt.Errorf("failed to query open times: %w", err)
	}
	return times, nil
}

// DeleteBefore removes rows of one series with open_time < cutoffMs and
// returns the count removed. Used by retention enforcement.
func (s *Store) DeleteBefore(ctx context.Context, symbol string, interval domain.Interval, market domain.MarketType, cutoffMs int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	query := s.db.Rebind(`
		DELETE FROM kline_audit
		WHERE symbol = ? AND "interval" = ? AND market_type = ? AND open_time < ?`)

	res, err := s.db.ExecContext(ctx, query, symbol, string(interval), string(market), cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("failed to delete rows before cutoff: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SweepBeforeGlobalMin removes every row older than the configured floor,
// across all series.
func (s *Store) SweepBeforeGlobalMin(ctx context.Context, minMs int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM kline_audit WHERE open_time < ?`), minMs)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep pre-floor rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
	Next() bool
	Err() error
}

func scanCandles(rows scannable) ([]domain.Candle, error) {
	var out []domain.Candle
	for rows.Next() {
		var c domain.Candle
		var interval, market string
		var raw sql.NullString
		var inserted time.Time
		err := rows.Scan(&c.Symbol, &interval, &market, &c.OpenTime,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.Turnover,
			&raw, &inserted)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candle row: %w", err)
		}
		c.Interval = domain.Interval(interval)
		c.MarketType = domain.MarketType(market)
		c.InsertedAt = inserted
		if raw.Valid {
			c.Raw = json.RawMessage(raw.String)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Repository is the thin read facade higher layers consume: "last N",
// "last N before T", and coverage, always oldest-first.
type Repository struct {
	store  *Store
	market domain.MarketType
}

// NewRepository wraps a store for one market type.
func NewRepository(s *Store, market domain.MarketType) *Repository {
	return &Repository{store: s, market: market}
}

// LastN returns the newest n candles, oldest-first.
func (r *Repository) LastN(ctx context.Context, symbol string, interval domain.Interval, n int) ([]domain.Candle, error) {
	return r.store.GetRange(ctx, symbol, interval, r.market, n, 0)
}

// LastNBefore returns the newest n candles with open_time < endMs,
// oldest-first.
func (r *Repository) LastNBefore(ctx context.Context, symbol string, interval domain.Interval, n int, endMs int64) ([]domain.Candle, error) {
	return r.store.GetRange(ctx, symbol, interval, r.market, n, endMs)
}

// Coverage returns the (min, max, count) tuple for one series.
func (r *Repository) Coverage(ctx context.Context, symbol string, interval domain.Interval) (domain.Coverage, error) {
	return r.store.GetCoverage(ctx, symbol, interval, r.market)
}
