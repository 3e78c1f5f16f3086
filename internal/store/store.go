package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/klinevault/klinevault/internal/config"
	"github.com/klinevault/klinevault/internal/domain"
	"github.com/klinevault/klinevault/internal/metrics"
)

var (
	// ErrQueueFull signals write-queue overflow; the caller should back off
	// and retry.
	ErrQueueFull = errors.New("kline store queue full")
	// ErrStoreClosed is returned by Queue after Stop.
	ErrStoreClosed = errors.New("kline store closed")
	// ErrStorageFatal marks an unrecoverable writer failure (schema missing,
	// disk full). The writer stops accepting rows until restart.
	ErrStorageFatal = errors.New("kline store fatal storage error")
)

// Store owns the persistent kline_audit table. One dedicated writer
// goroutine owns the write path and drains a bounded ingest queue into
// batched upserts; readers run concurrently against the same handle.
type Store struct {
	db      *sqlx.DB
	driver  string
	cfg     config.StoreConfig
	metrics *metrics.Registry

	ingest      chan []domain.Candle
	pendingRows atomic.Int64
	rowErrors   atomic.Int64
	fatal       atomic.Bool

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Open connects to the configured backend, ensures the schema, and starts
// the writer. metrics may be nil in tests.
func Open(cfg config.Config, m *metrics.Registry) (*Store, error) {
	dsn := cfg.Database.DSN
	if cfg.Database.Driver == "sqlite3" && dsn == "" {
		dsn = cfg.SQLiteDSN()
	}
	db, err := sqlx.Connect(cfg.Database.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Database.Driver, err)
	}
	return New(db, cfg.Database.Driver, cfg.Store, m)
}

// New wraps an existing handle. Used directly by tests.
func New(db *sqlx.DB, driver string, cfg config.StoreConfig, m *metrics.Registry) (*Store, error) {
	if err := ensureSchema(db, driver); err != nil {
		return nil, err
	}
	s := &Store{
		db:      db,
		driver:  driver,
		cfg:     cfg,
		metrics: m,
		ingest:  make(chan []domain.Candle, 256),
		done:    make(chan struct{}),
	}
	go s.writerLoop()
	return s, nil
}

// Queue enqueues candles for asynchronous persistence. Non-blocking: it
// returns the count accepted, or an error when the store is closed, the
// writer has hit a fatal storage error, or the queue is at capacity.
func (s *Store) Queue(candles []domain.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	if s.fatal.Load() {
		return 0, ErrStorageFatal
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrStoreClosed
	}
	if int(s.pendingRows.Load())+len(candles) > s.cfg.QueueCapacity {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.QueueRejected.Inc()
		}
		return 0, fmt.Errorf("%w: %d rows pending", ErrQueueFull, s.pendingRows.Load())
	}

	batch := make([]domain.Candle, len(candles))
	copy(batch, candles)

	select {
	case s.ingest <- batch:
		s.pendingRows.Add(int64(len(batch)))
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.QueueDepth.Set(float64(s.pendingRows.Load()))
		}
		return len(batch), nil
	default:
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.QueueRejected.Inc()
		}
		return 0, ErrQueueFull
	}
}

// Stop closes the ingest queue and waits up to the drain timeout for the
// writer to flush. Rows still buffered after the deadline are dropped with
// a warning.
func (s *Store) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ingest)
	s.mu.Unlock()

	deadline := s.cfg.DrainTimeout.Std()
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	select {
	case <-s.done:
	case <-time.After(deadline):
		log.Warn().Int64("pending_rows", s.pendingRows.Load()).Msg("Store writer drain timed out, dropping buffered rows")
	case <-ctx.Done():
		log.Warn().Int64("pending_rows", s.pendingRows.Load()).Msg("Store shutdown cancelled before drain finished")
	}
	return s.db.Close()
}

// RowErrors returns the count of per-row insert errors since start.
func (s *Store) RowErrors() int64 {
	return s.rowErrors.Load()
}

// writerLoop drains the ingest queue into a local buffer and flushes on
// batch-size or flush-timer triggers. The loop exits after the channel is
// closed and the final buffer is flushed.
func (s *Store) writerLoop() {
	defer close(s.done)

	flushAfter := time.Duration(s.cfg.BatchFlushMs) * time.Millisecond
	if flushAfter <= 0 {
		flushAfter = time.Second
	}

	var buffer []domain.Candle
	timer := time.NewTimer(flushAfter)
	timer.Stop()
	timerArmed := false

	flush := func(trigger string) {
		if len(buffer) == 0 {
			return
		}
		s.flushBatch(buffer, trigger)
		s.pendingRows.Add(-int64(len(buffer)))
		if s.metrics != nil {
			s.metrics.QueueDepth.Set(float64(s.pendingRows.Load()))
		}
		buffer = buffer[:0]
		if timerArmed {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timerArmed = false
		}
	}

	for {
		select {
		case batch, ok := <-s.ingest:
			if !ok {
				flush("shutdown")
				return
			}
			buffer = append(buffer, batch...)
			if len(buffer) >= s.cfg.BatchSize {
				flush("size")
				continue
			}
			if !timerArmed {
				timer.Reset(flushAfter)
				timerArmed = true
			}
		case <-timer.C:
			timerArmed = false
			flush("timer")
		}
	}
}

// flushBatch upserts one buffered batch in a single transaction. Per-row
// errors are counted and logged but do not abort the batch; the commit
// still covers the successful rows.
func (s *Store) flushBatch(batch []domain.Candle, trigger string) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.handleFatal(fmt.Errorf("failed to begin batch transaction: %w", err))
		return
	}
	defer tx.Rollback()

	query := tx.Rebind(upsertQuery)
	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		s.handleFatal(fmt.Errorf("failed to prepare upsert: %w", err))
		return
	}
	defer stmt.Close()

	written := 0
	now := time.Now().UTC()
	for _, c := range batch {
		_, err := stmt.ExecContext(ctx,
			c.Symbol, string(c.Interval), string(c.MarketType), c.OpenTime,
			c.OpenTimeUTC(), c.Open, c.High, c.Low, c.Close,
			c.Volume, c.Turnover, nullableRaw(c.Raw), now,
		)
		if err != nil {
			s.rowErrors.Add(1)
			if s.metrics != nil {
				s.metrics.RowErrors.Inc()
			}
			log.Error().Err(err).
				Str("symbol", c.Symbol).
				Str("interval", string(c.Interval)).
				Int64("open_time", c.OpenTime).
				Msg("Row upsert failed")
			continue
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		s.handleFatal(fmt.Errorf("failed to commit batch: %w", err))
		return
	}

	if s.metrics != nil {
		s.metrics.BatchFlushes.WithLabelValues(trigger).Inc()
		s.metrics.FlushDuration.Observe(time.Since(start).Seconds())
		s.metrics.RowsWritten.Add(float64(written))
	}
	log.Debug().Int("rows", written).Str("trigger", trigger).Dur("took", time.Since(start)).Msg("Batch flushed")
}

// handleFatal marks the writer dead. Queue starts failing immediately; the
// process needs a restart (or a new Store) to resume writes.
func (s *Store) handleFatal(err error) {
	s.fatal.Store(true)
	log.Error().Err(err).Msg("CRITICAL: store writer hit fatal storage error, rejecting new rows")
}

const upsertQuery = `
INSERT INTO kline_audit
	(symbol, "interval", market_type, open_time, open_time_dt,
	 open, high, low, close, volume, turnover, raw_json, inserted_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (symbol, "interval", market_type, open_time) DO UPDATE SET
	open = excluded.open,
	high = excluded.high,
	low = excluded.low,
	close = excluded.close,
	volume = excluded.volume,
	turnover = excluded.turnover,
	raw_json = excluded.raw_json,
	inserted_at = excluded.inserted_at`

func nullableRaw(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
