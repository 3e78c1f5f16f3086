// Package fetcher pulls deep kline history from the venue by paginating
// backwards from now until a target depth, an empty page, or the retention
// floor stops it.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/klinevault/klinevault/internal/domain"
	"github.com/klinevault/klinevault/internal/store"
)

// maxPageLimit is the largest page the venue serves in one request.
const maxPageLimit = 1000

// shortPageRows marks a page as "short"; several short pages in a row mean
// the venue has run out of history for the series.
const shortPageRows = 50

// maxShortPages is how many consecutive short pages end the walk.
const maxShortPages = 3

// nowMs is swapped in tests.
var nowMs = func() int64 { return time.Now().UnixMilli() }

// KlinePager serves one page of candles older than endMs, oldest-first.
type KlinePager interface {
	GetKlinesBefore(ctx context.Context, symbol string, interval domain.Interval, endMs int64, limit int, market domain.MarketType) ([]domain.Candle, error)
}

// Sink accepts candles for asynchronous persistence.
type Sink interface {
	Queue(candles []domain.Candle) (int, error)
}

// Options tune one fetcher instance.
type Options struct {
	// PageDelay spaces successive page requests.
	PageDelay time.Duration
	// MinStartMs is the retention floor; rows older than it are never
	// fetched or persisted.
	MinStartMs int64
	// QueueRetryDelay spaces retries while the sink reports a full queue.
	QueueRetryDelay time.Duration
}

// Fetcher walks a series backwards page by page and hands each page to the
// sink. Pages come back oldest-first; the walk itself moves towards older
// history by anchoring each request at the previous page's oldest row.
type Fetcher struct {
	pager   KlinePager
	sink    Sink
	tracker *domain.ProgressTracker
	opts    Options
}

// New builds a fetcher. tracker may be nil when no progress reporting is
// wanted.
func New(pager KlinePager, sink Sink, tracker *domain.ProgressTracker, opts Options) *Fetcher {
	if opts.PageDelay <= 0 {
		opts.PageDelay = 100 * time.Millisecond
	}
	if opts.QueueRetryDelay <= 0 {
		opts.QueueRetryDelay = 250 * time.Millisecond
	}
	return &Fetcher{pager: pager, sink: sink, tracker: tracker, opts: opts}
}

// FetchHistory loads up to target candles of one series, newest-first in
// wall-clock terms, and returns the count queued for persistence. A venue
// with less history than the target is a normal completion, not an error.
func (f *Fetcher) FetchHistory(ctx context.Context, symbol string, interval domain.Interval, market domain.MarketType, target int) (int, error) {
	if target <= 0 {
		return 0, nil
	}
	span := interval.Milliseconds()
	if span <= 0 {
		return 0, fmt.Errorf("interval %s has no fixed span", interval)
	}

	now := nowMs()
	effectiveStart := now - int64(target)*span
	if effectiveStart < f.opts.MinStartMs {
		effectiveStart = f.opts.MinStartMs
	}

	if f.tracker != nil {
		f.tracker.Begin(symbol, interval, target)
		f.tracker.MarkLoading(symbol, interval)
	}

	log.Info().
		Str("symbol", symbol).
		Str("interval", string(interval)).
		Int("target", target).
		Time("effective_start", time.UnixMilli(effectiveStart).UTC()).
		Msg("Starting historical fetch")

	loaded := 0
	currentEnd := now
	shortPages := 0

	for loaded < target {
		if err := ctx.Err(); err != nil {
			f.fail(symbol, interval, err)
			return loaded, err
		}

		limit := target - loaded
		if limit > maxPageLimit {
			limit = maxPageLimit
		}

		page, err := f.pager.GetKlinesBefore(ctx, symbol, interval, currentEnd, limit, market)
		if err != nil {
			f.fail(symbol, interval, err)
			return loaded, fmt.Errorf("failed to fetch history page: %w", err)
		}
		if len(page) == 0 {
			// Adapters swallow mid-cascade cancellations and hand back an
			// empty page; that must not count as exhausted history.
			if err := ctx.Err(); err != nil {
				f.fail(symbol, interval, err)
				return loaded, err
			}
			break
		}

		oldest := page[0].OpenTime

		kept := page[:0:len(page)]
		for _, c := range page {
			if c.OpenTime >= effectiveStart && c.OpenTime < currentEnd {
				kept = append(kept, c)
			}
		}

		if len(kept) > 0 {
			if err := f.queueWithRetry(ctx, kept); err != nil {
				f.fail(symbol, interval, err)
				return loaded, err
			}
			loaded += len(kept)
			if f.tracker != nil {
				f.tracker.Advance(symbol, interval, loaded)
			}
		}

		if oldest <= effectiveStart {
			break
		}
		currentEnd = oldest

		if len(page) < shortPageRows {
			shortPages++
			if shortPages >= maxShortPages {
				log.Debug().
					Str("symbol", symbol).
					Str("interval", string(interval)).
					Int("loaded", loaded).
					Msg("Venue history exhausted, stopping walk")
				break
			}
		} else {
			shortPages = 0
		}

		select {
		case <-time.After(f.opts.PageDelay):
		case <-ctx.Done():
			f.fail(symbol, interval, ctx.Err())
			return loaded, ctx.Err()
		}
	}

	if f.tracker != nil {
		f.tracker.Complete(symbol, interval, loaded)
	}
	log.Info().
		Str("symbol", symbol).
		Str("interval", string(interval)).
		Int("loaded", loaded).
		Msg("Historical fetch finished")
	return loaded, nil
}

// queueWithRetry hands a page to the sink, backing off while the write queue
// is full. Closed or fatally broken sinks end the fetch.
func (f *Fetcher) queueWithRetry(ctx context.Context, candles []domain.Candle) error {
	for {
		_, err := f.sink.Queue(candles)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrQueueFull) {
			return fmt.Errorf("failed to queue history page: %w", err)
		}
		log.Debug().Int("rows", len(candles)).Msg("Write queue full, backing off")
		select {
		case <-time.After(f.opts.QueueRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f *Fetcher) fail(symbol string, interval domain.Interval, err error) {
	if f.tracker != nil {
		f.tracker.Fail(symbol, interval, err)
	}
}
