package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/klinevault/klinevault/internal/config"
	"github.com/klinevault/klinevault/internal/domain"
	"github.com/klinevault/klinevault/internal/metrics"
	"github.com/klinevault/klinevault/internal/netx/circuit"
	"github.com/klinevault/klinevault/internal/netx/ratelimit"
)

// MaxLimit is the venue cap on candles per kline request.
const MaxLimit = 1000

// ErrUnknownSymbol marks a symbol the venue does not trade.
var ErrUnknownSymbol = errors.New("unknown symbol")

// errTransient wraps failures worth retrying (network, timeout, 5xx).
type errTransient struct{ err error }

func (e errTransient) Error() string { return e.err.Error() }
func (e errTransient) Unwrap() error { return e.err }

// Adapter is a stateless wrapper around the Bybit v5 market REST surface.
// It normalizes rows, cascades through endpoint variants, and enforces
// per-request timeouts and rate limits. No persistence.
type Adapter struct {
	baseURL    string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	breaker    *circuit.Breaker
	metrics    *metrics.Registry
	cfg        config.AdapterConfig

	instruments *instrumentCache

	mu             sync.Mutex
	lastErr        error
	lastStatus     int
	chosenEndpoint string
}

// NewAdapter creates a Bybit adapter from configuration. metrics may be nil
// in tests.
func NewAdapter(cfg config.AdapterConfig, m *metrics.Registry) *Adapter {
	a := &Adapter{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.KlineTimeout.Std(),
		},
		limiter: ratelimit.FromMinDelay(time.Duration(cfg.RateLimitMs) * time.Millisecond),
		breaker: circuit.New(circuit.Config{Name: "bybit"}),
		metrics: m,
		cfg:     cfg,
	}
	a.instruments = newInstrumentCache(a, cfg.InstrumentsTTL.Std())
	return a
}

var nowMs = func() int64 { return time.Now().UnixMilli() }

// GetKlines returns up to limit candles ending at "now", oldest-first.
func (a *Adapter) GetKlines(ctx context.Context, symbol string, interval domain.Interval, limit int, market domain.MarketType) ([]domain.Candle, error) {
	return a.fetch(ctx, klineRequest{symbol: symbol, interval: interval, market: market, limit: capLimit(limit)})
}

// GetKlinesBefore returns up to limit candles with open_time strictly before
// endMs, oldest-first.
func (a *Adapter) GetKlinesBefore(ctx context.Context, symbol string, interval domain.Interval, endMs int64, limit int, market domain.MarketType) ([]domain.Candle, error) {
	if endMs <= 0 {
		endMs = nowMs()
	}
	// The venue's end parameter is inclusive; shift to enforce strictly-less.
	return a.fetch(ctx, klineRequest{symbol: symbol, interval: interval, market: market, limit: capLimit(limit), endMs: endMs - 1})
}

// LastError returns the most recent terminal adapter error, for diagnostics.
func (a *Adapter) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// ChosenEndpoint reports which endpoint variant last produced data.
func (a *Adapter) ChosenEndpoint() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chosenEndpoint
}

func capLimit(limit int) int {
	if limit <= 0 {
		return 200
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// symbolCandidates expands a caller-supplied symbol into venue-format
// candidates: as-given, uppercased, and uppercased with the USDT suffix.
func symbolCandidates(symbol string) []string {
	trimmed := strings.TrimSpace(symbol)
	upper := strings.ToUpper(trimmed)
	candidates := []string{trimmed}
	if upper != trimmed {
		candidates = append(candidates, upper)
	}
	if !strings.HasSuffix(upper, "USDT") && !strings.HasSuffix(upper, "USDC") {
		candidates = append(candidates, upper+"USDT")
	}
	return candidates
}

// fetch walks symbol candidates and endpoint variants in order, returning
// the first non-empty normalized page. Exhausting every variant yields an
// empty slice, never an error: the caller's view is "no data available".
func (a *Adapter) fetch(ctx context.Context, req klineRequest) ([]domain.Candle, error) {
	var lastErr error

	for _, sym := range symbolCandidates(req.symbol) {
		attempt := req
		attempt.symbol = sym
		for _, variant := range klineEndpoints {
			rows, err := a.fetchVariant(ctx, variant, attempt)
			if err != nil {
				lastErr = err
				if ctx.Err() != nil {
					a.setLastError(ctx.Err(), variant.name)
					return nil, nil
				}
				continue
			}
			if len(rows) == 0 {
				continue
			}
			a.setChosen(variant.name)
			if variant.name != klineEndpoints[0].name && a.metrics != nil {
				a.metrics.AdapterFallbacks.WithLabelValues(variant.name).Inc()
			}
			return a.normalizePage(rows, attempt), nil
		}
	}

	a.setLastError(lastErr, "")
	return nil, nil
}

// fetchVariant performs one endpoint attempt with retry/backoff on
// transient failures. 4xx responses are terminal for the variant.
func (a *Adapter) fetchVariant(ctx context.Context, variant endpointVariant, req klineRequest) ([]json.RawMessage, error) {
	fullURL := variant.build(a.baseURL, req)
	backoff := a.cfg.BackoffInitial.Std()
	var lastErr error

	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * a.cfg.BackoffMultiplier)
			if backoff > a.cfg.BackoffCap.Std() {
				backoff = a.cfg.BackoffCap.Std()
			}
		}

		rows, err := a.doRequest(ctx, variant.name, fullURL)
		if err == nil {
			return rows, nil
		}
		lastErr = err

		var transient errTransient
		if !errors.As(err, &transient) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (a *Adapter) doRequest(ctx context.Context, endpoint, fullURL string) ([]json.RawMessage, error) {
	host := hostOf(fullURL)
	if err := a.limiter.Wait(ctx, host); err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := a.breaker.Execute(func() (interface{}, error) {
		return a.httpGet(ctx, fullURL)
	})
	elapsed := time.Since(start)

	if a.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		a.metrics.AdapterRequests.WithLabelValues(endpoint, outcome).Inc()
		a.metrics.AdapterLatency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
	}
	if err != nil {
		return nil, err
	}
	return decodeRows(result.([]byte))
}

func (a *Adapter) httpGet(ctx context.Context, fullURL string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		// Timeouts and network errors are signals to try the next variant.
		return nil, errTransient{err}
	}
	defer resp.Body.Close()

	a.setLastStatus(resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errTransient{err}
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, errTransient{fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(body, 200))}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(body, 200))
	}
	return body, nil
}

// decodeRows accepts both the v5 envelope (result.list) and a top-level
// list body, returning the raw rows.
func decodeRows(body []byte) ([]json.RawMessage, error) {
	if firstByte(body) == '[' {
		var rows []json.RawMessage
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("top-level list decode: %w", err)
		}
		return rows, nil
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("envelope decode: %w", err)
	}
	if code := env.code(); code != retCodeOK {
		if code == retCodeNotSupportedSymbols || code == retCodeInvalidCategory {
			return nil, fmt.Errorf("%w: retCode %d: %s", ErrUnknownSymbol, code, env.message())
		}
		return nil, errTransient{fmt.Errorf("retCode %d: %s", code, env.message())}
	}
	if len(env.Result) == 0 {
		return nil, nil
	}

	if firstByte(env.Result) == '[' {
		var rows []json.RawMessage
		if err := json.Unmarshal(env.Result, &rows); err != nil {
			return nil, fmt.Errorf("result list decode: %w", err)
		}
		return rows, nil
	}
	var res v5Result
	if err := json.Unmarshal(env.Result, &res); err != nil {
		return nil, fmt.Errorf("result decode: %w", err)
	}
	return res.List, nil
}

// normalizePage converts raw rows to candles, drops unparseable rows,
// enforces the strict end bound, sorts ascending, and dedups.
func (a *Adapter) normalizePage(rows []json.RawMessage, req klineRequest) []domain.Candle {
	candles := make([]domain.Candle, 0, len(rows))
	skipped := 0
	for _, raw := range rows {
		c, err := normalizeRow(raw, req.symbol, req.interval, req.market)
		if err != nil {
			skipped++
			log.Debug().Err(err).Str("symbol", req.symbol).RawJSON("row", raw).Msg("Skipping malformed kline row")
			continue
		}
		if req.endMs > 0 && c.OpenTime > req.endMs {
			continue
		}
		candles = append(candles, c)
	}
	if skipped > 0 {
		log.Warn().Int("skipped", skipped).Str("symbol", req.symbol).Msg("Malformed kline rows dropped")
	}
	domain.SortCandles(candles)
	return domain.DedupCandles(candles)
}

func (a *Adapter) setChosen(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chosenEndpoint = name
	a.lastErr = nil
}

func (a *Adapter) setLastError(err error, endpoint string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.lastErr = err
	}
	if endpoint != "" {
		a.chosenEndpoint = endpoint
	}
}

func (a *Adapter) setLastStatus(code int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastStatus = code
}

// LastStatus returns the most recent HTTP status code seen, for diagnostics.
func (a *Adapter) LastStatus() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastStatus
}

func hostOf(fullURL string) string {
	u, err := url.Parse(fullURL)
	if err != nil {
		return fullURL
	}
	return u.Host
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
