package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/klinevault/klinevault/internal/domain"
)

// instrumentCache holds the instruments-info lists per category with a TTL.
// Refresh is single-flight: concurrent readers during a refresh share the
// one upstream call. A failed refresh logs and retains prior entries.
type instrumentCache struct {
	adapter *Adapter
	ttl     time.Duration

	mu      sync.Mutex
	entries map[domain.MarketType]*instrumentEntry
}

type instrumentEntry struct {
	bySymbol  map[string]Instrument
	fetchedAt time.Time
}

func newInstrumentCache(a *Adapter, ttl time.Duration) *instrumentCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &instrumentCache{
		adapter: a,
		ttl:     ttl,
		entries: make(map[domain.MarketType]*instrumentEntry),
	}
}

func (c *instrumentCache) get(ctx context.Context, market domain.MarketType) (map[string]Instrument, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.entries[market]
	if entry != nil && time.Since(entry.fetchedAt) < c.ttl {
		return entry.bySymbol, nil
	}

	fresh, err := c.refresh(ctx, market)
	if err != nil {
		if entry != nil {
			log.Warn().Err(err).Str("category", string(market)).Msg("Instrument refresh failed, serving stale entries")
			return entry.bySymbol, nil
		}
		return nil, err
	}
	c.entries[market] = fresh
	return fresh.bySymbol, nil
}

// refresh fetches instruments-info for the category. Called with the cache
// lock held, which is what makes refresh single-flight.
func (c *instrumentCache) refresh(ctx context.Context, market domain.MarketType) (*instrumentEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	body, err := c.adapter.httpGet(ctx, instrumentsURL(c.adapter.baseURL, market))
	if err != nil {
		return nil, fmt.Errorf("instruments-info request failed: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("instruments-info decode: %w", err)
	}
	if env.code() != retCodeOK {
		return nil, fmt.Errorf("instruments-info retCode %d: %s", env.code(), env.message())
	}

	var res struct {
		List []Instrument `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &res); err != nil {
		return nil, fmt.Errorf("instruments-info result decode: %w", err)
	}

	entry := &instrumentEntry{
		bySymbol:  make(map[string]Instrument, len(res.List)),
		fetchedAt: time.Now(),
	}
	for _, inst := range res.List {
		entry.bySymbol[inst.Symbol] = inst
	}
	log.Debug().Str("category", string(market)).Int("count", len(entry.bySymbol)).Msg("Instrument cache refreshed")
	return entry, nil
}

// GetSymbolsList returns the tradable instruments for a category,
// alphabetically ordered. Results come from the TTL cache.
func (a *Adapter) GetSymbolsList(ctx context.Context, market domain.MarketType, tradingOnly bool) ([]Instrument, error) {
	bySymbol, err := a.instruments.get(ctx, market)
	if err != nil {
		return nil, err
	}
	out := make([]Instrument, 0, len(bySymbol))
	for _, inst := range bySymbol {
		if tradingOnly && !inst.Trading() {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// ValidateSymbol resolves a caller-supplied symbol to its canonical venue
// form, trying the same candidate expansion the kline path uses. Unknown,
// delisted, and pre-listing symbols fail with ErrUnknownSymbol.
func (a *Adapter) ValidateSymbol(ctx context.Context, symbol string, market domain.MarketType) (string, error) {
	bySymbol, err := a.instruments.get(ctx, market)
	if err != nil {
		return "", err
	}
	for _, candidate := range symbolCandidates(symbol) {
		inst, ok := bySymbol[candidate]
		if !ok {
			continue
		}
		if !inst.Trading() {
			return "", fmt.Errorf("%w: %s is in state %s", ErrUnknownSymbol, candidate, inst.Status)
		}
		return inst.Symbol, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownSymbol, strings.ToUpper(symbol))
}
