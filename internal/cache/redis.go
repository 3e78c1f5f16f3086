// Package cache provides the optional warm snapshot tier between the RAM
// working set and the store. Disabled deployments get a no-op.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/klinevault/klinevault/internal/config"
	"github.com/klinevault/klinevault/internal/domain"
	"github.com/klinevault/klinevault/internal/metrics"
)

// Warm caches recent-window snapshots per series. Both methods are
// best-effort: failures degrade to a miss, never an error.
type Warm interface {
	Get(ctx context.Context, key domain.Key) ([]domain.Candle, bool)
	Put(ctx context.Context, key domain.Key, candles []domain.Candle)
}

// New returns a Redis-backed tier when an address is configured, otherwise
// the no-op tier.
func New(cfg config.RedisConfig, m *metrics.Registry) Warm {
	if cfg.Addr == "" {
		return noop{}
	}
	ttl := cfg.TTL.Std()
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &redisWarm{
		client:  redis.NewClient(&redis.Options{Addr: cfg.Addr}),
		ttl:     ttl,
		metrics: m,
	}
}

type noop struct{}

func (noop) Get(context.Context, domain.Key) ([]domain.Candle, bool) { return nil, false }
func (noop) Put(context.Context, domain.Key, []domain.Candle)        {}

type redisWarm struct {
	client  *redis.Client
	ttl     time.Duration
	metrics *metrics.Registry
}

func snapshotKey(key domain.Key) string {
	return fmt.Sprintf("klines:%s:%s", key.Symbol, key.Interval)
}

func (r *redisWarm) Get(ctx context.Context, key domain.Key) ([]domain.Candle, bool) {
	data, err := r.client.Get(ctx, snapshotKey(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("series", key.String()).Msg("Warm tier read failed")
		}
		r.count(false)
		return nil, false
	}
	var candles []domain.Candle
	if err := json.Unmarshal(data, &candles); err != nil {
		log.Debug().Err(err).Str("series", key.String()).Msg("Warm tier snapshot corrupt, dropping")
		r.client.Del(ctx, snapshotKey(key))
		r.count(false)
		return nil, false
	}
	r.count(true)
	return candles, true
}

func (r *redisWarm) Put(ctx context.Context, key domain.Key, candles []domain.Candle) {
	data, err := json.Marshal(candles)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, snapshotKey(key), data, r.ttl).Err(); err != nil {
		log.Debug().Err(err).Str("series", key.String()).Msg("Warm tier write failed")
	}
}

func (r *redisWarm) count(hit bool) {
	if r.metrics == nil {
		return
	}
	if hit {
		r.metrics.CacheHits.WithLabelValues("redis").Inc()
	} else {
		r.metrics.CacheMisses.WithLabelValues("redis").Inc()
	}
}
