package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/klinevault/klinevault/internal/config"
	"github.com/klinevault/klinevault/internal/domain"
)

func TestDisabledTierIsNoop(t *testing.T) {
	warm := New(config.RedisConfig{}, nil)

	key := domain.Key{Symbol: "BTCUSDT", Interval: domain.Interval1m}
	warm.Put(context.Background(), key, []domain.Candle{{OpenTime: 1}})
	got, ok := warm.Get(context.Background(), key)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestSnapshotKeyShape(t *testing.T) {
	key := domain.Key{Symbol: "ETHUSDT", Interval: domain.Interval1h}
	assert.Equal(t, "klines:ETHUSDT:60", snapshotKey(key))
}
