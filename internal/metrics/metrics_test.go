package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryGathers(t *testing.T) {
	r := New()

	r.RowsWritten.Add(42)
	r.CacheHits.WithLabelValues("ram").Inc()
	r.Anomalies.WithLabelValues("price_gap", "critical").Inc()
	r.QueueDepth.Set(7)

	families, err := r.Prometheus().Gather()
	require.NoError(t, err)

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}

	rows := byName["klinevault_store_rows_written_total"]
	require.NotNil(t, rows)
	assert.Equal(t, 42.0, rows.GetMetric()[0].GetCounter().GetValue())

	depth := byName["klinevault_store_queue_depth"]
	require.NotNil(t, depth)
	assert.Equal(t, 7.0, depth.GetMetric()[0].GetGauge().GetValue())

	anomalies := byName["klinevault_anomalies_total"]
	require.NotNil(t, anomalies)
	require.Len(t, anomalies.GetMetric(), 1)
}

func TestRegistriesAreIsolated(t *testing.T) {
	a := New()
	b := New()
	a.RowsWritten.Inc()

	families, err := b.Prometheus().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "klinevault_store_rows_written_total" {
			assert.Equal(t, 0.0, mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
}
