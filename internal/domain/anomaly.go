package domain

import (
	"time"

	"github.com/google/uuid"
)

// AnomalyKind enumerates the defects the quality layers can report.
type AnomalyKind string

const (
	AnomalyMissingData AnomalyKind = "missing_data"
	AnomalyStaleData   AnomalyKind = "stale_data"
	AnomalyPriceGap    AnomalyKind = "price_gap"
	AnomalyOutlier     AnomalyKind = "outlier"
)

// Severity orders anomalies for triage.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AnomalyReport describes one detected defect in a series. Reports are
// derived state: logged and counted, never persisted.
type AnomalyReport struct {
	ID           string                 `json:"id"`
	Kind         AnomalyKind            `json:"kind"`
	Severity     Severity               `json:"severity"`
	Symbol       string                 `json:"symbol"`
	Interval     Interval               `json:"interval"`
	Description  string                 `json:"description"`
	TimestampMs  int64                  `json:"timestamp_ms"`
	Details      map[string]interface{} `json:"details,omitempty"`
	AutoRepaired bool                   `json:"auto_repaired"`
	DetectedAt   time.Time              `json:"detected_at"`
}

// NewAnomalyReport builds a report with a fresh ID and detection time.
func NewAnomalyReport(kind AnomalyKind, sev Severity, symbol string, interval Interval, tsMs int64, desc string) AnomalyReport {
	return AnomalyReport{
		ID:          uuid.NewString(),
		Kind:        kind,
		Severity:    sev,
		Symbol:      symbol,
		Interval:    interval,
		Description: desc,
		TimestampMs: tsMs,
		Details:     make(map[string]interface{}),
		DetectedAt:  time.Now().UTC(),
	}
}
