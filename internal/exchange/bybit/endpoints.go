package bybit

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/klinevault/klinevault/internal/domain"
)

// klineRequest is a normalized kline fetch before endpoint translation.
type klineRequest struct {
	symbol   string
	interval domain.Interval
	market   domain.MarketType
	limit    int
	endMs    int64 // 0 means "now"
}

// endpointVariant describes one URL shape the adapter can try. Variants are
// iterated in order; the first to yield non-empty data wins and becomes the
// adapter's observable "chosen" endpoint.
type endpointVariant struct {
	name  string
	build func(base string, req klineRequest) string
}

// klineEndpoints is the cascade: primary v5, then the legacy spot quote and
// legacy linear paths with their own parameter shapes.
var klineEndpoints = []endpointVariant{
	{
		name: "v5_kline",
		build: func(base string, req klineRequest) string {
			q := url.Values{}
			q.Set("category", string(req.market))
			q.Set("symbol", req.symbol)
			q.Set("interval", string(req.interval))
			q.Set("limit", strconv.Itoa(req.limit))
			if req.endMs > 0 {
				q.Set("end", strconv.FormatInt(req.endMs, 10))
			}
			return base + "/v5/market/kline?" + q.Encode()
		},
	},
	{
		name: "legacy_spot_quote",
		build: func(base string, req klineRequest) string {
			q := url.Values{}
			q.Set("symbol", req.symbol)
			q.Set("interval", legacySpotInterval(req.interval))
			q.Set("limit", strconv.Itoa(req.limit))
			if req.endMs > 0 {
				q.Set("endTime", strconv.FormatInt(req.endMs, 10))
			}
			return base + "/spot/quote/v1/kline?" + q.Encode()
		},
	},
	{
		name: "legacy_linear_kline",
		build: func(base string, req klineRequest) string {
			// The legacy linear endpoint pages forward from a start time in
			// seconds, so derive the start from the requested end and limit.
			endMs := req.endMs
			if endMs == 0 {
				endMs = nowMs()
			}
			fromSec := (endMs - int64(req.limit)*req.interval.Milliseconds()) / 1000
			if fromSec < 0 {
				fromSec = 0
			}
			q := url.Values{}
			q.Set("symbol", req.symbol)
			q.Set("interval", legacyLinearInterval(req.interval))
			q.Set("limit", strconv.Itoa(req.limit))
			q.Set("from", strconv.FormatInt(fromSec, 10))
			return base + "/public/linear/kline?" + q.Encode()
		},
	},
}

// legacySpotInterval maps canonical codes to the legacy spot quote shapes
// ("1m", "1h", "1d", ...).
func legacySpotInterval(iv domain.Interval) string {
	switch iv {
	case domain.IntervalDay:
		return "1d"
	case domain.IntervalWk:
		return "1w"
	case domain.IntervalMo:
		return "1M"
	}
	mins, err := strconv.Atoi(string(iv))
	if err != nil {
		return string(iv)
	}
	if mins >= 60 && mins%60 == 0 {
		return fmt.Sprintf("%dh", mins/60)
	}
	return fmt.Sprintf("%dm", mins)
}

// legacyLinearInterval maps canonical codes to the legacy linear shapes
// (numeric minutes, or "D"/"W"/"M").
func legacyLinearInterval(iv domain.Interval) string {
	return string(iv)
}

func instrumentsURL(base string, market domain.MarketType) string {
	q := url.Values{}
	q.Set("category", string(market))
	return base + "/v5/market/instruments-info?" + q.Encode()
}
