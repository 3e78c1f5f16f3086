package bybit

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/klinevault/klinevault/internal/domain"
)

// Bybit v5 retCodes worth special-casing.
const (
	retCodeOK                  = 0
	retCodeNotSupportedSymbols = 10001
	retCodeInvalidCategory     = 10002
)

// envelope is the v5 response wrapper. Legacy endpoints use snake_case ret
// fields but the same "result" key; both shapes decode into this struct.
type envelope struct {
	RetCode       int             `json:"retCode"`
	RetMsg        string          `json:"retMsg"`
	RetCodeLegacy *int            `json:"ret_code"`
	RetMsgLegacy  string          `json:"ret_msg"`
	Result        json.RawMessage `json:"result"`
}

func (e envelope) code() int {
	if e.RetCodeLegacy != nil {
		return *e.RetCodeLegacy
	}
	return e.RetCode
}

func (e envelope) message() string {
	if e.RetMsgLegacy != "" {
		return e.RetMsgLegacy
	}
	return e.RetMsg
}

type v5Result struct {
	Category string            `json:"category"`
	Symbol   string            `json:"symbol"`
	List     []json.RawMessage `json:"list"`
}

// rawRow is one source row before normalization: either list-shaped
// ([startTime, open, high, low, close, volume, turnover], all strings or
// numbers) or map-shaped ({start|startTime|t, open|openPrice|o, ...}).
type rawRow struct {
	list []json.RawMessage
	obj  map[string]json.RawMessage
	raw  json.RawMessage
}

func parseRow(raw json.RawMessage) (rawRow, error) {
	row := rawRow{raw: raw}
	trimmed := firstByte(raw)
	switch trimmed {
	case '[':
		if err := json.Unmarshal(raw, &row.list); err != nil {
			return row, fmt.Errorf("list row decode: %w", err)
		}
	case '{':
		if err := json.Unmarshal(raw, &row.obj); err != nil {
			return row, fmt.Errorf("map row decode: %w", err)
		}
	default:
		return row, fmt.Errorf("row is neither list nor map")
	}
	return row, nil
}

func firstByte(raw json.RawMessage) byte {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b
	}
	return 0
}

// scalar decodes a JSON value that may be a quoted string or a number into
// a float. Missing or unparseable values yield (0, false) rather than an
// error; normalization never rejects a whole row for one bad field.
func scalar(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	return 0, false
}

func (r rawRow) field(idx int, keys ...string) (float64, bool) {
	if r.list != nil {
		if idx < 0 || idx >= len(r.list) {
			return 0, false
		}
		return scalar(r.list[idx])
	}
	for _, k := range keys {
		if v, ok := r.obj[k]; ok {
			return scalar(v)
		}
	}
	return 0, false
}

// normalizeRow converts one source row into the Candle shape. The whole
// source row is preserved verbatim in Raw. Open time is required; all other
// fields degrade to zero when absent or unparseable.
func normalizeRow(raw json.RawMessage, symbol string, interval domain.Interval, market domain.MarketType) (domain.Candle, error) {
	row, err := parseRow(raw)
	if err != nil {
		return domain.Candle{}, err
	}

	openTime, ok := row.field(0, "start", "startTime", "t", "open_time", "startAt")
	if !ok {
		return domain.Candle{}, fmt.Errorf("row has no open time")
	}
	// Legacy spot quote reports seconds.
	openMs := int64(openTime)
	if openMs > 0 && openMs < 1e12 {
		openMs *= 1000
	}

	open, _ := row.field(1, "open", "openPrice", "o")
	high, _ := row.field(2, "high", "highPrice", "h")
	low, _ := row.field(3, "low", "lowPrice", "l")
	closeP, _ := row.field(4, "close", "closePrice", "c")
	volume, _ := row.field(5, "volume", "v")
	turnover, _ := row.field(6, "turnover", "quoteVolume", "qv")

	return domain.Candle{
		Symbol:     symbol,
		Interval:   interval,
		MarketType: market,
		OpenTime:   openMs,
		Open:       open,
		High:       high,
		Low:        low,
		Close:      closeP,
		Volume:     volume,
		Turnover:   turnover,
		Raw:        append(json.RawMessage(nil), raw...),
	}, nil
}

// Instrument is one tradable symbol from instruments-info.
type Instrument struct {
	Symbol    string `json:"symbol"`
	Status    string `json:"status"`
	BaseCoin  string `json:"baseCoin"`
	QuoteCoin string `json:"quoteCoin"`
}

// Trading reports whether the instrument is currently tradable. PreLaunch
// and Delivering states fail validation.
func (i Instrument) Trading() bool {
	return i.Status == "Trading"
}
