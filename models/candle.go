package models

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OriginExchange tags candles observed through the live REST and websocket
// feeds. Archive-sourced candles carry the futures market type ("um" or
// "cm") as their origin instead, so the two scopes never collide on the
// same key.
const OriginExchange = "binance"

// Candle is one OHLCV record for a fixed time bucket, identified by
// (origin, symbol, interval, open_time).
type Candle struct {
	Origin   string `json:"origin"`
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`

	OpenTime  int64 `json:"open_time"`  // epoch ms UTC, inclusive
	CloseTime int64 `json:"close_time"` // epoch ms UTC, upper bound of the bar

	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`

	// Extended columns, populated only for archive-sourced candles.
	QuoteVolume   decimal.NullDecimal `json:"quote_volume"`
	TradeCount    sql.NullInt64       `json:"trade_count"`
	TakerBuyBase  decimal.NullDecimal `json:"taker_buy_base"`
	TakerBuyQuote decimal.NullDecimal `json:"taker_buy_quote"`

	IsFinal bool `json:"is_final"`
}

// Validate checks the structural invariants of the candle key.
func (c Candle) Validate() error {
	if c.Origin == "" || c.Symbol == "" || c.Interval == "" {
		return fmt.Errorf("candle key incomplete: origin=%q symbol=%q interval=%q", c.Origin, c.Symbol, c.Interval)
	}
	if c.OpenTime <= 0 {
		return fmt.Errorf("candle open time must be positive, got %d", c.OpenTime)
	}
	if c.OpenTime >= c.CloseTime {
		return fmt.Errorf("candle open time %d not before close time %d", c.OpenTime, c.CloseTime)
	}
	return nil
}

// SpanMatchesInterval reports whether the bar covers its nominal interval
// duration. Binance encodes close times end-inclusive (open + interval - 1ms),
// so a one-millisecond slack is allowed. A mismatch is monitored as a data
// quality issue, never rejected.
func (c Candle) SpanMatchesInterval() bool {
	step, err := IntervalMillis(c.Interval)
	if err != nil {
		return false
	}
	span := c.CloseTime - c.OpenTime
	return span == step || span == step-1
}

// OpenTimeUTC returns the candle open instant.
func (c Candle) OpenTimeUTC() time.Time {
	return time.UnixMilli(c.OpenTime).UTC()
}

// CloseTimeUTC returns the candle close instant.
func (c Candle) CloseTimeUTC() time.Time {
	return time.UnixMilli(c.CloseTime).UTC()
}

// QualityIssue is an append-only record of a data anomaly detected by a
// producer (unparseable row, out-of-range timestamp, span mismatch, ...).
type QualityIssue struct {
	Origin    string
	Symbol    string
	Interval  string
	OpenTime  sql.NullInt64 // ms, unset when the issue is not tied to one bar
	IssueType string
	Details   map[string]interface{}
}
