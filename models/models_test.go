package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestIntervalDuration(t *testing.T) {
	cases := []struct {
		label string
		want  time.Duration
	}{
		{"1m", time.Minute},
		{"15m", 15 * time.Minute},
		{"1h", time.Hour},
		{"1d", 24 * time.Hour},
		{"1w", 7 * 24 * time.Hour},
	}
	for _, c := range cases {
		got, err := IntervalDuration(c.label)
		if err != nil {
			t.Fatalf("IntervalDuration(%s): %v", c.label, err)
		}
		if got != c.want {
			t.Errorf("IntervalDuration(%s) = %v, want %v", c.label, got, c.want)
		}
	}

	if _, err := IntervalDuration("7s"); err == nil {
		t.Errorf("expected error for unsupported interval")
	}
}

func testCandle() Candle {
	open := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	return Candle{
		Origin:    OriginExchange,
		Symbol:    "BTCUSDT",
		Interval:  "1h",
		OpenTime:  open,
		CloseTime: open + time.Hour.Milliseconds() - 1,
		Open:      decimal.NewFromInt(100),
		High:      decimal.NewFromInt(110),
		Low:       decimal.NewFromInt(90),
		Close:     decimal.NewFromInt(105),
		Volume:    decimal.NewFromInt(42),
		IsFinal:   true,
	}
}

func TestCandleValidate(t *testing.T) {
	c := testCandle()
	if err := c.Validate(); err != nil {
		t.Fatalf("valid candle rejected: %v", err)
	}

	bad := c
	bad.CloseTime = bad.OpenTime
	if err := bad.Validate(); err == nil {
		t.Errorf("expected error when open time equals close time")
	}

	bad = c
	bad.Symbol = ""
	if err := bad.Validate(); err == nil {
		t.Errorf("expected error for empty symbol")
	}
}

func TestCandleSpanMatchesInterval(t *testing.T) {
	c := testCandle()
	if !c.SpanMatchesInterval() {
		t.Errorf("end-inclusive close time should match the nominal span")
	}

	c.CloseTime = c.OpenTime + time.Hour.Milliseconds()
	if !c.SpanMatchesInterval() {
		t.Errorf("exact span should match")
	}

	c.CloseTime = c.OpenTime + 30*time.Minute.Milliseconds()
	if c.SpanMatchesInterval() {
		t.Errorf("half-hour span must not match a 1h interval")
	}
}

func TestWsKlineEventDecode(t *testing.T) {
	payload := `{"e":"kline","E":1672515782136,"s":"BTCUSDT",
		"k":{"t":1672515780000,"T":1672515839999,"s":"BTCUSDT","i":"1m",
		"o":"16570.01","c":"16573.50","h":"16575.00","l":"16569.90",
		"v":"12.448","n":312,"x":true,"q":"206304.17","V":"6.21","Q":"102911.02"}}`

	var evt WsKlineEvent
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		t.Fatalf("decode kline event: %v", err)
	}
	if evt.Symbol != "BTCUSDT" || evt.Kline.Interval != "1m" {
		t.Errorf("unexpected event identity: %+v", evt)
	}
	if !evt.Kline.IsFinal {
		t.Errorf("final flag not decoded")
	}
	if evt.Kline.StartTime != 1672515780000 || evt.Kline.EndTime != 1672515839999 {
		t.Errorf("unexpected bar bounds: %+v", evt.Kline)
	}
}
