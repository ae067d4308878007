package binance

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	appconfig "candleflow/config"
	"candleflow/models"
)

func testStreamConfig() *appconfig.Config {
	return &appconfig.Config{
		Source: appconfig.SourceConfig{
			Binance: appconfig.BinanceSourceConfig{
				WsURL:     "wss://stream.binance.com:9443/ws",
				Symbols:   []string{"BTCUSDT"},
				Intervals: []string{"1m"},
			},
		},
		Stream: appconfig.StreamConfig{
			Enabled:        true,
			ReconnectDelay: time.Millisecond,
		},
	}
}

func klineEvent(openTime int64, final bool) []byte {
	evt := models.WsKlineEvent{
		EventType: "kline",
		EventTime: openTime + 30_000,
		Symbol:    "BTCUSDT",
		Kline: models.WsKline{
			StartTime: openTime,
			EndTime:   openTime + minuteMs - 1,
			Symbol:    "BTCUSDT",
			Interval:  "1m",
			Open:      "100.5",
			Close:     "100.7",
			High:      "101.0",
			Low:       "99.9",
			Volume:    "12.34",
			IsFinal:   final,
		},
	}
	data, err := json.Marshal(evt)
	if err != nil {
		panic(err)
	}
	return data
}

func TestStreamName(t *testing.T) {
	if got := streamName("BTCUSDT", "1m"); got != "btcusdt@kline_1m" {
		t.Errorf("streamName = %q", got)
	}
}

func TestHandleMessagePersistsFinalBar(t *testing.T) {
	st := newTestStore(t)
	r := NewStream(testStreamConfig(), st)
	ctx := context.Background()

	open := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	r.handleMessage(ctx, "BTCUSDT", "1m", klineEvent(open, true))

	candles, err := st.Candles(ctx, models.OriginExchange, "BTCUSDT", "1m", open, open+minuteMs)
	if err != nil {
		t.Fatalf("read candles: %v", err)
	}
	if len(candles) != 1 {
		t.Fatalf("expected 1 candle, got %d", len(candles))
	}
	if !candles[0].IsFinal || candles[0].Close.String() != "100.7" {
		t.Errorf("unexpected candle: %+v", candles[0])
	}

	last, ok, err := st.Progress(ctx, models.OriginExchange, "BTCUSDT", "1m")
	if err != nil || !ok {
		t.Fatalf("progress not recorded: ok=%v err=%v", ok, err)
	}
	if last != open {
		t.Errorf("progress = %d, want %d", last, open)
	}
	if _, ok, err := st.LastSeenAt(ctx, models.OriginExchange, "BTCUSDT", "1m"); err != nil || !ok {
		t.Errorf("live signal not recorded: ok=%v err=%v", ok, err)
	}
}

func TestHandleMessageSkipsFormingBar(t *testing.T) {
	st := newTestStore(t)
	r := NewStream(testStreamConfig(), st)
	ctx := context.Background()

	open := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	r.handleMessage(ctx, "BTCUSDT", "1m", klineEvent(open, false))

	count, err := st.CountCandles(ctx, models.OriginExchange, "BTCUSDT", "1m")
	if err != nil {
		t.Fatalf("count candles: %v", err)
	}
	if count != 0 {
		t.Errorf("forming bar must not be persisted, got %d candles", count)
	}
	if _, ok, _ := st.Progress(ctx, models.OriginExchange, "BTCUSDT", "1m"); ok {
		t.Errorf("forming bar must not advance progress")
	}
}

func TestHandleMessageIdempotentOnDuplicate(t *testing.T) {
	st := newTestStore(t)
	r := NewStream(testStreamConfig(), st)
	ctx := context.Background()

	open := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	msg := klineEvent(open, true)
	r.handleMessage(ctx, "BTCUSDT", "1m", msg)
	r.handleMessage(ctx, "BTCUSDT", "1m", msg)

	count, err := st.CountCandles(ctx, models.OriginExchange, "BTCUSDT", "1m")
	if err != nil {
		t.Fatalf("count candles: %v", err)
	}
	if count != 1 {
		t.Errorf("duplicate delivery produced %d candles", count)
	}
}

func TestHandleMessageRecordsUnparseableEvent(t *testing.T) {
	st := newTestStore(t)
	r := NewStream(testStreamConfig(), st)
	ctx := context.Background()

	r.handleMessage(ctx, "BTCUSDT", "1m", []byte("{not json"))

	issues, err := st.QualityIssueCount(ctx, models.OriginExchange, "BTCUSDT", "1m")
	if err != nil {
		t.Fatalf("quality issue count: %v", err)
	}
	if issues != 1 {
		t.Errorf("expected 1 quality issue, got %d", issues)
	}
}

func TestCandleFromWsKline(t *testing.T) {
	open := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	k := models.WsKline{
		StartTime: open,
		EndTime:   open + minuteMs - 1,
		Open:      "1.1", High: "2.2", Low: "0.9", Close: "1.5", Volume: "10",
		IsFinal: true,
	}
	c, err := candleFromWsKline("BTCUSDT", "1m", k)
	if err != nil {
		t.Fatalf("candleFromWsKline failed: %v", err)
	}
	if c.Origin != models.OriginExchange || c.High.String() != "2.2" {
		t.Errorf("unexpected candle: %+v", c)
	}

	k.Open = "bogus"
	if _, err := candleFromWsKline("BTCUSDT", "1m", k); err == nil {
		t.Errorf("expected parse error")
	}
}
