package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"candleflow/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "candles.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func candleAt(openMs int64) models.Candle {
	return models.Candle{
		Origin:    models.OriginExchange,
		Symbol:    "BTCUSDT",
		Interval:  "1h",
		OpenTime:  openMs,
		CloseTime: openMs + time.Hour.Milliseconds() - 1,
		Open:      decimal.NewFromInt(100),
		High:      decimal.NewFromInt(110),
		Low:       decimal.NewFromInt(90),
		Close:     decimal.NewFromInt(105),
		Volume:    decimal.NewFromInt(7),
		IsFinal:   true,
	}
}

func TestUpsertCandleIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	open := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	first := candleAt(open)
	if err := s.UpsertCandle(ctx, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	second := candleAt(open)
	second.Close = decimal.NewFromInt(999)
	second.Volume = decimal.NewFromInt(13)
	if err := s.UpsertCandle(ctx, second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	n, err := s.CountCandles(ctx, first.Origin, first.Symbol, first.Interval)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one row, got %d", n)
	}

	got, err := s.Candles(ctx, first.Origin, first.Symbol, first.Interval, open, open)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one candle, got %d", len(got))
	}
	if !got[0].Close.Equal(decimal.NewFromInt(999)) {
		t.Errorf("second write did not win: close = %s", got[0].Close)
	}
	if !got[0].Volume.Equal(decimal.NewFromInt(13)) {
		t.Errorf("second write did not win: volume = %s", got[0].Volume)
	}
}

func TestUpsertRejectsInvalidCandle(t *testing.T) {
	s := newTestStore(t)

	bad := candleAt(time.Now().UnixMilli())
	bad.CloseTime = bad.OpenTime
	if err := s.UpsertCandle(context.Background(), bad); err == nil {
		t.Fatalf("expected error for open_time >= close_time")
	}
}

func TestProgressMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	origin, symbol, interval := models.OriginExchange, "ETHUSDT", "1m"

	if _, ok, err := s.Progress(ctx, origin, symbol, interval); err != nil || ok {
		t.Fatalf("expected absent progress, got ok=%v err=%v", ok, err)
	}

	if err := s.TouchProgress(ctx, origin, symbol, interval, 2000, false); err != nil {
		t.Fatalf("touch: %v", err)
	}
	last, ok, err := s.Progress(ctx, origin, symbol, interval)
	if err != nil || !ok || last != 2000 {
		t.Fatalf("expected last=2000, got last=%d ok=%v err=%v", last, ok, err)
	}

	// An older observation must never move the cursor backward.
	if err := s.TouchProgress(ctx, origin, symbol, interval, 1000, false); err != nil {
		t.Fatalf("touch older: %v", err)
	}
	last, _, _ = s.Progress(ctx, origin, symbol, interval)
	if last != 2000 {
		t.Fatalf("progress regressed to %d", last)
	}

	// A newer one always advances it.
	if err := s.TouchProgress(ctx, origin, symbol, interval, 3000, false); err != nil {
		t.Fatalf("touch newer: %v", err)
	}
	last, _, _ = s.Progress(ctx, origin, symbol, interval)
	if last != 3000 {
		t.Fatalf("progress did not advance, got %d", last)
	}
}

func TestTouchProgressLiveSignal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	origin, symbol, interval := models.OriginExchange, "BTCUSDT", "1m"

	if err := s.TouchProgress(ctx, origin, symbol, interval, 5000, false); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if _, ok, err := s.LastSeenAt(ctx, origin, symbol, interval); err != nil || ok {
		t.Fatalf("non-live touch must not stamp last seen, got ok=%v err=%v", ok, err)
	}

	before := time.Now().UTC().Add(-time.Second)
	if err := s.TouchProgress(ctx, origin, symbol, interval, 4000, true); err != nil {
		t.Fatalf("live touch: %v", err)
	}
	seen, ok, err := s.LastSeenAt(ctx, origin, symbol, interval)
	if err != nil || !ok {
		t.Fatalf("expected last seen stamp, got ok=%v err=%v", ok, err)
	}
	if seen.Before(before) {
		t.Errorf("stale last seen stamp: %v", seen)
	}
	// The older live observation still must not regress the cursor.
	last, _, _ := s.Progress(ctx, origin, symbol, interval)
	if last != 5000 {
		t.Fatalf("live touch regressed progress to %d", last)
	}
}

func TestQualityIssuesAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	issue := models.QualityIssue{
		Origin:    "um",
		Symbol:    "BTCUSDT",
		Interval:  "1m",
		OpenTime:  sql.NullInt64{Int64: 1700000000000, Valid: true},
		IssueType: "unparseable_row",
		Details:   map[string]interface{}{"row": "garbage"},
	}
	s.LogQualityIssue(ctx, issue)
	s.LogQualityIssue(ctx, issue)

	n, err := s.QualityIssueCount(ctx, issue.Origin, issue.Symbol, issue.Interval)
	if err != nil {
		t.Fatalf("count issues: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected two appended issues, got %d", n)
	}
}

func TestUpsertBatchWithArchiveColumns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	step := time.Minute.Milliseconds()
	var batch []models.Candle
	for i := int64(0); i < 3; i++ {
		c := candleAt(base + i*step)
		c.Origin = "um"
		c.Interval = "1m"
		c.CloseTime = c.OpenTime + step - 1
		c.QuoteVolume = decimal.NullDecimal{Decimal: decimal.NewFromInt(1234), Valid: true}
		c.TradeCount = sql.NullInt64{Int64: 42, Valid: true}
		c.TakerBuyBase = decimal.NullDecimal{Decimal: decimal.NewFromFloat(3.5), Valid: true}
		c.TakerBuyQuote = decimal.NullDecimal{Decimal: decimal.NewFromInt(99), Valid: true}
		batch = append(batch, c)
	}
	if err := s.UpsertBatch(ctx, batch); err != nil {
		t.Fatalf("batch upsert: %v", err)
	}

	got, err := s.Candles(ctx, "um", "BTCUSDT", "1m", base, base+3*step)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 candles, got %d", len(got))
	}
	for i, c := range got {
		if c.OpenTime != base+int64(i)*step {
			t.Errorf("candles out of order at %d: %d", i, c.OpenTime)
		}
		if !c.QuoteVolume.Valid || !c.QuoteVolume.Decimal.Equal(decimal.NewFromInt(1234)) {
			t.Errorf("quote volume lost at %d: %+v", i, c.QuoteVolume)
		}
		if !c.TradeCount.Valid || c.TradeCount.Int64 != 42 {
			t.Errorf("trade count lost at %d: %+v", i, c.TradeCount)
		}
	}
}
