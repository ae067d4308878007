package binance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	appconfig "candleflow/config"
	"candleflow/logger"
	"candleflow/models"
	"candleflow/store"

	binance "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Backfill paginates the Binance REST kline endpoint forward in time and
// writes every page through the store. One series is processed at a time;
// the pacing limiter and the 429 cooldown keep the engine inside the
// exchange rate limits.
type Backfill struct {
	config  *appconfig.Config
	client  *binance.Client
	store   *store.Store
	limiter *rate.Limiter
	log     *logger.Log
}

// NewBackfill creates a backfill engine using the binance-go client with a
// pooled HTTP transport.
func NewBackfill(cfg *appconfig.Config, st *store.Store) *Backfill {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Source.Binance.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Source.Binance.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.Source.Binance.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.Source.Binance.ConnectionPool.IdleConnTimeout,
	}

	client := binance.NewClient("", "")
	client.HTTPClient = &http.Client{
		Transport: transport,
		Timeout:   cfg.Backfill.Timeout,
	}
	client.BaseURL = cfg.Source.Binance.RestURL

	return &Backfill{
		config:  cfg,
		client:  client,
		store:   st,
		limiter: rate.NewLimiter(rate.Every(cfg.Backfill.PageDelay), 1),
		log:     logger.GetLogger(),
	}
}

// Run backfills every configured (symbol, interval) series sequentially.
// A series that fails after retries does not abort its siblings; all
// failures are joined into the returned error.
func (b *Backfill) Run(ctx context.Context) error {
	log := b.log.WithComponent("backfill").WithFields(logger.Fields{"operation": "run"})
	log.WithFields(logger.Fields{
		"symbols":   b.config.Source.Binance.Symbols,
		"intervals": b.config.Source.Binance.Intervals,
	}).Info("starting backfill run")

	var errs []error
	for _, symbol := range b.config.Source.Binance.Symbols {
		for _, interval := range b.config.Source.Binance.Intervals {
			if ctx.Err() != nil {
				errs = append(errs, ctx.Err())
				return errors.Join(errs...)
			}
			if err := b.BackfillSeries(ctx, symbol, interval); err != nil {
				log.WithFields(logger.Fields{"symbol": symbol, "interval": interval}).
					WithError(err).Error("series backfill failed")
				errs = append(errs, fmt.Errorf("%s/%s: %w", symbol, interval, err))
			}
		}
	}

	if len(errs) == 0 {
		log.Info("backfill run completed")
	}
	return errors.Join(errs...)
}

// BackfillSeries pages one (symbol, interval) series from its resume point
// until an empty page or the configured end bound.
func (b *Backfill) BackfillSeries(ctx context.Context, symbol, interval string) error {
	log := b.log.WithComponent("backfill").WithFields(logger.Fields{
		"symbol":   symbol,
		"interval": interval,
	})

	step, err := models.IntervalMillis(interval)
	if err != nil {
		return err
	}

	cursor, err := b.resolveStart(ctx, symbol, interval, step)
	if err != nil {
		return err
	}

	var endMs int64
	if end, ok, err := b.config.Backfill.EndBound(); err != nil {
		return err
	} else if ok {
		endMs = end.UnixMilli()
	}

	log.WithFields(logger.Fields{"start": cursor, "end": endMs}).Info("backfilling series")

	pages := 0
	total := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if endMs > 0 && cursor >= endMs {
			break
		}

		candles, pageBytes, err := b.fetchPage(ctx, symbol, interval, cursor)
		if err != nil {
			return fmt.Errorf("page at %d: %w", cursor, err)
		}
		if len(candles) == 0 {
			break
		}

		for _, c := range candles {
			if !c.SpanMatchesInterval() {
				b.store.LogQualityIssue(ctx, models.QualityIssue{
					Origin:    c.Origin,
					Symbol:    c.Symbol,
					Interval:  c.Interval,
					OpenTime:  nullInt64(c.OpenTime),
					IssueType: "bar_span_mismatch",
					Details: map[string]interface{}{
						"close_time": c.CloseTime,
						"span_ms":    c.CloseTime - c.OpenTime,
					},
				})
			}
		}

		if err := b.store.UpsertBatch(ctx, candles); err != nil {
			return err
		}
		lastOpen := candles[len(candles)-1].OpenTime
		if err := b.store.TouchProgress(ctx, models.OriginExchange, symbol, interval, lastOpen, false); err != nil {
			return err
		}

		pages++
		total += len(candles)
		logger.IncrementCandles("backfill", len(candles), pageBytes)
		log.WithFields(logger.Fields{
			"page":      pages,
			"candles":   len(candles),
			"last_open": lastOpen,
		}).Debug("page persisted")

		// Never re-request the last consumed bar.
		cursor = lastOpen + step

		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	logger.LogDataFlowEntry(log, "binance-rest", "store", total, "kline")
	log.WithFields(logger.Fields{"pages": pages}).Info("series backfill completed")
	return nil
}

// resolveStart picks the first open time to request: stored progress plus
// one interval when the series was ingested before, otherwise the explicit
// configured start, otherwise the lookback window from now.
func (b *Backfill) resolveStart(ctx context.Context, symbol, interval string, step int64) (int64, error) {
	last, ok, err := b.store.Progress(ctx, models.OriginExchange, symbol, interval)
	if err != nil {
		return 0, err
	}
	if ok {
		return last + step, nil
	}
	if start, ok, err := b.config.Backfill.StartBound(); err != nil {
		return 0, err
	} else if ok {
		return start.UnixMilli(), nil
	}
	lookback := time.Duration(b.config.Backfill.LookbackDays) * 24 * time.Hour
	return time.Now().UTC().Add(-lookback).UnixMilli(), nil
}

// fetchPage requests one kline page. A 429 response triggers the fixed
// cooldown and exactly one retry before the page is treated as fatal.
func (b *Backfill) fetchPage(ctx context.Context, symbol, interval string, startMs int64) ([]models.Candle, int, error) {
	u, err := url.Parse(b.client.BaseURL)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid rest url: %w", err)
	}
	u.Path = "/api/v3/klines"
	q := u.Query()
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(b.config.Backfill.PageLimit))
	q.Set("startTime", strconv.FormatInt(startMs, 10))
	u.RawQuery = q.Encode()

	log := b.log.WithComponent("backfill").WithFields(logger.Fields{
		"symbol":   symbol,
		"interval": interval,
	})

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to build request: %w", err)
		}

		start := time.Now()
		resp, err := b.client.HTTPClient.Do(req)
		if err != nil {
			return nil, 0, fmt.Errorf("kline request failed: %w", err)
		}
		logger.LogPerformanceEntry(log, "backfill", "api_request", time.Since(start), logger.Fields{
			"symbol": symbol,
		})

		if resp.StatusCode == http.StatusTooManyRequests {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if attempt >= 1 {
				return nil, 0, fmt.Errorf("rate limited twice for page at %d", startMs)
			}
			log.WithFields(logger.Fields{"cooldown": b.config.Backfill.RateLimitCooldown}).
				Warn("rate limited, cooling down before retry")
			logger.IncrementRetryCount()
			select {
			case <-time.After(b.config.Backfill.RateLimitCooldown):
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			}
			continue
		}
		if resp.StatusCode >= 300 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return nil, 0, fmt.Errorf("kline request returned status %d", resp.StatusCode)
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read kline response: %w", err)
		}

		var raw [][]any
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, 0, fmt.Errorf("failed to decode kline response: %w", err)
		}

		candles := make([]models.Candle, 0, len(raw))
		for i, row := range raw {
			c, err := candleFromRestRow(symbol, interval, row)
			if err != nil {
				log.WithFields(logger.Fields{"row": i}).WithError(err).Warn("skipping malformed kline row")
				b.store.LogQualityIssue(ctx, models.QualityIssue{
					Origin:    models.OriginExchange,
					Symbol:    symbol,
					Interval:  interval,
					IssueType: "unparseable_row",
					Details:   map[string]interface{}{"row_index": i, "error": err.Error()},
				})
				continue
			}
			candles = append(candles, c)
		}

		logger.IncrementPageFetch()
		return candles, len(body), nil
	}
}

// candleFromRestRow converts one kline tuple from the REST response.
// REST history is always closed bars, so the candle is marked final.
func candleFromRestRow(symbol, interval string, row []any) (models.Candle, error) {
	if len(row) < 7 {
		return models.Candle{}, fmt.Errorf("kline row has %d fields, want at least 7", len(row))
	}
	openTime, err := toInt64(row[0])
	if err != nil {
		return models.Candle{}, fmt.Errorf("open time: %w", err)
	}
	closeTime, err := toInt64(row[6])
	if err != nil {
		return models.Candle{}, fmt.Errorf("close time: %w", err)
	}
	c := models.Candle{
		Origin:    models.OriginExchange,
		Symbol:    symbol,
		Interval:  interval,
		OpenTime:  openTime,
		CloseTime: closeTime,
		IsFinal:   true,
	}
	if c.Open, err = toDecimal(row[1]); err != nil {
		return models.Candle{}, fmt.Errorf("open: %w", err)
	}
	if c.High, err = toDecimal(row[2]); err != nil {
		return models.Candle{}, fmt.Errorf("high: %w", err)
	}
	if c.Low, err = toDecimal(row[3]); err != nil {
		return models.Candle{}, fmt.Errorf("low: %w", err)
	}
	if c.Close, err = toDecimal(row[4]); err != nil {
		return models.Candle{}, fmt.Errorf("close: %w", err)
	}
	if c.Volume, err = toDecimal(row[5]); err != nil {
		return models.Candle{}, fmt.Errorf("volume: %w", err)
	}
	return c, nil
}

func toInt64(v any) (int64, error) {
	switch t := v.(type) {
	case float64:
		return int64(t), nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case string:
		return decimal.NewFromString(t)
	case float64:
		return decimal.NewFromFloat(t), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("unexpected type %T", v)
	}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: true}
}
