package vision

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	appconfig "candleflow/config"
	"candleflow/logger"
	"candleflow/models"
	"candleflow/store"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Archive timestamps at or above this magnitude are microseconds.
const microsecondFloor = int64(1e15)

// Downloader imports the pre-packaged kline zips published on
// data.binance.vision. Monthly files are the fast path; a daily pass over
// the same range fills anything the monthly pass missed. Re-downloading a
// covered bucket is safe because the store upsert deduplicates.
type Downloader struct {
	config  *appconfig.Config
	client  *http.Client
	store   *store.Store
	limiter *rate.Limiter
	log     *logger.Log
}

// NewDownloader creates an archive downloader writing through the given store.
func NewDownloader(cfg *appconfig.Config, st *store.Store) *Downloader {
	return &Downloader{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Archive.Timeout},
		store:   st,
		limiter: rate.NewLimiter(rate.Every(cfg.Archive.FileDelay), 1),
		log:     logger.GetLogger(),
	}
}

// Run downloads every configured (symbol, interval) series sequentially and
// joins per-series failures.
func (d *Downloader) Run(ctx context.Context) error {
	log := d.log.WithComponent("archive").WithFields(logger.Fields{"operation": "run"})
	log.WithFields(logger.Fields{
		"market_type": d.config.Archive.MarketType,
		"symbols":     d.config.Archive.Symbols,
		"intervals":   d.config.Archive.Intervals,
	}).Info("starting archive run")

	var errs []error
	for _, symbol := range d.config.Archive.Symbols {
		for _, interval := range d.config.Archive.Intervals {
			if ctx.Err() != nil {
				errs = append(errs, ctx.Err())
				return errors.Join(errs...)
			}
			if err := d.DownloadSeries(ctx, symbol, interval); err != nil {
				log.WithFields(logger.Fields{"symbol": symbol, "interval": interval}).
					WithError(err).Error("series archive download failed")
				errs = append(errs, fmt.Errorf("%s/%s: %w", symbol, interval, err))
			}
		}
	}

	if len(errs) == 0 {
		log.Info("archive run completed")
	}
	return errors.Join(errs...)
}

// DownloadSeries covers one (symbol, interval) from its resume date up to
// yesterday. Individual file failures are skipped; only resume-point and
// context errors abort the series.
func (d *Downloader) DownloadSeries(ctx context.Context, symbol, interval string) error {
	origin := d.config.Archive.MarketType
	log := d.log.WithComponent("archive").WithFields(logger.Fields{
		"symbol":   symbol,
		"interval": interval,
		"origin":   origin,
	})

	start, err := d.resolveStart(ctx, origin, symbol, interval)
	if err != nil {
		return err
	}
	end := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, -1)
	if start.After(end) {
		log.Info("archive series already up to date")
		return nil
	}

	log.WithFields(logger.Fields{
		"start": start.Format("2006-01-02"),
		"end":   end.Format("2006-01-02"),
	}).Info("downloading archive series")

	if d.config.Archive.Monthly {
		for month := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC); !month.After(end); month = month.AddDate(0, 1, 0) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			period := month.Format("2006-01")
			d.processFile(ctx, origin, symbol, interval, "monthly", period)
			if err := d.limiter.Wait(ctx); err != nil {
				return err
			}
		}
	}

	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		period := day.Format("2006-01-02")
		d.processFile(ctx, origin, symbol, interval, "daily", period)
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	log.Info("archive series download completed")
	return nil
}

// resolveStart picks the first date to request: the day after the stored
// progress when the series was ingested before, otherwise the configured
// historical floor.
func (d *Downloader) resolveStart(ctx context.Context, origin, symbol, interval string) (time.Time, error) {
	last, ok, err := d.store.Progress(ctx, origin, symbol, interval)
	if err != nil {
		return time.Time{}, err
	}
	if ok {
		lastDay := time.UnixMilli(last).UTC().Truncate(24 * time.Hour)
		return lastDay.AddDate(0, 0, 1), nil
	}
	return d.config.Archive.DefaultStartDate()
}

// fileURL composes the static-host path for one archive bucket.
func (d *Downloader) fileURL(origin, symbol, interval, granularity, period string) string {
	return fmt.Sprintf("%s/data/futures/%s/%s/klines/%s/%s/%s-%s-%s.zip",
		strings.TrimRight(d.config.Source.Binance.ArchiveURL, "/"),
		origin, granularity, symbol, interval, symbol, interval, period)
}

// processFile fetches, parses and persists one archive bucket. A 404 means
// no data was published for the period; every other failure is logged and
// the caller moves on to the next bucket.
func (d *Downloader) processFile(ctx context.Context, origin, symbol, interval, granularity, period string) {
	log := d.log.WithComponent("archive").WithFields(logger.Fields{
		"symbol":      symbol,
		"interval":    interval,
		"granularity": granularity,
		"period":      period,
	})

	fileURL := d.fileURL(origin, symbol, interval, granularity, period)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		log.WithError(err).Error("failed to build archive request")
		return
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		log.WithError(err).Warn("archive fetch failed, skipping bucket")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		log.Debug("no archive file for period")
		return
	}
	if resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		log.WithFields(logger.Fields{"status": resp.StatusCode}).Warn("archive fetch returned error, skipping bucket")
		d.store.LogQualityIssue(ctx, models.QualityIssue{
			Origin:    origin,
			Symbol:    symbol,
			Interval:  interval,
			IssueType: "archive_fetch_failed",
			Details:   map[string]interface{}{"period": period, "status": resp.StatusCode},
		})
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.WithError(err).Warn("failed to read archive file, skipping bucket")
		return
	}
	logger.LogPerformanceEntry(log, "archive", "file_download", time.Since(start), logger.Fields{
		"bytes": len(body),
	})

	candles, dropped, err := d.parseArchive(origin, symbol, interval, body)
	if err != nil {
		log.WithError(err).Warn("failed to parse archive file, skipping bucket")
		d.store.LogQualityIssue(ctx, models.QualityIssue{
			Origin:    origin,
			Symbol:    symbol,
			Interval:  interval,
			IssueType: "unparseable_archive",
			Details:   map[string]interface{}{"period": period, "error": err.Error()},
		})
		return
	}
	if dropped > 0 {
		d.store.LogQualityIssue(ctx, models.QualityIssue{
			Origin:    origin,
			Symbol:    symbol,
			Interval:  interval,
			IssueType: "dropped_rows",
			Details:   map[string]interface{}{"period": period, "count": dropped},
		})
	}
	if len(candles) == 0 {
		return
	}

	if err := d.store.UpsertBatch(ctx, candles); err != nil {
		log.WithError(err).Error("failed to persist archive batch")
		return
	}
	maxOpen := candles[0].OpenTime
	for _, c := range candles[1:] {
		if c.OpenTime > maxOpen {
			maxOpen = c.OpenTime
		}
	}
	if err := d.store.TouchProgress(ctx, origin, symbol, interval, maxOpen, false); err != nil {
		log.WithError(err).Error("failed to touch progress")
		return
	}

	logger.IncrementArchiveFile()
	logger.IncrementCandles("archive", len(candles), len(body))
	logger.LogDataFlowEntry(log, "binance-vision", "store", len(candles), "kline")
	log.WithFields(logger.Fields{"candles": len(candles)}).Debug("archive file persisted")
}

// parseArchive decodes the single CSV inside an archive zip. Rows whose
// timestamp fields are not numeric are dropped (stray header rows); the
// timestamp unit is decided once per file from the first valid row and
// applied to the whole batch.
func (d *Downloader) parseArchive(origin, symbol, interval string, data []byte) ([]models.Candle, int, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open zip: %w", err)
	}
	if len(zr.File) == 0 {
		return nil, 0, fmt.Errorf("zip contains no files")
	}

	f, err := zr.File[0].Open()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open zip entry: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	var candles []models.Candle
	dropped := 0
	microseconds := false
	unitKnown := false

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read csv: %w", err)
		}
		if len(record) < 11 {
			dropped++
			continue
		}

		openTime, err1 := strconv.ParseInt(record[0], 10, 64)
		closeTime, err2 := strconv.ParseInt(record[6], 10, 64)
		if err1 != nil || err2 != nil {
			dropped++
			continue
		}

		if !unitKnown {
			microseconds = openTime >= microsecondFloor
			unitKnown = true
		}
		if microseconds {
			openTime /= 1000
			closeTime /= 1000
		}

		c, err := candleFromArchiveRow(origin, symbol, interval, openTime, closeTime, record)
		if err != nil {
			dropped++
			continue
		}
		candles = append(candles, c)
	}

	return candles, dropped, nil
}

// candleFromArchiveRow converts one normalized 12-column CSV row.
func candleFromArchiveRow(origin, symbol, interval string, openTime, closeTime int64, record []string) (models.Candle, error) {
	c := models.Candle{
		Origin:    origin,
		Symbol:    symbol,
		Interval:  interval,
		OpenTime:  openTime,
		CloseTime: closeTime,
		IsFinal:   true,
	}
	var err error
	if c.Open, err = decimal.NewFromString(record[1]); err != nil {
		return models.Candle{}, fmt.Errorf("open: %w", err)
	}
	if c.High, err = decimal.NewFromString(record[2]); err != nil {
		return models.Candle{}, fmt.Errorf("high: %w", err)
	}
	if c.Low, err = decimal.NewFromString(record[3]); err != nil {
		return models.Candle{}, fmt.Errorf("low: %w", err)
	}
	if c.Close, err = decimal.NewFromString(record[4]); err != nil {
		return models.Candle{}, fmt.Errorf("close: %w", err)
	}
	if c.Volume, err = decimal.NewFromString(record[5]); err != nil {
		return models.Candle{}, fmt.Errorf("volume: %w", err)
	}
	if qv, err := decimal.NewFromString(record[7]); err == nil {
		c.QuoteVolume = decimal.NewNullDecimal(qv)
	}
	if n, err := strconv.ParseInt(record[8], 10, 64); err == nil {
		c.TradeCount = sql.NullInt64{Int64: n, Valid: true}
	}
	if tb, err := decimal.NewFromString(record[9]); err == nil {
		c.TakerBuyBase = decimal.NewNullDecimal(tb)
	}
	if tq, err := decimal.NewFromString(record[10]); err == nil {
		c.TakerBuyQuote = decimal.NewNullDecimal(tq)
	}
	return c, nil
}
