package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"candleflow/logger"
	"candleflow/models"

	_ "modernc.org/sqlite"
)

// Store is the single durable sink all producers write through. Candle
// upserts are idempotent and last-write-wins on the
// (origin, symbol, interval, open_time) key; progress records only ever
// move forward.
type Store struct {
	db  *sql.DB
	log *logger.Log
}

// Open creates or opens the SQLite database at path and ensures the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path must not be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	// Writes are serialized through a single connection; busy_timeout covers
	// concurrent producers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return &Store{db: db, log: logger.GetLogger()}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS candles (
			origin          TEXT NOT NULL,
			symbol          TEXT NOT NULL,
			interval        TEXT NOT NULL,
			open_time       INTEGER NOT NULL,
			close_time      INTEGER NOT NULL,
			open            TEXT NOT NULL,
			high            TEXT NOT NULL,
			low             TEXT NOT NULL,
			close           TEXT NOT NULL,
			volume          TEXT NOT NULL,
			quote_volume    TEXT,
			trade_count     INTEGER,
			taker_buy_base  TEXT,
			taker_buy_quote TEXT,
			is_final        INTEGER NOT NULL DEFAULT 1,
			ingested_at     INTEGER NOT NULL,
			PRIMARY KEY (origin, symbol, interval, open_time)
		);`,
		`CREATE TABLE IF NOT EXISTS ingest_progress (
			origin         TEXT NOT NULL,
			symbol         TEXT NOT NULL,
			interval       TEXT NOT NULL,
			last_open_time INTEGER,
			last_seen_at   INTEGER,
			status         TEXT NOT NULL DEFAULT 'ok',
			updated_at     INTEGER NOT NULL,
			PRIMARY KEY (origin, symbol, interval)
		);`,
		`CREATE TABLE IF NOT EXISTS quality_issues (
			id         TEXT PRIMARY KEY,
			origin     TEXT NOT NULL,
			symbol     TEXT NOT NULL,
			interval   TEXT NOT NULL,
			open_time  INTEGER,
			issue_type TEXT NOT NULL,
			details    TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const upsertCandleSQL = `
	INSERT INTO candles (
		origin, symbol, interval, open_time, close_time,
		open, high, low, close, volume,
		quote_volume, trade_count, taker_buy_base, taker_buy_quote,
		is_final, ingested_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (origin, symbol, interval, open_time) DO UPDATE SET
		close_time      = excluded.close_time,
		open            = excluded.open,
		high            = excluded.high,
		low             = excluded.low,
		close           = excluded.close,
		volume          = excluded.volume,
		quote_volume    = excluded.quote_volume,
		trade_count     = excluded.trade_count,
		taker_buy_base  = excluded.taker_buy_base,
		taker_buy_quote = excluded.taker_buy_quote,
		is_final        = excluded.is_final,
		ingested_at     = excluded.ingested_at`

// UpsertCandle writes one candle. If the key exists all mutable fields are
// overwritten and the ingested_at stamp is bumped; retrying an identical
// upsert is a no-op in effect.
func (s *Store) UpsertCandle(ctx context.Context, c models.Candle) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("refusing to upsert invalid candle: %w", err)
	}
	_, err := s.db.ExecContext(ctx, upsertCandleSQL, upsertArgs(c)...)
	if err != nil {
		return fmt.Errorf("failed to upsert candle %s/%s/%s@%d: %w", c.Origin, c.Symbol, c.Interval, c.OpenTime, err)
	}
	return nil
}

// UpsertBatch writes candles in a single transaction. The batch is
// all-or-nothing; re-running it is safe.
func (s *Store) UpsertBatch(ctx context.Context, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, upsertCandleSQL)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()
	for _, c := range candles {
		if err := c.Validate(); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("refusing to upsert invalid candle: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, upsertArgs(c)...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to upsert candle %s/%s/%s@%d: %w", c.Origin, c.Symbol, c.Interval, c.OpenTime, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func upsertArgs(c models.Candle) []any {
	return []any{
		c.Origin, c.Symbol, c.Interval, c.OpenTime, c.CloseTime,
		c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String(),
		nullDecimalArg(c.QuoteVolume), c.TradeCount, nullDecimalArg(c.TakerBuyBase), nullDecimalArg(c.TakerBuyQuote),
		c.IsFinal, time.Now().UTC().UnixMilli(),
	}
}

func nullDecimalArg(d decimal.NullDecimal) sql.NullString {
	if !d.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Decimal.String(), Valid: true}
}

// TouchProgress advances the last finalized open time for a series, but only
// forward: an older observation never regresses the stored cursor. When live
// is true the last-seen stamp is refreshed unconditionally.
func (s *Store) TouchProgress(ctx context.Context, origin, symbol, interval string, openTime int64, live bool) error {
	now := time.Now().UTC().UnixMilli()
	var observed sql.NullInt64
	if openTime > 0 {
		observed = sql.NullInt64{Int64: openTime, Valid: true}
	}
	var seen sql.NullInt64
	if live {
		seen = sql.NullInt64{Int64: now, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_progress (origin, symbol, interval, last_open_time, last_seen_at, status, updated_at)
		VALUES (?, ?, ?, ?, ?, 'ok', ?)
		ON CONFLICT (origin, symbol, interval) DO UPDATE SET
			last_open_time = CASE
				WHEN excluded.last_open_time > COALESCE(ingest_progress.last_open_time, -1)
				THEN excluded.last_open_time
				ELSE ingest_progress.last_open_time END,
			last_seen_at = COALESCE(excluded.last_seen_at, ingest_progress.last_seen_at),
			status       = excluded.status,
			updated_at   = excluded.updated_at`,
		origin, symbol, interval, observed, seen, now)
	if err != nil {
		return fmt.Errorf("failed to touch progress %s/%s/%s: %w", origin, symbol, interval, err)
	}
	return nil
}

// Progress returns the last finalized open time for a series. The second
// return value is false when the series has never been ingested.
func (s *Store) Progress(ctx context.Context, origin, symbol, interval string) (int64, bool, error) {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_open_time FROM ingest_progress
		WHERE origin = ? AND symbol = ? AND interval = ?`,
		origin, symbol, interval).Scan(&last)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read progress %s/%s/%s: %w", origin, symbol, interval, err)
	}
	if !last.Valid {
		return 0, false, nil
	}
	return last.Int64, true, nil
}

// LastSeenAt returns the last live-signal stamp for a series, if any.
func (s *Store) LastSeenAt(ctx context.Context, origin, symbol, interval string) (time.Time, bool, error) {
	var seen sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_seen_at FROM ingest_progress
		WHERE origin = ? AND symbol = ? AND interval = ?`,
		origin, symbol, interval).Scan(&seen)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read last seen %s/%s/%s: %w", origin, symbol, interval, err)
	}
	if !seen.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(seen.Int64).UTC(), true, nil
}

// LogQualityIssue appends an anomaly record. It is best effort: a failed
// insert is logged and swallowed so producers never fail on it.
func (s *Store) LogQualityIssue(ctx context.Context, issue models.QualityIssue) {
	details := issue.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	payload, err := json.Marshal(details)
	if err != nil {
		payload = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO quality_issues (id, origin, symbol, interval, open_time, issue_type, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), issue.Origin, issue.Symbol, issue.Interval,
		issue.OpenTime, issue.IssueType, string(payload), time.Now().UTC().UnixMilli())
	if err != nil {
		s.log.WithComponent("store").WithFields(logger.Fields{
			"origin":     issue.Origin,
			"symbol":     issue.Symbol,
			"interval":   issue.Interval,
			"issue_type": issue.IssueType,
		}).WithError(err).Warn("failed to log quality issue")
		return
	}
	logger.IncrementQualityIssue()
}

// Candles returns the stored candles of a series with open times inside
// [start, end], ascending. It is the read path for downstream consumers.
func (s *Store) Candles(ctx context.Context, origin, symbol, interval string, start, end int64) ([]models.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT origin, symbol, interval, open_time, close_time,
		       open, high, low, close, volume,
		       quote_volume, trade_count, taker_buy_base, taker_buy_quote, is_final
		FROM candles
		WHERE origin = ? AND symbol = ? AND interval = ? AND open_time BETWEEN ? AND ?
		ORDER BY open_time ASC`,
		origin, symbol, interval, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var out []models.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountCandles returns the number of stored candles for a series.
func (s *Store) CountCandles(ctx context.Context, origin, symbol, interval string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM candles WHERE origin = ? AND symbol = ? AND interval = ?`,
		origin, symbol, interval).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count candles: %w", err)
	}
	return n, nil
}

// QualityIssueCount returns the number of recorded issues for a series.
func (s *Store) QualityIssueCount(ctx context.Context, origin, symbol, interval string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM quality_issues WHERE origin = ? AND symbol = ? AND interval = ?`,
		origin, symbol, interval).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count quality issues: %w", err)
	}
	return n, nil
}

func scanCandle(rows *sql.Rows) (models.Candle, error) {
	var (
		c                        models.Candle
		open, high, low, cl, vol string
		quoteVol, takerB, takerQ sql.NullString
	)
	if err := rows.Scan(&c.Origin, &c.Symbol, &c.Interval, &c.OpenTime, &c.CloseTime,
		&open, &high, &low, &cl, &vol,
		&quoteVol, &c.TradeCount, &takerB, &takerQ, &c.IsFinal); err != nil {
		return models.Candle{}, fmt.Errorf("failed to scan candle: %w", err)
	}
	var err error
	if c.Open, err = decimal.NewFromString(open); err != nil {
		return models.Candle{}, fmt.Errorf("corrupt open price %q: %w", open, err)
	}
	if c.High, err = decimal.NewFromString(high); err != nil {
		return models.Candle{}, fmt.Errorf("corrupt high price %q: %w", high, err)
	}
	if c.Low, err = decimal.NewFromString(low); err != nil {
		return models.Candle{}, fmt.Errorf("corrupt low price %q: %w", low, err)
	}
	if c.Close, err = decimal.NewFromString(cl); err != nil {
		return models.Candle{}, fmt.Errorf("corrupt close price %q: %w", cl, err)
	}
	if c.Volume, err = decimal.NewFromString(vol); err != nil {
		return models.Candle{}, fmt.Errorf("corrupt volume %q: %w", vol, err)
	}
	if c.QuoteVolume, err = scanNullDecimal(quoteVol); err != nil {
		return models.Candle{}, err
	}
	if c.TakerBuyBase, err = scanNullDecimal(takerB); err != nil {
		return models.Candle{}, err
	}
	if c.TakerBuyQuote, err = scanNullDecimal(takerQ); err != nil {
		return models.Candle{}, err
	}
	return c, nil
}

func scanNullDecimal(v sql.NullString) (decimal.NullDecimal, error) {
	if !v.Valid {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("corrupt decimal %q: %w", v.String, err)
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}, nil
}
