package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	appconfig "candleflow/config"
	"candleflow/logger"
	"candleflow/models"
	"candleflow/store"

	"github.com/gorilla/websocket"
)

// Stream consumes the Binance kline websocket feed, one subscription per
// (symbol, interval). Only finalized bars are persisted; a forming bar is
// discarded because its fields are still mutable. Subscriptions reconnect
// forever with a fixed delay and stop only on context cancellation.
type Stream struct {
	config  *appconfig.Config
	store   *store.Store
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
	dialer  *websocket.Dialer
}

// NewStream creates a streaming ingester writing through the given store.
func NewStream(cfg *appconfig.Config, st *store.Store) *Stream {
	return &Stream{
		config: cfg,
		store:  st,
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
		dialer: websocket.DefaultDialer,
	}
}

// streamName composes the Binance stream identifier; the exchange expects
// lowercase symbols in stream names.
func streamName(symbol, interval string) string {
	return fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval)
}

// Start launches one long-lived subscription worker per configured
// (symbol, interval).
func (r *Stream) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("stream ingester already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	cfg := r.config.Stream
	log := r.log.WithComponent("stream").WithFields(logger.Fields{"operation": "start"})

	if !cfg.Enabled {
		log.Warn("kline streaming is disabled")
		return fmt.Errorf("kline streaming is disabled")
	}

	log.WithFields(logger.Fields{
		"symbols":   r.config.Source.Binance.Symbols,
		"intervals": r.config.Source.Binance.Intervals,
	}).Info("starting stream ingester")

	for _, symbol := range r.config.Source.Binance.Symbols {
		for _, interval := range r.config.Source.Binance.Intervals {
			r.wg.Add(1)
			go r.streamSeries(symbol, interval)
		}
	}

	log.Info("stream ingester started successfully")
	return nil
}

// Stop waits for all subscription workers to exit. Workers observe the
// context passed to Start; cancel it before calling Stop.
func (r *Stream) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("stream").Info("stopping stream ingester")
	r.wg.Wait()
	r.log.WithComponent("stream").Info("stream ingester stopped")
}

// streamSeries owns one subscription: connect, consume, and on any error
// wait the fixed reconnect delay and connect again. Disconnect gaps are
// closed by the periodic backfill run, not by this path.
func (r *Stream) streamSeries(symbol, interval string) {
	defer r.wg.Done()

	wsURL := strings.TrimRight(r.config.Source.Binance.WsURL, "/") + "/" + streamName(symbol, interval)
	delay := r.config.Stream.ReconnectDelay

	log := r.log.WithComponent("stream").WithFields(logger.Fields{
		"symbol":   symbol,
		"interval": interval,
		"worker":   "kline_stream",
	})

	for {
		if r.ctx.Err() != nil {
			return
		}

		conn, _, err := r.dialer.Dial(wsURL, nil)
		if err != nil {
			log.WithError(err).Warn("failed to connect websocket, retrying")
			logger.IncrementRetryCount()
			select {
			case <-time.After(delay):
				continue
			case <-r.ctx.Done():
				return
			}
		}

		log.Info("subscribed to kline stream")

		// Unblock ReadMessage when the context is cancelled.
		done := make(chan struct{})
		go func() {
			select {
			case <-r.ctx.Done():
				conn.Close()
			case <-done:
			}
		}()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				close(done)
				conn.Close()
				if r.ctx.Err() != nil {
					return
				}
				log.WithError(err).Warn("websocket read error, reconnecting")
				logger.IncrementRetryCount()
				break
			}
			r.handleMessage(r.ctx, symbol, interval, msg)
		}

		select {
		case <-time.After(delay):
		case <-r.ctx.Done():
			return
		}
	}
}

// handleMessage parses one inbound event and persists it when the bar is
// finalized: exactly one upsert and one live progress touch per final bar.
func (r *Stream) handleMessage(ctx context.Context, symbol, interval string, msg []byte) {
	log := r.log.WithComponent("stream").WithFields(logger.Fields{
		"symbol":   symbol,
		"interval": interval,
	})

	var evt models.WsKlineEvent
	if err := json.Unmarshal(msg, &evt); err != nil {
		log.WithError(err).Warn("failed to decode kline event")
		r.store.LogQualityIssue(ctx, models.QualityIssue{
			Origin:    models.OriginExchange,
			Symbol:    symbol,
			Interval:  interval,
			IssueType: "unparseable_event",
			Details:   map[string]interface{}{"error": err.Error()},
		})
		return
	}

	if !evt.Kline.IsFinal {
		// Still forming; persisting it would cause repeated partial upserts.
		return
	}

	candle, err := candleFromWsKline(symbol, interval, evt.Kline)
	if err != nil {
		log.WithError(err).Warn("failed to convert finalized kline")
		r.store.LogQualityIssue(ctx, models.QualityIssue{
			Origin:    models.OriginExchange,
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  nullInt64(evt.Kline.StartTime),
			IssueType: "unparseable_event",
			Details:   map[string]interface{}{"error": err.Error()},
		})
		return
	}

	if err := r.store.UpsertCandle(ctx, candle); err != nil {
		log.WithError(err).Error("failed to persist finalized kline")
		return
	}
	if err := r.store.TouchProgress(ctx, models.OriginExchange, symbol, interval, candle.OpenTime, true); err != nil {
		log.WithError(err).Error("failed to touch progress")
		return
	}

	if !candle.SpanMatchesInterval() {
		r.store.LogQualityIssue(ctx, models.QualityIssue{
			Origin:    candle.Origin,
			Symbol:    candle.Symbol,
			Interval:  candle.Interval,
			OpenTime:  nullInt64(candle.OpenTime),
			IssueType: "bar_span_mismatch",
			Details: map[string]interface{}{
				"close_time": candle.CloseTime,
				"span_ms":    candle.CloseTime - candle.OpenTime,
			},
		})
	}

	logger.IncrementCandles("stream", 1, len(msg))
	log.WithFields(logger.Fields{"open_time": candle.OpenTime}).Debug("finalized kline persisted")
}

// candleFromWsKline converts a finalized websocket bar.
func candleFromWsKline(symbol, interval string, k models.WsKline) (models.Candle, error) {
	c := models.Candle{
		Origin:    models.OriginExchange,
		Symbol:    symbol,
		Interval:  interval,
		OpenTime:  k.StartTime,
		CloseTime: k.EndTime,
		IsFinal:   true,
	}
	var err error
	if c.Open, err = toDecimal(k.Open); err != nil {
		return models.Candle{}, fmt.Errorf("open: %w", err)
	}
	if c.High, err = toDecimal(k.High); err != nil {
		return models.Candle{}, fmt.Errorf("high: %w", err)
	}
	if c.Low, err = toDecimal(k.Low); err != nil {
		return models.Candle{}, fmt.Errorf("low: %w", err)
	}
	if c.Close, err = toDecimal(k.Close); err != nil {
		return models.Candle{}, fmt.Errorf("close: %w", err)
	}
	if c.Volume, err = toDecimal(k.Volume); err != nil {
		return models.Candle{}, fmt.Errorf("volume: %w", err)
	}
	return c, nil
}
