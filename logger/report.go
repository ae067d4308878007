package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type producerStat struct {
	candles int64
	bytes   int64
}

var (
	errorsBackfill int64
	errorsStream   int64
	errorsArchive  int64
	warnsBackfill  int64
	warnsStream    int64
	warnsArchive   int64
	pagesFetched   int64
	archiveFiles   int64
	qualityIssues  int64
	retryCount     int64
	producers      sync.Map // map[string]*producerStat
)

func recordWarn(component string) {
	switch {
	case strings.Contains(component, "backfill"):
		atomic.AddInt64(&warnsBackfill, 1)
	case strings.Contains(component, "stream"):
		atomic.AddInt64(&warnsStream, 1)
	case strings.Contains(component, "archive"):
		atomic.AddInt64(&warnsArchive, 1)
	}
}

func recordError(component string) {
	switch {
	case strings.Contains(component, "backfill"):
		atomic.AddInt64(&errorsBackfill, 1)
	case strings.Contains(component, "stream"):
		atomic.AddInt64(&errorsStream, 1)
	case strings.Contains(component, "archive"):
		atomic.AddInt64(&errorsArchive, 1)
	}
}

// IncrementCandles records candles written by a producer ("backfill",
// "stream" or "archive") together with an approximate payload size.
func IncrementCandles(producer string, count int, size int) {
	v, _ := producers.LoadOrStore(producer, &producerStat{})
	ps := v.(*producerStat)
	atomic.AddInt64(&ps.candles, int64(count))
	atomic.AddInt64(&ps.bytes, int64(size))
}

// IncrementPageFetch records one successfully fetched REST kline page.
func IncrementPageFetch() {
	atomic.AddInt64(&pagesFetched, 1)
}

// IncrementArchiveFile records one successfully ingested archive file.
func IncrementArchiveFile() {
	atomic.AddInt64(&archiveFiles, 1)
}

// IncrementQualityIssue records one logged data quality issue.
func IncrementQualityIssue() {
	atomic.AddInt64(&qualityIssues, 1)
}

// IncrementRetryCount records a reconnect or retry attempt.
func IncrementRetryCount() {
	atomic.AddInt64(&retryCount, 1)
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(log)
			}
		}
	}()
}

// StartReport begins periodic logging of ingestion statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(log *Log) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	fields := Fields{
		"goroutines":      runtime.NumGoroutine(),
		"heap_alloc_mb":   float64(mem.HeapAlloc) / (1024 * 1024),
		"pages_fetched":   atomic.LoadInt64(&pagesFetched),
		"archive_files":   atomic.LoadInt64(&archiveFiles),
		"quality_issues":  atomic.LoadInt64(&qualityIssues),
		"retries":         atomic.LoadInt64(&retryCount),
		"warns_backfill":  atomic.LoadInt64(&warnsBackfill),
		"warns_stream":    atomic.LoadInt64(&warnsStream),
		"warns_archive":   atomic.LoadInt64(&warnsArchive),
		"errors_backfill": atomic.LoadInt64(&errorsBackfill),
		"errors_stream":   atomic.LoadInt64(&errorsStream),
		"errors_archive":  atomic.LoadInt64(&errorsArchive),
	}

	producers.Range(func(key, value any) bool {
		name := key.(string)
		ps := value.(*producerStat)
		fields["candles_"+name] = atomic.LoadInt64(&ps.candles)
		fields["bytes_"+name] = atomic.LoadInt64(&ps.bytes)
		return true
	})

	log.WithComponent("report").WithFields(fields).Info("ingestion report")
}
