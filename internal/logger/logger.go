// Package logger implements a non-blocking, batched writer for request log
// rows, so persisting them never blocks the executor's hot path.
//
// Entries are pushed onto a buffered channel and flushed in batches by a
// background goroutine. If the channel fills (10 000 pending entries),
// new entries are dropped and counted in DroppedLogs rather than applying
// backpressure to the caller.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/sessionrelay/internal/store"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Logger batches store.RequestLog rows and appends them to repo.
type Logger struct {
	repo store.RequestLogRepository

	ch        chan store.RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
}

// New constructs a Logger that appends rows to repo. ctx bounds the
// lifetime of the repository writes issued during the final flush.
func New(ctx context.Context, repo store.RequestLogRepository, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if repo == nil {
		return nil, fmt.Errorf("logger: repo must not be nil")
	}
	if slogger == nil {
		slogger = slog.Default()
	}

	l := &Logger{
		repo:    repo,
		ch:      make(chan store.RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues a request log row for asynchronous persistence. Never blocks.
func (l *Logger) Log(row store.RequestLog) {
	select {
	case l.ch <- row:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

// DroppedLogs returns how many entries were discarded because the internal
// buffer was full.
func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close stops the background flush loop after draining any pending entries.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]store.RequestLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, row := range batch {
			if err := l.repo.Append(ctx, row); err != nil {
				l.log.ErrorContext(ctx, "request_log_append_failed",
					slog.String("user_id", row.UserID),
					slog.String("error", err.Error()))
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case row := <-l.ch:
			batch = append(batch, row)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case row := <-l.ch:
					batch = append(batch, row)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}
