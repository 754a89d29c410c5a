// Package maintenance runs the gateway's periodic background tasks: the
// expired-session sweep, the daily request-log retention prune, and the
// daily API-key usage-counter reset. The cooling-to-active provider
// recovery sweep is a fourth periodic task but lives in the scheduler
// package itself (scheduler.StartRecoveryLoop) since it only needs the
// scheduler's own state; Loop starts it alongside its own tickers so one
// object owns the whole background lifecycle, matching the module-level
// singleton discipline.
//
// Grounded on cache.MemoryCache.cleanup's ticker-plus-done-channel idiom
// and logger.Logger.run's discipline of never letting a background task
// block or crash the process: every task's failure is logged and the loop
// continues to the next tick.
package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/sessionrelay/internal/metrics"
	"github.com/nulpointcorp/sessionrelay/internal/scheduler"
	"github.com/nulpointcorp/sessionrelay/internal/store"
)

const (
	defaultSessionSweepInterval = 5 * time.Minute
	logPruneHour                = 3 // 03:00 local
	keyResetHour                = 0 // 00:00 local
	logRetention                 = 30 * 24 * time.Hour
)

// Config holds maintenance loop tuning parameters.
type Config struct {
	SessionSweepInterval time.Duration
}

func (c *Config) sessionSweepInterval() time.Duration {
	if c.SessionSweepInterval > 0 {
		return c.SessionSweepInterval
	}
	return defaultSessionSweepInterval
}

// Loop owns the gateway's background maintenance tasks.
type Loop struct {
	store store.Store
	pool  *scheduler.Pool
	prom  *metrics.Registry
	cfg   Config
	log   *slog.Logger

	recovery *scheduler.RecoveryHandle
	done     chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Loop. pool may be nil if recovery is started separately.
func New(st store.Store, pool *scheduler.Pool, prom *metrics.Registry, cfg Config, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{store: st, pool: pool, prom: prom, cfg: cfg, log: log, done: make(chan struct{})}
}

// Start launches all background tasks. Call Stop to shut them down.
func (l *Loop) Start(ctx context.Context) {
	if l.pool != nil {
		l.recovery = scheduler.StartRecoveryLoop(ctx, l.pool)
	}

	l.wg.Add(3)
	go l.runSessionSweep(ctx)
	go l.runDailyAt(ctx, logPruneHour, "log_prune", l.pruneLogs)
	go l.runDailyAt(ctx, keyResetHour, "daily_key_reset", l.resetDailyUsage)
}

// Stop halts every background task and waits for them to exit.
func (l *Loop) Stop() {
	if l.recovery != nil {
		l.recovery.Stop()
	}
	close(l.done)
	l.wg.Wait()
}

func (l *Loop) runSessionSweep(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.sessionSweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweepSessions(ctx)
		case <-ctx.Done():
			return
		case <-l.done:
			return
		}
	}
}

func (l *Loop) sweepSessions(ctx context.Context) {
	n, err := l.store.Sessions().DeleteExpired(ctx, time.Now())
	l.record("session_sweep", err)
	if err != nil {
		l.log.ErrorContext(ctx, "maintenance_session_sweep_failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		l.log.InfoContext(ctx, "maintenance_sessions_swept", slog.Int("count", n))
	}
}

func (l *Loop) pruneLogs(ctx context.Context) {
	n, err := l.store.RequestLogs().DeleteOlderThan(ctx, time.Now().Add(-logRetention))
	l.record("log_prune", err)
	if err != nil {
		l.log.ErrorContext(ctx, "maintenance_log_prune_failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		l.log.InfoContext(ctx, "maintenance_log_rows_pruned", slog.Int("count", n))
		if l.prom != nil {
			l.prom.AddLogRowsPruned(n)
		}
	}
}

func (l *Loop) resetDailyUsage(ctx context.Context) {
	n, err := l.store.APIKeys().ResetDailyUsage(ctx, time.Now())
	l.record("daily_key_reset", err)
	if err != nil {
		l.log.ErrorContext(ctx, "maintenance_daily_reset_failed", slog.String("error", err.Error()))
		return
	}
	l.log.InfoContext(ctx, "maintenance_daily_usage_reset", slog.Int("count", n))
}

func (l *Loop) record(task string, err error) {
	if l.prom == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	l.prom.RecordMaintenance(task, result)
}

// runDailyAt runs fn once every day at the given local hour, starting from
// the next occurrence of that hour after Start is called. Idempotent across
// restarts: missing a run simply means it fires at the next occurrence.
func (l *Loop) runDailyAt(ctx context.Context, hour int, name string, fn func(context.Context)) {
	defer l.wg.Done()

	for {
		wait := nextOccurrence(time.Now(), hour)
		timer := time.NewTimer(wait)

		select {
		case <-timer.C:
			fn(ctx)
		case <-ctx.Done():
			timer.Stop()
			return
		case <-l.done:
			timer.Stop()
			return
		}
	}
}

// nextOccurrence returns the duration until the next time-of-day instant at
// hour:00:00 local time strictly after now.
func nextOccurrence(now time.Time, hour int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}
