package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RecoverCoolingIDs transitions cooling providers whose cooldown has
// elapsed back to active and returns how many were recovered.
func (p *Pool) RecoverCoolingIDs(ctx context.Context, now time.Time) (int, error) {
	ids, err := p.providers.RecoverCooling(ctx, now)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// StartRecoveryLoop runs RecoverCooling on cfg's recovery interval until ctx
// is cancelled or Stop is called on the returned handle.
func StartRecoveryLoop(ctx context.Context, p *Pool) *RecoveryHandle {
	h := &RecoveryHandle{done: make(chan struct{})}
	h.wg.Add(1)
	go h.run(ctx, p)
	return h
}

// RecoveryHandle controls the lifetime of a running recovery loop.
type RecoveryHandle struct {
	done chan struct{}
	wg   sync.WaitGroup
}

// Stop halts the recovery loop and waits for it to exit.
func (h *RecoveryHandle) Stop() {
	close(h.done)
	h.wg.Wait()
}

func (h *RecoveryHandle) run(ctx context.Context, p *Pool) {
	defer h.wg.Done()
	ticker := time.NewTicker(p.cfg.recoveryInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := p.RecoverCoolingIDs(ctx, time.Now())
			if err != nil {
				p.log.ErrorContext(ctx, "scheduler_recovery_failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				p.log.InfoContext(ctx, "scheduler_recovered_providers", slog.Int("count", n))
			}
		case <-ctx.Done():
			return
		case <-h.done:
			return
		}
	}
}
