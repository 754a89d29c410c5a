// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStore      — Postgres connection (or in-memory store) + ping
//  2. initCrypto     — credential cipher from CRYPTO_SECRET_KEY
//  3. initScheduler  — provider pool + session matcher
//  4. initUpstream   — upstream client factory + cache
//  5. initExecutor   — request executor composing the above
//  6. initMaintenance — periodic sweep/recovery/reset/prune loop
//  7. initPublicAPI  — HTTP surface
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/sessionrelay/internal/config"
	"github.com/nulpointcorp/sessionrelay/internal/cryptoutil"
	"github.com/nulpointcorp/sessionrelay/internal/executor"
	"github.com/nulpointcorp/sessionrelay/internal/logger"
	"github.com/nulpointcorp/sessionrelay/internal/maintenance"
	"github.com/nulpointcorp/sessionrelay/internal/metrics"
	"github.com/nulpointcorp/sessionrelay/internal/publicapi"
	"github.com/nulpointcorp/sessionrelay/internal/scheduler"
	"github.com/nulpointcorp/sessionrelay/internal/sessionmatch"
	"github.com/nulpointcorp/sessionrelay/internal/store"
	"github.com/nulpointcorp/sessionrelay/internal/upstream"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	store   store.Store
	cipher  *cryptoutil.Cipher
	pool    *scheduler.Pool
	matcher *sessionmatch.Matcher
	clients *upstream.ClientCache
	reqLog  *logger.Logger
	prom    *metrics.Registry
	exec    *executor.Executor
	maint   *maintenance.Loop
	api     *publicapi.Server
}

// New initialises all subsystems and returns a ready-to-run App. All
// resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.initStore},
		{"crypto", a.initCrypto},
		{"scheduler", a.initScheduler},
		{"upstream", a.initUpstream},
		{"executor", a.initExecutor},
		{"maintenance", a.initMaintenance},
		{"publicapi", a.initPublicAPI},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and the maintenance loop and blocks until ctx
// is cancelled or the server exits with an error. It closes the app
// gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("store_mode", a.cfg.StoreMode),
	)

	a.maint.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.api.Start(addr)
	}()

	select {
	case <-ctx.Done():
		a.Close()
		return nil
	case err := <-errCh:
		a.Close()
		return err
	}
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times from one goroutine; concurrent calls are not synchronised.
func (a *App) Close() {
	if a.api != nil {
		if err := a.api.Close(); err != nil {
			a.log.Error("publicapi close error", slog.String("error", err.Error()))
		}
		a.api = nil
	}
	if a.maint != nil {
		a.maint.Stop()
		a.maint = nil
	}
	if a.reqLog != nil {
		if err := a.reqLog.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLog = nil
	}
	if a.clients != nil {
		a.clients.Close()
		a.clients = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.store = nil
	}
}
