// Package scheduler selects providers for outbound calls, tracks their
// health and load, and retries a failed operation against a substitute
// provider.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/sessionrelay/internal/store"
)

const (
	defaultHealthThreshold  = 50
	defaultFailureThreshold = 5
	defaultCooldownDuration = 5 * time.Minute
	defaultSelectionLimit   = 20
	defaultMaxRetries       = 3
	defaultRecoveryInterval = time.Minute
)

// Config holds scheduler tuning parameters. Zero values fall back to the
// package defaults above.
type Config struct {
	HealthThreshold  int
	FailureThreshold int
	CooldownDuration time.Duration
	MaxRetries       int
	RecoveryInterval time.Duration
}

func (c *Config) healthThreshold() int {
	if c.HealthThreshold > 0 {
		return c.HealthThreshold
	}
	return defaultHealthThreshold
}

func (c *Config) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return defaultFailureThreshold
}

func (c *Config) cooldownDuration() time.Duration {
	if c.CooldownDuration > 0 {
		return c.CooldownDuration
	}
	return defaultCooldownDuration
}

func (c *Config) maxRetries() int {
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return defaultMaxRetries
}

func (c *Config) recoveryInterval() time.Duration {
	if c.RecoveryInterval > 0 {
		return c.RecoveryInterval
	}
	return defaultRecoveryInterval
}

// Pool selects providers and tracks the outcome of operations run against
// them. It is safe for concurrent use.
type Pool struct {
	providers store.ProviderRepository
	cfg       Config
	log       *slog.Logger
}

// NewPool constructs a Pool backed by repo.
func NewPool(repo store.ProviderRepository, cfg Config, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{providers: repo, cfg: cfg, log: log}
}

// Acquire selects a provider from groupID (nil for any group), excluding
// any id present in exclude, and atomically increments its current_load.
// Returns ErrNoAvailableProvider if no candidate remains.
func (p *Pool) Acquire(ctx context.Context, groupID *string, exclude map[uuid.UUID]bool) (*store.Provider, error) {
	candidates, err := p.providers.SelectCandidates(ctx, groupID, p.cfg.healthThreshold(), defaultSelectionLimit)
	if err != nil {
		return nil, fmt.Errorf("scheduler: select candidates: %w", err)
	}

	var filtered []store.Provider
	for _, c := range candidates {
		if exclude != nil && exclude[c.ID] {
			continue
		}
		filtered = append(filtered, c)
	}

	if len(filtered) == 0 {
		return nil, ErrNoAvailableProvider
	}

	chosen := pickWeighted(filtered)

	updated, err := p.providers.IncrementLoad(ctx, chosen.ID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: increment load: %w", err)
	}
	return updated, nil
}

// AcquireSpecific increments current_load for a known provider id rather
// than selecting among candidates, used when a request must continue on the
// provider its session is already bound to. The provider must still be
// active; a cooling or failed provider fails the acquisition just as an
// empty candidate set would.
func (p *Pool) AcquireSpecific(ctx context.Context, id uuid.UUID) (*store.Provider, error) {
	prov, err := p.providers.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("scheduler: get provider: %w", err)
	}
	if prov.Status != store.ProviderActive {
		return nil, ErrNoAvailableProvider
	}
	updated, err := p.providers.IncrementLoad(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("scheduler: increment load: %w", err)
	}
	return updated, nil
}

// Release decrements the provider's current_load and records the outcome
// of the operation it was acquired for. Must be called exactly once for
// every successful Acquire, whether the operation succeeded or failed.
func (p *Pool) Release(ctx context.Context, id uuid.UUID, success bool) {
	if err := p.providers.DecrementLoad(ctx, id); err != nil {
		p.log.ErrorContext(ctx, "scheduler_decrement_load_failed",
			slog.String("provider_id", id.String()), slog.String("error", err.Error()))
	}

	outcome := store.ProviderOutcome{
		Success:          success,
		FailureThreshold: p.cfg.failureThreshold(),
		CooldownDuration: p.cfg.cooldownDuration(),
	}
	if err := p.providers.RecordOutcome(ctx, id, outcome); err != nil {
		p.log.ErrorContext(ctx, "scheduler_record_outcome_failed",
			slog.String("provider_id", id.String()), slog.String("error", err.Error()))
	}
}

// Execute acquires a provider and invokes fn. If fn returns an error, the
// provider is excluded and a new one is acquired, up to the configured
// max retries. Release is called for every acquired provider, including
// failed attempts. Returns the provider fn finally succeeded against, or
// the last error on exhaustion.
func (p *Pool) Execute(ctx context.Context, groupID *string, fn func(ctx context.Context, prov *store.Provider) error) (*store.Provider, error) {
	exclude := make(map[uuid.UUID]bool)
	var lastErr error

	for attempt := 0; attempt < p.cfg.maxRetries(); attempt++ {
		prov, err := p.Acquire(ctx, groupID, exclude)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		opErr := fn(ctx, prov)
		p.Release(ctx, prov.ID, opErr == nil)

		if opErr == nil {
			return prov, nil
		}

		p.log.WarnContext(ctx, "scheduler_attempt_failed",
			slog.String("provider_id", prov.ID.String()),
			slog.Int("attempt", attempt),
			slog.String("error", opErr.Error()))

		lastErr = opErr
		exclude[prov.ID] = true
	}

	return nil, lastErr
}
