package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by repository lookups that find no matching row.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "store: not found" }

// ProviderOutcome is the result the scheduler reports back to the store
// after releasing a provider, so the store can perform the outcome
// transition described in the scheduler's design (§4.3 of the governing
// design notes): consecutive-failure accounting, cooling/failed status
// transitions, and health score adjustment.
type ProviderOutcome struct {
	Success             bool
	FailureThreshold    int
	CooldownDuration    time.Duration
}

// ProviderRepository is the persistence boundary for Provider rows. All
// mutating methods are single round-trips so concurrent callers racing on
// the same provider id observe atomic, monotone transitions.
type ProviderRepository interface {
	// SelectCandidates returns up to limit providers matching the scheduler's
	// selection query: status=active, health_score >= minHealth,
	// current_load < max_concurrent, optional groupID filter. Ordered by
	// health_score DESC, then current_load/max_concurrent ASC.
	SelectCandidates(ctx context.Context, groupID *string, minHealth int, limit int) ([]Provider, error)

	// Get returns a single provider by id.
	Get(ctx context.Context, id uuid.UUID) (*Provider, error)

	// IncrementLoad atomically increments current_load by 1 and returns the
	// updated provider row.
	IncrementLoad(ctx context.Context, id uuid.UUID) (*Provider, error)

	// DecrementLoad atomically decrements current_load, saturating at 0.
	DecrementLoad(ctx context.Context, id uuid.UUID) error

	// RecordOutcome applies the outcome transition (success or failure) to the
	// provider row in one atomic statement, per the concurrency model's
	// required monotone-transition semantics.
	RecordOutcome(ctx context.Context, id uuid.UUID, outcome ProviderOutcome) error

	// RecoverCooling transitions every provider with status=cooling and
	// cooldown_until<=now back to status=active, consecutive_failures=0,
	// health_score=50. Returns the ids transitioned.
	RecoverCooling(ctx context.Context, now time.Time) ([]uuid.UUID, error)

	// All returns every known provider, used by health snapshots.
	All(ctx context.Context) ([]Provider, error)
}

// SessionRepository is the persistence boundary for Session rows.
type SessionRepository interface {
	// FindExact returns the active session for (userID, headHash, tailHash)
	// whose provider is also active, breaking ties by last_accessed_at DESC.
	FindExact(ctx context.Context, userID, headHash, tailHash string) (*Session, error)

	// FindHeadOnly returns the active session for (userID, headHash) whose
	// provider is active, breaking ties by last_accessed_at DESC.
	FindHeadOnly(ctx context.Context, userID, headHash string) (*Session, error)

	// UpdateTailHash rewrites a session's tail_hash and bumps last_accessed_at.
	UpdateTailHash(ctx context.Context, id uuid.UUID, tailHash string, now time.Time) error

	// CountActive returns the number of active sessions owned by userID.
	CountActive(ctx context.Context, userID string) (int, error)

	// DeleteOldest removes the active session with the smallest
	// last_accessed_at for userID. A no-op if the user has no active sessions.
	DeleteOldest(ctx context.Context, userID string) error

	// Create inserts a brand-new active session.
	Create(ctx context.Context, s *Session) error

	// SetUpstreamSessionID persists the upstream session handle the first
	// time a session round-trips successfully. A no-op if already set.
	SetUpstreamSessionID(ctx context.Context, id uuid.UUID, upstreamSessionID string) error

	// RecordMessage increments message_count, refreshes last_accessed_at, and
	// pushes expires_at to now+ttl.
	RecordMessage(ctx context.Context, id uuid.UUID, now time.Time, ttl time.Duration) error

	// Migrate marks id as migrated and inserts a new active session bound to
	// newProviderID with the same fingerprints and a fresh TTL.
	Migrate(ctx context.Context, id uuid.UUID, newProviderID uuid.UUID, ttl time.Duration) (*Session, error)

	// DeleteExpired removes every session with expires_at<now or a terminal
	// status, returning the count removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// RequestLogRepository appends request log rows and prunes old ones.
type RequestLogRepository interface {
	Append(ctx context.Context, row RequestLog) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// APIKeyRepository resets the per-day usage counters the maintenance loop
// owns. Key validation itself lives in the external auth surface.
type APIKeyRepository interface {
	ResetDailyUsage(ctx context.Context, now time.Time) (int, error)
}

// Store groups the repositories behind one handle so callers construct a
// single object at boot, matching the module-singleton discipline.
type Store interface {
	Providers() ProviderRepository
	Sessions() SessionRepository
	RequestLogs() RequestLogRepository
	APIKeys() APIKeyRepository
	Close() error
}
