package sessionmatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/sessionrelay/internal/store"
)

// MatchKind reports which lookup strategy found (or failed to find) a
// session, for observability.
type MatchKind string

const (
	MatchExact MatchKind = "exact"
	MatchHead  MatchKind = "head"
	MatchNone  MatchKind = "none"
)

const defaultMaxSessionsPerUser = 100

// Config holds matcher tuning parameters.
type Config struct {
	SessionTTL         time.Duration
	MaxSessionsPerUser int
}

func (c *Config) maxSessionsPerUser() int {
	if c.MaxSessionsPerUser > 0 {
		return c.MaxSessionsPerUser
	}
	return defaultMaxSessionsPerUser
}

// Matcher binds conversations to sessions via fingerprint matching.
type Matcher struct {
	sessions store.SessionRepository
	cfg      Config
}

// New constructs a Matcher backed by repo.
func New(repo store.SessionRepository, cfg Config) *Matcher {
	return &Matcher{sessions: repo, cfg: cfg}
}

// MatchOrCreate implements the lookup-then-create chain: exact match, then
// head-only match (which also refreshes the tail hash), then creation of a
// brand-new session bound to providerID. Returns the resolved session, the
// MatchKind that found it ("none" on creation), and any error.
func (m *Matcher) MatchOrCreate(ctx context.Context, userID string, providerID uuid.UUID, messages []Message) (*store.Session, MatchKind, error) {
	fp := Compute(messages)
	now := time.Now()

	if exact, err := m.sessions.FindExact(ctx, userID, fp.HeadHash, fp.TailHash); err == nil {
		return exact, MatchExact, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, "", fmt.Errorf("sessionmatch: find exact: %w", err)
	}

	if head, err := m.sessions.FindHeadOnly(ctx, userID, fp.HeadHash); err == nil {
		if err := m.sessions.UpdateTailHash(ctx, head.ID, fp.TailHash, now); err != nil {
			return nil, "", fmt.Errorf("sessionmatch: update tail hash: %w", err)
		}
		head.TailHash = fp.TailHash
		head.LastAccessedAt = now
		return head, MatchHead, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, "", fmt.Errorf("sessionmatch: find head only: %w", err)
	}

	sess, err := m.create(ctx, userID, providerID, fp, now)
	if err != nil {
		return nil, "", err
	}
	return sess, MatchNone, nil
}

func (m *Matcher) create(ctx context.Context, userID string, providerID uuid.UUID, fp Fingerprint, now time.Time) (*store.Session, error) {
	count, err := m.sessions.CountActive(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("sessionmatch: count active: %w", err)
	}
	if count >= m.cfg.maxSessionsPerUser() {
		if err := m.sessions.DeleteOldest(ctx, userID); err != nil {
			return nil, fmt.Errorf("sessionmatch: delete oldest: %w", err)
		}
	}

	sess := &store.Session{
		ID:             uuid.New(),
		UserID:         userID,
		ProviderID:     providerID,
		HeadHash:       fp.HeadHash,
		TailHash:       fp.TailHash,
		MessageCount:   0,
		Status:         store.SessionActive,
		ExpiresAt:      now.Add(m.cfg.SessionTTL),
		LastAccessedAt: now,
	}
	if err := m.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("sessionmatch: create: %w", err)
	}
	return sess, nil
}

// BindUpstreamSession persists the upstream session handle the first time a
// session successfully creates one upstream.
func (m *Matcher) BindUpstreamSession(ctx context.Context, id uuid.UUID, upstreamSessionID string) error {
	if err := m.sessions.SetUpstreamSessionID(ctx, id, upstreamSessionID); err != nil {
		return fmt.Errorf("sessionmatch: set upstream session id: %w", err)
	}
	return nil
}

// RecordMessage increments message_count, refreshes last_accessed_at, and
// pushes expires_at forward by the configured TTL. Call once per
// successfully completed exchange.
func (m *Matcher) RecordMessage(ctx context.Context, id uuid.UUID) error {
	if err := m.sessions.RecordMessage(ctx, id, time.Now(), m.cfg.SessionTTL); err != nil {
		return fmt.Errorf("sessionmatch: record message: %w", err)
	}
	return nil
}

// Migrate marks an existing session migrated and creates a new active
// session with the same fingerprints bound to newProviderID. The new
// session's upstream_session_id starts unset, since the upstream handle
// does not carry across providers.
func (m *Matcher) Migrate(ctx context.Context, id uuid.UUID, newProviderID uuid.UUID) (*store.Session, error) {
	sess, err := m.sessions.Migrate(ctx, id, newProviderID, m.cfg.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("sessionmatch: migrate: %w", err)
	}
	return sess, nil
}
