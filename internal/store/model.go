// Package store defines the persisted entities — providers, sessions,
// request logs, API keys — and the repository interfaces the core
// subsystems read and write through.
package store

import (
	"time"

	"github.com/google/uuid"
)

// ProviderStatus is the operational state of a provider credential set.
type ProviderStatus string

const (
	ProviderActive   ProviderStatus = "active"
	ProviderCooling  ProviderStatus = "cooling"
	ProviderFailed   ProviderStatus = "failed"
	ProviderInactive ProviderStatus = "inactive"
)

// Provider is an upstream credential set and its operational telemetry.
type Provider struct {
	ID          uuid.UUID
	DisplayName string
	GroupID     *string

	// Credential holds the opaque session-index token and cookie bag used to
	// authenticate upstream calls. CookieBag is encrypted at rest and returned
	// encrypted by the repositories; the upstream client factory built in
	// internal/app decrypts it (see cryptoutil.Cipher).
	CSesIdx   string
	CookieBag string

	MaxConcurrent int

	Status             ProviderStatus
	HealthScore        int
	CurrentLoad        int
	ConsecutiveFailures int
	TotalRequests       int64
	FailedRequests      int64
	LastSuccessAt       *time.Time
	LastFailureAt       *time.Time
	CooldownUntil       *time.Time
}

// SessionStatus is the lifecycle state of a matched conversation session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionExpired  SessionStatus = "expired"
	SessionMigrated SessionStatus = "migrated"
)

// Session binds a (user, conversation-identity) pair to a provider and an
// opaque upstream session handle.
type Session struct {
	ID         uuid.UUID
	UserID     string
	ProviderID uuid.UUID

	HeadHash string
	TailHash string

	UpstreamSessionID *string
	MessageCount      int
	Status            SessionStatus
	ExpiresAt         time.Time
	LastAccessedAt    time.Time
}

// RequestLog is an append-only record of one executor call.
type RequestLog struct {
	ID              uuid.UUID
	UserID          string
	APIKeyID        string
	ProviderID      *uuid.UUID
	SessionID       *uuid.UUID
	Model           string
	Kind            string // "generate" | "stream_generate"
	InputTokens     int
	OutputTokens    int
	LatencyMs       int64
	StatusCode      int
	ErrorMessage    string
	CreatedAt       time.Time
}

// APIKey is the daily-usage counter row the maintenance loop resets. The
// key-validation surface itself is an external collaborator (spec's auth
// surface); only the fields the core touches are modeled here.
type APIKey struct {
	ID          string
	DailyUsage  int64
	DailyLimit  int64
	LastResetAt time.Time
}
