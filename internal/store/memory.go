package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by unit tests for the scheduler,
// session matcher, and executor packages. It preserves the same atomicity
// contracts as PostgresStore (single-lock read-modify-write per call) so
// tests written against it exercise real races, not a simplified model.
type MemoryStore struct {
	mu           sync.Mutex
	providers    map[uuid.UUID]Provider
	sessions     map[uuid.UUID]Session
	requestLogs  []RequestLog
	apiKeys      map[string]APIKey
}

// NewMemoryStore returns an empty MemoryStore. Callers seed it directly via
// SeedProvider / SeedSession before exercising the subsystem under test.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		providers: make(map[uuid.UUID]Provider),
		sessions:  make(map[uuid.UUID]Session),
		apiKeys:   make(map[string]APIKey),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Providers() ProviderRepository   { return &memProviders{s} }
func (s *MemoryStore) Sessions() SessionRepository     { return &memSessions{s} }
func (s *MemoryStore) RequestLogs() RequestLogRepository { return &memRequestLogs{s} }
func (s *MemoryStore) APIKeys() APIKeyRepository       { return &memAPIKeys{s} }

// SeedProvider inserts or overwrites a provider row.
func (s *MemoryStore) SeedProvider(p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.ID] = p
}

// SeedSession inserts or overwrites a session row.
func (s *MemoryStore) SeedSession(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

// SeedAPIKey inserts or overwrites an API key row.
func (s *MemoryStore) SeedAPIKey(k APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys[k.ID] = k
}

// RequestLogSnapshot returns a snapshot of every appended log row, for assertions.
func (s *MemoryStore) RequestLogSnapshot() []RequestLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RequestLog, len(s.requestLogs))
	copy(out, s.requestLogs)
	return out
}

// ── Providers ────────────────────────────────────────────────────────────────

type memProviders struct{ s *MemoryStore }

func (r *memProviders) SelectCandidates(ctx context.Context, groupID *string, minHealth int, limit int) ([]Provider, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []Provider
	for _, p := range r.s.providers {
		if p.Status != ProviderActive || p.HealthScore < minHealth || p.CurrentLoad >= p.MaxConcurrent {
			continue
		}
		if groupID != nil {
			if p.GroupID == nil || *p.GroupID != *groupID {
				continue
			}
		}
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].HealthScore != out[j].HealthScore {
			return out[i].HealthScore > out[j].HealthScore
		}
		ri := float64(out[i].CurrentLoad) / float64(out[i].MaxConcurrent)
		rj := float64(out[j].CurrentLoad) / float64(out[j].MaxConcurrent)
		return ri < rj
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memProviders) Get(ctx context.Context, id uuid.UUID) (*Provider, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.providers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (r *memProviders) IncrementLoad(ctx context.Context, id uuid.UUID) (*Provider, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.providers[id]
	if !ok {
		return nil, ErrNotFound
	}
	p.CurrentLoad++
	r.s.providers[id] = p
	return &p, nil
}

func (r *memProviders) DecrementLoad(ctx context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.providers[id]
	if !ok {
		return ErrNotFound
	}
	if p.CurrentLoad > 0 {
		p.CurrentLoad--
	}
	r.s.providers[id] = p
	return nil
}

func (r *memProviders) RecordOutcome(ctx context.Context, id uuid.UUID, outcome ProviderOutcome) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.providers[id]
	if !ok {
		return ErrNotFound
	}

	now := time.Now()
	if outcome.Success {
		p.ConsecutiveFailures = 0
		p.LastSuccessAt = &now
		if p.HealthScore < 100 {
			p.HealthScore++
		}
		p.TotalRequests++
		r.s.providers[id] = p
		return nil
	}

	p.ConsecutiveFailures++
	p.LastFailureAt = &now
	p.HealthScore -= 10
	if p.HealthScore < 0 {
		p.HealthScore = 0
	}
	p.FailedRequests++
	p.TotalRequests++

	if p.ConsecutiveFailures >= outcome.FailureThreshold*2 {
		p.Status = ProviderFailed
	} else if p.ConsecutiveFailures >= outcome.FailureThreshold {
		p.Status = ProviderCooling
		until := now.Add(outcome.CooldownDuration)
		p.CooldownUntil = &until
	}

	r.s.providers[id] = p
	return nil
}

func (r *memProviders) RecoverCooling(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var recovered []uuid.UUID
	for id, p := range r.s.providers {
		if p.Status != ProviderCooling || p.CooldownUntil == nil || p.CooldownUntil.After(now) {
			continue
		}
		p.Status = ProviderActive
		p.ConsecutiveFailures = 0
		p.HealthScore = 50
		p.CooldownUntil = nil
		r.s.providers[id] = p
		recovered = append(recovered, id)
	}
	return recovered, nil
}

func (r *memProviders) All(ctx context.Context) ([]Provider, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]Provider, 0, len(r.s.providers))
	for _, p := range r.s.providers {
		out = append(out, p)
	}
	return out, nil
}

// ── Sessions ─────────────────────────────────────────────────────────────────

type memSessions struct{ s *MemoryStore }

func (r *memSessions) providerActive(id uuid.UUID) bool {
	p, ok := r.s.providers[id]
	return ok && p.Status == ProviderActive
}

func (r *memSessions) FindExact(ctx context.Context, userID, headHash, tailHash string) (*Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var best *Session
	for _, sess := range r.s.sessions {
		if sess.UserID != userID || sess.HeadHash != headHash || sess.TailHash != tailHash {
			continue
		}
		if sess.Status != SessionActive || !r.providerActive(sess.ProviderID) {
			continue
		}
		s := sess
		if best == nil || s.LastAccessedAt.After(best.LastAccessedAt) {
			best = &s
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (r *memSessions) FindHeadOnly(ctx context.Context, userID, headHash string) (*Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var best *Session
	for _, sess := range r.s.sessions {
		if sess.UserID != userID || sess.HeadHash != headHash {
			continue
		}
		if sess.Status != SessionActive || !r.providerActive(sess.ProviderID) {
			continue
		}
		s := sess
		if best == nil || s.LastAccessedAt.After(best.LastAccessedAt) {
			best = &s
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (r *memSessions) UpdateTailHash(ctx context.Context, id uuid.UUID, tailHash string, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.TailHash = tailHash
	sess.LastAccessedAt = now
	r.s.sessions[id] = sess
	return nil
}

func (r *memSessions) CountActive(ctx context.Context, userID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, sess := range r.s.sessions {
		if sess.UserID == userID && sess.Status == SessionActive {
			n++
		}
	}
	return n, nil
}

func (r *memSessions) DeleteOldest(ctx context.Context, userID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var oldestID uuid.UUID
	var oldestAt time.Time
	found := false
	for id, sess := range r.s.sessions {
		if sess.UserID != userID || sess.Status != SessionActive {
			continue
		}
		if !found || sess.LastAccessedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = sess.LastAccessedAt
			found = true
		}
	}
	if found {
		delete(r.s.sessions, oldestID)
	}
	return nil
}

func (r *memSessions) Create(ctx context.Context, sess *Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.sessions[sess.ID] = *sess
	return nil
}

func (r *memSessions) SetUpstreamSessionID(ctx context.Context, id uuid.UUID, upstreamSessionID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if sess.UpstreamSessionID == nil {
		v := upstreamSessionID
		sess.UpstreamSessionID = &v
		r.s.sessions[id] = sess
	}
	return nil
}

func (r *memSessions) RecordMessage(ctx context.Context, id uuid.UUID, now time.Time, ttl time.Duration) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.MessageCount++
	sess.LastAccessedAt = now
	sess.ExpiresAt = now.Add(ttl)
	r.s.sessions[id] = sess
	return nil
}

func (r *memSessions) Migrate(ctx context.Context, id uuid.UUID, newProviderID uuid.UUID, ttl time.Duration) (*Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	old, ok := r.s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	old.Status = SessionMigrated
	r.s.sessions[id] = old

	now := time.Now()
	ns := Session{
		ID:             uuid.New(),
		UserID:         old.UserID,
		ProviderID:     newProviderID,
		HeadHash:       old.HeadHash,
		TailHash:       old.TailHash,
		MessageCount:   0,
		Status:         SessionActive,
		ExpiresAt:      now.Add(ttl),
		LastAccessedAt: now,
	}
	r.s.sessions[ns.ID] = ns
	return &ns, nil
}

func (r *memSessions) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n := 0
	for id, sess := range r.s.sessions {
		if sess.ExpiresAt.Before(now) || sess.Status == SessionExpired || sess.Status == SessionMigrated {
			delete(r.s.sessions, id)
			n++
		}
	}
	return n, nil
}

// ── Request logs ─────────────────────────────────────────────────────────────

type memRequestLogs struct{ s *MemoryStore }

func (r *memRequestLogs) Append(ctx context.Context, row RequestLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.requestLogs = append(r.s.requestLogs, row)
	return nil
}

func (r *memRequestLogs) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	kept := r.s.requestLogs[:0]
	n := 0
	for _, row := range r.s.requestLogs {
		if row.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, row)
	}
	r.s.requestLogs = kept
	return n, nil
}

// ── API keys ─────────────────────────────────────────────────────────────────

type memAPIKeys struct{ s *MemoryStore }

func (r *memAPIKeys) ResetDailyUsage(ctx context.Context, now time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for id, k := range r.s.apiKeys {
		k.DailyUsage = 0
		k.LastResetAt = now
		r.s.apiKeys[id] = k
		n++
	}
	return n, nil
}
