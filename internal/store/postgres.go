package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresStore is the relational Store implementation. Connection pool
// sizing and the ping-on-connect discipline mirror the pattern used across
// the rest of this codebase's persistence layer.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against databaseURL and verifies
// connectivity before returning.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &PostgresStore{db: conn}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Providers() ProviderRepository   { return &pgProviders{db: s.db} }
func (s *PostgresStore) Sessions() SessionRepository     { return &pgSessions{db: s.db} }
func (s *PostgresStore) RequestLogs() RequestLogRepository { return &pgRequestLogs{db: s.db} }
func (s *PostgresStore) APIKeys() APIKeyRepository       { return &pgAPIKeys{db: s.db} }

// ── Providers ────────────────────────────────────────────────────────────────

type pgProviders struct{ db *sql.DB }

const providerColumns = `
	id, display_name, group_id, csesidx, cookie_bag, max_concurrent,
	status, health_score, current_load, consecutive_failures,
	total_requests, failed_requests, last_success_at, last_failure_at, cooldown_until`

func scanProvider(row *sql.Row) (*Provider, error) {
	var p Provider
	err := row.Scan(
		&p.ID, &p.DisplayName, &p.GroupID, &p.CSesIdx, &p.CookieBag, &p.MaxConcurrent,
		&p.Status, &p.HealthScore, &p.CurrentLoad, &p.ConsecutiveFailures,
		&p.TotalRequests, &p.FailedRequests, &p.LastSuccessAt, &p.LastFailureAt, &p.CooldownUntil,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan provider: %w", err)
	}
	return &p, nil
}

func (r *pgProviders) SelectCandidates(ctx context.Context, groupID *string, minHealth int, limit int) ([]Provider, error) {
	query := `
		SELECT ` + providerColumns + `
		FROM providers
		WHERE status = 'active' AND health_score >= $1 AND current_load < max_concurrent
		  AND ($2::text IS NULL OR group_id = $2)
		ORDER BY health_score DESC, (current_load::float / max_concurrent) ASC
		LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, minHealth, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: select candidates: %w", err)
	}
	defer rows.Close()

	var out []Provider
	for rows.Next() {
		var p Provider
		if err := rows.Scan(
			&p.ID, &p.DisplayName, &p.GroupID, &p.CSesIdx, &p.CookieBag, &p.MaxConcurrent,
			&p.Status, &p.HealthScore, &p.CurrentLoad, &p.ConsecutiveFailures,
			&p.TotalRequests, &p.FailedRequests, &p.LastSuccessAt, &p.LastFailureAt, &p.CooldownUntil,
		); err != nil {
			return nil, fmt.Errorf("store: scan candidate: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *pgProviders) Get(ctx context.Context, id uuid.UUID) (*Provider, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM providers WHERE id = $1`, id)
	return scanProvider(row)
}

func (r *pgProviders) IncrementLoad(ctx context.Context, id uuid.UUID) (*Provider, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE providers SET current_load = current_load + 1
		WHERE id = $1
		RETURNING `+providerColumns, id)
	return scanProvider(row)
}

func (r *pgProviders) DecrementLoad(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE providers SET current_load = GREATEST(0, current_load - 1)
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: decrement load: %w", err)
	}
	return nil
}

// RecordOutcome expresses the outcome transition as a single conditional
// UPDATE so the new status is computed from the current row in one
// statement, satisfying the concurrency model's "either a row lock or a
// conditional single-statement UPDATE" requirement.
func (r *pgProviders) RecordOutcome(ctx context.Context, id uuid.UUID, outcome ProviderOutcome) error {
	now := time.Now()

	if outcome.Success {
		_, err := r.db.ExecContext(ctx, `
			UPDATE providers SET
				consecutive_failures = 0,
				last_success_at = $2,
				health_score = LEAST(100, health_score + 1),
				total_requests = total_requests + 1
			WHERE id = $1`, id, now)
		if err != nil {
			return fmt.Errorf("store: record success: %w", err)
		}
		return nil
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE providers SET
			consecutive_failures = consecutive_failures + 1,
			last_failure_at = $2,
			health_score = GREATEST(0, health_score - 10),
			failed_requests = failed_requests + 1,
			total_requests = total_requests + 1,
			status = CASE
				WHEN consecutive_failures + 1 >= $3 * 2 THEN 'failed'
				WHEN consecutive_failures + 1 >= $3 THEN 'cooling'
				ELSE status
			END,
			cooldown_until = CASE
				WHEN consecutive_failures + 1 >= $3 AND consecutive_failures + 1 < $3 * 2 THEN $2 + $4::interval
				ELSE cooldown_until
			END
		WHERE id = $1`,
		id, now, outcome.FailureThreshold, fmt.Sprintf("%d seconds", int(outcome.CooldownDuration.Seconds())))
	if err != nil {
		return fmt.Errorf("store: record failure: %w", err)
	}
	return nil
}

func (r *pgProviders) RecoverCooling(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE providers SET
			status = 'active', consecutive_failures = 0, health_score = 50, cooldown_until = NULL
		WHERE status = 'cooling' AND cooldown_until <= $1
		RETURNING id`, now)
	if err != nil {
		return nil, fmt.Errorf("store: recover cooling: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan recovered id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *pgProviders) All(ctx context.Context) ([]Provider, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+providerColumns+` FROM providers`)
	if err != nil {
		return nil, fmt.Errorf("store: all providers: %w", err)
	}
	defer rows.Close()

	var out []Provider
	for rows.Next() {
		var p Provider
		if err := rows.Scan(
			&p.ID, &p.DisplayName, &p.GroupID, &p.CSesIdx, &p.CookieBag, &p.MaxConcurrent,
			&p.Status, &p.HealthScore, &p.CurrentLoad, &p.ConsecutiveFailures,
			&p.TotalRequests, &p.FailedRequests, &p.LastSuccessAt, &p.LastFailureAt, &p.CooldownUntil,
		); err != nil {
			return nil, fmt.Errorf("store: scan provider row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ── Sessions ─────────────────────────────────────────────────────────────────

type pgSessions struct{ db *sql.DB }

const sessionColumns = `
	s.id, s.user_id, s.provider_id, s.head_hash, s.tail_hash,
	s.upstream_session_id, s.message_count, s.status, s.expires_at, s.last_accessed_at`

func scanSession(row *sql.Row) (*Session, error) {
	var s Session
	err := row.Scan(
		&s.ID, &s.UserID, &s.ProviderID, &s.HeadHash, &s.TailHash,
		&s.UpstreamSessionID, &s.MessageCount, &s.Status, &s.ExpiresAt, &s.LastAccessedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan session: %w", err)
	}
	return &s, nil
}

func (r *pgSessions) FindExact(ctx context.Context, userID, headHash, tailHash string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions s JOIN providers p ON p.id = s.provider_id
		WHERE s.user_id = $1 AND s.head_hash = $2 AND s.tail_hash = $3
		  AND s.status = 'active' AND p.status = 'active'
		ORDER BY s.last_accessed_at DESC LIMIT 1`, userID, headHash, tailHash)
	return scanSession(row)
}

func (r *pgSessions) FindHeadOnly(ctx context.Context, userID, headHash string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions s JOIN providers p ON p.id = s.provider_id
		WHERE s.user_id = $1 AND s.head_hash = $2
		  AND s.status = 'active' AND p.status = 'active'
		ORDER BY s.last_accessed_at DESC LIMIT 1`, userID, headHash)
	return scanSession(row)
}

func (r *pgSessions) UpdateTailHash(ctx context.Context, id uuid.UUID, tailHash string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET tail_hash = $2, last_accessed_at = $3 WHERE id = $1`, id, tailHash, now)
	if err != nil {
		return fmt.Errorf("store: update tail hash: %w", err)
	}
	return nil
}

func (r *pgSessions) CountActive(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT count(*) FROM sessions WHERE user_id = $1 AND status = 'active'`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count active sessions: %w", err)
	}
	return n, nil
}

func (r *pgSessions) DeleteOldest(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE id = (
			SELECT id FROM sessions WHERE user_id = $1 AND status = 'active'
			ORDER BY last_accessed_at ASC LIMIT 1
		)`, userID)
	if err != nil {
		return fmt.Errorf("store: delete oldest session: %w", err)
	}
	return nil
}

func (r *pgSessions) Create(ctx context.Context, s *Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, provider_id, head_hash, tail_hash,
			upstream_session_id, message_count, status, expires_at, last_accessed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.UserID, s.ProviderID, s.HeadHash, s.TailHash,
		s.UpstreamSessionID, s.MessageCount, s.Status, s.ExpiresAt, s.LastAccessedAt)
	if err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

func (r *pgSessions) SetUpstreamSessionID(ctx context.Context, id uuid.UUID, upstreamSessionID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET upstream_session_id = $2
		WHERE id = $1 AND upstream_session_id IS NULL`, id, upstreamSessionID)
	if err != nil {
		return fmt.Errorf("store: set upstream session id: %w", err)
	}
	return nil
}

func (r *pgSessions) RecordMessage(ctx context.Context, id uuid.UUID, now time.Time, ttl time.Duration) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			message_count = message_count + 1,
			last_accessed_at = $2,
			expires_at = $2 + $3::interval
		WHERE id = $1`, id, now, fmt.Sprintf("%d seconds", int(ttl.Seconds())))
	if err != nil {
		return fmt.Errorf("store: record message: %w", err)
	}
	return nil
}

func (r *pgSessions) Migrate(ctx context.Context, id uuid.UUID, newProviderID uuid.UUID, ttl time.Duration) (*Session, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: migrate begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		UPDATE sessions SET status = 'migrated'
		WHERE id = $1
		RETURNING head_hash, tail_hash, user_id`, id)

	var headHash, tailHash, userID string
	if err := row.Scan(&headHash, &tailHash, &userID); err != nil {
		return nil, fmt.Errorf("store: migrate mark old: %w", err)
	}

	now := time.Now()
	ns := &Session{
		ID:             uuid.New(),
		UserID:         userID,
		ProviderID:     newProviderID,
		HeadHash:       headHash,
		TailHash:       tailHash,
		MessageCount:   0,
		Status:         SessionActive,
		ExpiresAt:      now.Add(ttl),
		LastAccessedAt: now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, provider_id, head_hash, tail_hash,
			upstream_session_id, message_count, status, expires_at, last_accessed_at)
		VALUES ($1, $2, $3, $4, $5, NULL, 0, 'active', $6, $7)`,
		ns.ID, ns.UserID, ns.ProviderID, ns.HeadHash, ns.TailHash, ns.ExpiresAt, ns.LastAccessedAt)
	if err != nil {
		return nil, fmt.Errorf("store: migrate insert new: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: migrate commit: %w", err)
	}
	return ns, nil
}

func (r *pgSessions) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE expires_at < $1 OR status IN ('expired', 'migrated')`, now)
	if err != nil {
		return 0, fmt.Errorf("store: delete expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ── Request logs ─────────────────────────────────────────────────────────────

type pgRequestLogs struct{ db *sql.DB }

func (r *pgRequestLogs) Append(ctx context.Context, row RequestLog) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO request_logs (
			id, user_id, api_key_id, provider_id, session_id, model, kind,
			input_tokens, output_tokens, latency_ms, status_code, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		row.ID, row.UserID, row.APIKeyID, row.ProviderID, row.SessionID, row.Model, row.Kind,
		row.InputTokens, row.OutputTokens, row.LatencyMs, row.StatusCode, row.ErrorMessage, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: append request log: %w", err)
	}
	return nil
}

func (r *pgRequestLogs) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM request_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: prune request logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ── API keys ─────────────────────────────────────────────────────────────────

type pgAPIKeys struct{ db *sql.DB }

func (r *pgAPIKeys) ResetDailyUsage(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE api_keys SET daily_usage = 0, last_reset_at = $1`, now)
	if err != nil {
		return 0, fmt.Errorf("store: reset daily usage: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
