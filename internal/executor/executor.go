package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/sessionrelay/internal/logger"
	"github.com/nulpointcorp/sessionrelay/internal/metrics"
	"github.com/nulpointcorp/sessionrelay/internal/scheduler"
	"github.com/nulpointcorp/sessionrelay/internal/sessionmatch"
	"github.com/nulpointcorp/sessionrelay/internal/store"
	"github.com/nulpointcorp/sessionrelay/internal/upstream"
	"github.com/nulpointcorp/sessionrelay/pkg/apierr"
)

const defaultMaxRetries = 3
const defaultMediaGracePeriod = 2 * time.Second

// Config holds executor tuning parameters.
type Config struct {
	MaxRetries       int
	MediaGracePeriod time.Duration
	MediaKeywords    []string
}

func (c *Config) maxRetries() int {
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return defaultMaxRetries
}

func (c *Config) mediaGracePeriod() time.Duration {
	if c.MediaGracePeriod > 0 {
		return c.MediaGracePeriod
	}
	return defaultMediaGracePeriod
}

// Executor orchestrates a single public-API call across the scheduler,
// session matcher, and upstream client.
type Executor struct {
	scheduler *scheduler.Pool
	matcher   *sessionmatch.Matcher
	clients   *upstream.ClientCache
	reqLog    *logger.Logger
	metrics   *metrics.Registry
	cfg       Config
	log       *slog.Logger
}

// New constructs an Executor.
func New(pool *scheduler.Pool, matcher *sessionmatch.Matcher, clients *upstream.ClientCache, reqLog *logger.Logger, metricsReg *metrics.Registry, cfg Config, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		scheduler: pool,
		matcher:   matcher,
		clients:   clients,
		reqLog:    reqLog,
		metrics:   metricsReg,
		cfg:       cfg,
		log:       log,
	}
}

// attempt bundles the provider, client and session resolved for one try at
// servicing a request.
type attempt struct {
	provider *store.Provider
	session  *store.Session
	client   *upstream.Client
}

// resolve acquires a provider and binds it to a session for userID's
// conversation. pinnedSessionID is non-nil on a retry after a prior
// provider's call failed: instead of re-running fingerprint lookup, the
// existing session is migrated onto the freshly acquired provider.
func (e *Executor) resolve(ctx context.Context, userID string, messages []sessionmatch.Message, exclude map[uuid.UUID]bool, pinnedSessionID *uuid.UUID) (*attempt, error) {
	provider, err := e.scheduler.Acquire(ctx, nil, exclude)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindNoAvailableProv, "executor: no available provider", err)
	}

	var session *store.Session

	if pinnedSessionID != nil {
		migrated, err := e.matcher.Migrate(ctx, *pinnedSessionID, provider.ID)
		if err != nil {
			e.scheduler.Release(ctx, provider.ID, false)
			return nil, apierr.Wrap(apierr.KindInternal, "executor: migrate session", err)
		}
		session = migrated
	} else {
		matched, kind, err := e.matcher.MatchOrCreate(ctx, userID, provider.ID, messages)
		if err != nil {
			e.scheduler.Release(ctx, provider.ID, false)
			return nil, apierr.Wrap(apierr.KindInternal, "executor: match session", err)
		}
		if e.metrics != nil {
			e.metrics.RecordSessionMatch(string(kind))
		}

		if matched.ProviderID == provider.ID {
			session = matched
		} else {
			// An existing active session is already bound to a different
			// provider. Stick with it rather than splitting the
			// conversation across two upstream sessions.
			e.scheduler.Release(ctx, provider.ID, true)

			pinned, err := e.scheduler.AcquireSpecific(ctx, matched.ProviderID)
			if err != nil {
				fresh, err := e.scheduler.Acquire(ctx, nil, exclude)
				if err != nil {
					return nil, apierr.Wrap(apierr.KindNoAvailableProv, "executor: no available provider", err)
				}
				migrated, err := e.matcher.Migrate(ctx, matched.ID, fresh.ID)
				if err != nil {
					e.scheduler.Release(ctx, fresh.ID, false)
					return nil, apierr.Wrap(apierr.KindInternal, "executor: migrate session", err)
				}
				provider, session = fresh, migrated
			} else {
				provider, session = pinned, matched
			}
		}
	}

	client, err := e.clients.Get(*provider)
	if err != nil {
		e.scheduler.Release(ctx, provider.ID, false)
		return nil, apierr.Wrap(apierr.KindInternal, "executor: build upstream client", err)
	}

	return &attempt{provider: provider, session: session, client: client}, nil
}

// withAttempt runs fn against a resolved provider/session, retrying against
// a substitute provider (with the session migrated onto it) up to the
// configured max retries when fn returns a retryable *apierr.Error.
// Request-shape and non-retryable errors fail immediately.
func (e *Executor) withAttempt(ctx context.Context, userID string, messages []sessionmatch.Message, fn func(ctx context.Context, a *attempt) error) (*attempt, error) {
	exclude := make(map[uuid.UUID]bool)
	var lastErr error
	var pinnedSessionID *uuid.UUID

	for i := 0; i < e.cfg.maxRetries(); i++ {
		a, err := e.resolve(ctx, userID, messages, exclude, pinnedSessionID)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		opErr := fn(ctx, a)
		e.scheduler.Release(ctx, a.provider.ID, opErr == nil)

		if opErr == nil {
			if e.metrics != nil {
				e.metrics.RecordAcquire("success")
			}
			return a, nil
		}

		apiErr := apierr.AsError(opErr)
		if e.metrics != nil {
			e.metrics.RecordAcquire("failure")
		}
		e.log.WarnContext(ctx, "executor_attempt_failed",
			slog.String("provider_id", a.provider.ID.String()),
			slog.Int("attempt", i),
			slog.String("kind", string(apiErr.Kind)),
			slog.String("error", opErr.Error()))

		if !apiErr.Retryable() {
			return nil, opErr
		}

		lastErr = opErr
		exclude[a.provider.ID] = true
		sid := a.session.ID
		pinnedSessionID = &sid
	}

	return nil, lastErr
}

func toMessages(contents []Content) []sessionmatch.Message {
	msgs := make([]sessionmatch.Message, len(contents))
	for i, c := range contents {
		msgs[i] = sessionmatch.Message{Role: c.Role, Text: contentText(c)}
	}
	return msgs
}

// ensureUpstreamSession creates the upstream session on first use of a
// locally-created session row.
func (e *Executor) ensureUpstreamSession(ctx context.Context, a *attempt) (string, error) {
	if a.session.UpstreamSessionID != nil {
		return *a.session.UpstreamSessionID, nil
	}
	name, err := a.client.CreateSession(ctx)
	if err != nil {
		return "", err
	}
	if err := e.matcher.BindUpstreamSession(ctx, a.session.ID, name); err != nil {
		return "", apierr.Wrap(apierr.KindInternal, "executor: bind upstream session", err)
	}
	a.session.UpstreamSessionID = &name
	return name, nil
}

func validateRequest(req Request) error {
	if len(req.Body.Contents) == 0 {
		return apierr.New(apierr.KindInvalidRequest, "contents must not be empty")
	}
	return nil
}

func (e *Executor) logOutcome(ctx context.Context, req Request, a *attempt, kind string, status int, inputTokens, outputTokens int, start time.Time, opErr error) {
	if e.reqLog == nil {
		return
	}
	row := store.RequestLog{
		ID:           uuid.New(),
		UserID:       req.UserID,
		APIKeyID:     req.APIKeyID,
		Model:        req.Model,
		Kind:         kind,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		LatencyMs:    time.Since(start).Milliseconds(),
		StatusCode:   status,
		CreatedAt:    time.Now(),
	}
	if a != nil {
		pid := a.provider.ID
		row.ProviderID = &pid
		sid := a.session.ID
		row.SessionID = &sid
	}
	if opErr != nil {
		row.ErrorMessage = opErr.Error()
	}
	e.reqLog.Log(row)
}

func buildUsage(promptText, candidateText string) *UsageMetadata {
	prompt := estimateTokens(promptText)
	candidates := estimateTokens(candidateText)
	return &UsageMetadata{
		PromptTokenCount:     prompt,
		CandidatesTokenCount: candidates,
		TotalTokenCount:      prompt + candidates,
	}
}
