// Package upstream implements the client for the internal session-oriented
// chat backend: bearer token lifecycle, session creation, and incremental
// parsing of its concatenated-JSON streaming framing.
package upstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/sessionrelay/internal/metrics"
	"github.com/nulpointcorp/sessionrelay/internal/store"
	"github.com/nulpointcorp/sessionrelay/pkg/apierr"
)

// Config holds client-wide tuning shared across all Client instances built
// by a Factory.
type Config struct {
	BaseURL       string
	TokenFetchURL string
	UnaryTimeout  time.Duration
	StreamTimeout time.Duration
}

// Client authenticates with the upstream on behalf of one provider and
// issues createSession / streamAssist calls against it. One Client is built
// per (provider, csesidx) pair and reused for its cache lifetime.
type Client struct {
	provider store.Provider
	cfg      Config

	httpClient *http.Client
	metrics    *metrics.Registry
	log        *slog.Logger

	tokMu sync.RWMutex
	tok   tokenState
	sf    singleflight.Group
}

// New constructs a Client for provider. The provider's CookieBag must
// already be decrypted by the caller.
func New(provider store.Provider, cfg Config, metricsReg *metrics.Registry, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		provider: provider,
		cfg:      cfg,
		metrics:  metricsReg,
		log:      log,
		httpClient: &http.Client{
			Timeout: cfg.UnaryTimeout,
		},
	}
}

// CreateSession asks the upstream to mint a new conversation session and
// returns its opaque name.
func (c *Client) CreateSession(ctx context.Context) (sessionName string, err error) {
	start := time.Now()
	defer func() { c.observe("create_session", err, start) }()

	bearer, err := c.ensureToken(ctx)
	if err != nil {
		return "", apierr.Wrap(apierr.KindUpstreamAuth, "upstream: token refresh failed", err)
	}

	body, err := json.Marshal(sessionCreateRequest{CSesIdx: c.provider.CSesIdx})
	if err != nil {
		return "", apierr.Wrap(apierr.KindInternal, "upstream: marshal create-session request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/sessions:create", bytes.NewReader(body))
	if err != nil {
		return "", apierr.Wrap(apierr.KindInternal, "upstream: build create-session request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apierr.Wrap(apierr.KindUpstreamTransport, "upstream: create session transport error", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", apierr.New(apierr.KindUpstreamAuth,
			fmt.Sprintf("upstream: create session: status %d: %s", resp.StatusCode, msg))
	}

	var out sessionCreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apierr.Wrap(apierr.KindUpstreamProtocol, "upstream: decode create-session response", err)
	}

	return out.SessionName, nil
}

// StreamAssist posts query to the upstream's streaming endpoint and invokes
// onChunk for every reply text the incremental parser extracts, in arrival
// order. It returns once the upstream closes the response or ctx is
// cancelled. Per-object parse failures are logged and swallowed; transport
// failures, non-2xx statuses, and malformed top-level framing fail the
// whole call.
func (c *Client) StreamAssist(ctx context.Context, sessionName, query, modelID string, timeout time.Duration, onChunk func(Chunk)) (err error) {
	start := time.Now()
	defer func() { c.observe("stream_assist", err, start) }()

	bearer, err := c.ensureToken(ctx)
	if err != nil {
		return apierr.Wrap(apierr.KindUpstreamAuth, "upstream: token refresh failed", err)
	}

	body, err := json.Marshal(streamAssistRequest{SessionName: sessionName, Query: query, ModelID: modelID})
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "upstream: marshal stream-assist request", err)
	}

	if timeout <= 0 {
		timeout = c.cfg.StreamTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+"/v1/sessions:streamAssist", bytes.NewReader(body))
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "upstream: build stream-assist request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("X-Upstream-Timeout-Ms", fmt.Sprintf("%d", timeout.Milliseconds()))

	// The shared client's Timeout is the unary bound; a streaming call is
	// bounded by the stream timeout instead.
	streamClient := *c.httpClient
	streamClient.Timeout = timeout
	resp, err := streamClient.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.KindUpstreamTransport, "upstream: stream assist transport error", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apierr.New(apierr.KindUpstreamTransport,
			fmt.Sprintf("upstream: stream assist: status %d: %s", resp.StatusCode, msg))
	}

	var dispatchErr error
	parser := NewParser(func(raw []byte) {
		c.dispatchObject(raw, onChunk)
	})

	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			done, feedErr := parser.Feed(buf[:n])
			if feedErr != nil {
				dispatchErr = feedErr
				break
			}
			if done {
				return nil
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				// The body closed without a top-level ']' — malformed
				// framing per the §4.1 contract.
				return apierr.New(apierr.KindUpstreamProtocol, "upstream: stream closed before top-level array terminated")
			}
			return apierr.Wrap(apierr.KindUpstreamTransport, "upstream: read stream body", readErr)
		}
	}

	if dispatchErr != nil {
		return apierr.Wrap(apierr.KindUpstreamProtocol, "upstream: parse stream", dispatchErr)
	}
	return nil
}

// dispatchObject JSON-decodes one top-level object and emits its chunk
// payload. Per-object parse failures are swallowed after being logged at
// warn level — the stream continues with the next object.
func (c *Client) dispatchObject(raw []byte, onChunk func(Chunk)) {
	var obj streamAssistObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		c.log.Warn("upstream_stream_object_dropped",
			slog.String("error", err.Error()),
			slog.Int("bytes", len(raw)),
		)
		return
	}
	if obj.StreamAssistResponse == nil || obj.StreamAssistResponse.Answer == nil {
		return
	}

	answer := obj.StreamAssistResponse.Answer
	finishReason, terminal := mapTerminalState(answer.State)

	var sessionInfo []byte
	if obj.StreamAssistResponse.SessionInfo != nil {
		sessionInfo = []byte(*obj.StreamAssistResponse.SessionInfo)
	}

	var chunks []Chunk
	for _, reply := range answer.Replies {
		text := reply.GroundedContent.Content.Text
		if text == "" {
			continue
		}
		thought := reply.GroundedContent.Content.Thought != nil && *reply.GroundedContent.Content.Thought
		chunks = append(chunks, Chunk{Text: text, Thought: thought, SessionInfo: sessionInfo})
	}

	if terminal {
		// Always surface the terminal state: on the object's last text chunk,
		// or on a bare chunk when the object carried no text replies (e.g. a
		// bare state-change object).
		if len(chunks) > 0 {
			chunks[len(chunks)-1].FinishReason = finishReason
		} else {
			chunks = append(chunks, Chunk{FinishReason: finishReason, SessionInfo: sessionInfo})
		}
	}
	for _, ch := range chunks {
		onChunk(ch)
	}
}

// FetchLatestMedia retrieves metadata and base64-encoded bytes for the most
// recently generated file in sessionName, used by the executor's media-
// intent path.
func (c *Client) FetchLatestMedia(ctx context.Context, sessionName string) (mimeType string, data []byte, err error) {
	start := time.Now()
	defer func() { c.observe("fetch_media", err, start) }()

	bearer, err := c.ensureToken(ctx)
	if err != nil {
		return "", nil, apierr.Wrap(apierr.KindUpstreamAuth, "upstream: token refresh failed", err)
	}

	url := fmt.Sprintf("%s/v1/sessions/%s/files:latest", c.cfg.BaseURL, sessionName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, apierr.Wrap(apierr.KindInternal, "upstream: build media fetch request", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", nil, apierr.Wrap(apierr.KindUpstreamTransport, "upstream: media fetch transport error", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", nil, apierr.New(apierr.KindUpstreamTransport,
			fmt.Sprintf("upstream: media fetch: status %d: %s", resp.StatusCode, msg))
	}

	var out struct {
		mediaMetadata
		DataBase64 string `json:"dataBase64"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", nil, apierr.Wrap(apierr.KindUpstreamProtocol, "upstream: decode media response", err)
	}

	raw, err := base64.StdEncoding.DecodeString(out.DataBase64)
	if err != nil {
		return "", nil, apierr.Wrap(apierr.KindUpstreamProtocol, "upstream: decode media base64", err)
	}

	return out.MimeType, raw, nil
}

func (c *Client) observe(kind string, err error, start time.Time) {
	if c.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	c.metrics.ObserveUpstream(kind, outcome, time.Since(start))
}
