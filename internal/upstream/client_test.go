package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nulpointcorp/sessionrelay/internal/store"
)

func testProvider() store.Provider {
	return store.Provider{
		ID:            uuid.New(),
		DisplayName:   "test-provider",
		CSesIdx:       "cses-123",
		CookieBag:     "session=abc123",
		MaxConcurrent: 4,
		Status:        store.ProviderActive,
		HealthScore:   100,
	}
}

func newTestClient(t *testing.T, baseURL, tokenURL string) *Client {
	t.Helper()
	return New(testProvider(), Config{
		BaseURL:       baseURL,
		TokenFetchURL: tokenURL,
		UnaryTimeout:  5 * time.Second,
		StreamTimeout: 5 * time.Second,
	}, nil, nil)
}

func TestClient_CreateSession(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := base64.RawURLEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
		_ = json.NewEncoder(w).Encode(serverTokenResponse{
			Token:     key,
			KeyID:     "kid-1",
			ExpiresAt: time.Now().Add(time.Hour).Unix(),
		})
	}))
	defer tokenSrv.Close()

	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions:create", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("Authorization"))

		var req sessionCreateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "cses-123", req.CSesIdx)

		_ = json.NewEncoder(w).Encode(sessionCreateResponse{SessionName: "sessions/abc"})
	}))
	defer upstreamSrv.Close()

	c := newTestClient(t, upstreamSrv.URL, tokenSrv.URL)

	name, err := c.CreateSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sessions/abc", name)
}

func TestClient_StreamAssist(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := base64.RawURLEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
		_ = json.NewEncoder(w).Encode(serverTokenResponse{
			Token:     key,
			KeyID:     "kid-1",
			ExpiresAt: time.Now().Add(time.Hour).Unix(),
		})
	}))
	defer tokenSrv.Close()

	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions:streamAssist", r.URL.Path)
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)

		io.WriteString(w, `[`)
		flusher.Flush()
		io.WriteString(w, `{"streamAssistResponse":{"answer":{"state":"","replies":[{"groundedContent":{"content":{"text":"Hel"}}}]}}},`)
		flusher.Flush()
		io.WriteString(w, `{"streamAssistResponse":{"answer":{"state":"SUCCEEDED","replies":[{"groundedContent":{"content":{"text":"lo"}}}]},"sessionInfo":{"turn":1}}}`)
		flusher.Flush()
		io.WriteString(w, `]`)
	}))
	defer upstreamSrv.Close()

	c := newTestClient(t, upstreamSrv.URL, tokenSrv.URL)

	var chunks []Chunk
	err := c.StreamAssist(context.Background(), "sessions/abc", "hi", "gemini-test", 0, func(ch Chunk) {
		chunks = append(chunks, ch)
	})
	require.NoError(t, err)

	require.Len(t, chunks, 2)
	assert.Equal(t, "Hel", chunks[0].Text)
	assert.Empty(t, chunks[0].FinishReason)
	assert.Equal(t, "lo", chunks[1].Text)
	assert.Equal(t, "STOP", chunks[1].FinishReason)
	assert.Contains(t, string(chunks[1].SessionInfo), "turn")
}

func TestClient_StreamAssist_UpstreamError(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := base64.RawURLEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
		_ = json.NewEncoder(w).Encode(serverTokenResponse{
			Token:     key,
			KeyID:     "kid-1",
			ExpiresAt: time.Now().Add(time.Hour).Unix(),
		})
	}))
	defer tokenSrv.Close()

	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "upstream exploded")
	}))
	defer upstreamSrv.Close()

	c := newTestClient(t, upstreamSrv.URL, tokenSrv.URL)

	err := c.StreamAssist(context.Background(), "sessions/abc", "hi", "gemini-test", 0, func(ch Chunk) {})
	require.Error(t, err)
}

func TestDeriveBearer_ExpiryCappedByServerExpiry(t *testing.T) {
	serverExp := time.Now().Add(10 * time.Second)
	_, exp, err := deriveBearer(base64.RawURLEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")), "kid", "cses-1", serverExp)
	require.NoError(t, err)
	assert.WithinDuration(t, serverExp, exp, time.Second)
}

func TestDeriveBearer_DefaultFiveMinuteWindow(t *testing.T) {
	serverExp := time.Now().Add(time.Hour)
	_, exp, err := deriveBearer(base64.RawURLEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")), "kid", "cses-1", serverExp)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), exp, 2*time.Second)
}
