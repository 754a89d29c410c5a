package executor

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

	"github.com/nulpointcorp/sessionrelay/internal/scheduler"
	"github.com/nulpointcorp/sessionrelay/internal/sessionmatch"
	"github.com/nulpointcorp/sessionrelay/internal/store"
	"github.com/nulpointcorp/sessionrelay/internal/upstream"
)

// newMockUpstream returns an httptest server implementing just enough of
// the session backend (token issuance, session creation, streamAssist) for
// executor-level tests, plus the sequence of reply words it should emit.
func newMockUpstream(t *testing.T, words []string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		key := base64.RawURLEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":     key,
			"keyId":     "kid-1",
			"expiresAt": time.Now().Add(time.Hour).Unix(),
		})
	})

	mux.HandleFunc("/v1/sessions:create", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sessionName": "sessions/" + uuid.New().String(),
		})
	})

	mux.HandleFunc("/v1/sessions:streamAssist", func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		io.WriteString(w, "[")
		if flusher != nil {
			flusher.Flush()
		}
		for _, word := range words {
			obj := map[string]any{
				"streamAssistResponse": map[string]any{
					"answer": map[string]any{
						"state": "",
						"replies": []map[string]any{
							{"groundedContent": map[string]any{"content": map[string]any{"text": word}}},
						},
					},
				},
			}
			raw, _ := json.Marshal(obj)
			w.Write(raw)
			w.Write([]byte(","))
			if flusher != nil {
				flusher.Flush()
			}
		}
		final := map[string]any{
			"streamAssistResponse": map[string]any{
				"answer": map[string]any{"state": "SUCCEEDED", "replies": []map[string]any{}},
			},
		}
		raw, _ := json.Marshal(final)
		w.Write(raw)
		io.WriteString(w, "]")
	})

	mux.HandleFunc("/v1/sessions/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"fileId":     "file-1",
			"mimeType":   "image/png",
			"dataBase64": base64.StdEncoding.EncodeToString([]byte("imgdata")),
		})
	})

	return httptest.NewServer(mux)
}

func testSetup(t *testing.T, words []string) (*Executor, *store.MemoryStore, func()) {
	t.Helper()
	srv := newMockUpstream(t, words)

	memStore := store.NewMemoryStore()
	pool := scheduler.NewPool(memStore.Providers(), scheduler.Config{}, nil)
	matcher := sessionmatch.New(memStore.Sessions(), sessionmatch.Config{SessionTTL: time.Hour})

	factory := func(p store.Provider) (*upstream.Client, error) {
		return upstream.New(p, upstream.Config{
			BaseURL:       srv.URL,
			TokenFetchURL: srv.URL + "/token",
			UnaryTimeout:  5 * time.Second,
			StreamTimeout: 5 * time.Second,
		}, nil, nil), nil
	}
	cache := upstream.NewClientCache(context.Background(), factory, time.Minute, nil)

	exec := New(pool, matcher, cache, nil, nil, Config{MediaGracePeriod: 10 * time.Millisecond}, nil)

	return exec, memStore, func() {
		cache.Close()
		srv.Close()
	}
}

func seedProvider(memStore *store.MemoryStore) store.Provider {
	p := store.Provider{
		ID:            uuid.New(),
		DisplayName:   "test-provider",
		CSesIdx:       "cses-1",
		CookieBag:     "session=abc",
		MaxConcurrent: 4,
		Status:        store.ProviderActive,
		HealthScore:   100,
	}
	memStore.SeedProvider(p)
	return p
}

func TestExecutor_Generate_FreshConversation(t *testing.T) {
	exec, memStore, cleanup := testSetup(t, []string{"hello", "world"})
	defer cleanup()

	seedProvider(memStore)

	req := Request{
		UserID: "user-1",
		Model:  "gemini-2.0-flash",
		Body: GenerateRequest{
			Contents: []Content{{Role: "user", Parts: []Part{{Text: "hi there"}}}},
		},
	}

	resp, err := exec.Generate(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Candidates, 1)
	assert.Equal(t, "STOP", resp.Candidates[0].FinishReason)
	assert.Equal(t, "helloworld", resp.Candidates[0].Content.Parts[0].Text)
	assert.NotNil(t, resp.UsageMetadata)
	assert.Greater(t, resp.UsageMetadata.TotalTokenCount, 0)
}

func TestExecutor_Generate_ContinuationReusesSession(t *testing.T) {
	exec, memStore, cleanup := testSetup(t, []string{"ok"})
	defer cleanup()

	seedProvider(memStore)

	first := Request{
		UserID: "user-1",
		Model:  "gemini-2.0-flash",
		Body: GenerateRequest{
			Contents: []Content{{Role: "user", Parts: []Part{{Text: "hi there"}}}},
		},
	}
	_, err := exec.Generate(context.Background(), first)
	require.NoError(t, err)

	second := Request{
		UserID: "user-1",
		Model:  "gemini-2.0-flash",
		Body: GenerateRequest{
			Contents: []Content{
				{Role: "user", Parts: []Part{{Text: "hi there"}}},
				{Role: "model", Parts: []Part{{Text: "helloworld"}}},
				{Role: "user", Parts: []Part{{Text: "follow up"}}},
			},
		},
	}
	resp, err := exec.Generate(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Candidates[0].Content.Parts[0].Text)
}

func TestExecutor_Generate_RejectsEmptyContents(t *testing.T) {
	exec, memStore, cleanup := testSetup(t, nil)
	defer cleanup()
	seedProvider(memStore)

	_, err := exec.Generate(context.Background(), Request{UserID: "u", Model: "gemini-2.0-flash"})
	require.Error(t, err)
}

func TestExecutor_Generate_NoAvailableProvider(t *testing.T) {
	exec, _, cleanup := testSetup(t, nil)
	defer cleanup()

	req := Request{
		UserID: "user-1",
		Model:  "gemini-2.0-flash",
		Body: GenerateRequest{
			Contents: []Content{{Role: "user", Parts: []Part{{Text: "hi"}}}},
		},
	}
	_, err := exec.Generate(context.Background(), req)
	require.Error(t, err)
}

func TestExecutor_StreamGenerate_EmitsChunksThenFinal(t *testing.T) {
	exec, memStore, cleanup := testSetup(t, []string{"a", "b", "c"})
	defer cleanup()
	seedProvider(memStore)

	req := Request{
		UserID: "user-2",
		Model:  "gemini-2.0-flash",
		Body: GenerateRequest{
			Contents: []Content{{Role: "user", Parts: []Part{{Text: "stream this"}}}},
		},
	}

	var responses []GenerateResponse
	err := exec.StreamGenerate(context.Background(), req, func(r GenerateResponse) {
		responses = append(responses, r)
	})
	require.NoError(t, err)
	require.True(t, len(responses) >= 4)

	last := responses[len(responses)-1]
	assert.Equal(t, "STOP", last.Candidates[0].FinishReason)
	assert.NotNil(t, last.UsageMetadata)
}

func TestExecutor_Generate_MediaIntentFetchesInlineData(t *testing.T) {
	exec, memStore, cleanup := testSetup(t, []string{"draw", "it"})
	defer cleanup()
	seedProvider(memStore)

	req := Request{
		UserID: "user-3",
		Model:  "gemini-2.0-flash",
		Body: GenerateRequest{
			Contents:         []Content{{Role: "user", Parts: []Part{{Text: "please generate an image of a cat"}}}},
			GenerationConfig: &GenerationConfig{ResponseModalities: []string{"IMAGE"}},
		},
	}

	resp, err := exec.Generate(context.Background(), req)
	require.NoError(t, err)

	var found bool
	for _, p := range resp.Candidates[0].Content.Parts {
		if p.InlineData != nil {
			found = true
			assert.Equal(t, "image/png", p.InlineData.MimeType)
		}
	}
	assert.True(t, found, "expected an inline-data part")
}
