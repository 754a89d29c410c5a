package publicapi

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/sessionrelay/internal/store"
)

func TestModelFromPath(t *testing.T) {
	cases := map[string]string{
		"models/gemini-2.0-flash:generateContent":       "models/gemini-2.0-flash",
		"models/gemini-2.0-flash:streamGenerateContent": "models/gemini-2.0-flash",
		"models/gemini-2.0-flash":                       "models/gemini-2.0-flash",
	}
	for in, want := range cases {
		assert.Equal(t, want, modelFromPath(in))
	}
}

func TestExtractAPIKey_HeaderPriority(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("x-goog-api-key", "from-header")
	ctx.Request.Header.Set("Authorization", "Bearer from-bearer")
	ctx.Request.SetRequestURI("/v1beta/models?key=from-query")

	assert.Equal(t, "from-header", extractAPIKey(ctx))
}

func TestExtractAPIKey_BearerFallback(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer from-bearer")
	ctx.Request.SetRequestURI("/v1beta/models?key=from-query")

	assert.Equal(t, "from-bearer", extractAPIKey(ctx))
}

func TestExtractAPIKey_QueryFallback(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/v1beta/models?key=from-query")

	assert.Equal(t, "from-query", extractAPIKey(ctx))
}

func TestExtractAPIKey_None(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	assert.Equal(t, "", extractAPIKey(ctx))
}

func TestParseBearerToken(t *testing.T) {
	assert.Equal(t, "abc123", parseBearerToken("Bearer abc123"))
	assert.Equal(t, "abc123", parseBearerToken("bearer abc123"))
	assert.Equal(t, "", parseBearerToken("abc123"))
	assert.Equal(t, "", parseBearerToken("Basic abc123"))
}

func TestRequireAPIKey_RejectsMissingKey(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	called := false
	h := requireAPIKey(func(ctx *fasthttp.RequestCtx) { called = true })
	h(ctx)

	assert.False(t, called)
	assert.Equal(t, fasthttp.StatusUnauthorized, ctx.Response.StatusCode())

	var body struct {
		Error struct {
			Status string `json:"status"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &body))
	assert.Equal(t, "UNAUTHENTICATED", body.Error.Status)
}

func TestRequireAPIKey_PassesThroughAndSetsUserValue(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("x-goog-api-key", "tenant-a")

	var seen string
	h := requireAPIKey(func(ctx *fasthttp.RequestCtx) {
		seen = apiKeyFrom(ctx)
	})
	h(ctx)

	assert.Equal(t, "tenant-a", seen)
}

func newServerWithProviders(providers ...store.Provider) *Server {
	st := store.NewMemoryStore()
	for _, p := range providers {
		st.SeedProvider(p)
	}
	return New(nil, st, nil, Config{}, nil)
}

func TestHandleHealth_ReportsProviderSnapshot(t *testing.T) {
	p := store.Provider{
		ID:          uuid.New(),
		DisplayName: "primary",
		Status:      store.ProviderActive,
		HealthScore: 80,
		CurrentLoad: 2,
	}
	s := newServerWithProviders(p)

	ctx := &fasthttp.RequestCtx{}
	s.handleHealth(ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var body struct {
		Status    string `json:"status"`
		Providers []struct {
			DisplayName string `json:"displayName"`
			Status      string `json:"status"`
		} `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Len(t, body.Providers, 1)
	assert.Equal(t, "primary", body.Providers[0].DisplayName)
}

func TestHandleReadiness_NoActiveProviders(t *testing.T) {
	s := newServerWithProviders(store.Provider{
		ID:     uuid.New(),
		Status: store.ProviderCooling,
	})

	ctx := &fasthttp.RequestCtx{}
	s.handleReadiness(ctx)

	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
}

func TestHandleReadiness_HasActiveProvider(t *testing.T) {
	s := newServerWithProviders(store.Provider{
		ID:     uuid.New(),
		Status: store.ProviderActive,
	})

	ctx := &fasthttp.RequestCtx{}
	s.handleReadiness(ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
}

func TestDispatchGenerate_RoutesBySuffix(t *testing.T) {
	s := New(nil, store.NewMemoryStore(), nil, Config{}, nil)

	ctx := &fasthttp.RequestCtx{}
	ctx.SetUserValue("model", "models/gemini-2.0-flash:unsupportedMethod")
	ctx.Request.SetBody([]byte(`{}`))

	s.dispatchGenerate(ctx)

	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestHandleGetModel_UnknownModel(t *testing.T) {
	s := New(nil, store.NewMemoryStore(), nil, Config{}, nil)

	ctx := &fasthttp.RequestCtx{}
	ctx.SetUserValue("model", "models/does-not-exist")

	s.handleGetModel(ctx)

	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestHandleListModels_ReturnsNonEmptyList(t *testing.T) {
	s := New(nil, store.NewMemoryStore(), nil, Config{}, nil)

	ctx := &fasthttp.RequestCtx{}
	s.handleListModels(ctx)

	var body struct {
		Models []map[string]any `json:"models"`
	}
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &body))
	assert.NotEmpty(t, body.Models)
}
