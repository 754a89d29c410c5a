package publicapi

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/sessionrelay/internal/executor"
	"github.com/nulpointcorp/sessionrelay/pkg/apierr"
)

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

func requestIDFrom(ctx *fasthttp.RequestCtx) string {
	if v, ok := ctx.UserValue("request_id").(string); ok {
		return v
	}
	return ""
}

func apiKeyFrom(ctx *fasthttp.RequestCtx) string {
	if v, ok := ctx.UserValue("api_key").(string); ok {
		return v
	}
	return ""
}

// modelFromPath extracts the {model} path parameter and strips the
// ":generateContent"/":streamGenerateContent" method suffix the Generative
// Language API wire format attaches to the resource name.
func modelFromPath(raw string) string {
	if i := strings.LastIndexByte(raw, ':'); i >= 0 {
		return raw[:i]
	}
	return raw
}

func (s *Server) decodeGenerateRequest(ctx *fasthttp.RequestCtx) (executor.Request, error) {
	model := modelFromPath(ctx.UserValue("model").(string))

	var body executor.GenerateRequest
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		return executor.Request{}, apierr.New(apierr.KindInvalidRequest, "malformed JSON request body")
	}

	key := apiKeyFrom(ctx)
	return executor.Request{
		UserID:   key,
		APIKeyID: key,
		Model:    model,
		Body:     body,
	}, nil
}

// dispatchGenerate inspects the ":generateContent"/":streamGenerateContent"
// suffix fasthttp/router captured as part of the :model segment and routes
// to the matching handler, each wrapped in its own metrics label.
func (s *Server) dispatchGenerate(ctx *fasthttp.RequestCtx) {
	segment := ctx.UserValue("model").(string)
	switch {
	case strings.HasSuffix(segment, ":streamGenerateContent"):
		s.metricsMiddleware("stream_generate_content", s.handleStreamGenerateContent)(ctx)
	case strings.HasSuffix(segment, ":generateContent"):
		s.metricsMiddleware("generate_content", s.handleGenerateContent)(ctx)
	default:
		apierr.Write(ctx, apierr.New(apierr.KindInvalidRequest, "unsupported method on model resource: "+segment))
	}
}

// handleGenerateContent services POST /v1beta/models/{model}:generateContent.
func (s *Server) handleGenerateContent(ctx *fasthttp.RequestCtx) {
	req, err := s.decodeGenerateRequest(ctx)
	if err != nil {
		apierr.Write(ctx, err)
		return
	}

	resp, err := s.executor.Generate(ctx, req)
	if err != nil {
		apierr.Write(ctx, err)
		return
	}

	writeJSON(ctx, resp)
}

// handleStreamGenerateContent services POST
// /v1beta/models/{model}:streamGenerateContent.
func (s *Server) handleStreamGenerateContent(ctx *fasthttp.RequestCtx) {
	req, err := s.decodeGenerateRequest(ctx)
	if err != nil {
		apierr.Write(ctx, err)
		return
	}

	writeSSE(ctx, s.log, func(streamCtx context.Context, sink func(executor.GenerateResponse)) error {
		return s.executor.StreamGenerate(streamCtx, req, sink)
	})
}

// handleListModels services GET /v1beta/models.
func (s *Server) handleListModels(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"models": executor.ListModels()})
}

// handleGetModel services GET /v1beta/models/{model}.
func (s *Server) handleGetModel(ctx *fasthttp.RequestCtx) {
	name := ctx.UserValue("model").(string)
	model, ok := executor.GetModel(name)
	if !ok {
		apierr.Write(ctx, apierr.New(apierr.KindInvalidRequest, "model not found: "+name))
		return
	}
	writeJSON(ctx, model)
}

// handleHealth services GET /health: a snapshot of every provider's status,
// health score and load, re-pointed from the teacher's per-vendor provider
// health check at scheduler/store state.
func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	providers, err := s.store.Providers().All(context.Background())
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"status": "error", "error": err.Error()})
		return
	}

	type providerStatus struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
		Status      string `json:"status"`
		HealthScore int    `json:"healthScore"`
		CurrentLoad int     `json:"currentLoad"`
	}

	snapshot := make([]providerStatus, 0, len(providers))
	for _, p := range providers {
		snapshot = append(snapshot, providerStatus{
			ID:          p.ID.String(),
			DisplayName: p.DisplayName,
			Status:      string(p.Status),
			HealthScore: p.HealthScore,
			CurrentLoad: p.CurrentLoad,
		})
	}

	writeJSON(ctx, map[string]any{"status": "ok", "providers": snapshot, "time": time.Now().UTC()})
}

// handleReadiness services GET /readiness: ready when at least one provider
// has status active (load and health score are not checked).
func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	providers, err := s.store.Providers().All(context.Background())
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"status": "unavailable"})
		return
	}

	for _, p := range providers {
		if p.Status == "active" {
			writeJSON(ctx, map[string]string{"status": "ok"})
			return
		}
	}

	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}
