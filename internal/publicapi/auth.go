package publicapi

import (
	"strings"

	"github.com/valyala/fasthttp"
	"github.com/nulpointcorp/sessionrelay/pkg/apierr"
)

// extractAPIKey resolves the caller's API key from any of the three
// locations spec.md §6 allows: the x-goog-api-key header, an Authorization
// Bearer header, or a "key" URL query parameter. Key *validation* is an
// external collaborator (spec.md §1's out-of-scope auth surface) — this
// gateway only requires that some non-empty key was presented, and uses the
// raw key string as the tenant identity for session matching and request
// logging.
func extractAPIKey(ctx *fasthttp.RequestCtx) string {
	if key := strings.TrimSpace(string(ctx.Request.Header.Peek("x-goog-api-key"))); key != "" {
		return key
	}
	if raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization"))); raw != "" {
		if key := parseBearerToken(raw); key != "" {
			return key
		}
	}
	if key := strings.TrimSpace(string(ctx.QueryArgs().Peek("key"))); key != "" {
		return key
	}
	return ""
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// requireAPIKey resolves the caller's API key and stores it under
// "api_key" for downstream handlers, failing the request with a
// protocol-level 401 if none was presented.
func requireAPIKey(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		key := extractAPIKey(ctx)
		if key == "" {
			apierr.Write(ctx, apierr.New(apierr.KindAuth, "API key not found. Pass it via x-goog-api-key header, Authorization: Bearer, or the key query parameter."))
			return
		}
		ctx.SetUserValue("api_key", key)
		next(ctx)
	}
}
