package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const tokenRefreshSkew = 30 * time.Second

// serverTokenResponse is the payload returned by the upstream's
// cross-site-request token endpoint.
type serverTokenResponse struct {
	Token     string `json:"token"`
	KeyID     string `json:"keyId"`
	ExpiresAt int64  `json:"expiresAt"` // unix seconds
}

// tokenState holds the client's current bearer token and its expiry. A zero
// value means no token has ever been derived.
type tokenState struct {
	bearer  string
	expires time.Time
}

// ensureToken returns a valid bearer token, refreshing it if absent or
// within tokenRefreshSkew of expiry. Concurrent callers observe a single
// in-flight refresh via sf.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.tokMu.RLock()
	st := c.tok
	c.tokMu.RUnlock()

	if st.bearer != "" && time.Until(st.expires) > tokenRefreshSkew {
		return st.bearer, nil
	}

	v, err, _ := c.sf.Do("refresh", func() (any, error) {
		return c.refreshToken(ctx)
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordTokenRefresh("failure")
		}
		return "", err
	}
	if c.metrics != nil {
		c.metrics.RecordTokenRefresh("success")
	}
	return v.(string), nil
}

func (c *Client) refreshToken(ctx context.Context) (string, error) {
	srvToken, keyID, serverExp, err := c.fetchServerToken(ctx)
	if err != nil {
		return "", fmt.Errorf("upstream: fetch server token: %w", err)
	}

	bearer, exp, err := deriveBearer(srvToken, keyID, c.provider.CSesIdx, serverExp)
	if err != nil {
		return "", fmt.Errorf("upstream: derive bearer: %w", err)
	}

	c.tokMu.Lock()
	c.tok = tokenState{bearer: bearer, expires: exp}
	c.tokMu.Unlock()

	return bearer, nil
}

func (c *Client) fetchServerToken(ctx context.Context) (token, keyID string, serverExp time.Time, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenFetchURL, nil)
	if err != nil {
		return "", "", time.Time{}, err
	}
	req.Header.Set("Cookie", c.provider.CookieBag)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", time.Time{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", "", time.Time{}, fmt.Errorf("token fetch: status %d: %s", resp.StatusCode, body)
	}

	var out serverTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", time.Time{}, fmt.Errorf("token fetch: decode: %w", err)
	}

	return out.Token, out.KeyID, time.Unix(out.ExpiresAt, 0), nil
}

// deriveBearer signs an HS256 JWT keyed by the base64url-decoded server
// token, per the derivation rule:
//
//	header:  {alg:HS256, typ:JWT, kid:<keyId>}
//	payload: {iss, aud, sub=csesidx/<id>, iat=now, nbf=now, exp=min(now+300, serverExp)}
func deriveBearer(serverToken, keyID, csesidx string, serverExp time.Time) (string, time.Time, error) {
	key, err := base64.RawURLEncoding.DecodeString(serverToken)
	if err != nil {
		// Some deployments pad their tokens; fall back to standard encoding.
		key, err = base64.URLEncoding.DecodeString(serverToken)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("decode server token: %w", err)
		}
	}

	now := time.Now()
	exp := now.Add(5 * time.Minute)
	if serverExp.Before(exp) {
		exp = serverExp
	}

	claims := jwt.MapClaims{
		"iss": "sessionrelay-gateway",
		"aud": "sessionrelay-upstream",
		"sub": "csesidx/" + csesidx,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": exp.Unix(),
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = keyID

	signed, err := tok.SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign: %w", err)
	}

	return signed, exp, nil
}
