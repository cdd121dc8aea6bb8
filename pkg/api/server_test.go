package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proofcaptcha/proofcaptcha/pkg/captcha"
	"github.com/proofcaptcha/proofcaptcha/pkg/crypto"
	"github.com/proofcaptcha/proofcaptcha/pkg/limiter"
	"github.com/proofcaptcha/proofcaptcha/pkg/monitor"
	"github.com/proofcaptcha/proofcaptcha/pkg/pow"
	"github.com/proofcaptcha/proofcaptcha/pkg/risk"
	"github.com/proofcaptcha/proofcaptcha/pkg/session"
	"github.com/proofcaptcha/proofcaptcha/pkg/store"
)

const testUA = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

func newTestServer(t *testing.T, policies map[limiter.RouteGroup]limiter.Policy) *Server {
	t.Helper()
	st := store.NewMemoryStore()
	sessions := session.NewManager([]byte("server-handshake-secret-32-bytes"))
	mon := monitor.New()
	svc := captcha.NewService(captcha.Options{
		Store:       st,
		Sessions:    sessions,
		Risk:        risk.NewEngine(nil, nil, nil),
		Blocklist:   limiter.NewBlocklist(),
		Monitor:     mon,
		SigningKey:  []byte("challenge-signing-secret-32-byte"),
		Environment: "production",
	})
	require.NoError(t, st.CreateAPIKey(context.Background(), store.APIKey{
		ID: "key-1", DeveloperID: "dev-1", Name: "widget",
		Sitekey: "site-abc", Secretkey: "secret-abc",
		Domain: "example.com", IsActive: true, CreatedAt: time.Now(),
	}))
	return NewServer(Options{
		Addr:     ":0",
		Service:  svc,
		Sessions: sessions,
		Monitor:  mon,
		Store:    st,
		Limiter:  LocalRateLimiter{L: limiter.New(policies)},
	})
}

// doJSON posts a JSON body with browser-looking headers from the bound
// origin.
func doJSON(t *testing.T, srv *Server, method, path string, body any, ip string) *httptest.ResponseRecorder {
	return doJSONFrom(t, srv, method, path, body, ip, "https://example.com")
}

func doJSONFrom(t *testing.T, srv *Server, method, path string, body any, ip, origin string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", origin)
	req.Header.Set("User-Agent", testUA)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Sec-Fetch-Site", "cross-site")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-CH-UA", `"Chromium";v="120"`)
	req.Header.Set("Sec-CH-UA-Platform", `"Linux"`)
	req.Header.Set("Sec-CH-UA-Mobile", "?0")
	req.Header.Set("X-Forwarded-For", ip)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func TestEndToEnd_ChallengeVerifySiteverify(t *testing.T) {
	srv := newTestServer(t, nil)
	ip := "198.51.100.1"

	rec := doJSON(t, srv, http.MethodPost, "/api/captcha/challenge", map[string]any{
		"sitekey": "site-abc",
	}, ip)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ch := decodeBody[captcha.ChallengeResponse](t, rec)
	require.NotEmpty(t, ch.ChallengeData)

	var puzzle pow.Puzzle
	require.NoError(t, json.Unmarshal(ch.ChallengeData, &puzzle))
	n, ok := puzzle.Solve()
	require.True(t, ok)

	rec = doJSON(t, srv, http.MethodPost, "/api/captcha/verify", map[string]any{
		"token": ch.Token, "signature": ch.Signature, "solution": n,
	}, ip)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	vr := decodeBody[captcha.VerifyResponse](t, rec)
	assert.True(t, vr.Success)
	assert.Equal(t, ch.Token, vr.Token)

	rec = doJSON(t, srv, http.MethodPost, "/proofCaptcha/api/siteverify", map[string]any{
		"secret": "secret-abc", "token": vr.Token,
	}, "203.0.113.1")
	require.Equal(t, http.StatusOK, rec.Code)
	sv := decodeBody[captcha.SiteverifyResponse](t, rec)
	assert.True(t, sv.Success)
	assert.Equal(t, "example.com", sv.Hostname)

	// Second redemption: still 200, but success=false with the code.
	rec = doJSON(t, srv, http.MethodPost, "/proofCaptcha/api/siteverify", map[string]any{
		"secret": "secret-abc", "token": vr.Token,
	}, "203.0.113.1")
	require.Equal(t, http.StatusOK, rec.Code)
	sv = decodeBody[captcha.SiteverifyResponse](t, rec)
	assert.False(t, sv.Success)
	assert.Contains(t, sv.ErrorCodes, "already_redeemed")
}

func TestSiteverify_FormEncoded(t *testing.T) {
	srv := newTestServer(t, nil)
	ip := "198.51.100.2"

	rec := doJSON(t, srv, http.MethodPost, "/api/captcha/challenge", map[string]any{
		"sitekey": "site-abc",
	}, ip)
	require.Equal(t, http.StatusOK, rec.Code)
	ch := decodeBody[captcha.ChallengeResponse](t, rec)
	var puzzle pow.Puzzle
	require.NoError(t, json.Unmarshal(ch.ChallengeData, &puzzle))
	n, ok := puzzle.Solve()
	require.True(t, ok)
	rec = doJSON(t, srv, http.MethodPost, "/api/captcha/verify", map[string]any{
		"token": ch.Token, "signature": ch.Signature, "solution": n,
	}, ip)
	require.Equal(t, http.StatusOK, rec.Code)
	vr := decodeBody[captcha.VerifyResponse](t, rec)

	form := "secret=secret-abc&response=" + vr.Token
	req := httptest.NewRequest(http.MethodPost, "/proofCaptcha/api/siteverify", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	frec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(frec, req)
	require.Equal(t, http.StatusOK, frec.Code)
	sv := decodeBody[captcha.SiteverifyResponse](t, frec)
	assert.True(t, sv.Success)
}

func TestChallenge_SchemaRejectsMissingSitekey(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv, http.MethodPost, "/api/captcha/challenge", map[string]any{
		"type": "math",
	}, "198.51.100.3")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "bad_request", body["code"])
}

func TestChallenge_DomainMismatchWire(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSONFrom(t, srv, http.MethodPost, "/api/captcha/challenge", map[string]any{
		"sitekey": "site-abc",
	}, "198.51.100.4", "https://evil.test")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "domain_mismatch", body["code"])
	assert.Equal(t, false, body["success"])
}

func TestVerify_TamperedSignatureWire(t *testing.T) {
	srv := newTestServer(t, nil)
	ip := "198.51.100.5"
	rec := doJSON(t, srv, http.MethodPost, "/api/captcha/challenge", map[string]any{
		"sitekey": "site-abc",
	}, ip)
	require.Equal(t, http.StatusOK, rec.Code)
	ch := decodeBody[captcha.ChallengeResponse](t, rec)

	rec = doJSON(t, srv, http.MethodPost, "/api/captcha/verify", map[string]any{
		"token": ch.Token, "signature": "bm90LXRoZS1zaWduYXR1cmU=", "solution": 1,
	}, ip)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "tampered", body["code"])
}

// Unknown tokens answer the same 400 as every other challenge-state failure.
func TestVerify_UnknownTokenWire(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv, http.MethodPost, "/api/captcha/verify", map[string]any{
		"token": "deadbeefdeadbeef", "solution": 1,
	}, "198.51.100.9")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "not_found", body["code"])
}

func TestHandshakeEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	priv, err := crypto.ECDHGenerate()
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodPost, "/api/captcha/handshake", map[string]any{
		"clientPublicKey": crypto.Base64Encode(priv.PublicKey().Bytes()),
	}, "198.51.100.6")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	hs := decodeBody[session.HandshakeResponse](t, rec)
	assert.NotEmpty(t, hs.ServerPublicKey)
	assert.NotEmpty(t, hs.Signature)
	assert.Equal(t, int(session.TTL.Seconds()), hs.ExpiresIn)

	// Garbage key is a schema pass but a crypto failure.
	rec = doJSON(t, srv, http.MethodPost, "/api/captcha/handshake", map[string]any{
		"clientPublicKey": "AAAA",
	}, "198.51.100.6")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimit_Wire(t *testing.T) {
	srv := newTestServer(t, map[limiter.RouteGroup]limiter.Policy{
		limiter.GroupChallenge: {RPS: 1, Burst: 1},
	})
	ip := "198.51.100.7"
	body := map[string]any{"sitekey": "site-abc"}

	rec := doJSON(t, srv, http.MethodPost, "/api/captcha/challenge", body, ip)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/captcha/challenge", body, ip)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	resp := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "rate_limited", resp["code"])
}

// Rotating source IPs must not dodge the siteverify limit; the secret has
// its own bucket.
func TestSiteverify_PerSecretRateLimit(t *testing.T) {
	srv := newTestServer(t, map[limiter.RouteGroup]limiter.Policy{
		limiter.GroupSiteverify: {RPS: 1, Burst: 1},
	})
	body := map[string]any{"secret": "secret-abc", "token": "deadbeefdeadbeef"}

	rec := doJSON(t, srv, http.MethodPost, "/proofCaptcha/api/siteverify", body, "203.0.113.10")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, srv, http.MethodPost, "/proofCaptcha/api/siteverify", body, "203.0.113.11")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	sv := decodeBody[captcha.SiteverifyResponse](t, rec)
	assert.False(t, sv.Success)
	assert.Contains(t, sv.ErrorCodes, "rate_limited")
}

func TestHealthAndMonitorEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Generate one event, then read it back through the ops endpoints.
	doJSON(t, srv, http.MethodPost, "/api/captcha/challenge", map[string]any{
		"sitekey": "site-abc",
	}, "198.51.100.8")

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/monitor/metrics?windowMs=60000", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	metrics := decodeBody[monitor.Metrics](t, rec)
	assert.Equal(t, 1, metrics.Challenges)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/monitor/threats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/captcha/challenge", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestDailyAnalyticsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/api/analytics/daily?secret=secret-abc&date=2026-03-14", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Contains(t, body, "analytics")

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/api/analytics/daily?secret=wrong", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
