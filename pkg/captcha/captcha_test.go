package captcha

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proofcaptcha/proofcaptcha/pkg/crypto"
	"github.com/proofcaptcha/proofcaptcha/pkg/limiter"
	"github.com/proofcaptcha/proofcaptcha/pkg/monitor"
	"github.com/proofcaptcha/proofcaptcha/pkg/pow"
	"github.com/proofcaptcha/proofcaptcha/pkg/risk"
	"github.com/proofcaptcha/proofcaptcha/pkg/session"
	"github.com/proofcaptcha/proofcaptcha/pkg/store"
)

const testUA = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

func newTestService(t *testing.T, env string) (*Service, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	svc := NewService(Options{
		Store:       st,
		Sessions:    session.NewManager([]byte("server-handshake-secret-32-bytes")),
		Risk:        risk.NewEngine(nil, nil, nil),
		Blocklist:   limiter.NewBlocklist(),
		Monitor:     monitor.New(),
		SigningKey:  []byte("challenge-signing-secret-32-byte"),
		Environment: env,
	})
	require.NoError(t, st.CreateAPIKey(context.Background(), store.APIKey{
		ID: "key-1", DeveloperID: "dev-1", Name: "widget",
		Sitekey: "site-abc", Secretkey: "secret-abc",
		Domain: "example.com", IsActive: true, CreatedAt: time.Now(),
	}))
	return svc, st
}

// browserEnv looks like a normal browser posting from the bound origin, so
// the risk pipeline lands on the low band.
func browserEnv(ip string) risk.Envelope {
	h := http.Header{}
	h.Set("Origin", "https://example.com")
	h.Set("User-Agent", testUA)
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Accept-Encoding", "gzip, deflate, br")
	h.Set("Sec-Fetch-Site", "cross-site")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-CH-UA", `"Chromium";v="120"`)
	h.Set("Sec-CH-UA-Platform", `"Linux"`)
	h.Set("Sec-CH-UA-Mobile", "?0")
	return risk.Envelope{
		Headers:     h,
		IP:          ip,
		TLSCipher:   "TLS_AES_128_GCM_SHA256",
		HeaderOrder: []string{"host", "connection", "user-agent", "accept", "accept-language", "accept-encoding"},
	}
}

func solveChallenge(t *testing.T, resp *ChallengeResponse) int64 {
	t.Helper()
	var puzzle pow.Puzzle
	require.NoError(t, json.Unmarshal(resp.ChallengeData, &puzzle))
	n, ok := puzzle.Solve()
	require.True(t, ok, "puzzle must be solvable")
	return n
}

// storedAnswer reads the server-side expected answer of a persisted
// challenge, standing in for a human reading the image or doing the math.
func storedAnswer(t *testing.T, st store.Store, id string) string {
	t.Helper()
	ch, err := st.GetChallengeByID(context.Background(), id)
	require.NoError(t, err)
	var payload challengePayload
	require.NoError(t, json.Unmarshal(ch.ChallengeData, &payload))
	require.NotEmpty(t, payload.Answer)
	return payload.Answer
}

func TestIssueVerifyRedeem_HappyPath(t *testing.T) {
	svc, _ := newTestService(t, "production")
	env := browserEnv("198.51.100.1")

	ch, err := svc.IssueChallenge(context.Background(), env, ChallengeRequest{Sitekey: "site-abc"})
	require.NoError(t, err)
	assert.Equal(t, 4, ch.Difficulty)
	assert.Equal(t, store.ChallengeRandom, ch.Type)
	assert.Equal(t, risk.LevelLow, ch.RiskLevel)
	require.NotEmpty(t, ch.ChallengeData)

	n := solveChallenge(t, ch)
	vr, err := svc.Verify(context.Background(), env, VerifyRequest{
		Token: ch.Token, Signature: ch.Signature, Solution: &n,
	})
	require.NoError(t, err)
	assert.True(t, vr.Success)
	assert.Equal(t, ch.Token, vr.Token)
	assert.Equal(t, ch.ExpiresAt, vr.ExpiresAt)

	sv, err := svc.Siteverify(context.Background(), SiteverifyRequest{
		Secret: "secret-abc", Token: vr.Token,
	})
	require.NoError(t, err)
	assert.True(t, sv.Success)
	assert.Equal(t, "example.com", sv.Hostname)
	assert.NotEmpty(t, sv.ChallengeTS)

	// Second redemption of the same token loses the compare-and-set.
	_, err = svc.Siteverify(context.Background(), SiteverifyRequest{
		Secret: "secret-abc", Token: vr.Token,
	})
	require.Error(t, err)
	assert.Equal(t, CodeAlreadyRedeemed, AsError(err).Code)
}

func TestVerify_ReplayLosesExactlyOnce(t *testing.T) {
	svc, _ := newTestService(t, "production")
	env := browserEnv("198.51.100.2")

	ch, err := svc.IssueChallenge(context.Background(), env, ChallengeRequest{Sitekey: "site-abc"})
	require.NoError(t, err)
	n := solveChallenge(t, ch)

	var wg sync.WaitGroup
	wins := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Verify(context.Background(), env, VerifyRequest{
				Token: ch.Token, Signature: ch.Signature, Solution: &n,
			})
			wins <- err == nil
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one verification may win")
}

func TestIssueChallenge_MathVariant(t *testing.T) {
	svc, st := newTestService(t, "production")
	env := browserEnv("198.51.100.20")

	ch, err := svc.IssueChallenge(context.Background(), env, ChallengeRequest{
		Sitekey: "site-abc", Type: store.ChallengeMath,
	})
	require.NoError(t, err)
	assert.Equal(t, store.ChallengeMath, ch.Type)

	// The wire payload carries the expression but never the answer.
	var wire challengePayload
	require.NoError(t, json.Unmarshal(ch.ChallengeData, &wire))
	assert.NotEmpty(t, wire.Expression)
	assert.Empty(t, wire.Answer)

	n := solveChallenge(t, ch)
	answer := storedAnswer(t, st, ch.ID)

	// A correct proof of work with the wrong arithmetic result is rejected
	// and does not consume the challenge.
	_, err = svc.Verify(context.Background(), env, VerifyRequest{
		Token: ch.Token, Solution: &n, Answer: answer + "0",
	})
	require.Error(t, err)
	assert.Equal(t, CodeTampered, AsError(err).Code)

	vr, err := svc.Verify(context.Background(), env, VerifyRequest{
		Token: ch.Token, Solution: &n, Answer: answer,
	})
	require.NoError(t, err)
	assert.True(t, vr.Success)
}

func TestIssueChallenge_ImageVariant(t *testing.T) {
	svc, st := newTestService(t, "production")
	env := browserEnv("198.51.100.21")

	ch, err := svc.IssueChallenge(context.Background(), env, ChallengeRequest{
		Sitekey: "site-abc", Type: store.ChallengeImage,
	})
	require.NoError(t, err)
	assert.Equal(t, store.ChallengeImage, ch.Type)

	var wire challengePayload
	require.NoError(t, json.Unmarshal(ch.ChallengeData, &wire))
	assert.NotEmpty(t, wire.CaptionID)
	assert.Empty(t, wire.Answer)

	n := solveChallenge(t, ch)
	answer := storedAnswer(t, st, ch.ID)

	// Case and surrounding whitespace in the typed caption are forgiven.
	vr, err := svc.Verify(context.Background(), env, VerifyRequest{
		Token: ch.Token, Solution: &n, Answer: "  " + strings.ToUpper(answer) + " ",
	})
	require.NoError(t, err)
	assert.True(t, vr.Success)
}

func TestIssueChallenge_UnknownTypeRejected(t *testing.T) {
	svc, _ := newTestService(t, "production")
	_, err := svc.IssueChallenge(context.Background(), browserEnv("198.51.100.22"), ChallengeRequest{
		Sitekey: "site-abc", Type: "audio",
	})
	require.Error(t, err)
	assert.Equal(t, CodeBadRequest, AsError(err).Code)
}

func TestVerify_RandomIgnoresAnswer(t *testing.T) {
	svc, _ := newTestService(t, "production")
	env := browserEnv("198.51.100.23")
	ch, err := svc.IssueChallenge(context.Background(), env, ChallengeRequest{Sitekey: "site-abc"})
	require.NoError(t, err)
	n := solveChallenge(t, ch)

	vr, err := svc.Verify(context.Background(), env, VerifyRequest{
		Token: ch.Token, Solution: &n, Answer: "whatever",
	})
	require.NoError(t, err)
	assert.True(t, vr.Success)
}

func TestIssueChallenge_DomainMismatch(t *testing.T) {
	svc, _ := newTestService(t, "production")
	env := browserEnv("198.51.100.3")
	env.Headers.Set("Origin", "https://evil.test")
	_, err := svc.IssueChallenge(context.Background(), env, ChallengeRequest{Sitekey: "site-abc"})
	require.Error(t, err)
	assert.Equal(t, CodeDomainMismatch, AsError(err).Code)
}

// The bound domain is the sole allowed host; subdomains do not inherit it.
func TestIssueChallenge_SubdomainRejected(t *testing.T) {
	svc, _ := newTestService(t, "production")
	env := browserEnv("198.51.100.3")
	env.Headers.Set("Origin", "https://app.example.com:8443")
	_, err := svc.IssueChallenge(context.Background(), env, ChallengeRequest{Sitekey: "site-abc"})
	require.Error(t, err)
	assert.Equal(t, CodeDomainMismatch, AsError(err).Code)
}

// A body-supplied domain cannot substitute for the Origin header; Referer is
// the only fallback.
func TestIssueChallenge_RefererFallback(t *testing.T) {
	svc, _ := newTestService(t, "production")
	env := browserEnv("198.51.100.14")
	env.Headers.Del("Origin")
	env.Headers.Set("Referer", "https://example.com/signup")
	_, err := svc.IssueChallenge(context.Background(), env, ChallengeRequest{Sitekey: "site-abc"})
	assert.NoError(t, err)

	bare := browserEnv("198.51.100.14")
	bare.Headers.Del("Origin")
	_, err = svc.IssueChallenge(context.Background(), bare, ChallengeRequest{Sitekey: "site-abc"})
	require.Error(t, err)
	assert.Equal(t, CodeDomainMismatch, AsError(err).Code)
}

func TestIssueChallenge_LocalhostOnlyOutsideProduction(t *testing.T) {
	env := browserEnv("127.0.0.1")
	env.Headers.Set("Origin", "http://localhost:3000")

	dev, _ := newTestService(t, "development")
	_, err := dev.IssueChallenge(context.Background(), env, ChallengeRequest{Sitekey: "site-abc"})
	assert.NoError(t, err)

	prod, _ := newTestService(t, "production")
	_, err = prod.IssueChallenge(context.Background(), env, ChallengeRequest{Sitekey: "site-abc"})
	require.Error(t, err)
	assert.Equal(t, CodeDomainMismatch, AsError(err).Code)
}

func TestIssueChallenge_UnknownOrInactiveSitekey(t *testing.T) {
	svc, st := newTestService(t, "production")
	_, err := svc.IssueChallenge(context.Background(), browserEnv("198.51.100.4"), ChallengeRequest{
		Sitekey: "nope",
	})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidSitekey, AsError(err).Code)

	require.NoError(t, st.SetAPIKeyActive(context.Background(), "key-1", false))
	_, err = svc.IssueChallenge(context.Background(), browserEnv("198.51.100.4"), ChallengeRequest{
		Sitekey: "site-abc",
	})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidSitekey, AsError(err).Code)
}

func TestIssueChallenge_DifficultyFloor(t *testing.T) {
	svc, st := newTestService(t, "production")
	require.NoError(t, st.CreateAPIKey(context.Background(), store.APIKey{
		ID: "key-2", DeveloperID: "dev-1", Name: "strict",
		Sitekey: "site-strict", Secretkey: "secret-strict",
		Domain: "example.com", IsActive: true,
		Settings: store.KeySettings{DifficultyFloor: 6, AlwaysChallenge: true, Theme: "dark"},
	}))
	ch, err := svc.IssueChallenge(context.Background(), browserEnv("198.51.100.5"), ChallengeRequest{
		Sitekey: "site-strict",
	})
	require.NoError(t, err)
	assert.Equal(t, 6, ch.Difficulty)
	assert.True(t, ch.ShouldChallenge)
	assert.Equal(t, "dark", ch.Theme)

	// The default key at low risk solves invisibly.
	plain, err := svc.IssueChallenge(context.Background(), browserEnv("198.51.100.5"), ChallengeRequest{
		Sitekey: "site-abc",
	})
	require.NoError(t, err)
	assert.False(t, plain.ShouldChallenge)
}

// Attaching a public key with no live session behind it must not lift the
// plaintext risk penalty.
func TestIssueChallenge_BogusSessionKeyStaysPlaintext(t *testing.T) {
	svc, _ := newTestService(t, "production")

	// Strip enough browser hints that the plaintext penalty decides the band.
	env := browserEnv("198.51.100.24")
	env.Headers.Del("Sec-CH-UA")
	env.Headers.Del("Sec-Fetch-Site")
	env.Headers.Del("Sec-Fetch-Mode")

	bogus, err := crypto.ECDHGenerate()
	require.NoError(t, err)
	ch, err := svc.IssueChallenge(context.Background(), env, ChallengeRequest{
		Sitekey:         "site-abc",
		ClientPublicKey: crypto.Base64Encode(bogus.PublicKey().Bytes()),
	})
	require.NoError(t, err)
	assert.Nil(t, ch.Encrypted)
	assert.Equal(t, 5, ch.Difficulty, "no session, plaintext penalty applies")

	// The same client after a real handshake lands a band lower.
	clientPriv, err := crypto.ECDHGenerate()
	require.NoError(t, err)
	clientPub := clientPriv.PublicKey().Bytes()
	_, err = svc.sessions.Handshake(clientPub)
	require.NoError(t, err)
	sealed, err := svc.IssueChallenge(context.Background(), env, ChallengeRequest{
		Sitekey:         "site-abc",
		ClientPublicKey: crypto.Base64Encode(clientPub),
	})
	require.NoError(t, err)
	assert.NotNil(t, sealed.Encrypted)
	assert.Equal(t, 4, sealed.Difficulty)
}

func TestVerify_Expired(t *testing.T) {
	svc, _ := newTestService(t, "production")
	env := browserEnv("198.51.100.6")
	ch, err := svc.IssueChallenge(context.Background(), env, ChallengeRequest{Sitekey: "site-abc"})
	require.NoError(t, err)
	n := solveChallenge(t, ch)

	svc.now = func() time.Time { return time.Now().Add(ChallengeTTL + time.Second) }
	_, err = svc.Verify(context.Background(), env, VerifyRequest{
		Token: ch.Token, Signature: ch.Signature, Solution: &n,
	})
	require.Error(t, err)
	assert.Equal(t, CodeExpired, AsError(err).Code)
}

func TestVerify_TamperedSignature(t *testing.T) {
	svc, _ := newTestService(t, "production")
	env := browserEnv("198.51.100.7")
	ch, err := svc.IssueChallenge(context.Background(), env, ChallengeRequest{Sitekey: "site-abc"})
	require.NoError(t, err)
	n := solveChallenge(t, ch)

	_, err = svc.Verify(context.Background(), env, VerifyRequest{
		Token: ch.Token, Signature: "AAAA" + ch.Signature[4:], Solution: &n,
	})
	require.Error(t, err)
	assert.Equal(t, CodeTampered, AsError(err).Code)
}

// A solve posted from a different origin than the challenge was issued to
// is rejected even when the solution itself is correct.
func TestVerify_OriginMismatch(t *testing.T) {
	svc, st := newTestService(t, "production")
	env := browserEnv("198.51.100.13")
	ch, err := svc.IssueChallenge(context.Background(), env, ChallengeRequest{Sitekey: "site-abc"})
	require.NoError(t, err)
	n := solveChallenge(t, ch)

	elsewhere := browserEnv("198.51.100.13")
	elsewhere.Headers.Set("Origin", "https://evil.test")
	_, err = svc.Verify(context.Background(), elsewhere, VerifyRequest{
		Token: ch.Token, Signature: ch.Signature, Solution: &n,
	})
	require.Error(t, err)
	assert.Equal(t, CodeDomainMismatch, AsError(err).Code)

	rows, err := st.ListVerifications(context.Background(), "key-1",
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, string(CodeDomainMismatch), rows[0].ErrorCode)

	// The challenge was not consumed; the legitimate origin still can.
	vr, err := svc.Verify(context.Background(), env, VerifyRequest{
		Token: ch.Token, Signature: ch.Signature, Solution: &n,
	})
	require.NoError(t, err)
	assert.True(t, vr.Success)
}

func TestVerify_WrongSolution(t *testing.T) {
	svc, st := newTestService(t, "production")
	env := browserEnv("198.51.100.8")
	ch, err := svc.IssueChallenge(context.Background(), env, ChallengeRequest{Sitekey: "site-abc"})
	require.NoError(t, err)
	n := solveChallenge(t, ch)
	wrong := (n + 1) % 50_001

	_, err = svc.Verify(context.Background(), env, VerifyRequest{
		Token: ch.Token, Signature: ch.Signature, Solution: &wrong,
	})
	require.Error(t, err)
	assert.Equal(t, CodeTampered, AsError(err).Code)

	// The failure left a verification record behind.
	rows, err := st.ListVerifications(context.Background(), "key-1",
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Success)
	assert.Equal(t, string(CodeTampered), rows[0].ErrorCode)
	assert.Equal(t, int64(-1), rows[0].TimeToSolveMs)
}

func TestVerify_FingerprintMismatch(t *testing.T) {
	svc, _ := newTestService(t, "production")
	env := browserEnv("198.51.100.9")
	ch, err := svc.IssueChallenge(context.Background(), env, ChallengeRequest{Sitekey: "site-abc"})
	require.NoError(t, err)
	n := solveChallenge(t, ch)

	// A different IP and user agent shares almost nothing with the stored
	// fingerprint.
	other := browserEnv("203.0.113.50")
	other.Headers.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Gecko Firefox/121.0")
	other.Headers.Set("Accept-Language", "fr-FR,fr;q=0.8")
	other.Headers.Set("Sec-CH-UA", `"Firefox";v="121"`)
	other.TLSCipher = "TLS_CHACHA20_POLY1305_SHA256"
	_, err = svc.Verify(context.Background(), other, VerifyRequest{
		Token: ch.Token, Signature: ch.Signature, Solution: &n,
	})
	require.Error(t, err)
	assert.Equal(t, CodeFingerprintMismatch, AsError(err).Code)
}

func TestVerify_FastSolveBumpsNextDifficulty(t *testing.T) {
	svc, _ := newTestService(t, "production")
	env := browserEnv("198.51.100.10")

	ch, err := svc.IssueChallenge(context.Background(), env, ChallengeRequest{Sitekey: "site-abc"})
	require.NoError(t, err)
	assert.Equal(t, 4, ch.Difficulty)

	// Solving within milliseconds of issue reads as automation.
	n := solveChallenge(t, ch)
	_, err = svc.Verify(context.Background(), env, VerifyRequest{
		Token: ch.Token, Signature: ch.Signature, Solution: &n,
	})
	require.NoError(t, err)

	next, err := svc.IssueChallenge(context.Background(), env, ChallengeRequest{Sitekey: "site-abc"})
	require.NoError(t, err)
	assert.Equal(t, 6, next.Difficulty)
}

func TestVerify_EncryptedSolutionRoundtrip(t *testing.T) {
	svc, _ := newTestService(t, "production")
	env := browserEnv("198.51.100.11")

	// Client side of the handshake.
	clientPriv, err := crypto.ECDHGenerate()
	require.NoError(t, err)
	clientPub := clientPriv.PublicKey().Bytes()
	_, err = svc.sessions.Handshake(clientPub)
	require.NoError(t, err)

	ch, err := svc.IssueChallenge(context.Background(), env, ChallengeRequest{
		Sitekey:         "site-abc",
		ClientPublicKey: crypto.Base64Encode(clientPub),
	})
	require.NoError(t, err)
	assert.NotNil(t, ch.Encrypted, "session present, puzzle ships sealed")
	assert.Empty(t, ch.ChallengeData)

	// The server's session cache can seal the solution for the test the
	// same way the widget would.
	info, err := svc.sessions.Lookup(clientPub)
	require.NoError(t, err)
	plain, err := svc.sessions.Open(info, ch.ID, *ch.Encrypted)
	require.NoError(t, err)
	var puzzle pow.Puzzle
	require.NoError(t, json.Unmarshal(plain, &puzzle))
	n, ok := puzzle.Solve()
	require.True(t, ok)

	sealed, err := svc.sessions.Seal(info, ch.ID, mustJSON(t, sealedSolution{Solution: n}))
	require.NoError(t, err)
	vr, err := svc.Verify(context.Background(), env, VerifyRequest{
		Token: ch.Token, Signature: ch.Signature,
		Encrypted: sealed, ClientPublicKey: crypto.Base64Encode(clientPub),
	})
	require.NoError(t, err)
	assert.True(t, vr.Success)
}

func TestSiteverify_WrongCredentialOrUnverified(t *testing.T) {
	svc, st := newTestService(t, "production")
	env := browserEnv("198.51.100.12")
	require.NoError(t, st.CreateAPIKey(context.Background(), store.APIKey{
		ID: "key-other", DeveloperID: "dev-2", Name: "other",
		Sitekey: "site-other", Secretkey: "secret-other",
		Domain: "other.example", IsActive: true,
	}))

	ch, err := svc.IssueChallenge(context.Background(), env, ChallengeRequest{Sitekey: "site-abc"})
	require.NoError(t, err)

	// Not yet verified.
	_, err = svc.Siteverify(context.Background(), SiteverifyRequest{
		Secret: "secret-abc", Token: ch.Token,
	})
	require.Error(t, err)
	assert.Equal(t, CodeNotFound, AsError(err).Code)

	n := solveChallenge(t, ch)
	_, err = svc.Verify(context.Background(), env, VerifyRequest{
		Token: ch.Token, Signature: ch.Signature, Solution: &n,
	})
	require.NoError(t, err)

	// Another credential cannot redeem it.
	_, err = svc.Siteverify(context.Background(), SiteverifyRequest{
		Secret: "secret-other", Token: ch.Token,
	})
	require.Error(t, err)
	assert.Equal(t, CodeNotFound, AsError(err).Code)

	// Unknown secret.
	_, err = svc.Siteverify(context.Background(), SiteverifyRequest{
		Secret: "who-dis", Token: ch.Token,
	})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidSecret, AsError(err).Code)
}

func TestSiteverifyWire_ErrorShape(t *testing.T) {
	resp := SiteverifyWire(fail(CodeAlreadyRedeemed, "token already redeemed"))
	assert.False(t, resp.Success)
	assert.Equal(t, []string{"already_redeemed"}, resp.ErrorCodes)
}

// Every challenge-state failure answers 400 so callers cannot probe which
// check rejected them.
func TestErrorStatus_ChallengeStateIs400(t *testing.T) {
	for _, code := range []Code{
		CodeExpired, CodeNotFound, CodeAlreadyUsed,
		CodeAlreadyRedeemed, CodeTampered, CodeFingerprintMismatch,
	} {
		assert.Equal(t, http.StatusBadRequest, fail(code, "x").HTTPStatus(), string(code))
	}
	assert.Equal(t, http.StatusForbidden, fail(CodeDomainMismatch, "x").HTTPStatus())
	assert.Equal(t, http.StatusTooManyRequests, fail(CodeRateLimited, "x").HTTPStatus())
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
