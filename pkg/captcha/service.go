// Package captcha is the orchestration layer: it issues signed, single-use
// challenges, verifies submitted solutions, and redeems tokens for site
// backends. It composes the store, the proof-of-work engine, the session
// channel, the risk pipeline, and the blocklist; HTTP stays in pkg/api.
package captcha

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/proofcaptcha/proofcaptcha/pkg/crypto"
	"github.com/proofcaptcha/proofcaptcha/pkg/observability"
	"github.com/proofcaptcha/proofcaptcha/pkg/limiter"
	"github.com/proofcaptcha/proofcaptcha/pkg/monitor"
	"github.com/proofcaptcha/proofcaptcha/pkg/risk"
	"github.com/proofcaptcha/proofcaptcha/pkg/session"
	"github.com/proofcaptcha/proofcaptcha/pkg/store"
)

const (
	// ChallengeTTL bounds how long an issued challenge stays solvable.
	ChallengeTTL = 120 * time.Second
	// fingerprintThreshold is the Jaccard similarity a changed fingerprint
	// must reach during verification.
	fingerprintThreshold = 0.7
	// riskDenyScore is the total above which no challenge is issued at all.
	riskDenyScore = 100
	tokenBytes    = 16
)

// Analytics is what the service needs from the rollup aggregator.
type Analytics interface {
	Note(apiKeyID string, at time.Time)
}

// Service wires the captcha flows together. All fields are required except
// analytics, which may be nil in tests.
type Service struct {
	store      store.Store
	sessions   *session.Manager
	risk       *risk.Engine
	blocklist  *limiter.Blocklist
	monitor    *monitor.Monitor
	analytics  Analytics
	metrics    *observability.Metrics
	signingKey []byte
	env        string
	denyScore  int
	floor      int
	logger     *slog.Logger
	now        func() time.Time
}

// Options collects the service dependencies.
type Options struct {
	Store       store.Store
	Sessions    *session.Manager
	Risk        *risk.Engine
	Blocklist   *limiter.Blocklist
	Monitor     *monitor.Monitor
	Analytics   Analytics
	Metrics     *observability.Metrics
	SigningKey  []byte
	Environment string
	// RiskDenyScore and DifficultyFloor override the built-in tuning when
	// positive. Operators set them through the YAML profile.
	RiskDenyScore   int
	DifficultyFloor int
}

// NewService builds the orchestrator.
func NewService(opts Options) *Service {
	if opts.RiskDenyScore <= 0 {
		opts.RiskDenyScore = riskDenyScore
	}
	return &Service{
		store:      opts.Store,
		sessions:   opts.Sessions,
		risk:       opts.Risk,
		blocklist:  opts.Blocklist,
		monitor:    opts.Monitor,
		analytics:  opts.Analytics,
		metrics:    opts.Metrics,
		signingKey: opts.SigningKey,
		env:        opts.Environment,
		denyScore:  opts.RiskDenyScore,
		floor:      opts.DifficultyFloor,
		logger:     slog.Default().With("component", "captcha"),
		now:        time.Now,
	}
}

// signedFields is the canonical signing payload. Field names and the
// canonicalization (RFC 8785 JCS) are part of the wire protocol.
type signedFields struct {
	ID              string          `json:"id"`
	Token           string          `json:"token"`
	ChallengeData   json.RawMessage `json:"challengeData"`
	ValidatedDomain string          `json:"validatedDomain"`
	ExpiresAt       int64           `json:"expiresAt"` // unix millis
}

// sign computes the base64 HMAC-SHA256 over the JCS form of the fields.
func (s *Service) sign(f signedFields) (string, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	return crypto.Base64Encode(crypto.HMACSHA256(s.signingKey, canonical)), nil
}

// signChallenge signs the persisted challenge's bound fields.
func (s *Service) signChallenge(ch store.Challenge) (string, error) {
	return s.sign(signedFields{
		ID:              ch.ID,
		Token:           ch.Token,
		ChallengeData:   ch.ChallengeData,
		ValidatedDomain: ch.ValidatedDomain,
		ExpiresAt:       ch.ExpiresAt.UnixMilli(),
	})
}

// validateDomain checks the requesting host against the credential's bound
// domain. An empty binding accepts any host; a set binding is the sole
// allowed host, no wildcards or subdomains; localhost only passes outside
// production.
func (s *Service) validateDomain(bound, requested string) (string, bool) {
	host := normalizeHost(requested)
	if host == "" {
		return "", false
	}
	if isLocalhost(host) {
		return host, s.env != "production"
	}
	if bound == "" {
		return host, true
	}
	return host, host == normalizeHost(bound)
}

// sessionInfo resolves the live crypto session for a client public key,
// nil when the key is absent, malformed, or has no session.
func (s *Service) sessionInfo(clientPublicKey string) *session.Info {
	if clientPublicKey == "" || s.sessions == nil {
		return nil
	}
	raw, err := crypto.Base64Decode(clientPublicKey)
	if err != nil {
		return nil
	}
	info, err := s.sessions.Lookup(raw)
	if err != nil {
		return nil
	}
	return info
}

func normalizeHost(raw string) string {
	h := strings.ToLower(strings.TrimSpace(raw))
	h = strings.TrimPrefix(h, "https://")
	h = strings.TrimPrefix(h, "http://")
	if i := strings.IndexByte(h, '/'); i >= 0 {
		h = h[:i]
	}
	if i := strings.IndexByte(h, ':'); i >= 0 {
		h = h[:i]
	}
	return h
}

func isLocalhost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func (s *Service) record(kind monitor.EventKind, ip, apiKeyID, detail string) {
	if s.monitor != nil {
		s.monitor.Record(kind, ip, apiKeyID, detail)
	}
	if s.metrics != nil {
		switch kind {
		case monitor.EventThreatBlocked, monitor.EventReplayAttack:
			s.metrics.ThreatsBlocked.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("reason", detail)))
		case monitor.EventChallengeRequest:
			s.metrics.ChallengesIssued.Add(context.Background(), 1)
		}
	}
}

// countVerification records the metric for one attempt outcome.
func (s *Service) countVerification(ctx context.Context, success bool, solveMillis int64) {
	if s.metrics == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
		s.metrics.SolveTimeMillis.Record(ctx, solveMillis)
	}
	s.metrics.Verifications.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}
