package captcha

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/proofcaptcha/proofcaptcha/pkg/crypto"
	"github.com/proofcaptcha/proofcaptcha/pkg/monitor"
	"github.com/proofcaptcha/proofcaptcha/pkg/pow"
	"github.com/proofcaptcha/proofcaptcha/pkg/risk"
	"github.com/proofcaptcha/proofcaptcha/pkg/session"
	"github.com/proofcaptcha/proofcaptcha/pkg/store"
)

// ChallengeRequest is the widget's challenge request after JSON decoding.
// The requesting origin is taken from the Origin header, never the body.
type ChallengeRequest struct {
	Sitekey string `json:"sitekey"`
	// Type selects the challenge variant; empty means random.
	Type store.ChallengeType `json:"type,omitempty"`
	// ClientPublicKey is the base64 raw P-256 point from the handshake.
	// When present and a live session exists, the puzzle ships encrypted.
	ClientPublicKey string                 `json:"clientPublicKey,omitempty"`
	Detections      *risk.ClientDetections `json:"detections,omitempty"`
}

// ChallengeResponse is what the widget receives. Exactly one of
// ChallengeData and Encrypted is set.
type ChallengeResponse struct {
	ID            string                    `json:"id"`
	Token         string                    `json:"token"`
	Type          store.ChallengeType       `json:"type"`
	Difficulty    int                       `json:"difficulty"`
	ChallengeData json.RawMessage           `json:"challengeData,omitempty"`
	Encrypted     *session.EncryptedPayload `json:"encrypted,omitempty"`
	Signature     string                    `json:"signature"`
	ExpiresAt     int64                     `json:"expiresAt"` // unix millis
	RiskLevel     risk.Level                `json:"riskLevel"`
	// ShouldChallenge tells the widget whether to render interactively or
	// solve invisibly in the background.
	ShouldChallenge bool   `json:"shouldChallenge"`
	Theme           string `json:"theme,omitempty"`
}

// IssueChallenge runs the issue pipeline: credential, origin, blocklist,
// risk, puzzle, signature, persistence, optional encryption.
func (s *Service) IssueChallenge(ctx context.Context, env risk.Envelope, req ChallengeRequest) (*ChallengeResponse, error) {
	if req.Sitekey == "" {
		return nil, fail(CodeBadRequest, "sitekey is required")
	}
	typ, ok := challengeType(req.Type)
	if !ok {
		return nil, fail(CodeBadRequest, "unknown challenge type")
	}

	key, err := s.store.GetAPIKeyBySitekey(ctx, req.Sitekey)
	if err != nil {
		return nil, storeErr(err, CodeInvalidSitekey, "sitekey")
	}
	if !key.IsActive {
		return nil, fail(CodeInvalidSitekey, "sitekey is inactive")
	}

	origin := env.Header("Origin")
	if origin == "" {
		origin = env.Header("Referer")
	}
	validated, ok := s.validateDomain(key.Domain, origin)
	if !ok {
		s.record(monitor.EventThreatBlocked, env.IP, key.ID, "domain_mismatch")
		return nil, fail(CodeDomainMismatch, "origin not allowed for this sitekey")
	}

	if blocked, retry := s.blocklist.IsBlocked(env.IP); blocked {
		s.record(monitor.EventThreatBlocked, env.IP, key.ID, "ip_blocked")
		return nil, fail(CodeIPBlocked, "blocked, retry after "+retry.Truncate(time.Second).String())
	}

	// A bogus public key buys nothing: the plaintext penalty only lifts
	// once a live session actually resolves.
	info := s.sessionInfo(req.ClientPublicKey)
	env.Encrypted = info != nil

	snap := s.risk.Evaluate(ctx, env, req.Detections)
	if snap.TotalScore >= s.denyScore {
		s.record(monitor.EventThreatBlocked, env.IP, key.ID, "risk_denied")
		return nil, fail(CodeRiskDenied, "request denied")
	}

	difficulty := snap.Difficulty
	if s.floor > difficulty {
		difficulty = s.floor
	}
	if key.Settings.DifficultyFloor > difficulty {
		difficulty = key.Settings.DifficultyFloor
	}
	if difficulty > pow.MaxDifficulty {
		difficulty = pow.MaxDifficulty
	}

	puzzle, err := pow.Generate(difficulty)
	if err != nil {
		return nil, failCause(CodeBadRequest, "challenge generation failed", err)
	}
	payload, err := buildPayload(typ, puzzle)
	if err != nil {
		return nil, failCause(CodeStorageUnavailable, "internal error", err)
	}
	challengeData, err := json.Marshal(payload)
	if err != nil {
		return nil, failCause(CodeStorageUnavailable, "internal error", err)
	}
	clientData, err := json.Marshal(payload.clientView())
	if err != nil {
		return nil, failCause(CodeStorageUnavailable, "internal error", err)
	}

	tokenRaw, err := crypto.RandomBytes(tokenBytes)
	if err != nil {
		return nil, failCause(CodeStorageUnavailable, "internal error", err)
	}
	now := s.now()
	fp := risk.ComputeFingerprint(env)
	ch := store.Challenge{
		ID:                    uuid.NewString(),
		Token:                 hex.EncodeToString(tokenRaw),
		Type:                  typ,
		Difficulty:            difficulty,
		ChallengeData:         challengeData,
		APIKeyID:              key.ID,
		ValidatedDomain:       validated,
		FingerprintHash:       fp.Hash,
		FingerprintComponents: fp.Components,
		CreatedAt:             now,
		ExpiresAt:             now.Add(ChallengeTTL),
	}
	ch.Signature, err = s.signChallenge(ch)
	if err != nil {
		return nil, failCause(CodeStorageUnavailable, "internal error", err)
	}
	if err := s.store.CreateChallenge(ctx, ch); err != nil {
		return nil, failCause(CodeStorageUnavailable, "storage unavailable", err)
	}

	resp := &ChallengeResponse{
		ID:              ch.ID,
		Token:           ch.Token,
		Type:            ch.Type,
		Difficulty:      ch.Difficulty,
		Signature:       ch.Signature,
		ExpiresAt:       ch.ExpiresAt.UnixMilli(),
		RiskLevel:       snap.RiskLevel,
		ShouldChallenge: snap.ShouldChallenge || key.Settings.AlwaysChallenge,
		Theme:           key.Settings.Theme,
	}
	if info != nil {
		if sealed, err := s.sessions.Seal(info, ch.ID, clientData); err == nil {
			resp.Encrypted = sealed
		}
	}
	if resp.Encrypted == nil {
		resp.ChallengeData = clientData
	}

	s.record(monitor.EventChallengeRequest, env.IP, key.ID, string(snap.RiskLevel))
	s.logger.InfoContext(ctx, "challenge issued",
		"challengeId", ch.ID, "apiKeyId", key.ID, "type", ch.Type, "difficulty", difficulty,
		"riskLevel", snap.RiskLevel, "encrypted", resp.Encrypted != nil)
	return resp, nil
}
