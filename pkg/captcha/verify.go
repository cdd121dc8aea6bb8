package captcha

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/proofcaptcha/proofcaptcha/pkg/crypto"
	"github.com/proofcaptcha/proofcaptcha/pkg/monitor"
	"github.com/proofcaptcha/proofcaptcha/pkg/risk"
	"github.com/proofcaptcha/proofcaptcha/pkg/session"
	"github.com/proofcaptcha/proofcaptcha/pkg/store"
)

// VerifyRequest is the widget's solution submission, keyed by the challenge
// token. The solution arrives either in the clear or sealed under the
// session channel; Encrypted wins when both are present. Signature is the
// optional echo of the issued signature; when present it must match.
type VerifyRequest struct {
	Token     string `json:"token"`
	Signature string `json:"signature,omitempty"`
	Solution  *int64 `json:"solution,omitempty"`
	// Answer carries the image caption or arithmetic result for the image
	// and math variants; random ignores it.
	Answer          string                    `json:"answer,omitempty"`
	Encrypted       *session.EncryptedPayload `json:"encrypted,omitempty"`
	ClientPublicKey string                    `json:"clientPublicKey,omitempty"`
	Detections      *risk.ClientDetections    `json:"detections,omitempty"`
}

// VerifyResponse is returned on success. Token is what the site backend
// later posts to siteverify; ExpiresAt is the challenge deadline the token
// inherits.
type VerifyResponse struct {
	Success   bool   `json:"success"`
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"` // unix millis
}

// sealedSolution is the plaintext carried inside an encrypted submission.
type sealedSolution struct {
	Solution int64  `json:"solution"`
	Answer   string `json:"answer,omitempty"`
}

// Verify consumes a challenge. Checks run strictly in this order: lookup,
// expiry, signature, origin, fingerprint, solution decryption, proof of
// work, variant answer, and only then the single-use flip. The flip is last
// so a replay race is decided by storage, not by lock ordering here.
func (s *Service) Verify(ctx context.Context, env risk.Envelope, req VerifyRequest) (*VerifyResponse, error) {
	if req.Token == "" {
		return nil, fail(CodeBadRequest, "token is required")
	}

	ch, err := s.store.GetChallengeByToken(ctx, req.Token)
	if err != nil {
		return nil, storeErr(err, CodeNotFound, "challenge")
	}

	now := s.now()
	if ch.Expired(now) {
		return nil, s.failVerification(ctx, ch, env, fail(CodeExpired, "challenge expired"))
	}

	// Recompute the signature from the stored row so a tampered id, token,
	// payload, domain, or deadline is caught regardless of which copy was
	// modified. A widget that echoes the signature must echo it intact.
	expected, err := s.signChallenge(ch)
	if err != nil {
		return nil, failCause(CodeStorageUnavailable, "internal error", err)
	}
	if !crypto.ConstantTimeEquals([]byte(expected), []byte(ch.Signature)) {
		return nil, s.failVerification(ctx, ch, env, fail(CodeTampered, "signature mismatch"))
	}
	if req.Signature != "" && !crypto.ConstantTimeEquals([]byte(expected), []byte(req.Signature)) {
		return nil, s.failVerification(ctx, ch, env, fail(CodeTampered, "signature mismatch"))
	}

	// The solve must come from the same origin the challenge was issued to.
	origin := env.Header("Origin")
	if origin == "" {
		origin = env.Header("Referer")
	}
	if normalizeHost(origin) != ch.ValidatedDomain {
		return nil, s.failVerification(ctx, ch, env, fail(CodeDomainMismatch, "origin not allowed"))
	}

	current := risk.ComputeFingerprint(env)
	stored := risk.Fingerprint{Hash: ch.FingerprintHash, Components: ch.FingerprintComponents}
	if !risk.MatchFingerprint(stored, current, fingerprintThreshold) {
		return nil, s.failVerification(ctx, ch, env, fail(CodeFingerprintMismatch, "fingerprint mismatch"))
	}

	solution, answer, encrypted, solErr := s.extractSolution(ch.ID, req)
	if solErr != nil {
		return nil, s.failVerification(ctx, ch, env, solErr)
	}
	env.Encrypted = encrypted
	snap := s.risk.Evaluate(ctx, env, req.Detections)

	var payload challengePayload
	if err := json.Unmarshal(ch.ChallengeData, &payload); err != nil {
		return nil, failCause(CodeStorageUnavailable, "internal error", err)
	}
	if !payload.Verify(solution) {
		return nil, s.failVerification(ctx, ch, env, fail(CodeTampered, "solution rejected"))
	}
	if !checkAnswer(ch.Type, payload, answer) {
		return nil, s.failVerification(ctx, ch, env, fail(CodeTampered, "solution rejected"))
	}

	// Single-use flip. Losing the compare-and-set means another request
	// already consumed this challenge: a replay.
	won, err := s.store.MarkChallengeUsed(ctx, ch.ID)
	if err != nil {
		return nil, failCause(CodeStorageUnavailable, "storage unavailable", err)
	}
	if !won {
		s.record(monitor.EventReplayAttack, env.IP, ch.APIKeyID, ch.ID)
		return nil, s.failVerification(ctx, ch, env, fail(CodeAlreadyUsed, "challenge already used"))
	}

	elapsed := now.Sub(ch.CreatedAt)
	s.risk.NoteSolveTime(env.IP, elapsed)

	attempt, _ := json.Marshal(snap)
	v := store.Verification{
		ID:            uuid.NewString(),
		ChallengeID:   ch.ID,
		APIKeyID:      ch.APIKeyID,
		Success:       true,
		IPAddress:     env.IP,
		UserAgent:     env.Header("User-Agent"),
		Country:       env.Header("CF-IPCountry"),
		TimeToSolveMs: elapsed.Milliseconds(),
		AttemptData:   attempt,
		CreatedAt:     now,
	}
	if err := s.store.CreateVerification(ctx, v); err != nil {
		s.logger.ErrorContext(ctx, "verification record failed", "challengeId", ch.ID, "error", err)
	}
	if s.analytics != nil {
		s.analytics.Note(ch.APIKeyID, now)
	}

	s.countVerification(ctx, true, elapsed.Milliseconds())
	s.record(monitor.EventVerificationSuccess, env.IP, ch.APIKeyID, ch.ID)
	s.logger.InfoContext(ctx, "verification succeeded",
		"challengeId", ch.ID, "apiKeyId", ch.APIKeyID, "timeToSolveMs", elapsed.Milliseconds())
	return &VerifyResponse{Success: true, Token: ch.Token, ExpiresAt: ch.ExpiresAt.UnixMilli()}, nil
}

// extractSolution returns the submitted number, the variant answer, and
// whether they arrived through the encrypted channel.
func (s *Service) extractSolution(challengeID string, req VerifyRequest) (int64, string, bool, *Error) {
	if req.Encrypted != nil {
		if req.ClientPublicKey == "" || s.sessions == nil {
			return 0, "", false, fail(CodeCryptoFailure, "no session for encrypted solution")
		}
		raw, err := crypto.Base64Decode(req.ClientPublicKey)
		if err != nil {
			return 0, "", false, fail(CodeCryptoFailure, "decryption failed")
		}
		info, err := s.sessions.Lookup(raw)
		if err != nil {
			return 0, "", false, fail(CodeCryptoFailure, "no session for encrypted solution")
		}
		plaintext, err := s.sessions.Open(info, challengeID, *req.Encrypted)
		if err != nil {
			return 0, "", false, fail(CodeCryptoFailure, "decryption failed")
		}
		var sealed sealedSolution
		if err := json.Unmarshal(plaintext, &sealed); err != nil {
			return 0, "", false, fail(CodeCryptoFailure, "decryption failed")
		}
		return sealed.Solution, sealed.Answer, true, nil
	}
	if req.Solution == nil {
		return 0, "", false, fail(CodeBadRequest, "solution is required")
	}
	return *req.Solution, req.Answer, false, nil
}

// failVerification records the failed attempt, feeds the blocklist, and
// passes the original error back unchanged.
func (s *Service) failVerification(ctx context.Context, ch store.Challenge, env risk.Envelope, verr *Error) *Error {
	now := s.now()
	v := store.Verification{
		ID:            uuid.NewString(),
		ChallengeID:   ch.ID,
		APIKeyID:      ch.APIKeyID,
		Success:       false,
		ErrorCode:     string(verr.Code),
		IPAddress:     env.IP,
		UserAgent:     env.Header("User-Agent"),
		Country:       env.Header("CF-IPCountry"),
		TimeToSolveMs: -1,
		CreatedAt:     now,
	}
	if err := s.store.CreateVerification(ctx, v); err != nil {
		s.logger.ErrorContext(ctx, "verification record failed", "challengeId", ch.ID, "error", err)
	}
	if s.analytics != nil {
		s.analytics.Note(ch.APIKeyID, now)
	}

	if blocked, _ := s.blocklist.RecordFailure(env.IP, string(verr.Code)); blocked {
		s.record(monitor.EventThreatBlocked, env.IP, ch.APIKeyID, string(verr.Code))
	}
	s.countVerification(ctx, false, 0)
	s.record(monitor.EventVerificationFailure, env.IP, ch.APIKeyID, string(verr.Code))
	s.logger.WarnContext(ctx, "verification failed",
		"challengeId", ch.ID, "apiKeyId", ch.APIKeyID, "code", verr.Code)
	return verr
}
