package captcha

import "context"

// SiteverifyRequest is what the site backend posts: its secret key and the
// token its frontend received from a successful verification.
type SiteverifyRequest struct {
	Secret   string `json:"secret"`
	Token    string `json:"token"`
	RemoteIP string `json:"remoteip,omitempty"`
}

// SiteverifyResponse follows the de facto siteverify shape so existing
// server-side integrations can switch the endpoint URL and nothing else.
type SiteverifyResponse struct {
	Success     bool     `json:"success"`
	ChallengeTS string   `json:"challenge_ts,omitempty"` // RFC 3339
	Hostname    string   `json:"hostname,omitempty"`
	ErrorCodes  []string `json:"error-codes,omitempty"`
}

// Siteverify redeems a verified token exactly once. The token must belong
// to the caller's credential, the challenge must have been consumed by a
// successful verification, and the redeemed flip is a compare-and-set so a
// double-submit loses deterministically.
func (s *Service) Siteverify(ctx context.Context, req SiteverifyRequest) (*SiteverifyResponse, error) {
	if req.Secret == "" || req.Token == "" {
		return nil, fail(CodeBadRequest, "secret and token are required")
	}

	key, err := s.store.GetAPIKeyBySecret(ctx, req.Secret)
	if err != nil {
		return nil, storeErr(err, CodeInvalidSecret, "secret")
	}
	if !key.IsActive {
		return nil, fail(CodeInvalidSecret, "secret is inactive")
	}

	ch, err := s.store.GetChallengeByToken(ctx, req.Token)
	if err != nil {
		return nil, storeErr(err, CodeNotFound, "token")
	}
	// A token issued under another credential is indistinguishable from an
	// unknown one on the wire.
	if ch.APIKeyID != key.ID {
		return nil, fail(CodeNotFound, "token not found")
	}
	if !ch.IsUsed {
		return nil, fail(CodeNotFound, "token not verified")
	}

	v, err := s.store.GetSuccessfulVerification(ctx, ch.ID)
	if err != nil {
		return nil, storeErr(err, CodeNotFound, "token not verified")
	}

	won, err := s.store.MarkChallengeRedeemed(ctx, ch.ID)
	if err != nil {
		return nil, failCause(CodeStorageUnavailable, "storage unavailable", err)
	}
	if !won {
		return nil, fail(CodeAlreadyRedeemed, "token already redeemed")
	}

	s.logger.InfoContext(ctx, "token redeemed", "challengeId", ch.ID, "apiKeyId", key.ID)
	return &SiteverifyResponse{
		Success:     true,
		ChallengeTS: v.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Hostname:    ch.ValidatedDomain,
	}, nil
}

// SiteverifyWire maps an orchestrator error onto the siteverify response
// shape. Siteverify always answers 200 with success=false plus error codes,
// matching what integrations expect.
func SiteverifyWire(err error) *SiteverifyResponse {
	e := AsError(err)
	return &SiteverifyResponse{Success: false, ErrorCodes: []string{string(e.Code)}}
}
