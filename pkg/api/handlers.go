package api

import (
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/proofcaptcha/proofcaptcha/pkg/captcha"
	"github.com/proofcaptcha/proofcaptcha/pkg/crypto"
	"github.com/proofcaptcha/proofcaptcha/pkg/limiter"
	"github.com/proofcaptcha/proofcaptcha/pkg/store"
)

// secretBucket keys the per-secret rate bucket without holding the raw
// credential in limiter state.
func secretBucket(secret string) string {
	sum := crypto.SHA256([]byte(secret))
	return "secret:" + hex.EncodeToString(sum[:8])
}

type handshakeRequest struct {
	ClientPublicKey string `json:"clientPublicKey"`
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	var req handshakeRequest
	if err := decodeValidated(r, handshakeSchema, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	raw, err := crypto.Base64Decode(req.ClientPublicKey)
	if err != nil {
		s.writeError(w, r, badRequest("clientPublicKey is not valid base64"))
		return
	}
	resp, err := s.sessions.Handshake(raw)
	if err != nil {
		s.writeError(w, r, &captcha.Error{
			Code: captcha.CodeCryptoFailure, Message: "handshake failed",
		})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req captcha.ChallengeRequest
	if err := decodeValidated(r, challengeSchema, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	// Encrypted stays false here; the orchestrator flips it only after the
	// claimed session actually resolves.
	resp, err := s.svc.IssueChallenge(r.Context(), envelope(r, false), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req captcha.VerifyRequest
	if err := decodeValidated(r, verifySchema, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.svc.Verify(r.Context(), envelope(r, false), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSiteverify accepts both JSON and form bodies; existing siteverify
// clients post forms. Failures answer 200 with success=false, the shape
// integrations already parse.
func (s *Server) handleSiteverify(w http.ResponseWriter, r *http.Request) {
	var req captcha.SiteverifyRequest
	ct := r.Header.Get("Content-Type")
	if ct == "application/x-www-form-urlencoded" || ct == "multipart/form-data" {
		if err := r.ParseForm(); err != nil {
			writeJSON(w, http.StatusOK, captcha.SiteverifyWire(badRequest("malformed form body")))
			return
		}
		req = captcha.SiteverifyRequest{
			Secret:   r.PostFormValue("secret"),
			Token:    r.PostFormValue("response"),
			RemoteIP: r.PostFormValue("remoteip"),
		}
		if req.Token == "" {
			req.Token = r.PostFormValue("token")
		}
	} else if err := decodeValidated(r, siteverifySchema, &req); err != nil {
		writeJSON(w, http.StatusOK, captcha.SiteverifyWire(err))
		return
	}

	// Siteverify is limited per source IP by the middleware and per secret
	// here, so one backend cannot burn the whole IP budget of a shared NAT
	// and a distributed caller cannot dodge the limit by rotating IPs.
	if s.limiter != nil && req.Secret != "" {
		d := s.limiter.Allow(r.Context(), limiter.GroupSiteverify, secretBucket(req.Secret))
		if !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, &captcha.SiteverifyResponse{
				Success:    false,
				ErrorCodes: []string{string(captcha.CodeRateLimited)},
			})
			return
		}
	}

	resp, err := s.svc.Siteverify(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusOK, captcha.SiteverifyWire(err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	window := time.Hour
	if v := r.URL.Query().Get("windowMs"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms <= 0 {
			s.writeError(w, r, badRequest("invalid windowMs"))
			return
		}
		window = time.Duration(ms) * time.Millisecond
	}
	writeJSON(w, http.StatusOK, s.monitor.MetricsWindow(window))
}

func (s *Server) handleThreats(w http.ResponseWriter, r *http.Request) {
	n := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 1000 {
			s.writeError(w, r, badRequest("invalid limit"))
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"recent": s.monitor.RecentThreats(n),
		"topIps": s.monitor.TopThreatIPs(n, 24*time.Hour),
	})
}

// handleDailyAnalytics returns one day's rollup. The secret key gates it:
// analytics belong to whoever holds the credential.
func (s *Server) handleDailyAnalytics(w http.ResponseWriter, r *http.Request) {
	secret := r.URL.Query().Get("secret")
	if secret == "" {
		s.writeError(w, r, badRequest("secret is required"))
		return
	}
	key, err := s.store.GetAPIKeyBySecret(r.Context(), secret)
	if err != nil {
		s.writeError(w, r, &captcha.Error{
			Code: captcha.CodeInvalidSecret, Message: "secret not found",
		})
		return
	}
	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}
	row, err := s.store.GetDailyAnalytics(r.Context(), key.ID, date)
	if err != nil {
		// No traffic that day reads as an empty rollup, not an error.
		row = store.DailyAnalytics{APIKeyID: key.ID, Date: date}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"analytics":   row,
		"successRate": row.SuccessRate(),
		"avgSolveMs":  row.AverageSolveMillis(),
	})
}
