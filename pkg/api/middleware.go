package api

import (
	"crypto/tls"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/proofcaptcha/proofcaptcha/pkg/limiter"
	"github.com/proofcaptcha/proofcaptcha/pkg/risk"
)

const requestIDHeader = "X-Request-ID"

// requestID tags every request, reusing the caller's id when present.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// cors answers preflights and opens the captcha endpoints to widget
// origins. The widget runs on customer pages, so origins cannot be pinned
// here; the sitekey-domain binding does the real gating.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "600")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.InfoContext(r.Context(), "request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status,
			"ip", clientIP(r), "durationMs", time.Since(start).Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// rateLimit gates a route group by client IP.
func (s *Server) rateLimit(group limiter.RouteGroup, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			d := s.limiter.Allow(r.Context(), group, clientIP(r))
			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())))
				writeJSON(w, http.StatusTooManyRequests, errorBody{
					Success: false, Error: "too many requests", Code: "rate_limited",
				})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP resolves the caller address behind the usual proxy headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// envelope snapshots the request attributes the risk pipeline and
// fingerprinting need.
func envelope(r *http.Request, encrypted bool) risk.Envelope {
	order := make([]string, 0, len(r.Header)+1)
	if r.Host != "" {
		order = append(order, "host")
	}
	for name := range r.Header {
		order = append(order, strings.ToLower(name))
	}
	var cipher string
	if r.TLS != nil {
		cipher = tls.CipherSuiteName(r.TLS.CipherSuite)
	}
	return risk.Envelope{
		Headers:     r.Header,
		IP:          clientIP(r),
		TLSCipher:   cipher,
		Encrypted:   encrypted,
		HeaderOrder: order,
	}
}
