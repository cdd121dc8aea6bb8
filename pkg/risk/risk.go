// Package risk scores incoming requests from automation signals, device
// fingerprints, IP reputation, request frequency, and VPN intelligence, and
// maps the total onto a challenge difficulty. More negative signals never
// lower the score.
package risk

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Level buckets the total score.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Envelope carries the request attributes the pipeline inspects. It is
// built once at the HTTP boundary so the pipeline never touches *http.Request.
type Envelope struct {
	Headers   http.Header
	IP        string
	TLSCipher string
	// Encrypted is false when the client declined payload encryption.
	Encrypted bool
	// HeaderOrder is the received header names in wire order, lowercased.
	HeaderOrder []string
}

// Header reads a single header value.
func (e Envelope) Header(name string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers.Get(name)
}

// ClientDetections are the widget-reported automation booleans. They are
// self-reported and cross-checked against request headers.
type ClientDetections struct {
	Webdriver        bool `json:"webdriver"`
	MissingPlugins   bool `json:"missingPlugins"`
	MissingLanguages bool `json:"missingLanguages"`
	PhantomMarkers   bool `json:"phantomMarkers"`
	SeleniumMarkers  bool `json:"seleniumMarkers"`
}

// Snapshot is the pipeline output attached to challenge responses and
// verification attempt data.
type Snapshot struct {
	AutomationScore   int      `json:"automationScore"`
	DeviceScore       int      `json:"deviceScore"`
	IPReputationScore int      `json:"ipReputationScore"`
	FrequencyScore    int      `json:"frequencyScore"`
	TotalScore        int      `json:"totalScore"`
	RiskLevel         Level    `json:"riskLevel"`
	Difficulty        int      `json:"difficulty"`
	ShouldChallenge   bool     `json:"shouldChallenge"`
	Factors           []string `json:"factors,omitempty"`
}

// ReputationSource supplies recent per-IP counters. The store provides
// failure counts; the limiter provides block counts and window counts.
type ReputationSource interface {
	RecentFailures(ctx context.Context, ip string, window time.Duration) (int64, error)
}

// BlockSource is implemented by the rate limiter.
type BlockSource interface {
	RecentBlockCount(ip string) int
	WindowCount(ip string) int
}

// Engine runs the pipeline. It also remembers recent solve times per IP to
// drive the adaptive difficulty bump.
type Engine struct {
	reputation ReputationSource
	blocks     BlockSource
	vpn        *VPNDetector
	logger     *slog.Logger

	mu         sync.Mutex
	solveTimes map[string]solveRecord
}

type solveRecord struct {
	duration time.Duration
	seenAt   time.Time
}

// solveMemory bounds how long a fast solve keeps bumping difficulty.
const solveMemory = 10 * time.Minute

// NewEngine wires the pipeline dependencies. vpn may be nil in tests.
func NewEngine(reputation ReputationSource, blocks BlockSource, vpn *VPNDetector) *Engine {
	return &Engine{
		reputation: reputation,
		blocks:     blocks,
		vpn:        vpn,
		logger:     slog.Default().With("component", "risk"),
		solveTimes: make(map[string]solveRecord),
	}
}

// Evaluate runs every signal and aggregates the snapshot.
func (e *Engine) Evaluate(ctx context.Context, env Envelope, det *ClientDetections) Snapshot {
	var snap Snapshot
	addFactor := func(score *int, points int, factor string) {
		*score += points
		snap.Factors = append(snap.Factors, factor)
	}

	// Automation signals: client-reported flags plus header cross-checks.
	if det != nil {
		if det.Webdriver {
			addFactor(&snap.AutomationScore, 25, "navigator.webdriver")
		}
		if det.MissingPlugins {
			addFactor(&snap.AutomationScore, 10, "no plugins")
		}
		if det.MissingLanguages {
			addFactor(&snap.AutomationScore, 10, "no languages")
		}
		if det.PhantomMarkers {
			addFactor(&snap.AutomationScore, 20, "phantom markers")
		}
		if det.SeleniumMarkers {
			addFactor(&snap.AutomationScore, 20, "selenium markers")
		}
	}
	ua := env.Header("User-Agent")
	for _, marker := range []string{"HeadlessChrome", "PhantomJS", "SlimerJS"} {
		if containsFold(ua, marker) {
			addFactor(&snap.AutomationScore, 25, "headless user-agent")
			break
		}
	}

	// Device fingerprint heuristics.
	if env.Header("Accept-Language") == "" {
		addFactor(&snap.DeviceScore, 10, "missing accept-language")
	}
	if env.Header("Accept-Encoding") == "" {
		addFactor(&snap.DeviceScore, 10, "missing accept-encoding")
	}
	if missingCoreHeaders(env.HeaderOrder) {
		addFactor(&snap.DeviceScore, 15, "abnormal header order")
	}
	if env.TLSCipher == "" {
		addFactor(&snap.DeviceScore, 5, "no tls fingerprint")
	}
	if len(ua) < 50 {
		addFactor(&snap.DeviceScore, 20, "short user-agent")
	}
	if env.Header("Sec-Fetch-Site") == "" && env.Header("Sec-Fetch-Mode") == "" {
		addFactor(&snap.DeviceScore, 5, "missing sec-fetch hints")
	}
	if env.Header("Sec-CH-UA") == "" {
		addFactor(&snap.DeviceScore, 10, "missing client hints")
	}
	if !env.Encrypted {
		addFactor(&snap.DeviceScore, 10, "plaintext payload")
	}

	// IP reputation: 10 per recent block, 5 per recent failure.
	if e.blocks != nil {
		if n := e.blocks.RecentBlockCount(env.IP); n > 0 {
			addFactor(&snap.IPReputationScore, 10*n, "recent blocks")
		}
	}
	if e.reputation != nil {
		if n, err := e.reputation.RecentFailures(ctx, env.IP, time.Hour); err == nil && n > 0 {
			addFactor(&snap.IPReputationScore, 5*int(n), "recent failures")
		} else if err != nil {
			e.logger.WarnContext(ctx, "reputation lookup failed", "error", err)
		}
	}

	// Frequency pressure inside the current window.
	if e.blocks != nil {
		if count := e.blocks.WindowCount(env.IP); count > 20 {
			points := 2 * (count - 20)
			if points > 30 {
				points = 30
			}
			addFactor(&snap.FrequencyScore, points, "request frequency")
		}
	}

	// VPN/proxy intelligence. Failures default to "not VPN".
	if e.vpn != nil && e.vpn.Check(ctx, env.IP) {
		addFactor(&snap.IPReputationScore, 20, "vpn or proxy")
	}

	snap.TotalScore = snap.AutomationScore + snap.DeviceScore + snap.IPReputationScore + snap.FrequencyScore
	snap.RiskLevel, snap.Difficulty, snap.ShouldChallenge = band(snap.TotalScore)

	// Adaptive bump for IPs that solved suspiciously fast.
	if bump := e.solveTimeBump(env.IP); bump > 0 {
		snap.Difficulty += bump
		if snap.Difficulty > 8 {
			snap.Difficulty = 8
		}
		snap.Factors = append(snap.Factors, "fast prior solve")
	}

	return snap
}

// NoteSolveTime records how fast an IP solved its last challenge.
func (e *Engine) NoteSolveTime(ip string, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.solveTimes[ip] = solveRecord{duration: d, seenAt: time.Now()}
	// Opportunistic pruning keeps the map bounded without a sweeper.
	if len(e.solveTimes) > 4096 {
		cutoff := time.Now().Add(-solveMemory)
		for k, rec := range e.solveTimes {
			if rec.seenAt.Before(cutoff) {
				delete(e.solveTimes, k)
			}
		}
	}
}

func (e *Engine) solveTimeBump(ip string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.solveTimes[ip]
	if !ok || time.Since(rec.seenAt) > solveMemory {
		return 0
	}
	switch {
	case rec.duration < 500*time.Millisecond:
		return 2
	case rec.duration < time.Second:
		return 1
	default:
		return 0
	}
}

func band(total int) (Level, int, bool) {
	switch {
	case total < 25:
		return LevelLow, 4, false
	case total < 50:
		return LevelMedium, 5, true
	case total < 80:
		return LevelHigh, 6, true
	default:
		return LevelCritical, 7, true
	}
}

func missingCoreHeaders(order []string) bool {
	if len(order) == 0 {
		return true
	}
	seen := make(map[string]bool, len(order))
	for _, h := range order {
		seen[h] = true
	}
	for _, required := range []string{"host", "connection", "user-agent", "accept"} {
		if !seen[required] {
			return true
		}
	}
	return false
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
