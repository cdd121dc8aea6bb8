package store

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique constraint would be violated.
var ErrDuplicate = errors.New("duplicate record")

// ErrStorageUnavailable wraps backend failures. Orchestrators translate it
// to a 5xx exactly once at the HTTP boundary.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ChallengeType selects the challenge variant. Every variant carries the
// proof of work; image and math add a type-specific payload on top.
type ChallengeType string

const (
	ChallengeRandom ChallengeType = "random"
	ChallengeImage  ChallengeType = "image"
	ChallengeMath   ChallengeType = "math"
)

// KeySettings are the per-credential knobs a developer can set.
type KeySettings struct {
	DifficultyFloor int    `json:"difficultyFloor,omitempty"`
	AlwaysChallenge bool   `json:"alwaysChallenge,omitempty"`
	Theme           string `json:"theme,omitempty"`
}

// APIKey is the credential pair behind a widget. Only Sitekey may ever
// reach a client.
type APIKey struct {
	ID          string      `json:"id"`
	DeveloperID string      `json:"developerId"`
	Name        string      `json:"name"`
	Sitekey     string      `json:"sitekey"`
	Secretkey   string      `json:"-"`
	Domain      string      `json:"domain,omitempty"`
	IsActive    bool        `json:"isActive"`
	Settings    KeySettings `json:"settings"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// Challenge is a signed, single-use, time-bounded puzzle. IsUsed flips
// false to true exactly once, via MarkChallengeUsed; Redeemed flips the
// same way via MarkChallengeRedeemed during siteverify.
type Challenge struct {
	ID              string          `json:"id"`
	Token           string          `json:"token"`
	Type            ChallengeType   `json:"type"`
	Difficulty      int             `json:"difficulty"`
	ChallengeData   json.RawMessage `json:"challengeData"`
	Signature       string          `json:"signature"`
	APIKeyID        string          `json:"apiKeyId"`
	ValidatedDomain string          `json:"validatedDomain"`

	// Fingerprint binding captured at issue time. Components are kept so
	// verification can compute a real Jaccard similarity instead of
	// trusting any reliable-looking fingerprint.
	FingerprintHash       string   `json:"fingerprintHash"`
	FingerprintComponents []string `json:"fingerprintComponents,omitempty"`

	IsUsed    bool      `json:"isUsed"`
	Redeemed  bool      `json:"redeemed"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the challenge is past its deadline at now.
func (c Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Verification is the immutable record of one challenge consumption
// attempt, successful or not.
type Verification struct {
	ID            string          `json:"id"`
	ChallengeID   string          `json:"challengeId"`
	APIKeyID      string          `json:"apiKeyId"`
	Success       bool            `json:"success"`
	ErrorCode     string          `json:"errorCode,omitempty"`
	IPAddress     string          `json:"ipAddress"`
	UserAgent     string          `json:"userAgent"`
	Country       string          `json:"country,omitempty"`
	TimeToSolveMs int64           `json:"timeToSolveMs"` // -1 when unknown
	AttemptData   json.RawMessage `json:"attemptData,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// DailyAnalytics is the per-(apiKey, day) rollup. SumSolveMillis and
// SolveCount are kept instead of a stored mean so merges never compound
// rounding.
type DailyAnalytics struct {
	APIKeyID       string    `json:"apiKeyId"`
	Date           string    `json:"date"` // YYYY-MM-DD (UTC)
	Total          int64     `json:"total"`
	Succeeded      int64     `json:"succeeded"`
	Failed         int64     `json:"failed"`
	SumSolveMillis int64     `json:"sumSolveMillis"`
	SolveCount     int64     `json:"solveCount"`
	UniqueIPs      int64     `json:"uniqueIps"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// SuccessRate returns the fraction of attempts that passed, 0 when empty.
func (d DailyAnalytics) SuccessRate() float64 {
	if d.Total == 0 {
		return 0
	}
	return float64(d.Succeeded) / float64(d.Total)
}

// AverageSolveMillis rounds only at the edge; internal state stays exact.
func (d DailyAnalytics) AverageSolveMillis() int64 {
	if d.SolveCount == 0 {
		return 0
	}
	return d.SumSolveMillis / d.SolveCount
}

// CountryAnalytics is the country-keyed rollup maintained in parallel with
// the daily one.
type CountryAnalytics struct {
	APIKeyID       string    `json:"apiKeyId"`
	Date           string    `json:"date"`
	Country        string    `json:"country"`
	Total          int64     `json:"total"`
	Succeeded      int64     `json:"succeeded"`
	SumSolveMillis int64     `json:"sumSolveMillis"`
	SolveCount     int64     `json:"solveCount"`
	UpdatedAt      time.Time `json:"updatedAt"`
}
