// Package store is the durable boundary of the captcha engine: credentials,
// challenges, verification records, and analytics rollups. Everything else
// (rate limiter, blocklist, session cache, monitor) is process-local and
// rebuilt on restart.
package store

import (
	"context"
	"time"
)

// Store is the single persistence interface. GetAPIKeyBySitekey and
// GetChallengeByToken sit on the hot path and are expected O(1) average;
// implementations index accordingly.
type Store interface {
	// Credentials.
	CreateAPIKey(ctx context.Context, key APIKey) error
	GetAPIKeyByID(ctx context.Context, id string) (APIKey, error)
	GetAPIKeyBySitekey(ctx context.Context, sitekey string) (APIKey, error)
	// GetAPIKeyBySecret resolves a credential from its secret key. The
	// in-memory implementation compares in constant time; SQL backends rely
	// on an exact-match unique index.
	GetAPIKeyBySecret(ctx context.Context, secretkey string) (APIKey, error)
	SetAPIKeyActive(ctx context.Context, id string, active bool) error
	// DeleteAPIKey hard-deletes the credential and cascades to its analytics
	// rollups. Historical verifications are retained.
	DeleteAPIKey(ctx context.Context, id string) error

	// Challenges.
	CreateChallenge(ctx context.Context, ch Challenge) error
	GetChallengeByID(ctx context.Context, id string) (Challenge, error)
	GetChallengeByToken(ctx context.Context, token string) (Challenge, error)
	// MarkChallengeUsed performs the compare-and-set on IsUsed and reports
	// whether this caller performed the false->true transition. It is the
	// only redemption primitive; no lock is held around business logic.
	MarkChallengeUsed(ctx context.Context, id string) (bool, error)
	// MarkChallengeRedeemed is the siteverify one-shot: CAS on Redeemed.
	MarkChallengeRedeemed(ctx context.Context, id string) (bool, error)
	DeleteExpiredChallenges(ctx context.Context, now time.Time) (int64, error)

	// Verifications.
	CreateVerification(ctx context.Context, v Verification) error
	GetSuccessfulVerification(ctx context.Context, challengeID string) (Verification, error)
	// ListVerifications returns the attempts for one credential inside
	// [from, to), oldest first. Feeds the analytics recompute.
	ListVerifications(ctx context.Context, apiKeyID string, from, to time.Time) ([]Verification, error)
	// CountRecentFailures counts failed attempts from an IP inside the
	// window ending now. Feeds IP reputation.
	CountRecentFailures(ctx context.Context, ip string, window time.Duration) (int64, error)

	// Analytics. UpsertDailyAnalytics keys on (apiKeyId, date);
	// UpsertCountryAnalytics on (apiKeyId, date, country). Both replace the
	// row wholesale, so rerunning the same aggregation is idempotent.
	UpsertDailyAnalytics(ctx context.Context, row DailyAnalytics) error
	GetDailyAnalytics(ctx context.Context, apiKeyID, date string) (DailyAnalytics, error)
	UpsertCountryAnalytics(ctx context.Context, row CountryAnalytics) error
	GetCountryAnalytics(ctx context.Context, apiKeyID, date, country string) (CountryAnalytics, error)
}
