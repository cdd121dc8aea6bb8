package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLStore implements Store over database/sql. It works against both
// Postgres (lib/pq) and SQLite (modernc.org/sqlite): the statements stick to
// $N placeholders and ON CONFLICT upserts, which both drivers accept.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

var _ Store = (*SQLStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	developer_id TEXT NOT NULL,
	name TEXT NOT NULL,
	sitekey TEXT NOT NULL UNIQUE,
	secretkey TEXT NOT NULL UNIQUE,
	domain TEXT NOT NULL DEFAULT '',
	is_active BOOLEAN NOT NULL,
	settings TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS challenges (
	id TEXT PRIMARY KEY,
	token TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL,
	difficulty INTEGER NOT NULL,
	challenge_data TEXT NOT NULL,
	signature TEXT NOT NULL,
	api_key_id TEXT NOT NULL,
	validated_domain TEXT NOT NULL DEFAULT '',
	fingerprint_hash TEXT NOT NULL DEFAULT '',
	fingerprint_components TEXT NOT NULL DEFAULT '[]',
	is_used BOOLEAN NOT NULL DEFAULT FALSE,
	redeemed BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_challenges_token ON challenges (token);
CREATE TABLE IF NOT EXISTS verifications (
	id TEXT PRIMARY KEY,
	challenge_id TEXT NOT NULL,
	api_key_id TEXT NOT NULL,
	success BOOLEAN NOT NULL,
	error_code TEXT NOT NULL DEFAULT '',
	ip_address TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	country TEXT NOT NULL DEFAULT '',
	time_to_solve_ms BIGINT NOT NULL DEFAULT -1,
	attempt_data TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_verifications_ip ON verifications (ip_address, created_at);
CREATE TABLE IF NOT EXISTS daily_analytics (
	api_key_id TEXT NOT NULL,
	date TEXT NOT NULL,
	total BIGINT NOT NULL,
	succeeded BIGINT NOT NULL,
	failed BIGINT NOT NULL,
	sum_solve_millis BIGINT NOT NULL,
	solve_count BIGINT NOT NULL,
	unique_ips BIGINT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (api_key_id, date)
);
CREATE TABLE IF NOT EXISTS country_analytics (
	api_key_id TEXT NOT NULL,
	date TEXT NOT NULL,
	country TEXT NOT NULL,
	total BIGINT NOT NULL,
	succeeded BIGINT NOT NULL,
	sum_solve_millis BIGINT NOT NULL,
	solve_count BIGINT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (api_key_id, date, country)
);
`

// Init creates the schema.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: init schema: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *SQLStore) CreateAPIKey(ctx context.Context, key APIKey) error {
	settings, err := json.Marshal(key.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, developer_id, name, sitekey, secretkey, domain, is_active, settings, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		key.ID, key.DeveloperID, key.Name, key.Sitekey, key.Secretkey,
		key.Domain, key.IsActive, string(settings), key.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: create api key: %v", ErrStorageUnavailable, err)
	}
	return nil
}

const apiKeyColumns = `id, developer_id, name, sitekey, secretkey, domain, is_active, settings, created_at`

func (s *SQLStore) scanAPIKey(row *sql.Row) (APIKey, error) {
	var key APIKey
	var settings string
	err := row.Scan(&key.ID, &key.DeveloperID, &key.Name, &key.Sitekey, &key.Secretkey,
		&key.Domain, &key.IsActive, &settings, &key.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return APIKey{}, ErrNotFound
		}
		return APIKey{}, fmt.Errorf("%w: scan api key: %v", ErrStorageUnavailable, err)
	}
	if err := json.Unmarshal([]byte(settings), &key.Settings); err != nil {
		return APIKey{}, fmt.Errorf("unmarshal settings: %w", err)
	}
	return key, nil
}

func (s *SQLStore) GetAPIKeyByID(ctx context.Context, id string) (APIKey, error) {
	return s.scanAPIKey(s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = $1`, id))
}

func (s *SQLStore) GetAPIKeyBySitekey(ctx context.Context, sitekey string) (APIKey, error) {
	return s.scanAPIKey(s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE sitekey = $1`, sitekey))
}

func (s *SQLStore) GetAPIKeyBySecret(ctx context.Context, secretkey string) (APIKey, error) {
	return s.scanAPIKey(s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE secretkey = $1`, secretkey))
}

func (s *SQLStore) SetAPIKeyActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET is_active = $1 WHERE id = $2`, active, id)
	if err != nil {
		return fmt.Errorf("%w: set active: %v", ErrStorageUnavailable, err)
	}
	return requireRow(res)
}

func (s *SQLStore) DeleteAPIKey(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStorageUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: delete api key: %v", ErrStorageUnavailable, err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	// Cascade to rollups; verifications stay for history.
	if _, err := tx.ExecContext(ctx, `DELETE FROM daily_analytics WHERE api_key_id = $1`, id); err != nil {
		return fmt.Errorf("%w: cascade daily: %v", ErrStorageUnavailable, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM country_analytics WHERE api_key_id = $1`, id); err != nil {
		return fmt.Errorf("%w: cascade country: %v", ErrStorageUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *SQLStore) CreateChallenge(ctx context.Context, ch Challenge) error {
	components, err := json.Marshal(ch.FingerprintComponents)
	if err != nil {
		return fmt.Errorf("marshal components: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO challenges (id, token, type, difficulty, challenge_data, signature, api_key_id,
			validated_domain, fingerprint_hash, fingerprint_components, is_used, redeemed, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		ch.ID, ch.Token, string(ch.Type), ch.Difficulty, string(ch.ChallengeData), ch.Signature,
		ch.APIKeyID, ch.ValidatedDomain, ch.FingerprintHash, string(components),
		ch.IsUsed, ch.Redeemed, ch.CreatedAt, ch.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("%w: create challenge: %v", ErrStorageUnavailable, err)
	}
	return nil
}

const challengeColumns = `id, token, type, difficulty, challenge_data, signature, api_key_id,
	validated_domain, fingerprint_hash, fingerprint_components, is_used, redeemed, created_at, expires_at`

func (s *SQLStore) scanChallenge(row *sql.Row) (Challenge, error) {
	var ch Challenge
	var typ, data, components string
	err := row.Scan(&ch.ID, &ch.Token, &typ, &ch.Difficulty, &data, &ch.Signature, &ch.APIKeyID,
		&ch.ValidatedDomain, &ch.FingerprintHash, &components, &ch.IsUsed, &ch.Redeemed,
		&ch.CreatedAt, &ch.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Challenge{}, ErrNotFound
		}
		return Challenge{}, fmt.Errorf("%w: scan challenge: %v", ErrStorageUnavailable, err)
	}
	ch.Type = ChallengeType(typ)
	ch.ChallengeData = json.RawMessage(data)
	if err := json.Unmarshal([]byte(components), &ch.FingerprintComponents); err != nil {
		return Challenge{}, fmt.Errorf("unmarshal components: %w", err)
	}
	return ch, nil
}

func (s *SQLStore) GetChallengeByID(ctx context.Context, id string) (Challenge, error) {
	return s.scanChallenge(s.db.QueryRowContext(ctx,
		`SELECT `+challengeColumns+` FROM challenges WHERE id = $1`, id))
}

func (s *SQLStore) GetChallengeByToken(ctx context.Context, token string) (Challenge, error) {
	return s.scanChallenge(s.db.QueryRowContext(ctx,
		`SELECT `+challengeColumns+` FROM challenges WHERE token = $1`, token))
}

// MarkChallengeUsed is the commit point for verification: the guarded UPDATE
// is the compare-and-set, and RowsAffected tells us whether we won the race.
func (s *SQLStore) MarkChallengeUsed(ctx context.Context, id string) (bool, error) {
	return s.casFlag(ctx, `UPDATE challenges SET is_used = TRUE WHERE id = $1 AND is_used = FALSE`, id)
}

func (s *SQLStore) MarkChallengeRedeemed(ctx context.Context, id string) (bool, error) {
	return s.casFlag(ctx, `UPDATE challenges SET redeemed = TRUE WHERE id = $1 AND redeemed = FALSE`, id)
}

func (s *SQLStore) casFlag(ctx context.Context, query, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("%w: cas: %v", ErrStorageUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %v", ErrStorageUnavailable, err)
	}
	return n == 1, nil
}

func (s *SQLStore) DeleteExpiredChallenges(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("%w: purge challenges: %v", ErrStorageUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %v", ErrStorageUnavailable, err)
	}
	return n, nil
}

func (s *SQLStore) CreateVerification(ctx context.Context, v Verification) error {
	attempt := string(v.AttemptData)
	if attempt == "" {
		attempt = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verifications (id, challenge_id, api_key_id, success, error_code, ip_address,
			user_agent, country, time_to_solve_ms, attempt_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		v.ID, v.ChallengeID, v.APIKeyID, v.Success, v.ErrorCode, v.IPAddress,
		v.UserAgent, v.Country, v.TimeToSolveMs, attempt, v.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: create verification: %v", ErrStorageUnavailable, err)
	}
	return nil
}

const verificationColumns = `id, challenge_id, api_key_id, success, error_code, ip_address,
	user_agent, country, time_to_solve_ms, attempt_data, created_at`

func (s *SQLStore) GetSuccessfulVerification(ctx context.Context, challengeID string) (Verification, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+verificationColumns+` FROM verifications WHERE challenge_id = $1 AND success = TRUE`, challengeID)
	var v Verification
	var attempt string
	err := row.Scan(&v.ID, &v.ChallengeID, &v.APIKeyID, &v.Success, &v.ErrorCode, &v.IPAddress,
		&v.UserAgent, &v.Country, &v.TimeToSolveMs, &attempt, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Verification{}, ErrNotFound
		}
		return Verification{}, fmt.Errorf("%w: scan verification: %v", ErrStorageUnavailable, err)
	}
	v.AttemptData = json.RawMessage(attempt)
	return v, nil
}

func (s *SQLStore) ListVerifications(ctx context.Context, apiKeyID string, from, to time.Time) ([]Verification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+verificationColumns+` FROM verifications
		 WHERE api_key_id = $1 AND created_at >= $2 AND created_at < $3 ORDER BY created_at`,
		apiKeyID, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: list verifications: %v", ErrStorageUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Verification
	for rows.Next() {
		var v Verification
		var attempt string
		if err := rows.Scan(&v.ID, &v.ChallengeID, &v.APIKeyID, &v.Success, &v.ErrorCode, &v.IPAddress,
			&v.UserAgent, &v.Country, &v.TimeToSolveMs, &attempt, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan verification: %v", ErrStorageUnavailable, err)
		}
		v.AttemptData = json.RawMessage(attempt)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate verifications: %v", ErrStorageUnavailable, err)
	}
	return out, nil
}

func (s *SQLStore) CountRecentFailures(ctx context.Context, ip string, window time.Duration) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM verifications WHERE ip_address = $1 AND success = FALSE AND created_at > $2`,
		ip, time.Now().Add(-window)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count failures: %v", ErrStorageUnavailable, err)
	}
	return n, nil
}

func (s *SQLStore) UpsertDailyAnalytics(ctx context.Context, row DailyAnalytics) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_analytics (api_key_id, date, total, succeeded, failed, sum_solve_millis, solve_count, unique_ips, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (api_key_id, date) DO UPDATE SET
			total = excluded.total, succeeded = excluded.succeeded, failed = excluded.failed,
			sum_solve_millis = excluded.sum_solve_millis, solve_count = excluded.solve_count,
			unique_ips = excluded.unique_ips, updated_at = excluded.updated_at`,
		row.APIKeyID, row.Date, row.Total, row.Succeeded, row.Failed,
		row.SumSolveMillis, row.SolveCount, row.UniqueIPs, row.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: upsert daily: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *SQLStore) GetDailyAnalytics(ctx context.Context, apiKeyID, date string) (DailyAnalytics, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT api_key_id, date, total, succeeded, failed, sum_solve_millis, solve_count, unique_ips, updated_at
		FROM daily_analytics WHERE api_key_id = $1 AND date = $2`, apiKeyID, date)
	var d DailyAnalytics
	err := row.Scan(&d.APIKeyID, &d.Date, &d.Total, &d.Succeeded, &d.Failed,
		&d.SumSolveMillis, &d.SolveCount, &d.UniqueIPs, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DailyAnalytics{}, ErrNotFound
		}
		return DailyAnalytics{}, fmt.Errorf("%w: scan daily: %v", ErrStorageUnavailable, err)
	}
	return d, nil
}

func (s *SQLStore) UpsertCountryAnalytics(ctx context.Context, row CountryAnalytics) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO country_analytics (api_key_id, date, country, total, succeeded, sum_solve_millis, solve_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (api_key_id, date, country) DO UPDATE SET
			total = excluded.total, succeeded = excluded.succeeded,
			sum_solve_millis = excluded.sum_solve_millis, solve_count = excluded.solve_count,
			updated_at = excluded.updated_at`,
		row.APIKeyID, row.Date, row.Country, row.Total, row.Succeeded,
		row.SumSolveMillis, row.SolveCount, row.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: upsert country: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *SQLStore) GetCountryAnalytics(ctx context.Context, apiKeyID, date, country string) (CountryAnalytics, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT api_key_id, date, country, total, succeeded, sum_solve_millis, solve_count, updated_at
		FROM country_analytics WHERE api_key_id = $1 AND date = $2 AND country = $3`,
		apiKeyID, date, country)
	var c CountryAnalytics
	err := row.Scan(&c.APIKeyID, &c.Date, &c.Country, &c.Total, &c.Succeeded,
		&c.SumSolveMillis, &c.SolveCount, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CountryAnalytics{}, ErrNotFound
		}
		return CountryAnalytics{}, fmt.Errorf("%w: scan country: %v", ErrStorageUnavailable, err)
	}
	return c, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", ErrStorageUnavailable, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
