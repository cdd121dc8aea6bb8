package store

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the non-durable Store used in development and tests.
// Tokens live at most two minutes, so losing state on restart is acceptable.
type MemoryStore struct {
	mu sync.RWMutex

	keys       map[string]APIKey // by ID
	bySitekey  map[string]string // sitekey -> ID
	challenges map[string]*Challenge
	byToken    map[string]string // token -> challenge ID
	attempts   []Verification
	daily      map[string]DailyAnalytics   // apiKeyID|date
	countries  map[string]CountryAnalytics // apiKeyID|date|country
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:       make(map[string]APIKey),
		bySitekey:  make(map[string]string),
		challenges: make(map[string]*Challenge),
		byToken:    make(map[string]string),
		daily:      make(map[string]DailyAnalytics),
		countries:  make(map[string]CountryAnalytics),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateAPIKey(_ context.Context, key APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.bySitekey[key.Sitekey]; ok {
		return fmt.Errorf("%w: sitekey", ErrDuplicate)
	}
	for _, existing := range m.keys {
		if existing.Secretkey == key.Secretkey {
			return fmt.Errorf("%w: secretkey", ErrDuplicate)
		}
	}
	m.keys[key.ID] = key
	m.bySitekey[key.Sitekey] = key.ID
	return nil
}

func (m *MemoryStore) GetAPIKeyByID(_ context.Context, id string) (APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keys[id]
	if !ok {
		return APIKey{}, ErrNotFound
	}
	return key, nil
}

func (m *MemoryStore) GetAPIKeyBySitekey(_ context.Context, sitekey string) (APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bySitekey[sitekey]
	if !ok {
		return APIKey{}, ErrNotFound
	}
	return m.keys[id], nil
}

// GetAPIKeyBySecret scans every credential with a constant-time comparison
// per candidate so lookup latency does not reveal near-matches.
func (m *MemoryStore) GetAPIKeyBySecret(_ context.Context, secretkey string) (APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found APIKey
	var hit bool
	for _, key := range m.keys {
		if subtle.ConstantTimeCompare([]byte(key.Secretkey), []byte(secretkey)) == 1 {
			found = key
			hit = true
		}
	}
	if !hit {
		return APIKey{}, ErrNotFound
	}
	return found, nil
}

func (m *MemoryStore) SetAPIKeyActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[id]
	if !ok {
		return ErrNotFound
	}
	key.IsActive = active
	m.keys[id] = key
	return nil
}

func (m *MemoryStore) DeleteAPIKey(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.keys, id)
	delete(m.bySitekey, key.Sitekey)
	for k := range m.daily {
		if strings.HasPrefix(k, id+"|") {
			delete(m.daily, k)
		}
	}
	for k := range m.countries {
		if strings.HasPrefix(k, id+"|") {
			delete(m.countries, k)
		}
	}
	return nil
}

func (m *MemoryStore) CreateChallenge(_ context.Context, ch Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.challenges[ch.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.byToken[ch.Token]; ok {
		return fmt.Errorf("%w: token", ErrDuplicate)
	}
	copied := ch
	m.challenges[ch.ID] = &copied
	m.byToken[ch.Token] = ch.ID
	return nil
}

func (m *MemoryStore) GetChallengeByID(_ context.Context, id string) (Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.challenges[id]
	if !ok {
		return Challenge{}, ErrNotFound
	}
	return *ch, nil
}

func (m *MemoryStore) GetChallengeByToken(_ context.Context, token string) (Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byToken[token]
	if !ok {
		return Challenge{}, ErrNotFound
	}
	return *m.challenges[id], nil
}

func (m *MemoryStore) MarkChallengeUsed(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.challenges[id]
	if !ok {
		return false, ErrNotFound
	}
	if ch.IsUsed {
		return false, nil
	}
	ch.IsUsed = true
	return true, nil
}

func (m *MemoryStore) MarkChallengeRedeemed(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.challenges[id]
	if !ok {
		return false, ErrNotFound
	}
	if ch.Redeemed {
		return false, nil
	}
	ch.Redeemed = true
	return true, nil
}

func (m *MemoryStore) DeleteExpiredChallenges(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, ch := range m.challenges {
		if ch.Expired(now) {
			delete(m.byToken, ch.Token)
			delete(m.challenges, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) CreateVerification(_ context.Context, v Verification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, v)
	return nil
}

func (m *MemoryStore) GetSuccessfulVerification(_ context.Context, challengeID string) (Verification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.attempts {
		if v.ChallengeID == challengeID && v.Success {
			return v, nil
		}
	}
	return Verification{}, ErrNotFound
}

func (m *MemoryStore) ListVerifications(_ context.Context, apiKeyID string, from, to time.Time) ([]Verification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Verification
	for _, v := range m.attempts {
		if v.APIKeyID == apiKeyID && !v.CreatedAt.Before(from) && v.CreatedAt.Before(to) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *MemoryStore) CountRecentFailures(_ context.Context, ip string, window time.Duration) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := time.Now().Add(-window)
	var n int64
	for _, v := range m.attempts {
		if v.IPAddress == ip && !v.Success && v.CreatedAt.After(cutoff) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) UpsertDailyAnalytics(_ context.Context, row DailyAnalytics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.daily[row.APIKeyID+"|"+row.Date] = row
	return nil
}

func (m *MemoryStore) GetDailyAnalytics(_ context.Context, apiKeyID, date string) (DailyAnalytics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.daily[apiKeyID+"|"+date]
	if !ok {
		return DailyAnalytics{}, ErrNotFound
	}
	return row, nil
}

func (m *MemoryStore) UpsertCountryAnalytics(_ context.Context, row CountryAnalytics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.countries[row.APIKeyID+"|"+row.Date+"|"+row.Country] = row
	return nil
}

func (m *MemoryStore) GetCountryAnalytics(_ context.Context, apiKeyID, date, country string) (CountryAnalytics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.countries[apiKeyID+"|"+date+"|"+country]
	if !ok {
		return CountryAnalytics{}, ErrNotFound
	}
	return row, nil
}
