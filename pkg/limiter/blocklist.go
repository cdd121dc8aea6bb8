package limiter

import (
	"sync"
	"time"
)

// Escalating block durations: the Nth block within the history window lasts
// longer than the one before, capped at the last entry.
var blockDurations = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
}

const (
	// failureThreshold failures inside failureWindow trigger a block.
	failureThreshold = 5
	failureWindow    = 10 * time.Minute
	// blockHistory is how long past blocks keep counting toward escalation
	// and the IP-reputation signal.
	blockHistory = 24 * time.Hour
)

// BlockState describes one blocked or failing IP.
type BlockState struct {
	FailCount    int
	BlockedUntil time.Time
	Reason       string
}

// Blocklist tracks failing IPs and escalates repeat offenders. Keys may be
// bare IPs or fingerprint hashes; the caller decides.
type Blocklist struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]*blockEntry
}

type blockEntry struct {
	failures     []time.Time
	blocks       []time.Time
	blockedUntil time.Time
	reason       string
}

// NewBlocklist returns an empty blocklist.
func NewBlocklist() *Blocklist {
	return &Blocklist{now: time.Now, entries: make(map[string]*blockEntry)}
}

// IsBlocked reports whether the key is currently blocked and for how much
// longer.
func (b *Blocklist) IsBlocked(key string) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return false, 0
	}
	now := b.now()
	if now.Before(e.blockedUntil) {
		return true, e.blockedUntil.Sub(now)
	}
	return false, 0
}

// RecordFailure notes a failed attempt. Crossing the threshold inside the
// rolling window issues a block whose duration grows with each prior block
// in the history window.
func (b *Blocklist) RecordFailure(key, reason string) (blocked bool, until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	e, ok := b.entries[key]
	if !ok {
		e = &blockEntry{}
		b.entries[key] = e
	}
	e.failures = append(pruneBefore(e.failures, now.Add(-failureWindow)), now)
	if len(e.failures) < failureThreshold {
		return false, time.Time{}
	}

	e.blocks = pruneBefore(e.blocks, now.Add(-blockHistory))
	idx := len(e.blocks)
	if idx >= len(blockDurations) {
		idx = len(blockDurations) - 1
	}
	e.blockedUntil = now.Add(blockDurations[idx])
	e.blocks = append(e.blocks, now)
	e.reason = reason
	e.failures = nil
	return true, e.blockedUntil
}

// RecentBlockCount returns how many blocks the key earned inside the
// history window. Feeds the IP-reputation score.
func (b *Blocklist) RecentBlockCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return 0
	}
	e.blocks = pruneBefore(e.blocks, b.now().Add(-blockHistory))
	return len(e.blocks)
}

// State returns a copy of the entry for observability endpoints.
func (b *Blocklist) State(key string) (BlockState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return BlockState{}, false
	}
	return BlockState{
		FailCount:    len(e.failures),
		BlockedUntil: e.blockedUntil,
		Reason:       e.reason,
	}, true
}

// Sweep drops entries with no live block, no recent failures, and no block
// history worth keeping.
func (b *Blocklist) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	removed := 0
	for key, e := range b.entries {
		e.failures = pruneBefore(e.failures, now.Add(-failureWindow))
		e.blocks = pruneBefore(e.blocks, now.Add(-blockHistory))
		if len(e.failures) == 0 && len(e.blocks) == 0 && !now.Before(e.blockedUntil) {
			delete(b.entries, key)
			removed++
		}
	}
	return removed
}
