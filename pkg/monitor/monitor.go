// Package monitor keeps a bounded in-memory trail of security events and
// serves aggregate views over it. Nothing here is durable and no PII beyond
// the IP address is retained.
package monitor

import (
	"sort"
	"sync"
	"time"
)

// EventKind enumerates what the orchestrators report.
type EventKind string

const (
	EventChallengeRequest    EventKind = "challenge_request"
	EventVerificationSuccess EventKind = "verification_success"
	EventVerificationFailure EventKind = "verification_failure"
	EventThreatBlocked       EventKind = "threat_blocked"
	EventReplayAttack        EventKind = "replay_attack"
)

// threatKinds are the kinds that count toward threat listings.
var threatKinds = map[EventKind]bool{
	EventThreatBlocked: true,
	EventReplayAttack:  true,
}

// Event is one recorded occurrence.
type Event struct {
	Kind      EventKind `json:"kind"`
	IP        string    `json:"ip"`
	APIKeyID  string    `json:"apiKeyId,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Metrics is a windowed aggregate.
type Metrics struct {
	WindowMs       int64 `json:"windowMs"`
	Challenges     int   `json:"challenges"`
	Successes      int   `json:"successes"`
	Failures       int   `json:"failures"`
	ThreatsBlocked int   `json:"threatsBlocked"`
	ReplayAttacks  int   `json:"replayAttacks"`
}

// ThreatIP is one entry of the top-threat listing.
type ThreatIP struct {
	IP    string `json:"ip"`
	Count int    `json:"count"`
}

const (
	// capacity bounds the ring; the oldest event is overwritten first.
	capacity = 10_000
	// retention is how long events stay eligible for reads.
	retention = 24 * time.Hour
)

// Monitor is the ring buffer. Reads take a snapshot under a read lock;
// writes and the sweeper synchronize on the same mutex.
type Monitor struct {
	mu     sync.RWMutex
	now    func() time.Time
	events [capacity]Event
	start  int // index of the oldest live event
	count  int
}

// New returns an empty monitor.
func New() *Monitor {
	return &Monitor{now: time.Now}
}

// Record appends an event, overwriting the oldest when full.
func (m *Monitor) Record(kind EventKind, ip, apiKeyID, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := (m.start + m.count) % capacity
	m.events[idx] = Event{
		Kind:      kind,
		IP:        ip,
		APIKeyID:  apiKeyID,
		Detail:    detail,
		Timestamp: m.now(),
	}
	if m.count < capacity {
		m.count++
	} else {
		m.start = (m.start + 1) % capacity
	}
}

// snapshot copies the live events newer than cutoff, oldest first.
func (m *Monitor) snapshot(cutoff time.Time) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, 0, m.count)
	for i := 0; i < m.count; i++ {
		e := m.events[(m.start+i)%capacity]
		if e.Timestamp.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// MetricsWindow aggregates events inside the trailing window.
func (m *Monitor) MetricsWindow(window time.Duration) Metrics {
	events := m.snapshot(m.now().Add(-window))
	metrics := Metrics{WindowMs: window.Milliseconds()}
	for _, e := range events {
		switch e.Kind {
		case EventChallengeRequest:
			metrics.Challenges++
		case EventVerificationSuccess:
			metrics.Successes++
		case EventVerificationFailure:
			metrics.Failures++
		case EventThreatBlocked:
			metrics.ThreatsBlocked++
		case EventReplayAttack:
			metrics.ReplayAttacks++
		}
	}
	return metrics
}

// RecentThreats returns the newest n threat events, newest first.
func (m *Monitor) RecentThreats(n int) []Event {
	events := m.snapshot(m.now().Add(-retention))
	var threats []Event
	for i := len(events) - 1; i >= 0 && len(threats) < n; i-- {
		if threatKinds[events[i].Kind] {
			threats = append(threats, events[i])
		}
	}
	return threats
}

// TopThreatIPs ranks IPs by threat events inside the window.
func (m *Monitor) TopThreatIPs(n int, window time.Duration) []ThreatIP {
	events := m.snapshot(m.now().Add(-window))
	counts := make(map[string]int)
	for _, e := range events {
		if threatKinds[e.Kind] && e.IP != "" {
			counts[e.IP]++
		}
	}
	ranked := make([]ThreatIP, 0, len(counts))
	for ip, count := range counts {
		ranked = append(ranked, ThreatIP{IP: ip, Count: count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].IP < ranked[j].IP
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// Sweep drops events past retention. The server runs this hourly.
func (m *Monitor) Sweep() int {
	cutoff := m.now().Add(-retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for m.count > 0 {
		e := m.events[m.start]
		if e.Timestamp.After(cutoff) {
			break
		}
		m.start = (m.start + 1) % capacity
		m.count--
		removed++
	}
	return removed
}
