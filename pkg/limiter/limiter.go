// Package limiter is the first gate in front of every captcha route:
// per-IP sliding-window limits split by route group, and a blocklist that
// escalates block durations as an IP keeps failing. Both are process-local;
// state is rebuilt on restart, which is fine for tokens that live two
// minutes.
package limiter

import (
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RouteGroup separates the rate buckets per endpoint family.
type RouteGroup string

const (
	GroupChallenge  RouteGroup = "challenge"
	GroupVerify     RouteGroup = "verify"
	GroupSiteverify RouteGroup = "siteverify"
	GroupHandshake  RouteGroup = "handshake"
)

// Decision is the outcome of an Allow call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Policy tunes one route group.
type Policy struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// DefaultPolicies are the per-group defaults; a YAML tuning profile can
// override them.
func DefaultPolicies() map[RouteGroup]Policy {
	return map[RouteGroup]Policy{
		GroupChallenge:  {RPS: 2, Burst: 10},
		GroupVerify:     {RPS: 2, Burst: 10},
		GroupSiteverify: {RPS: 5, Burst: 20},
		GroupHandshake:  {RPS: 1, Burst: 5},
	}
}

const (
	shardCount    = 16
	visitorMaxAge = 3 * time.Minute
	// windowSpan is the sliding window the frequency score looks at.
	windowSpan = time.Minute
)

// Limiter is consulted before the risk pipeline on every request.
type Limiter struct {
	policies map[RouteGroup]Policy
	now      func() time.Time
	shards   [shardCount]*shard
}

type shard struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	arrivals map[string][]time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New builds a limiter with the given per-group policies; nil means
// defaults.
func New(policies map[RouteGroup]Policy) *Limiter {
	if policies == nil {
		policies = DefaultPolicies()
	}
	l := &Limiter{policies: policies, now: time.Now}
	for i := range l.shards {
		l.shards[i] = &shard{
			visitors: make(map[string]*visitor),
			arrivals: make(map[string][]time.Time),
		}
	}
	return l
}

// Allow records an arrival and answers whether the request may proceed.
func (l *Limiter) Allow(group RouteGroup, ip string) Decision {
	policy, ok := l.policies[group]
	if !ok {
		policy = Policy{RPS: 1, Burst: 5}
	}
	key := string(group) + "|" + ip
	now := l.now()

	// Track arrivals per bare IP for the frequency signal. The arrival log
	// lives in the IP's shard so WindowCount sees it regardless of group.
	l.recordArrival(ip, now)

	sh := l.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	v, ok := sh.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(policy.RPS), policy.Burst)}
		sh.visitors[key] = v
	}
	v.lastSeen = now

	if !v.limiter.Allow() {
		retry := time.Duration(float64(time.Second) / policy.RPS)
		if retry < time.Second {
			retry = time.Second
		}
		return Decision{Allowed: false, RetryAfter: retry}
	}
	return Decision{Allowed: true}
}

// WindowCount returns how many requests an IP made inside the current
// window, across all route groups. Feeds the risk frequency score.
func (l *Limiter) WindowCount(ip string) int {
	sh := l.shardFor(ip)
	now := l.now()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	arrivals := pruneBefore(sh.arrivals[ip], now.Add(-windowSpan))
	sh.arrivals[ip] = arrivals
	return len(arrivals)
}

// Cleanup evicts idle visitors and stale arrival logs. Called from the
// server's sweep loop.
func (l *Limiter) Cleanup() int {
	now := l.now()
	removed := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		for key, v := range sh.visitors {
			if now.Sub(v.lastSeen) > visitorMaxAge {
				delete(sh.visitors, key)
				removed++
			}
		}
		for ip, arrivals := range sh.arrivals {
			pruned := pruneBefore(arrivals, now.Add(-windowSpan))
			if len(pruned) == 0 {
				delete(sh.arrivals, ip)
			} else {
				sh.arrivals[ip] = pruned
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (l *Limiter) recordArrival(ip string, now time.Time) {
	sh := l.shardFor(ip)
	sh.mu.Lock()
	sh.arrivals[ip] = append(pruneBefore(sh.arrivals[ip], now.Add(-windowSpan)), now)
	sh.mu.Unlock()
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}
