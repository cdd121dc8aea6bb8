// Package analytics maintains the daily and country rollups. Writes are
// coalesced: verification inserts only mark a (key, day) pair dirty, and a
// background flusher recomputes those pairs from the verification log. A
// recompute reads the whole day, so running it twice lands on the same row.
package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/proofcaptcha/proofcaptcha/pkg/store"
)

// flushInterval is how often the background loop drains the dirty set when
// nothing wakes it earlier.
const flushInterval = 30 * time.Second

type dirtyKey struct {
	apiKeyID string
	date     string // YYYY-MM-DD, UTC
}

// Aggregator owns the dirty set and the recompute.
type Aggregator struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	dirty map[dirtyKey]struct{}
	wake  chan struct{}
}

// New builds an aggregator over the given store.
func New(st store.Store) *Aggregator {
	return &Aggregator{
		store:  st,
		logger: slog.Default().With("component", "analytics"),
		now:    time.Now,
		dirty:  make(map[dirtyKey]struct{}),
		wake:   make(chan struct{}, 1),
	}
}

// Note marks the credential's day dirty. Called after every verification
// insert; cheap enough to sit on the hot path.
func (a *Aggregator) Note(apiKeyID string, at time.Time) {
	key := dirtyKey{apiKeyID: apiKeyID, date: at.UTC().Format("2006-01-02")}
	a.mu.Lock()
	a.dirty[key] = struct{}{}
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Run drains the dirty set until ctx is done. One last flush happens on the
// way out so shutdown does not lose marked days.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			a.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
		case <-a.wake:
		}
		a.Flush(ctx)
	}
}

// Flush recomputes every dirty pair. Failed pairs are re-marked so the next
// pass retries them.
func (a *Aggregator) Flush(ctx context.Context) {
	a.mu.Lock()
	batch := a.dirty
	a.dirty = make(map[dirtyKey]struct{})
	a.mu.Unlock()

	for key := range batch {
		if err := a.Recompute(ctx, key.apiKeyID, key.date); err != nil {
			a.logger.Error("rollup recompute failed",
				"apiKeyId", key.apiKeyID, "date", key.date, "error", err)
			a.mu.Lock()
			a.dirty[key] = struct{}{}
			a.mu.Unlock()
		}
	}
}

// Recompute rebuilds the daily and country rows for one credential-day from
// the verification log.
func (a *Aggregator) Recompute(ctx context.Context, apiKeyID, date string) error {
	dayStart, err := time.ParseInLocation("2006-01-02", date, time.UTC)
	if err != nil {
		return err
	}
	verifications, err := a.store.ListVerifications(ctx, apiKeyID, dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		return err
	}

	daily := store.DailyAnalytics{APIKeyID: apiKeyID, Date: date, UpdatedAt: a.now()}
	ips := make(map[string]struct{})
	countries := make(map[string]*store.CountryAnalytics)

	for _, v := range verifications {
		daily.Total++
		if v.Success {
			daily.Succeeded++
		} else {
			daily.Failed++
		}
		if v.Success && v.TimeToSolveMs >= 0 {
			daily.SumSolveMillis += v.TimeToSolveMs
			daily.SolveCount++
		}
		if v.IPAddress != "" {
			ips[v.IPAddress] = struct{}{}
		}
		if v.Country == "" {
			continue
		}
		row, ok := countries[v.Country]
		if !ok {
			row = &store.CountryAnalytics{
				APIKeyID: apiKeyID, Date: date, Country: v.Country, UpdatedAt: daily.UpdatedAt,
			}
			countries[v.Country] = row
		}
		row.Total++
		if v.Success {
			row.Succeeded++
			if v.TimeToSolveMs >= 0 {
				row.SumSolveMillis += v.TimeToSolveMs
				row.SolveCount++
			}
		}
	}
	daily.UniqueIPs = int64(len(ips))

	if err := a.store.UpsertDailyAnalytics(ctx, daily); err != nil {
		return err
	}
	for _, row := range countries {
		if err := a.store.UpsertCountryAnalytics(ctx, *row); err != nil {
			return err
		}
	}
	return nil
}
