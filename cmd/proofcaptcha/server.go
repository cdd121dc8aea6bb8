package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/proofcaptcha/proofcaptcha/pkg/analytics"
	"github.com/proofcaptcha/proofcaptcha/pkg/api"
	"github.com/proofcaptcha/proofcaptcha/pkg/captcha"
	"github.com/proofcaptcha/proofcaptcha/pkg/config"
	"github.com/proofcaptcha/proofcaptcha/pkg/limiter"
	"github.com/proofcaptcha/proofcaptcha/pkg/monitor"
	"github.com/proofcaptcha/proofcaptcha/pkg/observability"
	"github.com/proofcaptcha/proofcaptcha/pkg/risk"
	"github.com/proofcaptcha/proofcaptcha/pkg/session"
	"github.com/proofcaptcha/proofcaptcha/pkg/store"
)

const sweepInterval = time.Minute

func runServer(stderr io.Writer) int {
	if err := serve(); err != nil {
		fmt.Fprintf(stderr, "server error: %v\n", err)
		return 1
	}
	return 0
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))
	logger := slog.Default().With("component", "server")

	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics, err := observability.Setup(ctx, cfg.OTLPAddr)
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer closeStore()

	local := limiter.New(profile.LimiterPolicies())
	blocklist := limiter.NewBlocklist()
	sessions := session.NewManager(cfg.ServerSecret)
	mon := monitor.New()

	var vpn *risk.VPNDetector
	if cfg.Environment != "development" {
		vpn = risk.NewVPNDetector(cfg.VPNAPIKey, nil)
	}
	riskEngine := risk.NewEngine(
		storeReputation{st},
		limiterBlocks{local: local, blocklist: blocklist},
		vpn,
	)

	agg := analytics.New(st)
	go agg.Run(ctx)

	svc := captcha.NewService(captcha.Options{
		Store:           st,
		Sessions:        sessions,
		Risk:            riskEngine,
		Blocklist:       blocklist,
		Monitor:         mon,
		Analytics:       agg,
		Metrics:         metrics,
		SigningKey:      cfg.ServerSecret,
		Environment:     cfg.Environment,
		RiskDenyScore:   profile.Risk.DenyScore,
		DifficultyFloor: profile.Risk.DifficultyFloor,
	})

	var rl api.RateLimiter = api.LocalRateLimiter{L: local}
	if cfg.RedisAddr != "" {
		redisLimiter := limiter.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, profile.LimiterPolicies())
		defer redisLimiter.Close()
		rl = api.RedisRateLimiter{L: redisLimiter, Logger: logger}
		logger.Info("rate limiting via redis", "addr", cfg.RedisAddr)
	}

	srv := api.NewServer(api.Options{
		Addr:     fmt.Sprintf(":%d", cfg.Port),
		Service:  svc,
		Sessions: sessions,
		Monitor:  mon,
		Store:    st,
		Limiter:  rl,
	})

	go sweepLoop(ctx, st, sessions, local, blocklist, mon, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return metrics.Shutdown(shutdownCtx)
}

// openStore picks the backend from the DSN: empty means in-memory,
// postgres:// selects Postgres, anything else is treated as a SQLite path.
func openStore(ctx context.Context, dsn string) (store.Store, func(), error) {
	if dsn == "" {
		slog.Info("using in-memory store; data will not survive a restart")
		return store.NewMemoryStore(), func() {}, nil
	}
	driver := "sqlite"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "postgres"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", driver, err)
	}
	st := store.NewSQLStore(db)
	if err := st.Init(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init schema: %w", err)
	}
	slog.Info("storage ready", "driver", driver)
	return st, func() { db.Close() }, nil
}

// sweepLoop runs the periodic maintenance: expired challenges and sessions,
// idle limiter visitors, stale blocklist entries, and aged monitor events.
func sweepLoop(ctx context.Context, st store.Store, sessions *session.Manager,
	local *limiter.Limiter, blocklist *limiter.Blocklist, mon *monitor.Monitor,
	logger *slog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		purged, err := st.DeleteExpiredChallenges(ctx, time.Now())
		if err != nil {
			logger.Warn("challenge purge failed", "error", err)
		}
		logger.Debug("sweep",
			"challengesPurged", purged,
			"sessionsDropped", sessions.Sweep(),
			"visitorsEvicted", local.Cleanup(),
			"blocklistDropped", blocklist.Sweep(),
			"eventsDropped", mon.Sweep())
	}
}

// storeReputation feeds verification failure counts into the risk engine.
type storeReputation struct{ st store.Store }

func (r storeReputation) RecentFailures(ctx context.Context, ip string, window time.Duration) (int64, error) {
	return r.st.CountRecentFailures(ctx, ip, window)
}

// limiterBlocks joins the limiter's window counts with the blocklist's
// escalation history behind the risk engine's block source.
type limiterBlocks struct {
	local     *limiter.Limiter
	blocklist *limiter.Blocklist
}

func (b limiterBlocks) RecentBlockCount(ip string) int { return b.blocklist.RecentBlockCount(ip) }
func (b limiterBlocks) WindowCount(ip string) int      { return b.local.WindowCount(ip) }
