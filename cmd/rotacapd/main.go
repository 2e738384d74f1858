package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rotacap/rotacap-service/internal/analytics"
	analyticspg "github.com/rotacap/rotacap-service/internal/analytics/postgres"
	analyticssqlite "github.com/rotacap/rotacap-service/internal/analytics/sqlite"
	"github.com/rotacap/rotacap-service/internal/challenge"
	"github.com/rotacap/rotacap-service/internal/config"
	"github.com/rotacap/rotacap-service/internal/health"
	"github.com/rotacap/rotacap-service/internal/httpserver"
	"github.com/rotacap/rotacap-service/internal/keystore"
	keystorepg "github.com/rotacap/rotacap-service/internal/keystore/postgres"
	keystoresqlite "github.com/rotacap/rotacap-service/internal/keystore/sqlite"
	"github.com/rotacap/rotacap-service/internal/logging"
	"github.com/rotacap/rotacap-service/internal/metrics"
	"github.com/rotacap/rotacap-service/internal/policy"
	"github.com/rotacap/rotacap-service/internal/ratelimit"
	"github.com/rotacap/rotacap-service/internal/session"
	sessionpg "github.com/rotacap/rotacap-service/internal/session/postgres"
	sessionredis "github.com/rotacap/rotacap-service/internal/session/redis"
	sessionsqlite "github.com/rotacap/rotacap-service/internal/session/sqlite"
	"github.com/rotacap/rotacap-service/internal/version"
)

func main() {
	cfg, err := config.LoadServiceConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Rotating file logging when log_file is configured; mirror to stdout
	// for foreground runs.
	const maxLogBytes = int64(300 * 1024 * 1024) // 300MB
	if logTarget := strings.TrimSpace(cfg.LogFile); logTarget != "" {
		rot, err := logging.NewRotatingWriter(logTarget, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[rotacapd] ")
		defer rot.Close()
	}

	log.Printf("rotacapd %s starting env=%s backend=%s session_backend=%s",
		version.Info(), cfg.Environment, cfg.Backend, cfg.SessionBackend)

	pol, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		log.Fatalf("load policy: %v", err)
	}
	log.Printf("policy: threshold=%.1f° max_attempts=%d ttl=%ds",
		pol.ThresholdDegrees, pol.MaxAttempts, pol.SessionTTLSeconds)

	ctx := context.Background()

	keys, err := openKeystore(cfg)
	if err != nil {
		log.Fatalf("open keystore: %v", err)
	}
	defer keys.Close()

	sessions, err := openSessions(ctx, cfg)
	if err != nil {
		log.Fatalf("open session store: %v", err)
	}
	defer sessions.Close()

	rollups, err := openAnalytics(cfg)
	if err != nil {
		log.Fatalf("open analytics store: %v", err)
	}
	defer rollups.Close()

	if cfg.DevAccountEmail != "" {
		seedDevAccount(ctx, keys, cfg)
	}

	svc := challenge.NewService(keys, sessions, rollups, pol)
	svc.SetLogger(log.New(log.Writer(), "[rotacapd/challenge] ", log.LstdFlags|log.Lmicroseconds))

	httpSrv := httpserver.New(svc, keys, rollups)
	httpSrv.SetLogger(cfg.LogLevel, log.New(log.Writer(), "[rotacapd/http] ", log.LstdFlags|log.Lmicroseconds))

	if cfg.RateLimitEnabled {
		limiter, err := buildLimiter(ctx, cfg)
		if err != nil {
			log.Fatalf("init rate limiter: %v", err)
		}
		defer limiter.Close()
		httpSrv.SetRateLimiter(limiter)
	}

	var collector *metrics.Collector
	if cfg.MetricsEnabled {
		collector = metrics.NewCollector()
		httpSrv.SetMetrics(collector)
	}

	httpSrv.SetHealthChecker(health.New(health.Config{
		Probes: []health.Probe{
			{Name: "keystore", Type: "database", Critical: true, Ping: func(ctx context.Context) error {
				_, err := keys.LookupByHash(ctx, "healthcheck")
				return err
			}},
			{Name: "sessions", Type: storeType(cfg.SessionBackend), Critical: true, Ping: func(ctx context.Context) error {
				_, err := sessions.GetByToken(ctx, "healthcheck")
				return err
			}},
			{Name: "analytics", Type: "database", Ping: func(ctx context.Context) error {
				_, err := rollups.Totals(ctx, 1)
				return err
			}},
		},
	}))

	// Expired sessions stay readable (410) until the reaper reclaims them.
	reapCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	if cfg.ReapInterval > 0 {
		go runReaper(reapCtx, svc, collector, cfg.ReapInterval)
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      httpSrv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func openKeystore(cfg config.ServiceConfig) (keystore.Store, error) {
	if cfg.Backend == "postgres" {
		return keystorepg.New(cfg.PostgresDSN)
	}
	return keystoresqlite.New(cfg.KeystorePath)
}

func openSessions(ctx context.Context, cfg config.ServiceConfig) (session.Store, error) {
	switch cfg.SessionBackend {
	case "redis":
		return sessionredis.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	case "postgres":
		return sessionpg.New(cfg.PostgresDSN)
	default:
		return sessionsqlite.New(cfg.SessionsPath)
	}
}

func openAnalytics(cfg config.ServiceConfig) (analytics.Store, error) {
	if cfg.Backend == "postgres" {
		return analyticspg.New(cfg.PostgresDSN)
	}
	return analyticssqlite.New(cfg.AnalyticsPath)
}

func buildLimiter(ctx context.Context, cfg config.ServiceConfig) (*ratelimit.Limiter, error) {
	limiterCfg := ratelimit.Config{
		CredentialRequestsPerSecond: cfg.CredentialPerSecond,
		CredentialBurstSize:         cfg.CredentialBurst,
		IPRequestsPerSecond:         cfg.IPPerSecond,
		IPBurstSize:                 cfg.IPBurst,
	}
	if cfg.RateLimitBackend == "redis" {
		store, err := ratelimit.OpenRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		limiterCfg.Store = store
	}
	return ratelimit.NewLimiter(limiterCfg), nil
}

// seedDevAccount ensures the configured development account exists and mints
// a fresh API key for it. The raw key only exists in the log line below.
func seedDevAccount(ctx context.Context, keys keystore.Store, cfg config.ServiceConfig) {
	account, err := keys.EnsureAccount(ctx, cfg.DevAccountEmail, cfg.DevAccountLimit)
	if err != nil {
		log.Printf("seed dev account %s: %v", cfg.DevAccountEmail, err)
		return
	}
	_, rawKey, err := keys.CreateKey(ctx, account.ID, "dev-seed")
	if err != nil {
		log.Printf("seed dev key for account %d: %v", account.ID, err)
		return
	}
	log.Printf("dev account %s (id=%d limit=%d) key: %s",
		account.Email, account.ID, account.APICallsLimit, rawKey)
}

func runReaper(ctx context.Context, svc *challenge.Service, collector *metrics.Collector, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := svc.ReapExpired(ctx)
			if err != nil {
				log.Printf("reap expired sessions: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("reaped %d expired sessions", n)
				if collector != nil {
					collector.RecordSessionsReclaimed(n)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func storeType(backend string) string {
	if backend == "redis" {
		return "cache"
	}
	return "database"
}
