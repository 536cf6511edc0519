package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	authmetrics "kycgate/internal/auth/metrics"
	"kycgate/internal/auth/token"
	"kycgate/internal/credential"
	credmemory "kycgate/internal/credential/store/memory"
	credpostgres "kycgate/internal/credential/store/postgres"
	"kycgate/internal/platform/config"
	"kycgate/internal/platform/httpserver"
	"kycgate/internal/platform/kafka"
	"kycgate/internal/platform/logger"
	"kycgate/internal/platform/metrics"
	"kycgate/internal/platform/postgres"
	"kycgate/internal/platform/redis"
	ratelimitmetrics "kycgate/internal/ratelimit/metrics"
	ratelimitmw "kycgate/internal/ratelimit/middleware"
	ratelimitmodels "kycgate/internal/ratelimit/models"
	"kycgate/internal/ratelimit/store/window"
	reghandler "kycgate/internal/registration/handler"
	regmetrics "kycgate/internal/registration/metrics"
	regservice "kycgate/internal/registration/service"
	httptransport "kycgate/internal/transport/http"
	verhandler "kycgate/internal/verification/handler"
	vermetrics "kycgate/internal/verification/metrics"
	"kycgate/internal/verification/provider"
	verservice "kycgate/internal/verification/service"
	"kycgate/internal/verification/webhook"
	audit "kycgate/pkg/platform/audit"
	"kycgate/pkg/platform/audit/outbox"
	"kycgate/pkg/platform/audit/publisher"
	auditmemory "kycgate/pkg/platform/audit/store/memory"
	auditpostgres "kycgate/pkg/platform/audit/store/postgres"
	"kycgate/pkg/platform/middleware/admin"
)

const sessionPurgeInterval = 10 * time.Minute

// main wires dependencies, serves HTTP and runs the background workers until
// SIGINT or SIGTERM.
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type credentialBackend interface {
	credential.Store
	PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

type infra struct {
	store    credentialBackend
	auditLog audit.Store
	relay    *outbox.Relay
	closers  []func()
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(os.Stdout, cfg.LogLevel, cfg.IsProduction())
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	backend, err := buildStorage(ctx, cfg, log, m)
	if err != nil {
		return err
	}
	defer backend.close()

	tokens, err := token.New(backend.store, cfg.SecretKey,
		token.WithTTL(cfg.TokenTTL),
		token.WithLogger(log),
		token.WithMetrics(authmetrics.New(m.Registry)),
	)
	if err != nil {
		return err
	}

	auditor := publisher.NewPublisher(backend.auditLog,
		publisher.WithAsyncBuffer(1024),
		publisher.WithLogger(log),
	)
	defer auditor.Close()

	digest, err := webhook.ParseDigest(cfg.KYCWebhookDigest)
	if err != nil {
		return err
	}
	verifier, err := webhook.NewVerifier(cfg.KYCWebhookSecret, digest)
	if err != nil {
		return err
	}

	verMetrics := vermetrics.New(m.Registry)
	kyc, err := buildProvider(cfg, log, verMetrics)
	if err != nil {
		return err
	}

	keys, err := admin.NewKeyVerifier(cfg.AdminKey, cfg.AdminKeyHash)
	if err != nil {
		return err
	}
	if !keys.Enabled() {
		log.Warn("no admin key configured; admin and metrics routes are closed")
	}

	rlMetrics := ratelimitmetrics.New(m.Registry)
	limiter, windows, err := buildLimiter(ctx, cfg, log, rlMetrics, backend)
	if err != nil {
		return err
	}

	registration := regservice.New(backend.store, tokens,
		regservice.WithLogger(log),
		regservice.WithMetrics(regmetrics.New(m.Registry)),
	)
	verification := verservice.New(backend.store, kyc, verservice.WithLogger(log))

	router := httptransport.NewRouter(httptransport.Deps{
		Logger:         log,
		Metrics:        m,
		AllowedOrigins: cfg.CORSAllowedOriginsList(),
		RateLimit:      ratelimitmw.New(limiter, log, ratelimitmw.WithAuditor(auditor), ratelimitmw.WithMetrics(rlMetrics)).RateLimit,
		Tokens:         tokens,
		Auditor:        auditor,
		AdminKey:       keys,
		Registration:   reghandler.New(registration, log),
		Verification:   verhandler.New(verification, verifier, auditor, log, verMetrics),
		Health:         httptransport.NewHealthHandler(backend.store, time.Now(), log),
	})
	srv := httpserver.New(cfg.HTTPAddr, router, log)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		limit := limiter.Limit()
		log.Info("starting kycgate",
			"addr", cfg.HTTPAddr,
			"env", cfg.Env,
			"store", cfg.StoreBackend,
			"token_ttl", tokens.TTL(),
			"rate_limit", limit.MaxRequests,
			"rate_window", limit.Window,
			"webhook_digest", verifier.Digest(),
			"cors_origins", cfg.CORSAllowedOriginsList(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		purgeSessions(gctx, backend.store, log, m)
		return nil
	})

	if windows != nil {
		g.Go(func() error {
			windows.SweepEvery(gctx, cfg.RateLimitWindow, cfg.RateLimitWindow, rlMetrics.SetActiveWindows)
			return nil
		})
	}

	if backend.relay != nil {
		g.Go(func() error {
			return backend.relay.Run(gctx)
		})
	}

	return g.Wait()
}

func buildStorage(ctx context.Context, cfg *config.Config, log *slog.Logger, m *metrics.Metrics) (*infra, error) {
	if cfg.StoreBackend != config.BackendPostgres {
		auditLog := auditmemory.NewInMemoryStore()
		log.Warn("using in-memory credential store; data is lost on restart")
		return &infra{store: credmemory.New(auditLog), auditLog: auditLog}, nil
	}

	db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.Options{MaxOpenConns: cfg.DBMaxOpenConns})
	if err != nil {
		return nil, err
	}
	out := &infra{closers: []func(){func() { _ = db.Close() }}}
	if err := postgres.Migrate(ctx, db); err != nil {
		out.close()
		return nil, err
	}

	brokers := cfg.AuditKafkaBrokersList()
	var auditOpts []auditpostgres.Option
	if len(brokers) > 0 {
		auditOpts = append(auditOpts, auditpostgres.WithOutbox())
	}
	auditLog := auditpostgres.New(db, auditOpts...)
	out.auditLog = auditLog
	out.store = credpostgres.New(db, auditLog)

	if len(brokers) > 0 {
		relay, err := buildRelay(ctx, cfg, log, m, auditLog, brokers)
		if err != nil {
			out.close()
			return nil, err
		}
		out.relay = relay.relay
		out.closers = append(out.closers, relay.close)
	}
	return out, nil
}

type relayHandle struct {
	relay *outbox.Relay
	close func()
}

func buildRelay(ctx context.Context, cfg *config.Config, log *slog.Logger, m *metrics.Metrics, source outbox.Source, brokers []string) (*relayHandle, error) {
	producer, err := kafka.NewProducer(brokers, cfg.AuditKafkaTopic, kafka.WithLogger(log))
	if err != nil {
		return nil, err
	}
	if err := producer.EnsureTopic(ctx, 3, 1); err != nil {
		log.Warn("could not ensure audit topic; relying on broker auto-creation",
			"topic", cfg.AuditKafkaTopic,
			"error", err,
		)
	}
	relay := outbox.NewRelay(source, producer,
		outbox.WithInterval(cfg.AuditRelayInterval),
		outbox.WithBatchSize(cfg.AuditRelayBatch),
		outbox.WithLogger(log),
		outbox.WithPublishedHook(m.AddAuditRelayed),
	)
	log.Info("audit outbox relay enabled", "topic", cfg.AuditKafkaTopic, "brokers", brokers)
	return &relayHandle{relay: relay, close: producer.Close}, nil
}

func (i *infra) close() {
	for j := len(i.closers) - 1; j >= 0; j-- {
		i.closers[j]()
	}
}

func buildProvider(cfg *config.Config, log *slog.Logger, m *vermetrics.Metrics) (verservice.Provider, error) {
	if !cfg.ProviderConfigured() {
		log.Warn("KYC provider credentials not set; access token and sync routes will answer 503")
		return provider.Unconfigured{}, nil
	}
	return provider.New(provider.Config{
		BaseURL:        cfg.KYCBaseURL,
		AppToken:       cfg.KYCAppToken,
		SecretKey:      cfg.KYCSecretKey,
		Timeout:        cfg.KYCTimeout,
		LevelName:      cfg.KYCLevelName,
		AccessTokenTTL: cfg.KYCAccessTokenTTL,
		Country:        cfg.KYCDefaultCountry,
	}, provider.WithLogger(log), provider.WithMetrics(m))
}

// buildLimiter returns the limiter and, for the memory backend, the window
// store that needs periodic sweeping.
func buildLimiter(ctx context.Context, cfg *config.Config, log *slog.Logger, m *ratelimitmetrics.Metrics, backend *infra) (*ratelimitmw.Limiter, *window.InMemoryStore, error) {
	limit, err := ratelimitmodels.NewLimit(cfg.RateLimitMaxRequests, cfg.RateLimitWindow)
	if err != nil {
		return nil, nil, err
	}

	if cfg.RateLimitBackend != config.BackendRedis {
		windows := window.NewInMemoryStore()
		return ratelimitmw.NewLimiter(windows, limit,
			ratelimitmw.WithLimiterLogger(log),
			ratelimitmw.WithLimiterMetrics(m),
		), windows, nil
	}

	client, err := redis.New(ctx, redis.Options{URL: cfg.RedisURL})
	if err != nil {
		return nil, nil, err
	}
	backend.closers = append(backend.closers, func() { _ = client.Close() })
	log.Info("rate limiting with shared redis windows")
	return ratelimitmw.NewLimiter(window.NewRedisStore(client), limit,
		ratelimitmw.WithLimiterLogger(log),
		ratelimitmw.WithLimiterMetrics(m),
		ratelimitmw.WithFallback(nil),
	), nil, nil
}

func purgeSessions(ctx context.Context, store credentialBackend, log *slog.Logger, m *metrics.Metrics) {
	ticker := time.NewTicker(sessionPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := store.PurgeExpiredSessions(ctx, now)
			if err != nil {
				log.WarnContext(ctx, "session purge failed", "error", err)
				continue
			}
			m.AddSessionsPurged(n)
		}
	}
}
