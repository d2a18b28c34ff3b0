package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"quadgate/pkg/attest"
	"quadgate/pkg/audit"
	"quadgate/pkg/behavior"
	"quadgate/pkg/config"
	"quadgate/pkg/engine"
	"quadgate/pkg/eventbus"
	"quadgate/pkg/hardening"
	"quadgate/pkg/metrics"
	"quadgate/pkg/nonce"
	"quadgate/pkg/ratelimit"
	"quadgate/pkg/registry"
	"quadgate/pkg/secretbox"
	"quadgate/pkg/semantic"
	"quadgate/pkg/session"
	"quadgate/pkg/store"
	"quadgate/pkg/stream"
	"quadgate/pkg/telemetry"
	"quadgate/pkg/totp"
)

const (
	ledgerRetention = 10 * time.Minute
	auditMemoryMax  = 10000
	metricsInterval = 15 * time.Second
)

type initTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type openDBFunc func(ctx context.Context, cfg store.PostgresConfig) (*pgxpool.Pool, error)
type openRedisFunc func(ctx context.Context, cfg store.RedisConfig) (*redis.Client, error)
type openKafkaFunc func(cfg eventbus.KafkaConfig) (eventbus.Producer, eventbus.Consumer, error)
type listenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	loadConfigFn    = config.FromEnv
	initTelemetryFn = telemetry.InitFromEnv
	openDBFn        = store.NewPostgresPool
	openRedisFn     = store.NewRedis
	openKafkaFn     = openKafka
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := run(context.Background(), loadConfigFn(), initTelemetryFn, openDBFn, openRedisFn, openKafkaFn, listenFn); err != nil {
		logFatalf("quadgated: %v", err)
	}
}

func run(
	ctx context.Context,
	cfg config.Config,
	initTelemetry initTelemetryFunc,
	openDB openDBFunc,
	openRedis openRedisFunc,
	openKafka openKafkaFunc,
	listen listenFunc,
) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := hardening.ValidateProduction(cfg.Hardening()); err != nil {
		return err
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdown, err := initTelemetry(ctx, cfg.Service)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	var pool *pgxpool.Pool
	if cfg.NeedsPostgres() || strings.TrimSpace(cfg.Postgres.URL) != "" {
		pool, err = openDB(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer pool.Close()
	}

	var redisClient *redis.Client
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		redisClient, err = openRedis(ctx, cfg.Redis)
		if err != nil {
			if cfg.LedgerBackend == config.BackendRedis {
				return fmt.Errorf("redis: %w", err)
			}
			log.Printf("quadgated: redis unavailable, falling back to in-memory cache/limits: %v", err)
			redisClient = nil
		}
		if redisClient != nil {
			defer redisClient.Close()
		}
	}

	s, closeFn, err := buildServer(ctx, cfg, pool, redisClient, openKafka)
	if err != nil {
		return err
	}
	defer func() {
		cancel()
		closeFn()
	}()
	s.startLoops(ctx)

	log.Printf("quadgated listening on %s", cfg.Addr)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return listen(server)
}

// buildServer wires every component from cfg. pool and redisClient may be
// nil; openKafka is only called when brokers are configured.
func buildServer(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, redisClient *redis.Client, openKafka openKafkaFunc) (*Server, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Server, func(), error) {
		closeAll()
		return nil, func() {}, err
	}

	box, err := secretbox.New(cfg.TOTPSealingKey)
	if err != nil {
		return fail(fmt.Errorf("totp sealing key: %w", err))
	}

	var base registry.Store
	switch cfg.RegistryBackend {
	case config.BackendPostgres:
		base = registry.NewPostgresStore(pool)
	case config.BackendSQLite:
		sq, err := registry.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return fail(fmt.Errorf("sqlite registry: %w", err))
		}
		closers = append(closers, func() { _ = sq.Close() })
		base = sq
	default:
		base = registry.NewMemoryStore()
	}
	var cached *registry.CachedStore
	if cfg.RegistryCache > 0 {
		cached = registry.NewCachedStore(base, store.NewCache(ctx, redisClient, "quadgate:registry:"), cfg.RegistryCache)
		base = cached
	}
	reg := registry.New(base, box)

	var ledger nonce.Ledger
	switch cfg.LedgerBackend {
	case config.BackendPostgres:
		ledger = nonce.NewPostgres(pool)
	case config.BackendRedis:
		ledger = nonce.NewRedis(redisClient, "quadgate:", ledgerRetention)
	default:
		ledger = nonce.NewMemory()
	}

	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient, cfg.RateLimitWindow)
	} else {
		limiter = ratelimit.NewInMemory(cfg.RateLimitWindow)
	}

	var replay store.Cache
	if cfg.TOTPReplayGuard {
		replay = store.NewCache(ctx, redisClient, "quadgate:totp:")
	}
	totpVerifier := totp.NewVerifier(reg, replay)

	sessions, err := session.NewManager(cfg.SessionSigningKey, cfg.SessionTTL, store.NewCache(ctx, redisClient, "quadgate:session:"))
	if err != nil {
		return fail(fmt.Errorf("session: %w", err))
	}

	profile, err := behavior.LoadProfile(cfg.BehaviorProfileFile)
	if err != nil {
		return fail(err)
	}
	behaviorScorer, err := behavior.NewRubricScorer(profile)
	if err != nil {
		return fail(fmt.Errorf("behavior profile: %w", err))
	}
	behaviorGate := behavior.NewGate(behaviorScorer, cfg.BehaviorThreshold)

	kb, err := semantic.LoadKnowledgeBase(cfg.SemanticKBFile)
	if err != nil {
		return fail(err)
	}
	var semanticScorer semantic.Scorer
	if url := strings.TrimSpace(cfg.SemanticScorerURL); url != "" {
		semanticScorer = semantic.NewHTTPScorer(url)
	}
	semanticGate := semantic.New(reg, ledger, kb, semanticScorer)
	semanticGate.Threshold = cfg.SemanticThreshold

	cryptoGate := attest.New(reg, ledger)

	var auditSink audit.Sink
	if pool != nil {
		auditSink = &audit.Writer{DB: pool}
	} else {
		auditSink = audit.NewMemory(auditMemoryMax)
	}

	s := &Server{
		Config:   cfg,
		Registry: reg,
		Cached:   cached,
		Ledger:   ledger,
		Sessions: sessions,
		Crypto:   cryptoGate,
		Semantic: semanticGate,
		Audit:    auditSink,
		Metrics:  metrics.NewRegistry(),
		Events:   stream.NewHub(),
		Origin:   cfg.Service + "-" + uuid.NewString(),
	}

	s.Engine, err = engine.New(engine.Deps{
		Limiter:     limiter,
		RateLimit:   cfg.RateLimitMax,
		TOTP:        totpVerifier,
		Crypto:      cryptoGate,
		Behavior:    behaviorGate,
		Semantic:    semanticGate,
		Session:     sessions,
		GateTimeout: cfg.GateTimeout,
		Audit:       auditSink,
		AuditSalt:   []byte(cfg.AuditHashSalt),
		Metrics:     s.Metrics,
		Events:      s.Events,
	})
	if err != nil {
		return fail(err)
	}

	reg.OnRevoke(func(ctx context.Context, deviceID string, _ time.Time) error {
		_, err := ledger.PurgeDevice(ctx, deviceID)
		return err
	})
	reg.OnRevoke(sessions.RevokeDevice)
	reg.OnRevoke(s.announceRevocation)

	if len(cfg.KafkaBrokers) > 0 {
		groupID := strings.TrimSpace(cfg.KafkaGroupID)
		if groupID == "" {
			groupID = s.Origin
		}
		producer, consumer, err := openKafka(eventbus.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaRevocationTopic,
			GroupID: groupID,
		})
		if err != nil {
			return fail(fmt.Errorf("kafka: %w", err))
		}
		closers = append(closers, func() {
			_ = producer.Close()
			_ = consumer.Close()
		})
		publisher := &eventbus.Publisher{Producer: producer, Origin: s.Origin}
		reg.OnRevoke(publisher.Publish)
		s.Revocations = consumer
	}
	return s, closeAll, nil
}

func openKafka(cfg eventbus.KafkaConfig) (eventbus.Producer, eventbus.Consumer, error) {
	producer, err := eventbus.NewKafkaProducer(cfg)
	if err != nil {
		return nil, nil, err
	}
	consumer, err := eventbus.NewKafkaConsumer(cfg)
	if err != nil {
		_ = producer.Close()
		return nil, nil, err
	}
	return producer, consumer, nil
}

// startLoops runs the ledger sweeper, the revocation consumer and the
// operational gauge refresher until ctx is done.
func (s *Server) startLoops(ctx context.Context) {
	go nonce.RunSweeper(ctx, s.Ledger, s.Config.LedgerSweep, ledgerRetention, nil)
	if s.Revocations != nil {
		go func() {
			if err := eventbus.Run(ctx, s.Revocations, s.Origin, s.applyRemoteRevocation); err != nil {
				log.Printf("quadgated: revocation consumer stopped: %v", err)
			}
		}()
	}
	go s.metricsLoop(ctx)
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()
	for {
		s.updateOperationalMetrics()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) updateOperationalMetrics() {
	s.Metrics.SetGauge("stream_subscribers", float64(s.Events.Subscribers()))
	s.Metrics.SetGauge("stream_dropped_events", float64(s.Events.Dropped()))
}

// applyRemoteRevocation mirrors a revocation performed on another replica:
// the device row is already gone from shared storage, only local state needs
// dropping.
func (s *Server) applyRemoteRevocation(ctx context.Context, rev eventbus.Revocation) error {
	var errs []error
	if s.Cached != nil {
		if err := s.Cached.Invalidate(ctx, rev.DeviceID); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := s.Ledger.PurgeDevice(ctx, rev.DeviceID); err != nil {
		errs = append(errs, err)
	}
	if err := s.Sessions.RevokeDevice(ctx, rev.DeviceID, rev.RevokedAt); err != nil {
		errs = append(errs, err)
	}
	s.Events.Publish(stream.NewEvent(stream.EventRevocation, map[string]any{
		"device_id": rev.DeviceID,
		"origin":    rev.Origin,
	}))
	return errors.Join(errs...)
}

func (s *Server) announceRevocation(_ context.Context, deviceID string, revokedAt time.Time) error {
	s.Events.Publish(stream.NewEvent(stream.EventRevocation, map[string]any{
		"device_id":  deviceID,
		"revoked_at": revokedAt,
		"origin":     s.Origin,
	}))
	return nil
}
