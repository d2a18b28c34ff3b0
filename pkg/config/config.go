// Package config reads quadgated settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"quadgate/pkg/hardening"
	"quadgate/pkg/store"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
)

type Config struct {
	Service     string
	Addr        string
	Environment string

	Postgres store.PostgresConfig
	Redis    store.RedisConfig

	RegistryBackend string
	SQLitePath      string
	LedgerBackend   string
	LedgerSweep     time.Duration
	RegistryCache   time.Duration

	RateLimitMax    int
	RateLimitWindow time.Duration

	SessionSigningKey []byte
	SessionTTL        time.Duration
	TOTPSealingKey    []byte
	TOTPReplayGuard   bool

	GateTimeout         time.Duration
	BehaviorThreshold   int
	SemanticThreshold   int
	BehaviorProfileFile string
	SemanticKBFile      string
	SemanticScorerURL   string

	OperatorSecret       string
	KafkaBrokers         []string
	KafkaRevocationTopic string
	KafkaGroupID         string

	AuditHashSalt        string
	ExposeDecisionDetail bool
	CORSAllowedOrigins   string
	StrictProdSecurity   string
	MaxRequestBodyBytes  int64

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

// FromEnv builds a Config from environment variables, applying defaults for
// anything unset or unparsable.
func FromEnv() Config {
	c := Config{
		Service:     Env("SERVICE_NAME", "quadgated"),
		Addr:        Env("ADDR", ":8080"),
		Environment: Env("ENVIRONMENT", Env("APP_ENV", "")),
		Postgres: store.PostgresConfig{
			URL:        Env("DATABASE_URL", ""),
			RequireTLS: EnvBool("DATABASE_REQUIRE_TLS", false),
			MaxConns:   int32(EnvInt("DATABASE_MAX_CONNS", 10)),
			Retries:    EnvInt("DATABASE_CONNECT_RETRIES", 30),
		},
		Redis: store.RedisConfig{
			Addr:             Env("REDIS_ADDR", ""),
			Password:         Env("REDIS_PASSWORD", ""),
			DB:               EnvInt("REDIS_DB", 0),
			TLS:              EnvBool("REDIS_TLS", false),
			RequireTLS:       EnvBool("REDIS_REQUIRE_TLS", false),
			TLSInsecure:      EnvBool("REDIS_TLS_INSECURE", false),
			AllowInsecureTLS: EnvBool("REDIS_ALLOW_INSECURE_TLS", false),
			TLSServerName:    Env("REDIS_TLS_SERVER_NAME", ""),
			CACertFile:       Env("REDIS_TLS_CA_CERT_FILE", ""),
			CertFile:         Env("REDIS_TLS_CERT_FILE", ""),
			KeyFile:          Env("REDIS_TLS_KEY_FILE", ""),
		},
		RegistryBackend:      strings.ToLower(Env("REGISTRY_BACKEND", BackendMemory)),
		SQLitePath:           Env("SQLITE_PATH", "quadgate.db"),
		LedgerBackend:        strings.ToLower(Env("LEDGER_BACKEND", BackendMemory)),
		LedgerSweep:          EnvDurationSec("LEDGER_SWEEP_SEC", 30),
		RegistryCache:        EnvDurationSec("REGISTRY_CACHE_TTL_SEC", 60),
		RateLimitMax:         EnvInt("RATE_LIMIT_MAX", 5),
		RateLimitWindow:      EnvDurationSec("RATE_LIMIT_WINDOW_SEC", 60),
		SessionSigningKey:    []byte(Env("SESSION_SIGNING_KEY", "")),
		SessionTTL:           EnvDurationSec("SESSION_TTL_SEC", 900),
		TOTPSealingKey:       []byte(Env("TOTP_SEALING_KEY", "")),
		TOTPReplayGuard:      EnvBool("TOTP_REPLAY_GUARD", true),
		GateTimeout:          time.Millisecond * time.Duration(EnvInt("GATE_TIMEOUT_MS", 5000)),
		BehaviorThreshold:    EnvInt("BEHAVIOR_THRESHOLD", 75),
		SemanticThreshold:    EnvInt("SEMANTIC_THRESHOLD", 75),
		BehaviorProfileFile:  Env("BEHAVIOR_PROFILE_FILE", ""),
		SemanticKBFile:       Env("SEMANTIC_KB_FILE", ""),
		SemanticScorerURL:    Env("SEMANTIC_SCORER_URL", ""),
		OperatorSecret:       Env("OPERATOR_HS256_SECRET", ""),
		KafkaBrokers:         splitCSV(Env("KAFKA_BROKERS", "")),
		KafkaRevocationTopic: Env("KAFKA_REVOCATION_TOPIC", "quadgate.revocations"),
		KafkaGroupID:         Env("KAFKA_GROUP_ID", ""),
		AuditHashSalt:        Env("AUDIT_HASH_SALT", ""),
		ExposeDecisionDetail: EnvBool("EXPOSE_DECISION_DETAIL", false),
		CORSAllowedOrigins:   Env("CORS_ALLOWED_ORIGINS", ""),
		StrictProdSecurity:   Env("STRICT_PROD_SECURITY", "true"),
		MaxRequestBodyBytes:  int64(EnvInt("MAX_REQUEST_BODY_BYTES", 64<<10)),
		ReadHeaderTimeout:    EnvDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:          EnvDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:         EnvDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:          EnvDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = time.Minute
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 15 * time.Minute
	}
	if c.GateTimeout <= 0 {
		c.GateTimeout = 5 * time.Second
	}
	if c.MaxRequestBodyBytes <= 0 {
		c.MaxRequestBodyBytes = 64 << 10
	}
	return c
}

// Validate reports settings that can never produce a working service.
func (c Config) Validate() error {
	switch c.RegistryBackend {
	case BackendMemory, BackendPostgres, BackendSQLite:
	default:
		return fmt.Errorf("config: REGISTRY_BACKEND=%q must be memory|postgres|sqlite", c.RegistryBackend)
	}
	switch c.LedgerBackend {
	case BackendMemory, BackendPostgres, BackendRedis:
	default:
		return fmt.Errorf("config: LEDGER_BACKEND=%q must be memory|postgres|redis", c.LedgerBackend)
	}
	if c.LedgerBackend == BackendRedis && strings.TrimSpace(c.Redis.Addr) == "" {
		return fmt.Errorf("config: LEDGER_BACKEND=redis requires REDIS_ADDR")
	}
	if c.RegistryBackend == BackendSQLite && strings.TrimSpace(c.SQLitePath) == "" {
		return fmt.Errorf("config: REGISTRY_BACKEND=sqlite requires SQLITE_PATH")
	}
	if c.RateLimitMax <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_MAX must be positive, got %d", c.RateLimitMax)
	}
	for name, v := range map[string]int{"BEHAVIOR_THRESHOLD": c.BehaviorThreshold, "SEMANTIC_THRESHOLD": c.SemanticThreshold} {
		if v < 1 || v > 100 {
			return fmt.Errorf("config: %s must be within 1..100, got %d", name, v)
		}
	}
	if len(c.SessionSigningKey) == 0 {
		return fmt.Errorf("config: SESSION_SIGNING_KEY is required")
	}
	if len(c.TOTPSealingKey) == 0 {
		return fmt.Errorf("config: TOTP_SEALING_KEY is required")
	}
	return nil
}

// NeedsPostgres reports whether any configured backend uses the Postgres pool.
func (c Config) NeedsPostgres() bool {
	return c.RegistryBackend == BackendPostgres || c.LedgerBackend == BackendPostgres
}

// Hardening maps the config onto the production hardening checks.
func (c Config) Hardening() hardening.Options {
	return hardening.Options{
		Service:               c.Service,
		Environment:           c.Environment,
		StrictProdSecurity:    c.StrictProdSecurity,
		DatabaseRequireTLS:    strconv.FormatBool(c.Postgres.RequireTLS),
		UsesDatabase:          c.NeedsPostgres(),
		RedisAddr:             c.Redis.Addr,
		RedisRequireTLS:       strconv.FormatBool(c.Redis.RequireTLS),
		RedisTLSInsecure:      strconv.FormatBool(c.Redis.TLSInsecure),
		RedisAllowInsecureTLS: strconv.FormatBool(c.Redis.AllowInsecureTLS),
		CORSAllowedOrigins:    c.CORSAllowedOrigins,
		SessionSigningKey:     c.SessionSigningKey,
		RegistryBackend:       c.RegistryBackend,
		LedgerBackend:         c.LedgerBackend,
		TOTPReplayGuard:       c.TOTPReplayGuard,
		ExposeDecisionDetail:  c.ExposeDecisionDetail,
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "OPERATOR_HS256_SECRET", Value: c.OperatorSecret},
			{Name: "TOTP_SEALING_KEY", Value: string(c.TOTPSealingKey)},
			{Name: "AUDIT_HASH_SALT", Value: c.AuditHashSalt},
		},
	}
}

func Env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func EnvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func EnvBool(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true")
}

func EnvDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(EnvInt(k, def))
}

func splitCSV(raw string) []string {
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
