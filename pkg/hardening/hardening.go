// Package hardening refuses production-like startups whose settings would
// weaken the authentication guarantees.
package hardening

import (
	"errors"
	"fmt"
	"strings"
)

// MinSigningKeyBytes is the shortest session signing key accepted anywhere.
const MinSigningKeyBytes = 32

type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Service                string
	Environment            string
	StrictProdSecurity     string
	DatabaseRequireTLS     string
	UsesDatabase           bool
	RedisAddr              string
	RedisRequireTLS        string
	RedisTLSInsecure       string
	RedisAllowInsecureTLS  string
	CORSAllowedOrigins     string
	SessionSigningKey      []byte
	RegistryBackend        string
	LedgerBackend          string
	TOTPReplayGuard        bool
	ExposeDecisionDetail   bool
	RequiredServiceSecrets []EnvRequirement
}

// ValidateProduction returns every violation at once, joined, so an operator
// can fix a deployment in one pass. Non-production environments and
// STRICT_PROD_SECURITY=false skip all checks.
func ValidateProduction(o Options) error {
	if !IsProductionLikeEnv(o.Environment) || !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: "+format, append([]any{service}, args...)...))
	}

	if o.UsesDatabase && !isTrue(o.DatabaseRequireTLS, false) {
		fail("DATABASE_REQUIRE_TLS=true is required")
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			fail("REDIS_REQUIRE_TLS=true is required")
		}
		if isTrue(o.RedisTLSInsecure, false) || isTrue(o.RedisAllowInsecureTLS, false) {
			fail("REDIS_TLS_INSECURE and REDIS_ALLOW_INSECURE_TLS are forbidden")
		}
	}
	if len(o.SessionSigningKey) < MinSigningKeyBytes {
		fail("SESSION_SIGNING_KEY must be at least %d bytes", MinSigningKeyBytes)
	}
	// In-process state does not survive restarts and is not shared between
	// replicas, so single-use challenges and registrations would diverge.
	if isMemory(o.RegistryBackend) {
		fail("REGISTRY_BACKEND=memory is forbidden")
	}
	if isMemory(o.LedgerBackend) {
		fail("LEDGER_BACKEND=memory is forbidden")
	}
	if !o.TOTPReplayGuard {
		fail("TOTP_REPLAY_GUARD must stay enabled")
	}
	if o.ExposeDecisionDetail {
		fail("EXPOSE_DECISION_DETAIL=true is forbidden")
	}
	for _, msg := range corsViolations(o.CORSAllowedOrigins) {
		fail("%s", msg)
	}
	for _, req := range o.RequiredServiceSecrets {
		if strings.TrimSpace(req.Name) != "" && strings.TrimSpace(req.Value) == "" {
			fail("%s is required", req.Name)
		}
	}
	return errors.Join(errs...)
}

func corsViolations(raw string) []string {
	var out []string
	seen := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		seen++
		lower := strings.ToLower(o)
		host := strings.TrimPrefix(strings.TrimPrefix(lower, "https://"), "http://")
		switch {
		case lower == "*":
			out = append(out, "CORS wildcard origin is forbidden")
		case strings.HasPrefix(host, "localhost") || strings.HasPrefix(host, "127.0.0.1"):
			out = append(out, fmt.Sprintf("localhost CORS origin %q is forbidden", o))
		case !strings.HasPrefix(lower, "https://"):
			out = append(out, fmt.Sprintf("CORS origin %q must use https", o))
		}
	}
	if seen == 0 {
		out = append(out, "CORS_ALLOWED_ORIGINS must be set explicitly")
	}
	return out
}

func isMemory(backend string) bool {
	b := strings.TrimSpace(backend)
	return b == "" || strings.EqualFold(b, "memory")
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func IsProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
