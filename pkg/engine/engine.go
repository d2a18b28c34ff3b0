// Package engine turns one AuthenticationRequest into a Decision: rate
// limit, TOTP pre-gate, concurrent gate evaluation, quorum, session mint.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"quadgate/pkg/audit"
	"quadgate/pkg/metrics"
	"quadgate/pkg/models"
	"quadgate/pkg/ratelimit"
	"quadgate/pkg/semantic"
	"quadgate/pkg/stream"
	"quadgate/pkg/telemetry"
)

const (
	DefaultGateTimeout = 5 * time.Second
	DefaultRateLimit   = 5

	auditTimeout = 2 * time.Second
)

type TOTPVerifier interface {
	Verify(ctx context.Context, deviceID, code string) error
}

type CryptoGate interface {
	Verify(ctx context.Context, challengeID, deviceID string, signature []byte) models.GateResult
}

type BehaviorGate interface {
	Analyze(ctx context.Context, text string, hints map[string]any) models.GateResult
}

type SemanticGate interface {
	Verify(ctx context.Context, challengeID, responseText string, b semantic.Binding, metadata map[string]any) models.GateResult
}

type SessionGate interface {
	Validate(ctx context.Context, token, deviceID string) models.GateResult
	Mint(ctx context.Context, deviceID string) (string, models.Session, error)
}

// Deps are the collaborators an Engine needs. Audit, Metrics and Events are
// optional and never influence the outcome.
type Deps struct {
	Limiter     ratelimit.Limiter
	RateLimit   int
	TOTP        TOTPVerifier
	Crypto      CryptoGate
	Behavior    BehaviorGate
	Semantic    SemanticGate
	Session     SessionGate
	GateTimeout time.Duration

	Audit     audit.Sink
	AuditSalt []byte
	Metrics   *metrics.Registry
	Events    *stream.Hub
}

type Engine struct {
	deps Deps
	Now  func() time.Time
}

func New(d Deps) (*Engine, error) {
	switch {
	case d.Limiter == nil:
		return nil, errors.New("engine: rate limiter required")
	case d.TOTP == nil:
		return nil, errors.New("engine: totp verifier required")
	case d.Crypto == nil || d.Behavior == nil || d.Semantic == nil || d.Session == nil:
		return nil, errors.New("engine: all four gates required")
	}
	if d.RateLimit <= 0 {
		d.RateLimit = DefaultRateLimit
	}
	if d.GateTimeout <= 0 {
		d.GateTimeout = DefaultGateTimeout
	}
	return &Engine{deps: d, Now: time.Now}, nil
}

// Authenticate never returns an error: every failure is a Deny.
func (e *Engine) Authenticate(ctx context.Context, req models.AuthenticationRequest) models.Decision {
	start := e.Now()
	ctx, span := telemetry.StartSpan(ctx, "quadgate.authenticate")
	d := e.authenticate(ctx, req)
	telemetry.EndDecision(span, d)
	e.record(ctx, req.DeviceID, d, e.Now().Sub(start))
	return d
}

func (e *Engine) authenticate(ctx context.Context, req models.AuthenticationRequest) models.Decision {
	d := models.Decision{
		DecisionID:  uuid.NewString(),
		GateResults: []models.GateResult{},
	}
	deny := func(reason string) models.Decision {
		d.Outcome = models.OutcomeDeny
		d.Reasons = []string{reason}
		d.DecidedAt = e.Now().UTC()
		return d
	}

	if rl := e.deps.Limiter.Allow(ctx, "auth:"+req.DeviceID, e.deps.RateLimit); !rl.Allowed {
		return deny(models.ReasonRateLimited)
	}
	if err := e.deps.TOTP.Verify(ctx, req.DeviceID, req.TOTP); err != nil {
		return deny(models.ReasonTotpInvalid)
	}

	d.GateResults = e.runGates(ctx, req)
	d.Outcome, d.Reasons = Decide(d.GateResults)
	if d.Outcome == models.OutcomeAllow {
		token, _, err := e.deps.Session.Mint(ctx, req.DeviceID)
		if err != nil {
			log.Printf("engine: session mint failed: %v", err)
			d.Outcome = models.OutcomeDeny
			d.Reasons = []string{models.ReasonInternal}
		} else {
			d.SessionToken = token
		}
	}
	d.DecidedAt = e.Now().UTC()
	return d
}

type gateFunc func(ctx context.Context) models.GateResult

// runGates evaluates the supplied gates concurrently. Results are ordered
// Q1, Q2, Q3, Q4; gates without input are reported as not attempted.
func (e *Engine) runGates(ctx context.Context, req models.AuthenticationRequest) []models.GateResult {
	gates := [4]struct {
		id models.GateID
		fn gateFunc
	}{{id: models.GateCrypto}, {id: models.GateBehavior}, {id: models.GateSemantic}, {id: models.GateIntegrity}}

	if cr := req.CryptoResponse; cr != nil {
		gates[0].fn = func(ctx context.Context) models.GateResult {
			return e.deps.Crypto.Verify(ctx, cr.ChallengeID, req.DeviceID, cr.Signature)
		}
	}
	if req.FreeTextForBehavior != "" {
		gates[1].fn = func(ctx context.Context) models.GateResult {
			return e.deps.Behavior.Analyze(ctx, req.FreeTextForBehavior, req.Context)
		}
	}
	if sr := req.SemanticResponse; sr != nil {
		b := semantic.Binding{DeviceID: req.DeviceID, SessionID: req.SessionID()}
		gates[2].fn = func(ctx context.Context) models.GateResult {
			return e.deps.Semantic.Verify(ctx, sr.ChallengeID, sr.ResponseText, b, sr.Metadata)
		}
	}
	if req.SessionToken != "" {
		gates[3].fn = func(ctx context.Context) models.GateResult {
			return e.deps.Session.Validate(ctx, req.SessionToken, req.DeviceID)
		}
	}

	results := make([]models.GateResult, len(gates))
	var wg sync.WaitGroup
	for i, g := range gates {
		if g.fn == nil {
			results[i] = models.NotAttempted(g.id)
			continue
		}
		wg.Add(1)
		go func(i int, id models.GateID, fn gateFunc) {
			defer wg.Done()
			results[i] = e.runGate(ctx, id, fn)
		}(i, g.id, g.fn)
	}
	wg.Wait()
	return results
}

// runGate bounds fn by the gate timeout. A gate that overruns is reported
// as GATE_TIMEOUT; its goroutine finishes in the background.
func (e *Engine) runGate(ctx context.Context, id models.GateID, fn gateFunc) models.GateResult {
	start := e.Now()
	ctx, span := telemetry.StartGate(ctx, id)
	ctx, cancel := context.WithTimeout(ctx, e.deps.GateTimeout)
	defer cancel()

	done := make(chan models.GateResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				log.Printf("engine: gate %s panicked: %v", id, p)
				done <- models.Failed(id, fmt.Errorf("gate panic: %v", p), nil)
			}
		}()
		done <- fn(ctx)
	}()

	var res models.GateResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = models.Failed(id, models.Wrap(models.ErrGateTimeout, ctx.Err()), map[string]any{"timeout_ms": e.deps.GateTimeout.Milliseconds()})
	}
	res.Gate = id
	telemetry.EndGate(span, res)
	if e.deps.Metrics != nil {
		e.deps.Metrics.ObserveLatency("gate."+string(id), e.Now().Sub(start))
	}
	return res
}

func (e *Engine) record(ctx context.Context, deviceID string, d models.Decision, elapsed time.Duration) {
	if m := e.deps.Metrics; m != nil {
		m.IncOutcome(string(d.Outcome))
		for _, r := range d.Reasons {
			m.IncReason(r)
		}
		for _, g := range d.GateResults {
			m.IncGate(string(g.Gate), gateStatus(g), g.Reason)
		}
		m.ObserveDecisionLatency(elapsed)
		m.ObserveLatency("decision", elapsed)
	}
	if e.deps.Audit != nil {
		rec, err := audit.FromDecision(d, deviceID, e.deps.AuditSalt)
		if err == nil {
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
			err = e.deps.Audit.Append(actx, rec)
			cancel()
		}
		if err != nil {
			log.Printf("engine: audit append failed for decision %s: %v", d.DecisionID, err)
		}
	}
	if e.deps.Events != nil {
		e.deps.Events.Publish(stream.NewEvent(stream.EventDecision, map[string]any{
			"decision_id": d.DecisionID,
			"outcome":     d.Outcome,
			"reasons":     d.Reasons,
		}))
	}
}

func gateStatus(g models.GateResult) string {
	switch {
	case !g.Attempted:
		return "not_attempted"
	case g.Success:
		return "success"
	default:
		return "failure"
	}
}
