package main

import (
	"bufio"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"quadgate/pkg/attest"
	"quadgate/pkg/audit"
	"quadgate/pkg/auth"
	"quadgate/pkg/config"
	"quadgate/pkg/engine"
	"quadgate/pkg/eventbus"
	"quadgate/pkg/httpx"
	"quadgate/pkg/metrics"
	"quadgate/pkg/models"
	"quadgate/pkg/nonce"
	"quadgate/pkg/registry"
	"quadgate/pkg/semantic"
	"quadgate/pkg/session"
	"quadgate/pkg/stream"
	"quadgate/pkg/telemetry"
)

type Server struct {
	Config      config.Config
	Registry    *registry.Registry
	Cached      *registry.CachedStore
	Ledger      nonce.Ledger
	Sessions    *session.Manager
	Crypto      *attest.Gate
	Semantic    *semantic.Gate
	Engine      *engine.Engine
	Audit       audit.Sink
	Metrics     *metrics.Registry
	Events      *stream.Hub
	Revocations eventbus.Consumer
	Origin      string
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(s.Config.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(httpx.BodyLimitMiddleware(s.Config.MaxRequestBodyBytes))

	operatorAuth := auth.Middleware(s.Config.OperatorSecret, auth.WithAudience("quadgate"))

	r.Group(func(r chi.Router) {
		r.Use(s.metricsMiddleware)
		r.Use(telemetry.HTTPMiddleware(s.Config.Service))
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": s.Config.Service})
		})
		r.Post("/v1/challenges/crypto", s.issueCryptoChallenge)
		r.Post("/v1/challenges/semantic", s.issueSemanticChallenge)
		r.Post("/v1/authenticate", s.authenticate)

		r.Group(func(r chi.Router) {
			r.Use(operatorAuth)
			r.With(auth.RequireRoles(auth.RoleOperator)).Post("/v1/devices", s.registerDevice)
			r.With(auth.RequireRoles(auth.RoleOperator, auth.RoleAuditor)).Get("/v1/devices/{device_id}", s.getDevice)
			r.With(auth.RequireRoles(auth.RoleOperator)).Delete("/v1/devices/{device_id}", s.revokeDevice)
			r.With(auth.RequireRoles(auth.RoleOperator, auth.RoleAuditor)).Get("/v1/audit/{decision_id}", s.getAudit)
			r.With(auth.RequireRoles(auth.RoleOperator, auth.RoleAuditor)).Get("/metrics", s.Metrics.Handler())
			r.With(auth.RequireRoles(auth.RoleOperator, auth.RoleAuditor)).Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
		})
	})

	// The websocket upgrade needs the raw connection, so the stream sits
	// outside the response-wrapping middlewares.
	r.Group(func(r chi.Router) {
		r.Use(operatorAuth)
		r.With(auth.RequireRoles(auth.RoleOperator, auth.RoleAuditor)).Get("/v1/stream", stream.Handler(s.Events, originPatterns(s.Config.CORSAllowedOrigins)))
	})
	return r
}

func (s *Server) issueCryptoChallenge(w http.ResponseWriter, r *http.Request) {
	var req models.CryptoChallengeRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		httpx.Error(w, http.StatusBadRequest, "device_id required")
		return
	}
	ch, err := s.Crypto.IssueChallenge(r.Context(), req.DeviceID)
	if err != nil {
		s.challengeError(w, "crypto", err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, models.NewChallengeResponse(ch, ""))
}

func (s *Server) issueSemanticChallenge(w http.ResponseWriter, r *http.Request) {
	var req models.SemanticChallengeRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		httpx.Error(w, http.StatusBadRequest, "device_id required")
		return
	}
	difficulty, err := semantic.ParseDifficulty(req.Difficulty)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	ch, prompt, err := s.Semantic.GenerateChallenge(r.Context(), req.Topic, difficulty, semantic.Binding{
		DeviceID:  req.DeviceID,
		SessionID: req.SessionID,
	})
	if err != nil {
		s.challengeError(w, "semantic", err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, models.NewChallengeResponse(ch, prompt))
}

func (s *Server) challengeError(w http.ResponseWriter, kind string, err error) {
	switch {
	case errors.Is(err, models.ErrUnknownDevice):
		httpx.Error(w, http.StatusNotFound, models.ReasonUnknownDevice)
	case errors.Is(err, semantic.ErrNoPrompt):
		httpx.Error(w, http.StatusNotFound, "no prompt for topic and difficulty")
	default:
		log.Printf("quadgated: issue %s challenge failed: %v", kind, err)
		httpx.Error(w, http.StatusInternalServerError, "challenge issue failed")
	}
}

// authenticate answers 200 for allow and deny alike; the outcome is in the
// body.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) {
	var req models.AuthenticationRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	d := s.Engine.Authenticate(r.Context(), req)
	if !s.Config.ExposeDecisionDetail {
		d = d.Public()
	}
	httpx.WriteJSON(w, http.StatusOK, d)
}

func (s *Server) registerDevice(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterDeviceRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := s.Registry.Register(r.Context(), req.DeviceID, req.PublicKey, req.TOTPSecret, req.Label)
	switch {
	case err == nil:
		httpx.WriteJSON(w, http.StatusCreated, d)
	case errors.Is(err, registry.ErrInvalidDevice):
		httpx.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrAlreadyRegistered):
		httpx.Error(w, http.StatusConflict, models.ReasonAlreadyRegistered)
	default:
		log.Printf("quadgated: register device failed: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "register failed")
	}
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.Registry.Get(r.Context(), chi.URLParam(r, "device_id"))
	switch {
	case err == nil:
		httpx.WriteJSON(w, http.StatusOK, d)
	case errors.Is(err, models.ErrUnknownDevice):
		httpx.Error(w, http.StatusNotFound, models.ReasonUnknownDevice)
	default:
		log.Printf("quadgated: get device failed: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "lookup failed")
	}
}

// revokeDevice reports 500 when a cascade hook failed; the device row is
// deleted either way.
func (s *Server) revokeDevice(w http.ResponseWriter, r *http.Request) {
	err := s.Registry.Revoke(r.Context(), chi.URLParam(r, "device_id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, models.ErrUnknownDevice):
		httpx.Error(w, http.StatusNotFound, models.ReasonUnknownDevice)
	default:
		httpx.Error(w, http.StatusInternalServerError, "device revoked; cascade incomplete")
	}
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Audit.Get(r.Context(), chi.URLParam(r, "decision_id"))
	switch {
	case err == nil:
		httpx.WriteJSON(w, http.StatusOK, rec)
	case errors.Is(err, audit.ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "decision not found")
	default:
		log.Printf("quadgated: audit lookup failed: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "audit lookup failed")
	}
}

func originPatterns(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		p = strings.TrimPrefix(strings.TrimPrefix(p, "https://"), "http://")
		out = append(out, p)
	}
	return out
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(s.ResponseWriter).Hijack()
}

// metricsMiddleware labels by route pattern so device ids in paths do not
// explode the endpoint cardinality.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		path := r.Method + " " + pattern
		s.Metrics.Observe(path, rec.code, elapsed)
		s.Metrics.ObserveLatency(path, elapsed)
	})
}
