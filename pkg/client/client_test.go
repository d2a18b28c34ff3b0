package client

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"quadgate/pkg/attest"
	"quadgate/pkg/models"
)

func TestSignerAnswerVerifiesAgainstPayload(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := NewSignerFromBase64(base64.StdEncoding.EncodeToString(priv))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	resp, err := signer.Answer(models.ChallengeResponse{ChallengeID: "c-1", Kind: models.KindCrypto, Nonce: "bm9uY2U"})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	payload, err := attest.SignaturePayload("c-1", "bm9uY2U")
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if resp.ChallengeID != "c-1" || !ed25519.Verify(pub, payload, resp.Signature) {
		t.Fatal("signature does not verify against the server payload")
	}
	if _, err := signer.Answer(models.ChallengeResponse{ChallengeID: "c-2", Kind: models.KindSemantic}); err == nil {
		t.Fatal("expected refusal to sign a semantic challenge")
	}
}

func TestNewSignerFromBase64Rejects(t *testing.T) {
	if _, err := NewSignerFromBase64("%%%"); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := NewSignerFromBase64(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Fatal("expected length error")
	}
}

func TestAuthenticateRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/authenticate" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "" {
			t.Fatal("end-user call must not carry operator token")
		}
		var req models.AuthenticationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.DeviceID != "D1" || req.TOTP != "123456" || req.CryptoResponse == nil {
			t.Fatalf("unexpected request: %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(models.Decision{DecisionID: "d-1", Outcome: models.OutcomeAllow, SessionToken: "tok"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second)
	d, err := c.Authenticate(context.Background(), models.AuthenticationRequest{
		DeviceID:       "D1",
		TOTP:           "123456",
		CryptoResponse: &models.CryptoResponse{ChallengeID: "c-1", Signature: []byte{1, 2}},
	})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if d.Outcome != models.OutcomeAllow || d.SessionToken != "tok" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestOperatorCallsCarryBearerAndMapErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer op-token" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid token"}`))
			return
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/devices/D%201", r.Method == http.MethodGet && r.URL.Path == "/v1/devices/D 1":
			_ = json.NewEncoder(w).Encode(models.Device{DeviceID: "D 1", Label: "laptop"})
		case r.Method == http.MethodDelete && r.URL.Path == "/v1/devices/D2":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"device not registered"}`))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	if _, err := c.GetDevice(context.Background(), "D 1"); !IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("expected 401 without token, got %v", err)
	}
	c.AuthToken = "op-token"
	dev, err := c.GetDevice(context.Background(), "D 1")
	if err != nil || dev.Label != "laptop" {
		t.Fatalf("get device: %+v %v", dev, err)
	}
	if err := c.RevokeDevice(context.Background(), "D2"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	err = c.RevokeDevice(context.Background(), "missing")
	if !IsStatus(err, http.StatusNotFound) {
		t.Fatalf("expected 404, got %v", err)
	}
	if apiErr, ok := err.(*APIError); !ok || apiErr.Message != "device not registered" {
		t.Fatalf("expected decoded error message, got %v", err)
	}
}

func TestNonIdempotentCallsAreNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	c.Retries = 2
	c.RetryDelay = time.Millisecond
	if _, err := c.IssueCryptoChallenge(context.Background(), "D1"); !IsStatus(err, http.StatusServiceUnavailable) {
		t.Fatalf("expected 503, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("challenge issue must not retry, got %d hits", hits.Load())
	}
	hits.Store(0)
	if err := c.Health(context.Background()); err == nil {
		t.Fatal("expected health error")
	}
	if hits.Load() != 3 {
		t.Fatalf("expected 3 health attempts, got %d", hits.Load())
	}
}
