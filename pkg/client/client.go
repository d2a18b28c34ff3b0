// Package client is the Go SDK for the quadgated HTTP API.
package client

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"quadgate/pkg/attest"
	"quadgate/pkg/audit"
	"quadgate/pkg/httpx"
	"quadgate/pkg/models"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	// AuthToken is the operator bearer token; end-user calls do not need it.
	AuthToken  string
	Retries    int
	RetryDelay time.Duration
}

// APIError is returned for any non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("quadgated status=%d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		RetryDelay: 200 * time.Millisecond,
	}
}

// Signer answers crypto challenges with a device's Ed25519 key.
type Signer struct {
	PrivateKey ed25519.PrivateKey
}

func NewSignerFromBase64(privateKeyB64 string) (Signer, error) {
	privBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(privateKeyB64))
	if err != nil {
		return Signer{}, fmt.Errorf("decode private key: %w", err)
	}
	if len(privBytes) != ed25519.PrivateKeySize {
		return Signer{}, fmt.Errorf("invalid private key length: got=%d want=%d", len(privBytes), ed25519.PrivateKeySize)
	}
	return Signer{PrivateKey: ed25519.PrivateKey(privBytes)}, nil
}

// Answer signs the challenge exactly as the attestation gate verifies it.
func (s Signer) Answer(ch models.ChallengeResponse) (*models.CryptoResponse, error) {
	if ch.Kind != "" && ch.Kind != models.KindCrypto {
		return nil, fmt.Errorf("challenge %s is %s, not crypto", ch.ChallengeID, ch.Kind)
	}
	sig, err := attest.Sign(s.PrivateKey, ch.ChallengeID, ch.Nonce)
	if err != nil {
		return nil, err
	}
	return &models.CryptoResponse{ChallengeID: ch.ChallengeID, Signature: sig}, nil
}

func (c *Client) IssueCryptoChallenge(ctx context.Context, deviceID string) (models.ChallengeResponse, error) {
	var out models.ChallengeResponse
	err := c.do(ctx, http.MethodPost, "/v1/challenges/crypto", models.CryptoChallengeRequest{DeviceID: deviceID}, &out, false)
	return out, err
}

func (c *Client) IssueSemanticChallenge(ctx context.Context, req models.SemanticChallengeRequest) (models.ChallengeResponse, error) {
	var out models.ChallengeResponse
	err := c.do(ctx, http.MethodPost, "/v1/challenges/semantic", req, &out, false)
	return out, err
}

// Authenticate submits one attempt. A deny is a successful call; inspect
// Decision.Outcome.
func (c *Client) Authenticate(ctx context.Context, req models.AuthenticationRequest) (models.Decision, error) {
	var out models.Decision
	err := c.do(ctx, http.MethodPost, "/v1/authenticate", req, &out, false)
	return out, err
}

func (c *Client) RegisterDevice(ctx context.Context, req models.RegisterDeviceRequest) (models.Device, error) {
	var out models.Device
	err := c.do(ctx, http.MethodPost, "/v1/devices", req, &out, false)
	return out, err
}

func (c *Client) GetDevice(ctx context.Context, deviceID string) (models.Device, error) {
	var out models.Device
	err := c.do(ctx, http.MethodGet, "/v1/devices/"+url.PathEscape(deviceID), nil, &out, true)
	return out, err
}

func (c *Client) RevokeDevice(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/devices/"+url.PathEscape(deviceID), nil, nil, true)
}

func (c *Client) AuditRecord(ctx context.Context, decisionID string) (audit.Record, error) {
	var out audit.Record
	err := c.do(ctx, http.MethodGet, "/v1/audit/"+url.PathEscape(decisionID), nil, &out, true)
	return out, err
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, true)
}

// do retries only idempotent calls; challenge issue and authenticate are
// never replayed.
func (c *Client) do(ctx context.Context, method, path string, in, out any, idempotent bool) error {
	var body []byte
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = raw
	}
	headers := map[string]string{"Accept": "application/json"}
	if token := strings.TrimSpace(c.AuthToken); token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	retries := 0
	if idempotent {
		retries = c.Retries
	}
	status, respBody, err := httpx.RequestJSON(ctx, c.httpClient(), method, c.BaseURL+path, body, headers, retries, c.RetryDelay)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return &APIError{Status: status, Message: errorMessage(respBody)}
	}
	if out == nil || len(respBody) == 0 || status == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func errorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}
