// Package session implements the session integrity gate (Q4): HMAC-SHA256
// signed tokens bound to a device. Q4 confirms continuity only and never
// counts toward the quorum.
package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"quadgate/pkg/models"
	"quadgate/pkg/store"
)

const (
	MinKeyBytes = 32
	DefaultTTL  = 15 * time.Minute
	Confidence  = 60

	cutoffPrefix = "session-cutoff:"
)

type claims struct {
	SessionID string `json:"sid"`
	DeviceID  string `json:"did"`
	CreatedAt int64  `json:"iat"`
}

type Manager struct {
	key []byte
	TTL time.Duration
	// Revocations holds per-device cutoffs; tokens created at or before a
	// device's cutoff are rejected.
	Revocations store.Cache
	Now         func() time.Time
}

// NewManager rejects keys shorter than MinKeyBytes.
func NewManager(key []byte, ttl time.Duration, revocations store.Cache) (*Manager, error) {
	if len(key) < MinKeyBytes {
		return nil, models.Wrap(models.ErrWeakSigningKey, fmt.Errorf("need %d bytes, got %d", MinKeyBytes, len(key)))
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Manager{key: k, TTL: ttl, Revocations: revocations, Now: time.Now}, nil
}

// Mint issues a token for deviceID.
func (m *Manager) Mint(ctx context.Context, deviceID string) (string, models.Session, error) {
	if len(m.key) < MinKeyBytes {
		return "", models.Session{}, models.ErrWeakSigningKey
	}
	if strings.TrimSpace(deviceID) == "" {
		return "", models.Session{}, errors.New("session: device id required")
	}
	now := m.Now().UTC().Truncate(time.Millisecond)
	c := claims{SessionID: uuid.NewString(), DeviceID: deviceID, CreatedAt: now.UnixMilli()}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", models.Session{}, err
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	token := payload + "." + base64.RawURLEncoding.EncodeToString(m.sign(payload))
	return token, models.Session{
		SessionID: c.SessionID,
		DeviceID:  deviceID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.TTL),
	}, nil
}

// Validate runs the fail-closed checks in order: presence, key strength,
// signature, device binding, age, revocation.
func (m *Manager) Validate(ctx context.Context, token, deviceID string) models.GateResult {
	token = strings.TrimSpace(token)
	if token == "" {
		return models.Failed(models.GateIntegrity, models.ErrTokenMissing, nil)
	}
	if len(m.key) < MinKeyBytes {
		return models.Failed(models.GateIntegrity, models.ErrWeakSigningKey, nil)
	}
	c, err := m.parse(token)
	if err != nil {
		return models.Failed(models.GateIntegrity, err, nil)
	}
	evidence := map[string]any{"session_id": c.SessionID}
	if !hmac.Equal([]byte(c.DeviceID), []byte(deviceID)) {
		return models.Failed(models.GateIntegrity, models.ErrBindingMismatch, evidence)
	}
	created := time.UnixMilli(c.CreatedAt).UTC()
	age := m.Now().UTC().Sub(created)
	evidence["age_ms"] = age.Milliseconds()
	if age > m.TTL {
		return models.Failed(models.GateIntegrity, models.ErrSessionExpired, evidence)
	}
	if revoked, err := m.revoked(ctx, deviceID, c.CreatedAt); err != nil {
		return models.Failed(models.GateIntegrity, fmt.Errorf("session: revocation lookup: %w", err), evidence)
	} else if revoked {
		return models.Failed(models.GateIntegrity, models.ErrSessionRevoked, evidence)
	}
	return models.GateResult{
		Gate:       models.GateIntegrity,
		Attempted:  true,
		Success:    true,
		Confidence: Confidence,
		Reason:     models.ReasonOK,
		Evidence:   evidence,
	}
}

// RevokeDevice invalidates every token minted for deviceID at or before at.
// It has the shape of a registry revoke hook.
func (m *Manager) RevokeDevice(ctx context.Context, deviceID string, at time.Time) error {
	if m.Revocations == nil {
		return errors.New("session: no revocation store configured")
	}
	// Cutoffs outlive every token they could apply to.
	ttl := m.TTL + time.Minute
	return m.Revocations.Set(ctx, cutoffPrefix+deviceID, strconv.FormatInt(at.UTC().UnixMilli(), 10), ttl)
}

func (m *Manager) revoked(ctx context.Context, deviceID string, createdMs int64) (bool, error) {
	if m.Revocations == nil {
		return false, nil
	}
	raw, err := m.Revocations.Get(ctx, cutoffPrefix+deviceID)
	if errors.Is(err, store.ErrMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	cutoff, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, fmt.Errorf("session: bad cutoff %q: %w", raw, err)
	}
	return createdMs <= cutoff, nil
}

func (m *Manager) parse(token string) (claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return claims{}, models.ErrMalformedToken
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return claims{}, models.Wrap(models.ErrMalformedToken, err)
	}
	if !hmac.Equal(sig, m.sign(parts[0])) {
		return claims{}, models.ErrMalformedToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return claims{}, models.Wrap(models.ErrMalformedToken, err)
	}
	var c claims
	if err := json.Unmarshal(raw, &c); err != nil {
		return claims{}, models.Wrap(models.ErrMalformedToken, err)
	}
	if c.SessionID == "" || c.DeviceID == "" || c.CreatedAt == 0 {
		return claims{}, models.ErrMalformedToken
	}
	return c, nil
}

func (m *Manager) sign(payload string) []byte {
	mac := hmac.New(sha256.New, m.key)
	_, _ = mac.Write([]byte(payload))
	return mac.Sum(nil)
}
