package totp

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"quadgate/pkg/models"
	"quadgate/pkg/store"
)

const seed = "JBSWY3DPEHPK3PXP"

type staticSecrets map[string]string

func (s staticSecrets) TOTPSecret(ctx context.Context, deviceID string) (string, error) {
	v, ok := s[deviceID]
	if !ok {
		return "", models.ErrUnknownDevice
	}
	return v, nil
}

func newTestVerifier(now time.Time, replay store.Cache) *Verifier {
	v := NewVerifier(staticSecrets{"D1": seed}, replay)
	v.Now = func() time.Time { return now }
	return v
}

func TestVerifyAcceptsSkewWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 15, 0, time.UTC)
	for _, offset := range []time.Duration{-30 * time.Second, 0, 30 * time.Second} {
		code, err := Code(seed, now.Add(offset))
		if err != nil {
			t.Fatalf("code: %v", err)
		}
		if err := newTestVerifier(now, nil).Verify(context.Background(), "D1", code); err != nil {
			t.Fatalf("offset %s: expected accept, got %v", offset, err)
		}
	}
	stale, _ := Code(seed, now.Add(-90*time.Second))
	if err := newTestVerifier(now, nil).Verify(context.Background(), "D1", stale); !errors.Is(err, models.ErrTotpInvalid) {
		t.Fatalf("expected stale code rejected, got %v", err)
	}
}

func TestVerifyRejectsWithoutEnumeration(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	code, _ := Code(seed, now)
	v := newTestVerifier(now, nil)
	cases := map[string][2]string{
		"unknown_device": {"ghost", code},
		"short_code":     {"D1", "123"},
		"wrong_code":     {"D1", "000000"},
	}
	if _, ok := matchStep(seed, "000000", now); ok {
		t.Skip("fixture code collides with the skew window")
	}
	for name, tc := range cases {
		err := v.Verify(context.Background(), tc[0], tc[1])
		if models.ReasonCode(err) != models.ReasonTotpInvalid {
			t.Fatalf("%s: expected TOTP_INVALID, got %v", name, err)
		}
	}
}

func TestVerifyReplayGuard(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache := store.NewMemoryCache().WithClock(func() time.Time { return now })
	v := newTestVerifier(now, cache)
	code, _ := Code(seed, now)
	if err := v.Verify(context.Background(), "D1", code); err != nil {
		t.Fatalf("first use: %v", err)
	}
	err := v.Verify(context.Background(), "D1", code)
	if !errors.Is(err, models.ErrTotpInvalid) || !strings.Contains(err.Error(), "already used") {
		t.Fatalf("expected replay rejection, got %v", err)
	}
	next, _ := Code(seed, now.Add(30*time.Second))
	if err := v.Verify(context.Background(), "D1", next); err != nil {
		t.Fatalf("next step code must be accepted, got %v", err)
	}
}

func TestEnrollProducesUsableSecret(t *testing.T) {
	e, err := Enroll("quadgate", "D1")
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if !strings.HasPrefix(e.URL, "otpauth://totp/") || e.Secret == "" {
		t.Fatalf("unexpected enrollment %+v", e)
	}
	now := time.Now()
	code, err := Code(e.Secret, now)
	if err != nil {
		t.Fatalf("code: %v", err)
	}
	v := NewVerifier(staticSecrets{"D1": e.Secret}, nil)
	v.Now = func() time.Time { return now }
	if err := v.Verify(context.Background(), "D1", code); err != nil {
		t.Fatalf("verify enrolled code: %v", err)
	}
}
