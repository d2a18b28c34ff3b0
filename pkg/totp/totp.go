// Package totp is the mandatory pre-gate: RFC 6238 codes (SHA1, 6 digits,
// 30 s period) accepted within one step of clock skew.
package totp

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"quadgate/pkg/models"
	"quadgate/pkg/store"
)

const (
	Period = 30
	Skew   = 1
)

var opts = totp.ValidateOpts{
	Period:    Period,
	Skew:      Skew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// SecretSource opens the enrolled seed for a device.
type SecretSource interface {
	TOTPSecret(ctx context.Context, deviceID string) (string, error)
}

type Verifier struct {
	Secrets SecretSource
	// Replay, when set, remembers accepted (device, time step) pairs so a
	// code cannot be reused inside its validity window.
	Replay store.Cache
	Now    func() time.Time
}

func NewVerifier(secrets SecretSource, replay store.Cache) *Verifier {
	return &Verifier{Secrets: secrets, Replay: replay, Now: time.Now}
}

// Verify returns nil or an error coded TOTP_INVALID. Unknown devices are
// reported the same way as wrong codes.
func (v *Verifier) Verify(ctx context.Context, deviceID, code string) error {
	code = strings.TrimSpace(code)
	if len(code) != opts.Digits.Length() {
		return models.ErrTotpInvalid
	}
	secret, err := v.Secrets.TOTPSecret(ctx, deviceID)
	if err != nil {
		if errors.Is(err, models.ErrUnknownDevice) {
			return models.ErrTotpInvalid
		}
		return models.Wrap(models.ErrTotpInvalid, err)
	}
	now := v.Now().UTC()
	counter, ok := matchStep(secret, code, now)
	if !ok {
		return models.ErrTotpInvalid
	}
	if v.Replay != nil {
		key := "totp:" + deviceID + ":" + strconv.FormatInt(counter, 10)
		ttl := time.Duration((2*Skew+1)*Period) * time.Second
		fresh, err := v.Replay.SetNX(ctx, key, "1", ttl)
		if err != nil {
			log.Printf("totp: replay guard unavailable: %v", err)
			return models.Wrap(models.ErrTotpInvalid, err)
		}
		if !fresh {
			return models.Wrap(models.ErrTotpInvalid, errors.New("code already used"))
		}
	}
	return nil
}

// matchStep returns the time-step counter whose code equals code.
func matchStep(secret, code string, now time.Time) (int64, bool) {
	base := now.Unix() / Period
	for delta := -int64(Skew); delta <= int64(Skew); delta++ {
		counter := base + delta
		want, err := totp.GenerateCodeCustom(secret, time.Unix(counter*Period, 0).UTC(), opts)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			return counter, true
		}
	}
	return 0, false
}

// Code returns the current code for secret at t; used by clients and tests.
func Code(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t, opts)
}

// Enrollment is a fresh seed plus its otpauth:// provisioning URL.
type Enrollment struct {
	Secret string
	URL    string
}

func Enroll(issuer, account string) (Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      Period,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("totp: generate: %w", err)
	}
	return Enrollment{Secret: key.Secret(), URL: key.URL()}, nil
}
