// Package registry maps device ids to their Ed25519 public keys and sealed
// TOTP seeds. Keys are never rotated in place: a device must be revoked
// before the same id can be registered again.
package registry

import (
	"context"
	"crypto/ed25519"
	"encoding/base32"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"quadgate/pkg/models"
	"quadgate/pkg/secretbox"
)

// Store is the persistence surface implemented by every backend.
// Insert reports models.ErrAlreadyRegistered on a duplicate id; Get and
// Delete report models.ErrUnknownDevice when the id is absent.
type Store interface {
	Insert(ctx context.Context, d models.Device) error
	Get(ctx context.Context, deviceID string) (models.Device, error)
	Delete(ctx context.Context, deviceID string) error
	List(ctx context.Context) ([]models.Device, error)
}

// ErrInvalidDevice wraps registration input that can never be stored.
var ErrInvalidDevice = errors.New("registry: invalid device")

// RevokeHook runs after a device row is deleted. Hooks purge ledger entries,
// write session revocation cutoffs and publish revocation events.
type RevokeHook func(ctx context.Context, deviceID string, revokedAt time.Time) error

type Registry struct {
	store Store
	box   *secretbox.Box
	now   func() time.Time

	mu    sync.RWMutex
	hooks []RevokeHook
}

func New(store Store, box *secretbox.Box) *Registry {
	return &Registry{store: store, box: box, now: time.Now}
}

// WithClock replaces the registration clock.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// OnRevoke registers a cascade hook. Hooks run in registration order.
func (r *Registry) OnRevoke(h RevokeHook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

// Register stores a new device. totpSecret is the base32 seed shared with
// the authenticator app; it is sealed before it reaches the store.
func (r *Registry) Register(ctx context.Context, deviceID string, pub ed25519.PublicKey, totpSecret, label string) (models.Device, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return models.Device{}, fmt.Errorf("%w: device_id required", ErrInvalidDevice)
	}
	if len(pub) != ed25519.PublicKeySize {
		return models.Device{}, fmt.Errorf("%w: public key must be %d bytes, got %d", ErrInvalidDevice, ed25519.PublicKeySize, len(pub))
	}
	secret := strings.ToUpper(strings.TrimSpace(totpSecret))
	if _, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.TrimRight(secret, "=")); err != nil || secret == "" {
		return models.Device{}, fmt.Errorf("%w: totp secret must be non-empty base32", ErrInvalidDevice)
	}
	if r.box == nil {
		return models.Device{}, errors.New("registry: sealing key not configured")
	}
	sealed, err := r.box.Seal([]byte(secret), []byte(deviceID))
	if err != nil {
		return models.Device{}, err
	}
	d := models.Device{
		DeviceID:     deviceID,
		PublicKey:    append(ed25519.PublicKey(nil), pub...),
		Label:        strings.TrimSpace(label),
		RegisteredAt: r.now().UTC(),
		SealedTOTP:   sealed,
	}
	if err := r.store.Insert(ctx, d); err != nil {
		var stale *StaleCacheError
		if !errors.As(err, &stale) {
			return models.Device{}, err
		}
		log.Printf("registry: %v", stale)
	}
	log.Printf("registry: registered device %s", deviceID)
	d.SealedTOTP = nil
	return d, nil
}

// Lookup returns the registered public key.
func (r *Registry) Lookup(ctx context.Context, deviceID string) (ed25519.PublicKey, error) {
	d, err := r.store.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return d.PublicKey, nil
}

// Get returns device metadata without sealed material.
func (r *Registry) Get(ctx context.Context, deviceID string) (models.Device, error) {
	d, err := r.store.Get(ctx, deviceID)
	if err != nil {
		return models.Device{}, err
	}
	d.SealedTOTP = nil
	return d, nil
}

// TOTPSecret opens the sealed seed for the TOTP verifier.
func (r *Registry) TOTPSecret(ctx context.Context, deviceID string) (string, error) {
	d, err := r.store.Get(ctx, deviceID)
	if err != nil {
		return "", err
	}
	if r.box == nil || len(d.SealedTOTP) == 0 {
		return "", errors.New("registry: no sealed totp secret")
	}
	plain, err := r.box.Open(d.SealedTOTP, []byte(d.DeviceID))
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (r *Registry) List(ctx context.Context) ([]models.Device, error) {
	devices, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		devices[i].SealedTOTP = nil
	}
	return devices, nil
}

// Revoke deletes the device and runs every cascade hook. Once the row is
// deleted the hooks always run; a stale cache and hook failures are joined
// into the returned error.
func (r *Registry) Revoke(ctx context.Context, deviceID string) error {
	var errs []error
	if err := r.store.Delete(ctx, deviceID); err != nil {
		var stale *StaleCacheError
		if !errors.As(err, &stale) {
			return err
		}
		log.Printf("registry: %v", stale)
		errs = append(errs, stale)
	}
	at := r.now().UTC()
	log.Printf("registry: revoked device %s", deviceID)
	r.mu.RLock()
	hooks := append([]RevokeHook(nil), r.hooks...)
	r.mu.RUnlock()
	for _, h := range hooks {
		if err := h(ctx, deviceID, at); err != nil {
			log.Printf("registry: revoke cascade for %s failed: %v", deviceID, err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("registry: revoke cascade: %w", errors.Join(errs...))
	}
	return nil
}
