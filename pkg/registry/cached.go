package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"quadgate/pkg/models"
	"quadgate/pkg/store"
)

// CachedStore is a read-through cache in front of a durable Store. Writes
// invalidate the cached entry before returning. Revocation leaves a
// tombstone under the device key for one TTL; population uses SetNX, so a
// lookup that read the row before the revoke cannot put it back.
type CachedStore struct {
	Next  Store
	Cache store.Cache
	TTL   time.Duration
}

type cachedDevice struct {
	DeviceID     string    `json:"device_id"`
	PublicKey    []byte    `json:"public_key"`
	Label        string    `json:"label"`
	SealedTOTP   []byte    `json:"sealed_totp"`
	RegisteredAt time.Time `json:"registered_at"`
}

const tombstoneValue = "revoked"

// StaleCacheError reports a durable write that succeeded while the cache
// could not be updated.
type StaleCacheError struct {
	DeviceID string
	Err      error
}

func (e *StaleCacheError) Error() string {
	return fmt.Sprintf("registry: cache for %s not updated: %v", e.DeviceID, e.Err)
}

func (e *StaleCacheError) Unwrap() error {
	return e.Err
}

func NewCachedStore(next Store, cache store.Cache, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedStore{Next: next, Cache: cache, TTL: ttl}
}

func deviceCacheKey(deviceID string) string {
	return "device:" + deviceID
}

// Insert clears any tombstone left by an earlier revocation of the same id.
func (c *CachedStore) Insert(ctx context.Context, d models.Device) error {
	if err := c.Next.Insert(ctx, d); err != nil {
		return err
	}
	if err := c.Cache.Del(ctx, deviceCacheKey(d.DeviceID)); err != nil {
		return &StaleCacheError{DeviceID: d.DeviceID, Err: err}
	}
	return nil
}

func (c *CachedStore) Get(ctx context.Context, deviceID string) (models.Device, error) {
	key := deviceCacheKey(deviceID)
	if raw, err := c.Cache.Get(ctx, key); err == nil {
		var cd cachedDevice
		if raw != tombstoneValue && json.Unmarshal([]byte(raw), &cd) == nil {
			return models.Device{
				DeviceID:     cd.DeviceID,
				PublicKey:    cd.PublicKey,
				Label:        cd.Label,
				SealedTOTP:   cd.SealedTOTP,
				RegisteredAt: cd.RegisteredAt,
			}, nil
		}
	} else if !errors.Is(err, store.ErrMiss) {
		log.Printf("registry: cache read failed for %s: %v", deviceID, err)
	}
	d, err := c.Next.Get(ctx, deviceID)
	if err != nil {
		return models.Device{}, err
	}
	b, _ := json.Marshal(cachedDevice{
		DeviceID:     d.DeviceID,
		PublicKey:    d.PublicKey,
		Label:        d.Label,
		SealedTOTP:   d.SealedTOTP,
		RegisteredAt: d.RegisteredAt,
	})
	if _, err := c.Cache.SetNX(ctx, key, string(b), c.TTL); err != nil {
		log.Printf("registry: cache write failed for %s: %v", deviceID, err)
	}
	return d, nil
}

// Delete tombstones the cache entry, removes the durable row, and retries
// the tombstone if the first attempt failed. A cache that still cannot be
// written yields a *StaleCacheError after the row is gone; callers must
// treat the device as deleted.
func (c *CachedStore) Delete(ctx context.Context, deviceID string) error {
	markErr := c.Invalidate(ctx, deviceID)
	if err := c.Next.Delete(ctx, deviceID); err != nil {
		return err
	}
	if markErr != nil {
		if err := c.Invalidate(ctx, deviceID); err != nil {
			return &StaleCacheError{DeviceID: deviceID, Err: err}
		}
	}
	return nil
}

func (c *CachedStore) List(ctx context.Context) ([]models.Device, error) {
	return c.Next.List(ctx)
}

// Invalidate replaces the cached entry with a tombstone; also used by the
// revocation consumer on other replicas.
func (c *CachedStore) Invalidate(ctx context.Context, deviceID string) error {
	return c.Cache.Set(ctx, deviceCacheKey(deviceID), tombstoneValue, c.TTL)
}
