package nonce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"quadgate/pkg/models"
)

// consumeScript flips consumed and sets the next state in one step.
// Returns {0} missing, {1, data, state} already consumed, {2, data} consumed
// in time, {3, data} consumed after expiry.
var consumeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {0}
end
local data = redis.call('HGET', KEYS[1], 'data')
if redis.call('HGET', KEYS[1], 'consumed') == '1' then
  return {1, data, redis.call('HGET', KEYS[1], 'state')}
end
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_ms'))
local now = tonumber(ARGV[1])
redis.call('HSET', KEYS[1], 'consumed', '1')
if now > expires then
  redis.call('HSET', KEYS[1], 'state', 'expired')
  return {3, data}
end
redis.call('HSET', KEYS[1], 'state', 'awaiting_response')
return {2, data}
`)

// Redis stores each challenge as a hash with a TTL past its deadline, plus a
// per-device index set used by PurgeDevice.
type Redis struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

func NewRedis(client *redis.Client, prefix string, retention time.Duration) *Redis {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &Redis{client: client, prefix: prefix, retention: retention}
}

func (r *Redis) challengeKey(id string) string { return r.prefix + "challenge:" + id }
func (r *Redis) deviceKey(id string) string    { return r.prefix + "device-challenges:" + id }

func (r *Redis) Issue(ctx context.Context, c models.Challenge) error {
	c.Consumed = false
	c.State = models.StateIssued
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("nonce: encode challenge: %w", err)
	}
	key := r.challengeKey(c.ChallengeID)
	keep := c.ExpiresAt.Add(r.retention)
	ok, err := r.client.HSetNX(ctx, key, "data", string(data)).Result()
	if err != nil {
		return fmt.Errorf("nonce: issue: %w", err)
	}
	if !ok {
		return fmt.Errorf("nonce: duplicate challenge id")
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"consumed", "0",
			"state", string(models.StateIssued),
			"expires_ms", strconv.FormatInt(c.ExpiresAt.UnixMilli(), 10),
			"device_id", c.DeviceID,
		)
		p.PExpireAt(ctx, key, keep)
		p.SAdd(ctx, r.deviceKey(c.DeviceID), c.ChallengeID)
		p.PExpireAt(ctx, r.deviceKey(c.DeviceID), keep)
		return nil
	})
	if err != nil {
		return fmt.Errorf("nonce: issue: %w", err)
	}
	return nil
}

func (r *Redis) Consume(ctx context.Context, challengeID string, now time.Time) (models.Challenge, error) {
	res, err := consumeScript.Run(ctx, r.client, []string{r.challengeKey(challengeID)}, now.UnixMilli()).Slice()
	if err != nil {
		return models.Challenge{}, fmt.Errorf("nonce: consume: %w", err)
	}
	if len(res) == 0 {
		return models.Challenge{}, errors.New("nonce: consume: empty script result")
	}
	code, _ := res[0].(int64)
	if code == 0 {
		return models.Challenge{}, models.ErrChallengeNotFound
	}
	var c models.Challenge
	if raw, ok := res[1].(string); ok {
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return models.Challenge{}, fmt.Errorf("nonce: decode challenge: %w", err)
		}
	}
	c.Consumed = true
	switch code {
	case 1:
		if len(res) > 2 {
			if s, ok := res[2].(string); ok {
				c.State = models.ChallengeState(s)
			}
		}
		return c, models.ErrChallengeAlreadyConsumed
	case 3:
		c.State = models.StateExpired
		return c, models.ErrChallengeExpired
	default:
		c.State = models.StateAwaitingResponse
		return c, nil
	}
}

func (r *Redis) Resolve(ctx context.Context, challengeID string, state models.ChallengeState) error {
	key := r.challengeKey(challengeID)
	cur, err := r.client.HGet(ctx, key, "state").Result()
	if errors.Is(err, redis.Nil) {
		return models.ErrChallengeNotFound
	}
	if err != nil {
		return fmt.Errorf("nonce: resolve: %w", err)
	}
	next, err := models.Transition(models.ChallengeState(cur), state)
	if err != nil {
		return fmt.Errorf("nonce: resolve %s -> %s: %w", cur, state, err)
	}
	return r.client.HSet(ctx, key, "state", string(next)).Err()
}

func (r *Redis) PurgeDevice(ctx context.Context, deviceID string) (int, error) {
	ids, err := r.client.SMembers(ctx, r.deviceKey(deviceID)).Result()
	if err != nil {
		return 0, fmt.Errorf("nonce: purge: %w", err)
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, r.challengeKey(id))
	}
	n := 0
	if len(keys) > 0 {
		deleted, err := r.client.Del(ctx, keys...).Result()
		if err != nil {
			return 0, fmt.Errorf("nonce: purge: %w", err)
		}
		n = int(deleted)
	}
	if err := r.client.Del(ctx, r.deviceKey(deviceID)).Err(); err != nil {
		return n, fmt.Errorf("nonce: purge index: %w", err)
	}
	return n, nil
}

// Sweep is a no-op: every key carries its own PEXPIREAT.
func (r *Redis) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}
