// Package eventbus fans device revocations out to every replica over Kafka
// so each one drops its cached registry entries and outstanding challenges.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// Revocation is the wire record published on the revocation topic.
type Revocation struct {
	DeviceID  string    `json:"device_id"`
	RevokedAt time.Time `json:"revoked_at"`
	Origin    string    `json:"origin"`
}

type Message struct {
	Key   []byte
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

type Producer interface {
	WriteMessage(ctx context.Context, msg Message) error
	Close() error
}

// Publisher encodes revocations onto a Producer. Its Publish method has the
// shape of a registry revoke hook.
type Publisher struct {
	Producer Producer
	Origin   string
}

func (p *Publisher) Publish(ctx context.Context, deviceID string, revokedAt time.Time) error {
	if p == nil || p.Producer == nil {
		return errors.New("eventbus: publisher not initialized")
	}
	b, err := json.Marshal(Revocation{DeviceID: deviceID, RevokedAt: revokedAt.UTC(), Origin: p.Origin})
	if err != nil {
		return err
	}
	if err := p.Producer.WriteMessage(ctx, Message{Key: []byte(deviceID), Value: b}); err != nil {
		return fmt.Errorf("eventbus: publish revocation: %w", err)
	}
	return nil
}

// Handler applies a revocation received from another replica.
type Handler func(ctx context.Context, rev Revocation) error

// Read retry backoff bounds.
var (
	readRetryBase = 250 * time.Millisecond
	readRetryMax  = 30 * time.Second
)

// Run reads revocations until ctx is done. Records originating from self
// are skipped since the local revoke already applied them. Malformed
// records and handler failures are logged and skipped. Read errors are
// retried with exponential backoff.
func Run(ctx context.Context, c Consumer, self string, h Handler) error {
	delay := readRetryBase
	for {
		msg, err := c.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("eventbus: read failed, retrying in %s: %v", delay, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			delay = min(delay*2, readRetryMax)
			continue
		}
		delay = readRetryBase
		var rev Revocation
		if err := json.Unmarshal(msg.Value, &rev); err != nil || strings.TrimSpace(rev.DeviceID) == "" {
			log.Printf("eventbus: skipping malformed revocation record")
			continue
		}
		if self != "" && rev.Origin == self {
			continue
		}
		if err := h(ctx, rev); err != nil {
			log.Printf("eventbus: apply revocation failed: %v", err)
		}
	}
}
