package nonce

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quadgate/pkg/models"
)

type Memory struct {
	mu         sync.Mutex
	challenges map[string]models.Challenge
}

func NewMemory() *Memory {
	return &Memory{challenges: map[string]models.Challenge{}}
}

func (m *Memory) Issue(ctx context.Context, c models.Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.challenges[c.ChallengeID]; ok {
		return fmt.Errorf("nonce: duplicate challenge id")
	}
	c.Consumed = false
	c.State = models.StateIssued
	m.challenges[c.ChallengeID] = c
	return nil
}

func (m *Memory) Consume(ctx context.Context, challengeID string, now time.Time) (models.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challenges[challengeID]
	if !ok {
		return models.Challenge{}, models.ErrChallengeNotFound
	}
	if c.Consumed {
		return c, models.ErrChallengeAlreadyConsumed
	}
	c.Consumed = true
	c.State = consumeState(c, now)
	m.challenges[challengeID] = c
	if c.State == models.StateExpired {
		return c, models.ErrChallengeExpired
	}
	return c, nil
}

func (m *Memory) Resolve(ctx context.Context, challengeID string, state models.ChallengeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challenges[challengeID]
	if !ok {
		return models.ErrChallengeNotFound
	}
	next, err := models.Transition(c.State, state)
	if err != nil {
		return fmt.Errorf("nonce: resolve %s -> %s: %w", c.State, state, err)
	}
	c.State = next
	m.challenges[challengeID] = c
	return nil
}

func (m *Memory) PurgeDevice(ctx context.Context, deviceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, c := range m.challenges {
		if c.DeviceID == deviceID {
			delete(m.challenges, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, c := range m.challenges {
		if c.ExpiresAt.Before(cutoff) {
			delete(m.challenges, id)
			n++
		}
	}
	return n, nil
}

// Get returns a snapshot of the stored challenge.
func (m *Memory) Get(challengeID string) (models.Challenge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challenges[challengeID]
	return c, ok
}
