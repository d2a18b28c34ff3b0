package registry

import (
	"context"
	"sort"
	"sync"

	"quadgate/pkg/models"
)

type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]models.Device
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: map[string]models.Device{}}
}

func (m *MemoryStore) Insert(ctx context.Context, d models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[d.DeviceID]; ok {
		return models.ErrAlreadyRegistered
	}
	m.devices[d.DeviceID] = cloneDevice(d)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, deviceID string) (models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return models.Device{}, models.ErrUnknownDevice
	}
	return cloneDevice(d), nil
}

func (m *MemoryStore) Delete(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[deviceID]; !ok {
		return models.ErrUnknownDevice
	}
	delete(m.devices, deviceID)
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, cloneDevice(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func cloneDevice(d models.Device) models.Device {
	d.PublicKey = append([]byte(nil), d.PublicKey...)
	d.SealedTOTP = append([]byte(nil), d.SealedTOTP...)
	return d
}
