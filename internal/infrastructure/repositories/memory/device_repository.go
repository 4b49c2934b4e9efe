package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
)

type MemoryDeviceRepository struct {
	devices map[domain.DeviceID]*domain.Device
	mu      sync.RWMutex
}

func NewMemoryDeviceRepository() ports.DeviceRepository {
	return &MemoryDeviceRepository{
		devices: make(map[domain.DeviceID]*domain.Device),
	}
}

func (r *MemoryDeviceRepository) Save(ctx context.Context, device *domain.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *device
	r.devices[device.ID] = &stored
	return nil
}

func (r *MemoryDeviceRepository) GetByID(ctx context.Context, id domain.DeviceID) (*domain.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	device, exists := r.devices[id]
	if !exists {
		return nil, domain.ErrDeviceNotFound
	}

	out := *device
	return &out, nil
}

func (r *MemoryDeviceRepository) Remove(ctx context.Context, id domain.DeviceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[id]; !exists {
		return domain.ErrDeviceNotFound
	}

	delete(r.devices, id)
	return nil
}

func (r *MemoryDeviceRepository) List(ctx context.Context) ([]*domain.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make([]*domain.Device, 0, len(r.devices))
	for _, device := range r.devices {
		out := *device
		devices = append(devices, &out)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

func (r *MemoryDeviceRepository) Touch(ctx context.Context, id domain.DeviceID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, exists := r.devices[id]
	if !exists {
		return domain.ErrDeviceNotFound
	}

	device.LastSeen = at
	return nil
}
