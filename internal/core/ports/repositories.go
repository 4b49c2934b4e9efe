package ports

import (
	"context"
	"time"

	"camrelay/internal/core/domain"
)

type DeviceRepository interface {
	Save(ctx context.Context, device *domain.Device) error
	GetByID(ctx context.Context, id domain.DeviceID) (*domain.Device, error)
	Remove(ctx context.Context, id domain.DeviceID) error
	List(ctx context.Context) ([]*domain.Device, error)
	Touch(ctx context.Context, id domain.DeviceID, at time.Time) error
}
