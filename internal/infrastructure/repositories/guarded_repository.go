package repositories

import (
	"context"
	"errors"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// GuardedDeviceRepository fails fast with circuitbreaker.ErrOpen while the
// backing store keeps erroring. Lookups of unknown devices are not failures.
type GuardedDeviceRepository struct {
	next    ports.DeviceRepository
	breaker *circuitbreaker.Breaker
}

func NewGuardedDeviceRepository(next ports.DeviceRepository, cfg circuitbreaker.Config, logger *zap.SugaredLogger) *GuardedDeviceRepository {
	cfg.IsFailure = func(err error) bool {
		return !errors.Is(err, domain.ErrDeviceNotFound) && !errors.Is(err, context.Canceled)
	}
	breaker := circuitbreaker.New(cfg)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		if to == circuitbreaker.StateOpen {
			logger.Warnw("device store breaker opened", "from", from.String())
			return
		}
		logger.Infow("device store breaker changed state", "from", from.String(), "to", to.String())
	})
	return &GuardedDeviceRepository{next: next, breaker: breaker}
}

func (r *GuardedDeviceRepository) State() circuitbreaker.State {
	return r.breaker.State()
}

func (r *GuardedDeviceRepository) Save(ctx context.Context, device *domain.Device) error {
	return r.breaker.Do(func() error { return r.next.Save(ctx, device) })
}

func (r *GuardedDeviceRepository) GetByID(ctx context.Context, id domain.DeviceID) (*domain.Device, error) {
	return circuitbreaker.Call(r.breaker, func() (*domain.Device, error) { return r.next.GetByID(ctx, id) })
}

func (r *GuardedDeviceRepository) Remove(ctx context.Context, id domain.DeviceID) error {
	return r.breaker.Do(func() error { return r.next.Remove(ctx, id) })
}

func (r *GuardedDeviceRepository) List(ctx context.Context) ([]*domain.Device, error) {
	return circuitbreaker.Call(r.breaker, func() ([]*domain.Device, error) { return r.next.List(ctx) })
}

func (r *GuardedDeviceRepository) Touch(ctx context.Context, id domain.DeviceID, at time.Time) error {
	return r.breaker.Do(func() error { return r.next.Touch(ctx, id, at) })
}

var _ ports.DeviceRepository = (*GuardedDeviceRepository)(nil)
