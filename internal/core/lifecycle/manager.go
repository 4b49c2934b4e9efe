package lifecycle

import (
	"errors"
	"sort"
	"sync"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"

	"go.uber.org/zap"
)

// Manager owns one Controller per watched device for a single viewer and
// demultiplexes inbound relay messages by device id.
type Manager struct {
	viewerID   domain.ViewerID
	signaler   ports.Signaler
	transports ports.TransportFactory
	cfg        Config
	opts       []Option
	logger     *zap.SugaredLogger

	mu          sync.RWMutex
	controllers map[domain.DeviceID]*Controller
	statuses    map[domain.DeviceID]domain.Status
	closed      bool
}

func NewManager(viewerID domain.ViewerID, signaler ports.Signaler, transports ports.TransportFactory, cfg Config, logger *zap.SugaredLogger, opts ...Option) *Manager {
	m := &Manager{
		viewerID:    viewerID,
		signaler:    signaler,
		transports:  transports,
		cfg:         cfg,
		logger:      logger,
		controllers: make(map[domain.DeviceID]*Controller),
		statuses:    make(map[domain.DeviceID]domain.Status),
	}
	m.opts = append(append([]Option{}, opts...), WithStatusListener(m.recordStatus))
	return m
}

func (m *Manager) recordStatus(deviceID domain.DeviceID, status domain.Status) {
	m.mu.Lock()
	m.statuses[deviceID] = status
	m.mu.Unlock()
}

// Watch starts streaming from a device, creating its controller on first use.
func (m *Manager) Watch(deviceID domain.DeviceID) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.ErrControllerClosed
	}
	ctrl, ok := m.controllers[deviceID]
	if !ok {
		ctrl = NewController(deviceID, m.viewerID, m.signaler, m.transports, m.cfg, m.logger, m.opts...)
		m.controllers[deviceID] = ctrl
	}
	m.mu.Unlock()

	err := ctrl.Start()
	if errors.Is(err, domain.ErrStartInFlight) || errors.Is(err, domain.ErrInvalidTransition) {
		return nil
	}
	return err
}

// Unwatch stops streaming from a device and discards its controller.
func (m *Manager) Unwatch(deviceID domain.DeviceID) error {
	m.mu.Lock()
	ctrl, ok := m.controllers[deviceID]
	delete(m.controllers, deviceID)
	m.mu.Unlock()

	if !ok {
		return domain.ErrSessionNotFound
	}
	return ctrl.Close()
}

func (m *Manager) Controller(deviceID domain.DeviceID) (*Controller, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctrl, ok := m.controllers[deviceID]
	return ctrl, ok
}

// Watched returns the watched device ids in sorted order.
func (m *Manager) Watched() []domain.DeviceID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]domain.DeviceID, 0, len(m.controllers))
	for id := range m.controllers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Status returns the last status reported for deviceID.
func (m *Manager) Status(deviceID domain.DeviceID) (domain.Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.statuses[deviceID]
	return st, ok
}

func (m *Manager) HandleOffer(deviceID domain.DeviceID, offer domain.SessionDescription) {
	if ctrl, ok := m.Controller(deviceID); ok {
		ctrl.HandleOffer(offer)
		return
	}
	m.logger.Debugw("offer for unwatched device", "device_id", deviceID)
}

func (m *Manager) HandleCandidate(deviceID domain.DeviceID, candidate domain.Candidate) {
	if ctrl, ok := m.Controller(deviceID); ok {
		ctrl.HandleCandidate(candidate)
	}
}

func (m *Manager) HandleRemoteError(deviceID domain.DeviceID, code, message string) {
	if ctrl, ok := m.Controller(deviceID); ok {
		ctrl.HandleRemoteError(code, message)
		return
	}
	m.logger.Warnw("relay error", "device_id", deviceID, "code", code, "message", message)
}

// HandleDeviceAdded restarts a watched device that came back after a disconnect.
// A controller that exhausted its attempts stays FAILED until Watch or Start.
func (m *Manager) HandleDeviceAdded(device domain.Device) {
	ctrl, ok := m.Controller(device.ID)
	if !ok {
		return
	}
	snap, err := ctrl.Snapshot()
	if err != nil {
		return
	}
	switch snap.State {
	case domain.StateStopped, domain.StateIdle, domain.StateDisconnected:
		m.logger.Infow("watched device announced, restarting", "device_id", device.ID, "state", snap.State)
		if err := ctrl.Start(); err != nil && !errors.Is(err, domain.ErrStartInFlight) {
			m.logger.Warnw("restart failed", "device_id", device.ID, "error", err)
		}
	}
}

// HandleDeviceRemoved stops the device's controller but keeps it watched.
func (m *Manager) HandleDeviceRemoved(deviceID domain.DeviceID) {
	if ctrl, ok := m.Controller(deviceID); ok {
		m.logger.Infow("watched device removed", "device_id", deviceID)
		_ = ctrl.Stop()
	}
}

// Close stops every controller.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	ctrls := make([]*Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		ctrls = append(ctrls, c)
	}
	m.controllers = make(map[domain.DeviceID]*Controller)
	m.mu.Unlock()

	for _, c := range ctrls {
		_ = c.Close()
	}
}

var _ ports.ViewerHandler = (*Manager)(nil)
