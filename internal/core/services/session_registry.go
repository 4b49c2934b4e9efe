package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"

	"github.com/google/uuid"
)

type pairKey struct {
	device domain.DeviceID
	viewer domain.ViewerID
}

// SessionRegistry owns the device table and the relay-side session records.
// It is the single writer for both; every mutation runs under mu.
type SessionRegistry struct {
	devices ports.DeviceRepository

	mu       sync.Mutex
	sessions map[pairKey]*domain.Session

	now func() time.Time
}

func NewSessionRegistry(devices ports.DeviceRepository) *SessionRegistry {
	return &SessionRegistry{
		devices:  devices,
		sessions: make(map[pairKey]*domain.Session),
		now:      time.Now,
	}
}

// Register announces a device. Re-registering updates the display name and
// capabilities and leaves sessions alone. The bool reports a first registration.
func (r *SessionRegistry) Register(ctx context.Context, id domain.DeviceID, name string, caps domain.DeviceCapabilities) (*domain.Device, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	existing, err := r.devices.GetByID(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrDeviceNotFound) {
		return nil, false, fmt.Errorf("failed to look up device %s: %w", id, err)
	}

	device := &domain.Device{
		ID:           id,
		Name:         name,
		Role:         domain.RoleCamera,
		Capabilities: caps,
		RegisteredAt: now,
		LastSeen:     now,
	}
	created := existing == nil
	if !created {
		device.RegisteredAt = existing.RegisteredAt
		if name == "" {
			device.Name = existing.Name
		}
		if caps == (domain.DeviceCapabilities{}) {
			device.Capabilities = existing.Capabilities
		}
	}

	if err := r.devices.Save(ctx, device); err != nil {
		return nil, false, fmt.Errorf("failed to save device %s: %w", id, err)
	}
	return device, created, nil
}

// Deregister removes a device and closes every session that references it.
func (r *SessionRegistry) Deregister(ctx context.Context, id domain.DeviceID) ([]domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.devices.Remove(ctx, id); err != nil {
		return nil, err
	}

	var closed []domain.Session
	for key, s := range r.sessions {
		if key.device != id {
			continue
		}
		if !s.State.Terminal() {
			s.State = domain.StateClosed
			s.Locked = false
			s.LastActivity = r.now()
			closed = append(closed, *s)
		}
		delete(r.sessions, key)
	}
	return closed, nil
}

func (r *SessionRegistry) Lookup(ctx context.Context, id domain.DeviceID) (*domain.Device, error) {
	return r.devices.GetByID(ctx, id)
}

func (r *SessionRegistry) List(ctx context.Context) ([]*domain.Device, error) {
	return r.devices.List(ctx)
}

// Touch records activity from a device.
func (r *SessionRegistry) Touch(ctx context.Context, id domain.DeviceID) error {
	return r.devices.Touch(ctx, id, r.now())
}

// SilentDevices returns devices that have been silent for longer than maxSilence.
func (r *SessionRegistry) SilentDevices(ctx context.Context, maxSilence time.Duration) ([]domain.DeviceID, error) {
	devices, err := r.devices.List(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := r.now().Add(-maxSilence)
	var silent []domain.DeviceID
	for _, d := range devices {
		if d.LastSeen.After(cutoff) {
			continue
		}
		silent = append(silent, d.ID)
	}
	return silent, nil
}

// BeginSession creates or resets the session for (device, viewer) to
// START_REQUESTED. Non-terminal sessions of other viewers on the same device
// are retired to CLOSED and returned so the caller can notify them.
func (r *SessionRegistry) BeginSession(ctx context.Context, deviceID domain.DeviceID, viewerID domain.ViewerID) (domain.Session, []domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// looked up under the lock so a concurrent Deregister cannot leave a session behind
	if _, err := r.devices.GetByID(ctx, deviceID); err != nil {
		return domain.Session{}, nil, err
	}

	now := r.now()
	var superseded []domain.Session
	for key, s := range r.sessions {
		if key.device != deviceID || key.viewer == viewerID {
			continue
		}
		if !s.State.Terminal() {
			s.State = domain.StateClosed
			s.Locked = false
			s.LastActivity = now
			superseded = append(superseded, *s)
		}
		delete(r.sessions, key)
	}

	key := pairKey{device: deviceID, viewer: viewerID}
	attempt := 1
	if prev, ok := r.sessions[key]; ok && !prev.State.Terminal() {
		attempt = prev.Attempt + 1
	}

	s := &domain.Session{
		ID:           domain.SessionID(uuid.New().String()),
		DeviceID:     deviceID,
		ViewerID:     viewerID,
		State:        domain.StateStartRequested,
		DeviceRole:   domain.RoleOfferer,
		Attempt:      attempt,
		Locked:       true,
		CreatedAt:    now,
		LastActivity: now,
	}
	r.sessions[key] = s
	return *s, superseded, nil
}

// ActiveSession returns the non-terminal session on a device, if any.
func (r *SessionRegistry) ActiveSession(deviceID domain.DeviceID) (domain.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, s := range r.sessions {
		if key.device == deviceID && !s.State.Terminal() {
			return *s, true
		}
	}
	return domain.Session{}, false
}

func (r *SessionRegistry) Session(deviceID domain.DeviceID, viewerID domain.ViewerID) (domain.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[pairKey{device: deviceID, viewer: viewerID}]
	if !ok {
		return domain.Session{}, false
	}
	return *s, true
}

// UpdateSession applies fn to the stored session under the registry lock.
// If fn returns an error the session is left untouched.
func (r *SessionRegistry) UpdateSession(deviceID domain.DeviceID, viewerID domain.ViewerID, fn func(s *domain.Session) error) (domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[pairKey{device: deviceID, viewer: viewerID}]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}

	draft := *s
	if err := fn(&draft); err != nil {
		return *s, err
	}
	draft.LastActivity = r.now()
	*s = draft
	return draft, nil
}

// EndSession moves the pair's session to a terminal state and forgets it.
func (r *SessionRegistry) EndSession(deviceID domain.DeviceID, viewerID domain.ViewerID, state domain.SessionState) (domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pairKey{device: deviceID, viewer: viewerID}
	s, ok := r.sessions[key]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	s.State = state
	s.Locked = false
	s.LastActivity = r.now()
	delete(r.sessions, key)
	return *s, nil
}

// ViewerSessions returns every session held by a viewer.
func (r *SessionRegistry) ViewerSessions(viewerID domain.ViewerID) []domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Session
	for key, s := range r.sessions {
		if key.viewer == viewerID {
			out = append(out, *s)
		}
	}
	return out
}

func (r *SessionRegistry) Sessions() []domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
