package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *SessionRegistry {
	return NewSessionRegistry(memory.NewMemoryDeviceRepository())
}

func TestSessionRegistry_RegisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()

	_, created, err := reg.Register(ctx, "cam-1", "Gate", domain.DeviceCapabilities{Width: 640, Height: 480, FPS: 30})
	require.NoError(t, err)
	assert.True(t, created)

	_, _, err = reg.BeginSession(ctx, "cam-1", "v1")
	require.NoError(t, err)

	device, created, err := reg.Register(ctx, "cam-1", "Front gate", domain.DeviceCapabilities{})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Front gate", device.Name)
	assert.Equal(t, 640, device.Capabilities.Width, "empty capabilities keep the previous ones")

	s, ok := reg.ActiveSession("cam-1")
	require.True(t, ok, "re-registering must not disturb active sessions")
	assert.Equal(t, domain.StateStartRequested, s.State)
}

func TestSessionRegistry_DeregisterClosesSessions(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()

	_, _, _ = reg.Register(ctx, "cam-1", "Gate", domain.DeviceCapabilities{})
	_, _, err := reg.BeginSession(ctx, "cam-1", "v1")
	require.NoError(t, err)

	closed, err := reg.Deregister(ctx, "cam-1")
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, domain.StateClosed, closed[0].State)

	_, err = reg.Lookup(ctx, "cam-1")
	assert.ErrorIs(t, err, domain.ErrDeviceNotFound)
	_, ok := reg.ActiveSession("cam-1")
	assert.False(t, ok)

	_, err = reg.Deregister(ctx, "cam-1")
	assert.ErrorIs(t, err, domain.ErrDeviceNotFound)
}

func TestSessionRegistry_BeginSessionKeepsOneActivePerPair(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()
	_, _, _ = reg.Register(ctx, "cam-1", "Gate", domain.DeviceCapabilities{})

	first, _, err := reg.BeginSession(ctx, "cam-1", "v1")
	require.NoError(t, err)
	second, superseded, err := reg.BeginSession(ctx, "cam-1", "v1")
	require.NoError(t, err)

	assert.Empty(t, superseded)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Attempt)
	assert.Len(t, reg.Sessions(), 1)
}

func TestSessionRegistry_BeginSessionSupersedesOtherViewer(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()
	_, _, _ = reg.Register(ctx, "cam-1", "Gate", domain.DeviceCapabilities{})

	_, _, err := reg.BeginSession(ctx, "cam-1", "v1")
	require.NoError(t, err)
	_, superseded, err := reg.BeginSession(ctx, "cam-1", "v2")
	require.NoError(t, err)

	require.Len(t, superseded, 1)
	assert.Equal(t, domain.ViewerID("v1"), superseded[0].ViewerID)
	assert.Equal(t, domain.StateClosed, superseded[0].State)

	active, ok := reg.ActiveSession("cam-1")
	require.True(t, ok)
	assert.Equal(t, domain.ViewerID("v2"), active.ViewerID)
}

func TestSessionRegistry_BeginSessionUnknownDevice(t *testing.T) {
	_, _, err := newTestRegistry().BeginSession(context.Background(), "ghost", "v1")
	assert.ErrorIs(t, err, domain.ErrDeviceNotFound)
}

func TestSessionRegistry_UpdateSessionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()
	_, _, _ = reg.Register(ctx, "cam-1", "Gate", domain.DeviceCapabilities{})
	_, _, _ = reg.BeginSession(ctx, "cam-1", "v1")

	_, err := reg.UpdateSession("cam-1", "v1", func(s *domain.Session) error {
		s.State = domain.StateConnected
		return domain.ErrInvalidTransition
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	s, _ := reg.Session("cam-1", "v1")
	assert.Equal(t, domain.StateStartRequested, s.State)

	_, err = reg.UpdateSession("cam-1", "nobody", func(*domain.Session) error { return nil })
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSessionRegistry_SilentDevices(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()
	now := time.Unix(1700000000, 0)
	reg.now = func() time.Time { return now }

	_, _, _ = reg.Register(ctx, "old", "", domain.DeviceCapabilities{})
	now = now.Add(time.Minute)
	_, _, _ = reg.Register(ctx, "fresh", "", domain.DeviceCapabilities{})

	silent, err := reg.SilentDevices(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []domain.DeviceID{"old"}, silent)

	require.NoError(t, reg.Touch(ctx, "old"))
	silent, err = reg.SilentDevices(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, silent)
}

// stallingRepository holds every successful GetByID until release is closed.
type stallingRepository struct {
	ports.DeviceRepository
	looked  chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *stallingRepository) GetByID(ctx context.Context, id domain.DeviceID) (*domain.Device, error) {
	device, err := r.DeviceRepository.GetByID(ctx, id)
	r.once.Do(func() { close(r.looked) })
	<-r.release
	return device, err
}

func TestSessionRegistry_BeginSessionRacingDeregisterLeavesNoSession(t *testing.T) {
	ctx := context.Background()
	repo := &stallingRepository{
		DeviceRepository: memory.NewMemoryDeviceRepository(),
		looked:           make(chan struct{}),
		release:          make(chan struct{}),
	}
	close(repo.release)
	reg := NewSessionRegistry(repo)
	_, _, err := reg.Register(ctx, "cam-1", "Gate", domain.DeviceCapabilities{})
	require.NoError(t, err)

	repo.looked = make(chan struct{})
	repo.release = make(chan struct{})
	repo.once = sync.Once{}

	var wg sync.WaitGroup
	wg.Add(2)
	var beginErr error
	go func() {
		defer wg.Done()
		_, _, beginErr = reg.BeginSession(ctx, "cam-1", "v1")
	}()
	<-repo.looked

	var closed []domain.Session
	var deregErr error
	go func() {
		defer wg.Done()
		closed, deregErr = reg.Deregister(ctx, "cam-1")
	}()
	time.Sleep(20 * time.Millisecond)
	close(repo.release)
	wg.Wait()

	require.NoError(t, beginErr)
	require.NoError(t, deregErr)
	_, ok := reg.ActiveSession("cam-1")
	assert.False(t, ok, "a session must not outlive its device")
	require.Len(t, closed, 1)
	assert.Equal(t, domain.StateClosed, closed[0].State)
}
