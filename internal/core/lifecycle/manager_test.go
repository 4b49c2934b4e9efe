package lifecycle

import (
	"errors"
	"testing"
	"time"

	"camrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestManager(t *testing.T) (*Manager, *fakeSignaler, *fakeFactory) {
	sig := &fakeSignaler{}
	factory := &fakeFactory{}
	m := NewManager("v1", sig, factory, DefaultConfig(), zaptest.NewLogger(t).Sugar(), WithClock(newManualClock()))
	t.Cleanup(m.Close)
	return m, sig, factory
}

func settleController(t *testing.T, m *Manager, id domain.DeviceID) Snapshot {
	t.Helper()
	ctrl, ok := m.Controller(id)
	require.True(t, ok)
	_, err := ctrl.Snapshot()
	require.NoError(t, err)
	s, err := ctrl.Snapshot()
	require.NoError(t, err)
	return s
}

func TestManager_WatchIsIdempotent(t *testing.T) {
	m, sig, _ := newTestManager(t)

	require.NoError(t, m.Watch("cam-1"))
	require.NoError(t, m.Watch("cam-1"))
	require.NoError(t, m.Watch("cam-2"))

	assert.Equal(t, []domain.DeviceID{"cam-1", "cam-2"}, m.Watched())
	assert.Equal(t, 2, sig.startCount())
}

func TestManager_RoutesByDevice(t *testing.T) {
	m, sig, factory := newTestManager(t)
	require.NoError(t, m.Watch("cam-1"))

	m.HandleOffer("cam-9", testOffer)
	m.HandleCandidate("cam-9", cand(1))
	m.HandleCandidate("cam-1", cand(2))
	m.HandleOffer("cam-1", testOffer)

	s := settleController(t, m, "cam-1")
	assert.Equal(t, domain.StateAnswerSent, s.State)
	assert.Equal(t, 1, factory.count())
	assert.Equal(t, []domain.Candidate{cand(2)}, factory.last().added())
	assert.Equal(t, 1, sig.answerCount())

	st, ok := m.Status("cam-1")
	require.True(t, ok)
	assert.Equal(t, domain.StatusConnecting, st.State)
}

func TestManager_DeviceRemovedAndAdded(t *testing.T) {
	m, sig, _ := newTestManager(t)
	require.NoError(t, m.Watch("cam-1"))

	m.HandleDeviceRemoved("cam-1")
	assert.Equal(t, domain.StateStopped, settleController(t, m, "cam-1").State)
	st, _ := m.Status("cam-1")
	assert.Equal(t, domain.StatusStopped, st.State)

	m.HandleDeviceAdded(domain.Device{ID: "cam-1"})
	assert.Equal(t, domain.StateStartRequested, settleController(t, m, "cam-1").State)
	assert.Equal(t, 2, sig.startCount())

	// already negotiating, no second start
	m.HandleDeviceAdded(domain.Device{ID: "cam-1"})
	assert.Equal(t, 2, sig.startCount())

	// unwatched devices are left alone
	m.HandleDeviceAdded(domain.Device{ID: "cam-2"})
	_, ok := m.Controller("cam-2")
	assert.False(t, ok)
}

func TestManager_DeviceAddedLeavesFailedControllerAlone(t *testing.T) {
	sig := &fakeSignaler{startErr: errors.New("relay down")}
	clock := newManualClock()
	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	m := NewManager("v1", sig, &fakeFactory{}, cfg, zaptest.NewLogger(t).Sugar(), WithClock(clock))
	t.Cleanup(m.Close)

	require.NoError(t, m.Watch("cam-1"))
	for i := 0; i < 4; i++ {
		settleController(t, m, "cam-1")
		clock.Advance(cfg.RetryDelay)
	}
	require.Equal(t, domain.StateFailed, settleController(t, m, "cam-1").State)
	require.Equal(t, 2, sig.startCount())

	m.HandleDeviceAdded(domain.Device{ID: "cam-1"})
	assert.Equal(t, domain.StateFailed, settleController(t, m, "cam-1").State)
	assert.Equal(t, 2, sig.startCount(), "an exhausted controller waits for an explicit watch")

	clock.Advance(time.Minute)
	assert.Equal(t, 2, sig.startCount())
}

func TestManager_RemoteErrorReachesController(t *testing.T) {
	m, _, _ := newTestManager(t)
	require.NoError(t, m.Watch("cam-1"))

	m.HandleRemoteError("cam-1", "SUPERSEDED", "another viewer took over")
	assert.Equal(t, domain.StateStopped, settleController(t, m, "cam-1").State)

	m.HandleRemoteError("cam-9", "NOT_FOUND", "device not found")
}

func TestManager_UnwatchAndClose(t *testing.T) {
	m, _, _ := newTestManager(t)
	require.NoError(t, m.Watch("cam-1"))
	ctrl, _ := m.Controller("cam-1")

	require.NoError(t, m.Unwatch("cam-1"))
	<-ctrl.Done()
	assert.ErrorIs(t, m.Unwatch("cam-1"), domain.ErrSessionNotFound)
	assert.Empty(t, m.Watched())

	require.NoError(t, m.Watch("cam-2"))
	m.Close()
	assert.Empty(t, m.Watched())
	assert.ErrorIs(t, m.Watch("cam-3"), domain.ErrControllerClosed)
}
