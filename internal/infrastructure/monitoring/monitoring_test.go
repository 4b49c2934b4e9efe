package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/lifecycle"
	"camrelay/internal/core/services"
	"camrelay/internal/infrastructure/signal"
	"camrelay/internal/infrastructure/repositories/memory"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

var (
	_ services.RoutingObserver  = (*PrometheusCollector)(nil)
	_ lifecycle.Observer        = (*PrometheusCollector)(nil)
	_ signal.ConnectionObserver = (*PrometheusCollector)(nil)
)

func TestPrometheusCollector(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.MessageRouted(domain.MessageOffer)
	c.MessageRouted(domain.MessageOffer)
	c.MessageDropped(domain.MessageAnswer, "not_awaiting_answer")
	c.CandidateBuffered(false)
	c.CandidateBuffered(true)
	c.ConnectionOpened(domain.PartyViewer)
	c.ConnectionOpened(domain.PartyViewer)
	c.ConnectionClosed(domain.PartyViewer)
	c.FrameRejected(domain.MessageStartRequest, "NOT_FOUND")
	c.AttemptFailed("timeout")
	c.Confirmed()
	c.StateChanged(domain.StateAnswerSent, domain.StateConnected)
	c.SetInventory(3, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.messagesRouted.WithLabelValues("offer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesDropped.WithLabelValues("answer", "not_awaiting_answer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.candidatesBuffer.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connectionsOpen.WithLabelValues("viewer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.framesRejected.WithLabelValues("start_request", "NOT_FOUND")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.attemptFailures.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.confirmedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.lifecycleTransition.WithLabelValues(string(domain.StateAnswerSent), string(domain.StateConnected))))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.devicesRegistered))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsActive))
}

func TestPrometheusCollector_SeparateRegistries(t *testing.T) {
	// two collectors must not collide when each has its own registry
	assert.NotPanics(t, func() {
		NewPrometheusCollector(prometheus.NewRegistry())
		NewPrometheusCollector(prometheus.NewRegistry())
	})
}

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker()
	assert.True(t, h.IsReady(context.Background()))

	h.AddRepositoryCheck(memory.NewMemoryDeviceRepository(), time.Second)
	status := h.CheckAll(context.Background())
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["device_repository"])

	h.AddCheck("broken", func(ctx context.Context) error { return errors.New("disk on fire") }, 0)
	status = h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "disk on fire", status.Checks["broken"])
	assert.False(t, h.IsReady(context.Background()))
}

func TestHealthChecker_Timeout(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 10*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Contains(t, status.Checks["slow"], "deadline")
}
