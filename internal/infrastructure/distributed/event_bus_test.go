package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"camrelay/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type broadcastSink struct {
	frames []*domain.Message
}

func (s *broadcastSink) Deliver(to domain.Party, msg *domain.Message) error {
	return errors.New("not used")
}

func (s *broadcastSink) Broadcast(role domain.PartyRole, msg *domain.Message) {
	if role == domain.PartyViewer {
		s.frames = append(s.frames, msg)
	}
}

func newTestBus(t *testing.T) *EventBus {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	return NewEventBus(client, "relay-a", "", zaptest.NewLogger(t).Sugar())
}

func encode(t *testing.T, e Event) string {
	data, err := json.Marshal(e)
	require.NoError(t, err)
	return string(data)
}

func TestEventBus_DispatchSkipsOwnEvents(t *testing.T) {
	bus := newTestBus(t)
	var got []*Event
	handler := func(e *Event) error {
		got = append(got, e)
		return nil
	}

	bus.dispatch(encode(t, Event{Type: EventDeviceRemoved, InstanceID: "relay-a", DeviceID: "cam-1"}), handler)
	bus.dispatch("{not json", handler)
	bus.dispatch(encode(t, Event{Type: EventDeviceRemoved, InstanceID: "relay-b", DeviceID: "cam-2"}), handler)

	require.Len(t, got, 1)
	assert.Equal(t, domain.DeviceID("cam-2"), got[0].DeviceID)
}

func TestRebroadcast(t *testing.T) {
	sink := &broadcastSink{}
	handle := Rebroadcast(sink)

	device := &domain.Device{ID: "cam-1", Name: "Gate"}
	require.NoError(t, handle(&Event{Type: EventDeviceAnnounced, DeviceID: "cam-1", Device: device}))
	require.NoError(t, handle(&Event{Type: EventDeviceRemoved, DeviceID: "cam-1"}))
	assert.Error(t, handle(&Event{Type: EventDeviceAnnounced, DeviceID: "cam-2"}))
	assert.Error(t, handle(&Event{Type: "mesh.rebalance"}))

	require.Len(t, sink.frames, 2)
	assert.Equal(t, domain.MessageDeviceAdded, sink.frames[0].Type)
	assert.Equal(t, "Gate", sink.frames[0].Device.Name)
	assert.Equal(t, domain.MessageDeviceRemoved, sink.frames[1].Type)
}

func TestEventBus_PublishFailureIsReported(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := bus.Publish(ctx, &Event{Type: EventDeviceRemoved, DeviceID: "cam-1"})
	assert.Error(t, err)

	// the feed methods log instead of failing the caller
	bus.DeviceAnnounced(ctx, domain.Device{ID: "cam-1"})
	bus.DeviceRemoved(ctx, "cam-1")
}

func TestEventBus_CloseWithoutSubscribe(t *testing.T) {
	assert.NoError(t, newTestBus(t).Close())
}
