package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type EventType string

const (
	EventDeviceAnnounced EventType = "device.announced"
	EventDeviceRemoved   EventType = "device.removed"
)

// Event is one entry of the device registration feed shared between relays.
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	DeviceID   domain.DeviceID `json:"device_id"`
	Device     *domain.Device  `json:"device,omitempty"`
}

// EventBus publishes this relay's device feed on a Redis channel and
// delivers the other relays' feeds to a handler.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger
	pubsub     *redis.PubSub
}

func NewEventBus(client *redis.Client, instanceID, channel string, logger *zap.SugaredLogger) *EventBus {
	if channel == "" {
		channel = "camrelay:events"
	}
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		logger:     logger,
	}
}

// Publish publishes an event to the event bus
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event", "type", event.Type, "device_id", event.DeviceID)
	return nil
}

func (eb *EventBus) DeviceAnnounced(ctx context.Context, device domain.Device) {
	if err := eb.Publish(ctx, &Event{Type: EventDeviceAnnounced, DeviceID: device.ID, Device: &device}); err != nil {
		eb.logger.Warnw("failed to publish device announcement", "device_id", device.ID, "error", err)
	}
}

func (eb *EventBus) DeviceRemoved(ctx context.Context, deviceID domain.DeviceID) {
	if err := eb.Publish(ctx, &Event{Type: EventDeviceRemoved, DeviceID: deviceID}); err != nil {
		eb.logger.Warnw("failed to publish device removal", "device_id", deviceID, "error", err)
	}
}

// Subscribe blocks until ctx is done, calling handler for every event
// published by another instance.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	if eb.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	eb.pubsub = eb.client.Subscribe(ctx, eb.channel)
	defer eb.pubsub.Close()

	ch := eb.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("event subscription closed")
			}
			eb.dispatch(msg.Payload, handler)
		}
	}
}

func (eb *EventBus) dispatch(payload string, handler func(*Event) error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		eb.logger.Warnw("failed to unmarshal event", "error", err, "payload", payload)
		return
	}

	// Skip events from this instance
	if event.InstanceID == eb.instanceID {
		return
	}

	if err := handler(&event); err != nil {
		eb.logger.Warnw("error handling event", "type", event.Type, "device_id", event.DeviceID, "error", err)
	}
}

// Close closes the event bus
func (eb *EventBus) Close() error {
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}

// Rebroadcast returns a handler that forwards remote device feed events to
// the viewers connected to this relay.
func Rebroadcast(sink ports.MessageSink) func(*Event) error {
	return func(event *Event) error {
		switch event.Type {
		case EventDeviceAnnounced:
			if event.Device == nil {
				return fmt.Errorf("announcement for %s without device", event.DeviceID)
			}
			sink.Broadcast(domain.PartyViewer, &domain.Message{
				Type:     domain.MessageDeviceAdded,
				DeviceID: event.DeviceID,
				Device:   event.Device,
			})
		case EventDeviceRemoved:
			sink.Broadcast(domain.PartyViewer, &domain.Message{
				Type:     domain.MessageDeviceRemoved,
				DeviceID: event.DeviceID,
			})
		default:
			return fmt.Errorf("unknown event type %q", event.Type)
		}
		return nil
	}
}

var _ ports.DeviceFeed = (*EventBus)(nil)
