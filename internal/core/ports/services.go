package ports

import (
	"context"

	"camrelay/internal/core/domain"
)

// MessageSink delivers a frame to one connected party. Implementations must not block on slow peers.
type MessageSink interface {
	Deliver(to domain.Party, msg *domain.Message) error
	Broadcast(role domain.PartyRole, msg *domain.Message)
}

// Signaler is the viewer-side view of the relay used by a lifecycle controller.
type Signaler interface {
	RequestStart(ctx context.Context, deviceID domain.DeviceID, viewerID domain.ViewerID) error
	SendAnswer(ctx context.Context, deviceID domain.DeviceID, viewerID domain.ViewerID, answer domain.SessionDescription) error
	SendCandidate(ctx context.Context, deviceID domain.DeviceID, viewerID domain.ViewerID, candidate domain.Candidate) error
	ReportStatus(ctx context.Context, deviceID domain.DeviceID, viewerID domain.ViewerID, status domain.Status) error
}

// ViewerHandler receives frames the relay forwards to a viewer.
type ViewerHandler interface {
	HandleOffer(deviceID domain.DeviceID, offer domain.SessionDescription)
	HandleCandidate(deviceID domain.DeviceID, candidate domain.Candidate)
	HandleRemoteError(deviceID domain.DeviceID, code, message string)
	HandleDeviceAdded(device domain.Device)
	HandleDeviceRemoved(deviceID domain.DeviceID)
}

// DeviceFeed publishes the device registration feed beyond this relay.
type DeviceFeed interface {
	DeviceAnnounced(ctx context.Context, device domain.Device)
	DeviceRemoved(ctx context.Context, deviceID domain.DeviceID)
}
