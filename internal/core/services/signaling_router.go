package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	apperrors "camrelay/pkg/errors"
	"camrelay/pkg/tracing"
	"camrelay/pkg/validation"

	"go.uber.org/zap"
)

// RoutingObserver is notified about routing outcomes. The Prometheus collector implements it.
type RoutingObserver interface {
	MessageRouted(kind domain.MessageType)
	MessageDropped(kind domain.MessageType, reason string)
	CandidateBuffered(evicted bool)
	SessionStateChanged(from, to domain.SessionState)
}

type noopObserver struct{}

func (noopObserver) MessageRouted(domain.MessageType) {}
func (noopObserver) MessageDropped(domain.MessageType, string) {}
func (noopObserver) CandidateBuffered(bool) {}
func (noopObserver) SessionStateChanged(from, to domain.SessionState) {}

// SignalingRouter forwards negotiation messages between a device and the
// viewer that holds its active session. It never retries and never blocks:
// an unroutable message is logged and dropped.
type SignalingRouter struct {
	registry   *SessionRegistry
	candidates *CandidateBuffer
	sink       ports.MessageSink
	feed       ports.DeviceFeed
	observer   RoutingObserver
	logger     *zap.SugaredLogger
}

func NewSignalingRouter(registry *SessionRegistry, candidates *CandidateBuffer, sink ports.MessageSink, logger *zap.SugaredLogger) *SignalingRouter {
	return &SignalingRouter{
		registry:   registry,
		candidates: candidates,
		sink:       sink,
		observer:   noopObserver{},
		logger:     logger,
	}
}

func (r *SignalingRouter) SetObserver(observer RoutingObserver) {
	if observer == nil {
		observer = noopObserver{}
	}
	r.observer = observer
}

// SetFeed publishes device announcements and removals to feed.
func (r *SignalingRouter) SetFeed(feed ports.DeviceFeed) {
	r.feed = feed
}

// SetSink replaces the delivery target. Used when the sink is constructed after the router.
func (r *SignalingRouter) SetSink(sink ports.MessageSink) {
	r.sink = sink
}

func viewerBound(id domain.SessionID) domain.SessionID { return id + "/viewer" }
func deviceBound(id domain.SessionID) domain.SessionID { return id + "/device" }

func (r *SignalingRouter) clearBuffers(id domain.SessionID) {
	r.candidates.Clear(viewerBound(id))
	r.candidates.Clear(deviceBound(id))
}

func (r *SignalingRouter) drop(kind domain.MessageType, reason string, keysAndValues ...interface{}) {
	r.observer.MessageDropped(kind, reason)
	r.logger.Warnw("dropping unroutable message", append([]interface{}{"type", kind, "reason", reason}, keysAndValues...)...)
}

func (r *SignalingRouter) deliver(to domain.Party, msg *domain.Message) error {
	if err := r.sink.Deliver(to, msg); err != nil {
		r.drop(msg.Type, "delivery_failed", "to", to.String(), "error", err)
		return fmt.Errorf("%w: %s: %v", domain.ErrNoRecipient, to, err)
	}
	r.observer.MessageRouted(msg.Type)
	return nil
}

// AnnounceDevice registers a device and tells connected viewers about it.
func (r *SignalingRouter) AnnounceDevice(ctx context.Context, id domain.DeviceID, name string, caps domain.DeviceCapabilities) (*domain.Device, error) {
	if err := validation.ValidateDeviceID(string(id)); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}

	device, created, err := r.registry.Register(ctx, id, name, caps)
	if err != nil {
		return nil, err
	}

	r.logger.Infow("device announced", "device_id", id, "name", device.Name, "new", created)
	if r.feed != nil {
		r.feed.DeviceAnnounced(ctx, *device)
	}
	r.sink.Broadcast(domain.PartyViewer, &domain.Message{
		Type:     domain.MessageDeviceAdded,
		DeviceID: id,
		Device:   device,
	})
	return device, nil
}

// Devices lists registered devices.
func (r *SignalingRouter) Devices(ctx context.Context) ([]*domain.Device, error) {
	return r.registry.List(ctx)
}

func (r *SignalingRouter) Device(ctx context.Context, id domain.DeviceID) (*domain.Device, error) {
	return r.registry.Lookup(ctx, id)
}

// Sessions returns every live session on this relay.
func (r *SignalingRouter) Sessions() []domain.Session {
	return r.registry.Sessions()
}

// TouchDevice records activity from a device.
func (r *SignalingRouter) TouchDevice(ctx context.Context, id domain.DeviceID) error {
	return r.registry.Touch(ctx, id)
}

// RemoveDevice deregisters a device, closing its sessions, and tells viewers.
func (r *SignalingRouter) RemoveDevice(ctx context.Context, id domain.DeviceID) error {
	closed, err := r.registry.Deregister(ctx, id)
	if err != nil {
		return err
	}

	for _, s := range closed {
		r.clearBuffers(s.ID)
		r.observer.SessionStateChanged(domain.StateStartRequested, domain.StateClosed)
	}

	r.logger.Infow("device removed", "device_id", id, "closed_sessions", len(closed))
	if r.feed != nil {
		r.feed.DeviceRemoved(ctx, id)
	}
	r.sink.Broadcast(domain.PartyViewer, &domain.Message{
		Type:     domain.MessageDeviceRemoved,
		DeviceID: id,
	})
	return nil
}

// SweepSilentDevices removes every device not heard from within maxSilence.
func (r *SignalingRouter) SweepSilentDevices(ctx context.Context, maxSilence time.Duration) ([]domain.DeviceID, error) {
	silent, err := r.registry.SilentDevices(ctx, maxSilence)
	if err != nil {
		return nil, err
	}

	removed := make([]domain.DeviceID, 0, len(silent))
	for _, id := range silent {
		if err := r.RemoveDevice(ctx, id); err != nil {
			if errors.Is(err, domain.ErrDeviceNotFound) {
				continue
			}
			return removed, err
		}
		r.logger.Infow("removed silent device", "device_id", id, "max_silence", maxSilence)
		removed = append(removed, id)
	}
	return removed, nil
}

// RequestStart resets the (device, viewer) session and asks the device for a fresh offer.
func (r *SignalingRouter) RequestStart(ctx context.Context, deviceID domain.DeviceID, viewerID domain.ViewerID) error {
	ctx, span := tracing.TraceSignal(ctx, "request_start", string(deviceID), string(viewerID))
	defer span.End()

	if prev, ok := r.registry.Session(deviceID, viewerID); ok {
		r.clearBuffers(prev.ID)
	}

	session, superseded, err := r.registry.BeginSession(ctx, deviceID, viewerID)
	if err != nil {
		tracing.RecordError(ctx, err)
		r.drop(domain.MessageStartRequest, "unknown_device", "device_id", deviceID, "viewer_id", viewerID)
		return err
	}
	r.observer.SessionStateChanged(domain.StateIdle, domain.StateStartRequested)

	for _, old := range superseded {
		r.clearBuffers(old.ID)
		r.observer.SessionStateChanged(domain.StateStartRequested, domain.StateClosed)
		r.logger.Infow("session superseded", "device_id", deviceID, "viewer_id", old.ViewerID, "by", viewerID)
		_ = r.deliver(domain.ViewerParty(old.ViewerID), &domain.Message{
			Type:     domain.MessageError,
			DeviceID: deviceID,
			ViewerID: old.ViewerID,
			Code:     string(apperrors.ErrCodeSuperseded),
			Message:  domain.ErrSuperseded.Error(),
		})
	}

	r.logger.Infow("requesting offer from device",
		"device_id", deviceID,
		"viewer_id", viewerID,
		"session_id", session.ID,
		"attempt", session.Attempt,
	)

	return r.deliver(domain.DeviceParty(deviceID), &domain.Message{
		Type:     domain.MessageStartRequest,
		DeviceID: deviceID,
		ViewerID: viewerID,
	})
}

// RouteOffer delivers a device's offer to the viewer holding its active session.
// An offer with no interested viewer is dropped, not queued.
func (r *SignalingRouter) RouteOffer(ctx context.Context, deviceID domain.DeviceID, offer domain.SessionDescription) error {
	ctx, span := tracing.TraceSignal(ctx, "route_offer", string(deviceID), "")
	defer span.End()

	if err := validation.ValidateSDP(offer.SDP); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("%w: invalid offer: %v", domain.ErrInvalidMessage, err)
	}

	active, ok := r.registry.ActiveSession(deviceID)
	if !ok {
		r.drop(domain.MessageOffer, "no_viewer", "device_id", deviceID)
		return domain.ErrNoRecipient
	}

	// a connected session keeps its negotiation flags so candidates keep flowing;
	// the offer is still forwarded and the viewer decides what to do with it
	session, err := r.registry.UpdateSession(deviceID, active.ViewerID, func(s *domain.Session) error {
		if s.State == domain.StateConnected {
			return nil
		}
		s.State = domain.StateOfferReceived
		s.OfferSent = true
		s.AnswerSent = false
		return nil
	})
	if err != nil {
		r.drop(domain.MessageOffer, "session_gone", "device_id", deviceID)
		return err
	}
	if session.State != domain.StateConnected {
		r.observer.SessionStateChanged(active.State, session.State)
		r.candidates.Clear(deviceBound(session.ID))
	}

	r.logger.Infow("routing offer",
		"device_id", deviceID,
		"viewer_id", session.ViewerID,
		"session_id", session.ID,
		"sdp_length", len(offer.SDP),
	)

	desc := offer
	desc.Type = domain.SDPTypeOffer
	if err := r.deliver(domain.ViewerParty(session.ViewerID), &domain.Message{
		Type:        domain.MessageOffer,
		DeviceID:    deviceID,
		ViewerID:    session.ViewerID,
		Description: &desc,
	}); err != nil {
		return err
	}

	r.flush(session, domain.ViewerParty(session.ViewerID), viewerBound(session.ID))
	return nil
}

// RouteAnswer delivers a viewer's answer to the device, provided the device is
// still awaiting one for its most recent offer.
func (r *SignalingRouter) RouteAnswer(ctx context.Context, deviceID domain.DeviceID, viewerID domain.ViewerID, answer domain.SessionDescription) error {
	ctx, span := tracing.TraceSignal(ctx, "route_answer", string(deviceID), string(viewerID))
	defer span.End()

	if err := validation.ValidateSDP(answer.SDP); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("%w: invalid answer: %v", domain.ErrInvalidMessage, err)
	}

	var prevState domain.SessionState
	session, err := r.registry.UpdateSession(deviceID, viewerID, func(s *domain.Session) error {
		if s.State != domain.StateOfferReceived {
			return domain.ErrNotAwaitingAnswer
		}
		prevState = s.State
		s.State = domain.StateAnswerSent
		s.AnswerSent = true
		return nil
	})
	if err != nil {
		r.drop(domain.MessageAnswer, "not_awaiting_answer", "device_id", deviceID, "viewer_id", viewerID, "error", err)
		if errors.Is(err, domain.ErrSessionNotFound) {
			return domain.ErrNotAwaitingAnswer
		}
		return err
	}
	r.observer.SessionStateChanged(prevState, session.State)

	r.logger.Infow("routing answer",
		"device_id", deviceID,
		"viewer_id", viewerID,
		"session_id", session.ID,
		"sdp_length", len(answer.SDP),
	)

	desc := answer
	desc.Type = domain.SDPTypeAnswer
	if err := r.deliver(domain.DeviceParty(deviceID), &domain.Message{
		Type:        domain.MessageAnswer,
		DeviceID:    deviceID,
		ViewerID:    viewerID,
		Description: &desc,
	}); err != nil {
		return err
	}

	r.flush(session, domain.DeviceParty(deviceID), deviceBound(session.ID))
	return nil
}

// RouteCandidate forwards a candidate to the side that did not originate it.
// If that side has not been handed its remote description yet, the candidate
// is buffered on the session instead.
func (r *SignalingRouter) RouteCandidate(ctx context.Context, deviceID domain.DeviceID, viewerID domain.ViewerID, from domain.PartyRole, candidate domain.Candidate) error {
	if candidate.Candidate == "" {
		return fmt.Errorf("%w: empty candidate", domain.ErrInvalidMessage)
	}

	var (
		session domain.Session
		ok      bool
	)
	if viewerID == "" && from == domain.PartyDevice {
		session, ok = r.registry.ActiveSession(deviceID)
	} else {
		session, ok = r.registry.Session(deviceID, viewerID)
	}
	if !ok || session.State.Terminal() {
		r.drop(domain.MessageCandidate, "no_session", "device_id", deviceID, "viewer_id", viewerID)
		return domain.ErrSessionNotFound
	}

	var (
		target   domain.Party
		ready    bool
		bufferID domain.SessionID
	)
	switch from {
	case domain.PartyDevice:
		target, ready, bufferID = domain.ViewerParty(session.ViewerID), session.OfferSent, viewerBound(session.ID)
	case domain.PartyViewer:
		target, ready, bufferID = domain.DeviceParty(deviceID), session.AnswerSent, deviceBound(session.ID)
	default:
		return fmt.Errorf("%w: unknown candidate origin %q", domain.ErrInvalidMessage, from)
	}

	if !ready {
		evicted := r.candidates.Append(bufferID, candidate)
		r.observer.CandidateBuffered(evicted)
		r.logger.Debugw("buffering candidate until remote description is set",
			"device_id", deviceID,
			"viewer_id", session.ViewerID,
			"target", target.String(),
			"evicted", evicted,
		)
		return nil
	}

	r.logger.Debugw("routing candidate", "device_id", deviceID, "viewer_id", session.ViewerID, "target", target.String())
	c := candidate
	return r.deliver(target, &domain.Message{
		Type:      domain.MessageCandidate,
		DeviceID:  deviceID,
		ViewerID:  session.ViewerID,
		Candidate: &c,
	})
}

func (r *SignalingRouter) flush(session domain.Session, target domain.Party, bufferID domain.SessionID) {
	buffered := r.candidates.Drain(bufferID)
	for i := range buffered {
		c := buffered[i]
		_ = r.deliver(target, &domain.Message{
			Type:      domain.MessageCandidate,
			DeviceID:  session.DeviceID,
			ViewerID:  session.ViewerID,
			Candidate: &c,
		})
	}
	if len(buffered) > 0 {
		r.logger.Debugw("flushed buffered candidates", "session_id", session.ID, "target", target.String(), "count", len(buffered))
	}
}

// RouteStatus records a viewer's controller status and forwards it to the device.
func (r *SignalingRouter) RouteStatus(ctx context.Context, deviceID domain.DeviceID, viewerID domain.ViewerID, status domain.Status) error {
	next := status.SessionState()
	if next == "" {
		return fmt.Errorf("%w: unknown status %q", domain.ErrInvalidMessage, status.State)
	}

	var session domain.Session
	var err error
	switch {
	case status.State == domain.StatusConnecting:
		// informational only, negotiation progress is tracked from offer/answer routing
		var ok bool
		if session, ok = r.registry.Session(deviceID, viewerID); !ok {
			err = domain.ErrSessionNotFound
		}
	case next.Terminal():
		session, err = r.registry.EndSession(deviceID, viewerID, next)
		if err == nil {
			r.clearBuffers(session.ID)
		}
	default:
		var prev domain.SessionState
		session, err = r.registry.UpdateSession(deviceID, viewerID, func(s *domain.Session) error {
			prev = s.State
			s.State = next
			if next == domain.StateConnected {
				s.Locked = false
				s.Attempt = 0
			}
			return nil
		})
		if err == nil {
			r.observer.SessionStateChanged(prev, next)
		}
	}
	if err != nil {
		r.drop(domain.MessageStatus, "no_session", "device_id", deviceID, "viewer_id", viewerID)
		return err
	}

	r.logger.Infow("viewer status", "device_id", deviceID, "viewer_id", viewerID, "status", status.State, "attempt", status.Attempt)
	st := status
	return r.deliver(domain.DeviceParty(deviceID), &domain.Message{
		Type:     domain.MessageStatus,
		DeviceID: deviceID,
		ViewerID: viewerID,
		Status:   &st,
	})
}

// StopSession ends the pair's session and tells the device to release its side.
func (r *SignalingRouter) StopSession(ctx context.Context, deviceID domain.DeviceID, viewerID domain.ViewerID) error {
	session, err := r.registry.EndSession(deviceID, viewerID, domain.StateStopped)
	if err != nil {
		return err
	}
	r.clearBuffers(session.ID)
	r.observer.SessionStateChanged(domain.StateConnected, domain.StateStopped)
	r.logger.Infow("session stopped", "device_id", deviceID, "viewer_id", viewerID, "session_id", session.ID)

	return r.deliver(domain.DeviceParty(deviceID), &domain.Message{
		Type:     domain.MessageStop,
		DeviceID: deviceID,
		ViewerID: viewerID,
	})
}

// ViewerGone stops every session a disconnected viewer held.
func (r *SignalingRouter) ViewerGone(ctx context.Context, viewerID domain.ViewerID) {
	for _, s := range r.registry.ViewerSessions(viewerID) {
		if s.State.Terminal() {
			continue
		}
		if err := r.StopSession(ctx, s.DeviceID, viewerID); err != nil && !errors.Is(err, domain.ErrNoRecipient) {
			r.logger.Debugw("failed to stop session for departed viewer", "device_id", s.DeviceID, "viewer_id", viewerID, "error", err)
		}
	}
}

// LocalSignaler lets an in-process lifecycle controller talk to the router directly.
type LocalSignaler struct {
	Router *SignalingRouter
}

func (l LocalSignaler) RequestStart(ctx context.Context, deviceID domain.DeviceID, viewerID domain.ViewerID) error {
	return l.Router.RequestStart(ctx, deviceID, viewerID)
}

func (l LocalSignaler) SendAnswer(ctx context.Context, deviceID domain.DeviceID, viewerID domain.ViewerID, answer domain.SessionDescription) error {
	return l.Router.RouteAnswer(ctx, deviceID, viewerID, answer)
}

func (l LocalSignaler) SendCandidate(ctx context.Context, deviceID domain.DeviceID, viewerID domain.ViewerID, candidate domain.Candidate) error {
	return l.Router.RouteCandidate(ctx, deviceID, viewerID, domain.PartyViewer, candidate)
}

func (l LocalSignaler) ReportStatus(ctx context.Context, deviceID domain.DeviceID, viewerID domain.ViewerID, status domain.Status) error {
	return l.Router.RouteStatus(ctx, deviceID, viewerID, status)
}

var _ ports.Signaler = LocalSignaler{}
