package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/internal/core/services"
	apperrors "camrelay/pkg/errors"

	"go.uber.org/zap"
)

const eventQueueSize = 128

// Controller drives one (device, viewer) pair through negotiation,
// confirmation, keepalive and reconnection.
//
// Every input (API call, relay message, transport callback, timer) is queued
// as an event and applied by a single goroutine, so two events for the same
// pair never run concurrently. Timers and transport callbacks carry the retry
// token of the attempt that created them; once the token moves on they are
// ignored.
type Controller struct {
	deviceID   domain.DeviceID
	viewerID   domain.ViewerID
	cfg        Config
	signaler   ports.Signaler
	transports ports.TransportFactory
	clock      Clock
	observer   Observer
	listeners  []func(domain.DeviceID, domain.Status)
	newSink    func(domain.DeviceID) ports.MediaSink
	logger     *zap.SugaredLogger

	ctx       context.Context
	cancel    context.CancelFunc
	events    chan event
	done      chan struct{}
	closeOnce sync.Once

	// owned by the run goroutine
	state        domain.SessionState
	token        uint64
	attempts     int
	transport    ports.MediaTransport
	sink         ports.MediaSink
	candidates   *services.CandidateBuffer
	remoteSet    bool
	transportUp  bool
	confirmed    bool
	retryPending bool
	connTimer    Timer
	retryTimer   Timer
	keepalive    Timer
	lastSample   domain.TransferStats
	lastProgress time.Time
	lastErr      error
}

func NewController(
	deviceID domain.DeviceID,
	viewerID domain.ViewerID,
	signaler ports.Signaler,
	transports ports.TransportFactory,
	cfg Config,
	logger *zap.SugaredLogger,
	opts ...Option,
) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		deviceID:   deviceID,
		viewerID:   viewerID,
		cfg:        cfg.withDefaults(),
		signaler:   signaler,
		transports: transports,
		clock:      RealClock(),
		observer:   noopObserver{},
		logger:     logger.With("device_id", deviceID, "viewer_id", viewerID),
		ctx:        ctx,
		cancel:     cancel,
		events:     make(chan event, eventQueueSize),
		done:       make(chan struct{}),
		state:      domain.StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.candidates = services.NewCandidateBuffer(c.cfg.CandidateCapacity)

	go c.run()
	return c
}

func (c *Controller) DeviceID() domain.DeviceID { return c.deviceID }

// Done is closed once the controller goroutine has exited.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Start begins a new connection attempt. It fails with ErrStartInFlight while
// an attempt is already under way and ErrInvalidTransition once connected.
func (c *Controller) Start() error {
	return c.call(event{kind: evStart})
}

// Stop tears the connection down and disables reconnection. Safe to call repeatedly.
func (c *Controller) Stop() error {
	return c.call(event{kind: evStop})
}

// Close stops the controller and terminates its goroutine.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.call(event{kind: evClose})
	})
	if errors.Is(err, domain.ErrControllerClosed) {
		return nil
	}
	return err
}

func (c *Controller) HandleOffer(offer domain.SessionDescription) {
	c.post(event{kind: evOffer, description: offer})
}

func (c *Controller) HandleCandidate(candidate domain.Candidate) {
	c.post(event{kind: evRemoteCandidate, candidate: candidate})
}

func (c *Controller) HandleRemoteError(code, message string) {
	c.post(event{kind: evRemoteError, code: code, message: message})
}

func (c *Controller) Snapshot() (Snapshot, error) {
	ch := make(chan Snapshot, 1)
	if !c.post(event{kind: evSnapshot, snapshot: ch}) {
		return Snapshot{}, domain.ErrControllerClosed
	}
	select {
	case s := <-ch:
		return s, nil
	case <-c.done:
		return Snapshot{}, domain.ErrControllerClosed
	}
}

// Err returns the terminal error that moved the controller to FAILED, if any.
func (c *Controller) Err() error {
	s, err := c.Snapshot()
	if err != nil {
		return err
	}
	return s.LastError
}

func (c *Controller) post(ev event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) call(ev event) error {
	ev.reply = make(chan error, 1)
	if !c.post(ev) {
		return domain.ErrControllerClosed
	}
	select {
	case err := <-ev.reply:
		return err
	case <-c.done:
		select {
		case err := <-ev.reply:
			return err
		default:
			return domain.ErrControllerClosed
		}
	}
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		if exit := c.handle(<-c.events); exit {
			return
		}
	}
}

func (c *Controller) handle(ev event) bool {
	switch ev.kind {
	case evStart:
		ev.reply <- c.onStart()
	case evStop:
		c.onStop()
		ev.reply <- nil
	case evClose:
		c.onStop()
		c.cancel()
		ev.reply <- nil
		return true
	case evOffer:
		c.onOffer(ev.description)
	case evRemoteCandidate:
		c.onRemoteCandidate(ev.candidate)
	case evRemoteError:
		c.onRemoteError(ev.code, ev.message)
	case evLocalCandidate:
		c.onLocalCandidate(ev.token, ev.candidate)
	case evTransportState:
		c.onTransportState(ev.token, ev.transportState)
	case evFlowStarted:
		c.onFlowStarted(ev.token)
	case evConnTimeout:
		c.onConnTimeout(ev.token)
	case evRetry:
		c.onRetry(ev.token)
	case evKeepalive:
		c.onKeepalive(ev.token)
	case evSnapshot:
		ev.snapshot <- c.snapshot()
	}
	return false
}

func (c *Controller) snapshot() Snapshot {
	return Snapshot{
		DeviceID:     c.deviceID,
		ViewerID:     c.viewerID,
		State:        c.state,
		Token:        c.token,
		Attempts:     c.attempts,
		MaxAttempts:  c.cfg.MaxAttempts,
		Confirmed:    c.confirmed,
		TransportUp:  c.transportUp,
		RemoteSet:    c.remoteSet,
		RetryPending: c.retryPending,
		Buffered:     c.candidates.Len(c.bufferKey()),
		LastError:    c.lastErr,
	}
}

func (c *Controller) bufferKey() domain.SessionID {
	return domain.SessionID(c.deviceID)
}

func (c *Controller) onStart() error {
	switch c.state {
	case domain.StateIdle, domain.StateDisconnected:
	case domain.StateFailed, domain.StateStopped:
		c.attempts = 0
		c.lastErr = nil
	case domain.StateConnected:
		if c.confirmed {
			return domain.ErrInvalidTransition
		}
		return domain.ErrStartInFlight
	default:
		c.logger.Debugw("start ignored, attempt in flight", "state", c.state, "token", c.token)
		return domain.ErrStartInFlight
	}
	c.beginAttempt()
	return nil
}

func (c *Controller) beginAttempt() {
	c.token++
	c.retryPending = false
	c.retryTimer = nil
	c.setState(domain.StateStartRequested)
	c.armConnTimeout()

	c.logger.Infow("requesting offer", "token", c.token, "attempt", c.attempts+1, "max_attempts", c.cfg.MaxAttempts)
	if err := c.signaler.RequestStart(c.ctx, c.deviceID, c.viewerID); err != nil {
		c.fail("start_request", err)
		return
	}
	c.report(domain.Status{State: domain.StatusConnecting, Attempt: c.attempts + 1, MaxAttempts: c.cfg.MaxAttempts})
}

func (c *Controller) armConnTimeout() {
	stopTimer(&c.connTimer)
	token := c.token
	c.connTimer = c.clock.AfterFunc(c.cfg.ConnectTimeout, func() {
		c.post(event{kind: evConnTimeout, token: token})
	})
}

func (c *Controller) onOffer(offer domain.SessionDescription) {
	switch c.state {
	case domain.StateStopped, domain.StateFailed:
		c.logger.Debugw("ignoring offer", "state", c.state)
		return
	case domain.StateStartRequested:
	case domain.StateConnected:
		if c.confirmed {
			c.logger.Debugw("ignoring duplicate offer on confirmed connection", "token", c.token)
			return
		}
		c.restartForOffer()
	case domain.StateOfferReceived, domain.StateAnswerSent:
		c.restartForOffer()
	default:
		// unsolicited offer: the device restarted on its own
		c.logger.Infow("accepting unsolicited offer", "state", c.state)
		stopTimer(&c.retryTimer)
		c.retryPending = false
		c.token++
		c.armConnTimeout()
	}
	c.accept(offer)
}

// restartForOffer abandons the negotiation in flight so a newer offer can be accepted.
func (c *Controller) restartForOffer() {
	c.logger.Infow("new offer replaces negotiation in flight", "state", c.state, "token", c.token)
	c.teardown()
	c.token++
	c.armConnTimeout()
}

func (c *Controller) accept(offer domain.SessionDescription) {
	token := c.token
	c.setState(domain.StateOfferReceived)

	if c.newSink != nil {
		c.sink = c.newSink(c.deviceID)
	}
	transport, err := c.transports.CreateTransport(c.handlersFor(token), c.sink)
	if err != nil {
		c.fail("transport_create", err)
		return
	}
	c.transport = transport

	if err := transport.SetRemoteDescription(offer); err != nil {
		c.fail("negotiation", fmt.Errorf("set remote description: %w", err))
		return
	}
	c.remoteSet = true

	buffered := c.candidates.Drain(c.bufferKey())
	for _, candidate := range buffered {
		if err := transport.AddCandidate(candidate); err != nil {
			c.logger.Warnw("failed to add buffered candidate", "token", token, "error", err)
		}
	}

	answer, err := transport.CreateLocalDescription()
	if err != nil {
		c.fail("negotiation", fmt.Errorf("create answer: %w", err))
		return
	}
	if err := c.signaler.SendAnswer(c.ctx, c.deviceID, c.viewerID, answer); err != nil {
		c.fail("send_answer", err)
		return
	}

	c.setState(domain.StateAnswerSent)
	c.armConnTimeout()
	c.logger.Infow("answer sent", "token", token, "drained_candidates", len(buffered))
}

func (c *Controller) handlersFor(token uint64) ports.TransportHandlers {
	return ports.TransportHandlers{
		OnState: func(s domain.TransportState) {
			c.post(event{kind: evTransportState, token: token, transportState: s})
		},
		OnFlowStarted: func() {
			c.post(event{kind: evFlowStarted, token: token})
		},
		OnLocalCandidate: func(candidate domain.Candidate) {
			c.post(event{kind: evLocalCandidate, token: token, candidate: candidate})
		},
	}
}

func (c *Controller) onRemoteCandidate(candidate domain.Candidate) {
	switch {
	case c.remoteSet && c.transport != nil:
		if err := c.transport.AddCandidate(candidate); err != nil {
			c.logger.Warnw("failed to add candidate", "token", c.token, "error", err)
		}
	case c.state == domain.StateStartRequested:
		if evicted := c.candidates.Append(c.bufferKey(), candidate); evicted {
			c.logger.Warnw("candidate buffer full, evicted oldest entry", "token", c.token)
		}
	default:
		c.logger.Debugw("discarding candidate", "state", c.state)
	}
}

func (c *Controller) onLocalCandidate(token uint64, candidate domain.Candidate) {
	if token != c.token || c.transport == nil {
		return
	}
	if err := c.signaler.SendCandidate(c.ctx, c.deviceID, c.viewerID, candidate); err != nil {
		c.logger.Warnw("failed to send local candidate", "token", token, "error", err)
	}
}

func (c *Controller) onRemoteError(code, message string) {
	if code == string(apperrors.ErrCodeSuperseded) {
		c.logger.Infow("session taken over by another viewer", "message", message)
		c.onStop()
		return
	}

	switch c.state {
	case domain.StateStartRequested, domain.StateOfferReceived, domain.StateAnswerSent:
		c.fail("remote_error", fmt.Errorf("relay error %s: %s", code, message))
	case domain.StateConnected:
		if !c.confirmed {
			c.fail("remote_error", fmt.Errorf("relay error %s: %s", code, message))
			return
		}
		fallthrough
	default:
		c.logger.Warnw("relay reported error", "code", code, "message", message, "state", c.state)
	}
}

func (c *Controller) onTransportState(token uint64, s domain.TransportState) {
	if token != c.token || c.transport == nil {
		c.logger.Debugw("ignoring event from superseded transport", "transport_state", s, "event_token", token, "token", c.token)
		return
	}

	switch s {
	case domain.TransportConnecting:
	case domain.TransportConnected:
		c.transportUp = true
		if c.state == domain.StateOfferReceived || c.state == domain.StateAnswerSent {
			c.setState(domain.StateConnected)
		}
		if c.cfg.ConfirmOnTransportConnected && !c.confirmed {
			c.confirm()
		}
	case domain.TransportDisconnected, domain.TransportFailed, domain.TransportClosed:
		c.fail("transport_"+string(s), fmt.Errorf("transport %s", s))
	}
}

func (c *Controller) onFlowStarted(token uint64) {
	if token != c.token || c.transport == nil || c.confirmed {
		return
	}
	c.confirm()
}

func (c *Controller) confirm() {
	c.confirmed = true
	c.transportUp = true
	c.attempts = 0
	c.lastErr = nil
	stopTimer(&c.connTimer)
	c.setState(domain.StateConnected)
	c.startKeepalive()
	c.observer.Confirmed()

	c.logger.Infow("connection confirmed", "token", c.token)
	c.report(domain.Status{State: domain.StatusConnected, MaxAttempts: c.cfg.MaxAttempts})
}

func (c *Controller) onConnTimeout(token uint64) {
	if token != c.token {
		c.logger.Debugw("ignoring stale connect timeout", "event_token", token, "token", c.token)
		return
	}
	if c.confirmed {
		return
	}
	switch c.state {
	case domain.StateStartRequested, domain.StateOfferReceived, domain.StateAnswerSent, domain.StateConnected:
		c.fail("timeout", fmt.Errorf("not connected within %s", c.cfg.ConnectTimeout))
	}
}

// fail funnels every failure into one reconnection path: tear down, count the
// attempt, then either schedule a retry or give up.
func (c *Controller) fail(reason string, cause error) {
	if c.state == domain.StateStopped || c.state == domain.StateFailed {
		return
	}
	if c.retryPending {
		c.logger.Debugw("reconnect already scheduled", "reason", reason)
		return
	}

	wasConfirmed := c.confirmed
	c.teardown()
	c.attempts++
	c.lastErr = cause
	c.observer.AttemptFailed(reason)

	c.logger.Warnw("connection attempt failed",
		"reason", reason,
		"error", cause,
		"token", c.token,
		"attempt", c.attempts,
		"max_attempts", c.cfg.MaxAttempts,
		"was_connected", wasConfirmed,
	)

	if wasConfirmed {
		c.setState(domain.StateDisconnected)
		c.report(domain.Status{State: domain.StatusDisconnected, Attempt: c.attempts, MaxAttempts: c.cfg.MaxAttempts})
	}

	if c.attempts >= c.cfg.MaxAttempts {
		c.lastErr = fmt.Errorf("%w after %d attempts: %v", domain.ErrMaxAttemptsExceeded, c.attempts, cause)
		c.setState(domain.StateFailed)
		c.logger.Errorw("giving up on connection", "attempts", c.attempts, "error", c.lastErr)
		c.report(domain.Status{
			State:       domain.StatusFailed,
			Attempt:     c.attempts,
			MaxAttempts: c.cfg.MaxAttempts,
			Error:       c.lastErr.Error(),
		})
		return
	}

	c.setState(domain.StateReconnecting)
	c.retryPending = true
	token := c.token
	c.retryTimer = c.clock.AfterFunc(c.cfg.RetryDelay, func() {
		c.post(event{kind: evRetry, token: token})
	})
	c.report(domain.Status{State: domain.StatusReconnecting, Attempt: c.attempts, MaxAttempts: c.cfg.MaxAttempts})
}

func (c *Controller) onRetry(token uint64) {
	if token != c.token || c.state != domain.StateReconnecting || !c.retryPending {
		c.logger.Debugw("ignoring stale retry", "event_token", token, "token", c.token, "state", c.state)
		return
	}
	c.beginAttempt()
}

func (c *Controller) onStop() {
	if c.state == domain.StateStopped {
		return
	}
	c.teardown()
	c.token++
	c.setState(domain.StateStopped)
	c.logger.Infow("connection stopped", "token", c.token)
	c.report(domain.Status{State: domain.StatusStopped})
}

// teardown releases everything owned by the current attempt.
func (c *Controller) teardown() {
	stopTimer(&c.connTimer)
	stopTimer(&c.retryTimer)
	stopTimer(&c.keepalive)
	c.retryPending = false

	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			c.logger.Debugw("transport close failed", "error", err)
		}
		c.transport = nil
	}
	if c.sink != nil {
		if err := c.sink.Close(); err != nil {
			c.logger.Debugw("media sink close failed", "error", err)
		}
		c.sink = nil
	}

	c.candidates.Clear(c.bufferKey())
	c.remoteSet = false
	c.transportUp = false
	c.confirmed = false
	c.lastSample = domain.TransferStats{}
}

func (c *Controller) setState(next domain.SessionState) {
	if c.state == next {
		return
	}
	prev := c.state
	c.state = next
	c.observer.StateChanged(prev, next)
	c.logger.Debugw("state transition", "from", prev, "to", next, "token", c.token)
}

func (c *Controller) report(status domain.Status) {
	for _, fn := range c.listeners {
		fn(c.deviceID, status)
	}
	if err := c.signaler.ReportStatus(c.ctx, c.deviceID, c.viewerID, status); err != nil {
		c.logger.Debugw("failed to report status", "status", status.State, "error", err)
	}
}

func stopTimer(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
