package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/internal/core/services"
	apperrors "camrelay/pkg/errors"
	"camrelay/pkg/tracing"
	"camrelay/pkg/validation"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var ErrSendQueueFull = errors.New("send queue full")

type Config struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	SendQueueSize     int
	MessagesPerSecond float64
	Burst             int
	AllowedOrigins    []string
}

func DefaultConfig() Config {
	return Config{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxMessageSize:    64 * 1024,
		SendQueueSize:     64,
		MessagesPerSecond: 50,
		Burst:             100,
	}
}

// ConnectionObserver is notified about connection churn and inbound frames.
type ConnectionObserver interface {
	ConnectionOpened(role domain.PartyRole)
	ConnectionClosed(role domain.PartyRole)
	FrameReceived(kind domain.MessageType)
	FrameRejected(kind domain.MessageType, code string)
}

type noopConnObserver struct{}

func (noopConnObserver) ConnectionOpened(domain.PartyRole) {}
func (noopConnObserver) ConnectionClosed(domain.PartyRole) {}
func (noopConnObserver) FrameReceived(domain.MessageType) {}
func (noopConnObserver) FrameRejected(domain.MessageType, string) {}

type client struct {
	party   domain.Party
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// WebSocketServer carries signaling frames between devices and viewers. It
// implements ports.MessageSink for the router.
type WebSocketServer struct {
	router   *services.SignalingRouter
	auth     services.AuthService
	observer ConnectionObserver
	upgrader websocket.Upgrader
	cfg      Config

	clients map[domain.Party]*client
	mu      sync.RWMutex

	logger *zap.SugaredLogger
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = d.MessagesPerSecond
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	return c
}

func NewWebSocketServer(router *services.SignalingRouter, cfg Config, logger *zap.SugaredLogger) *WebSocketServer {
	s := &WebSocketServer{
		router:   router,
		observer: noopConnObserver{},
		cfg:      cfg.withDefaults(),
		clients:  make(map[domain.Party]*client),
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// SetAuth enables token checks on connect. A nil service disables them.
func (s *WebSocketServer) SetAuth(auth services.AuthService) {
	s.auth = auth
}

func (s *WebSocketServer) SetObserver(observer ConnectionObserver) {
	if observer == nil {
		observer = noopConnObserver{}
	}
	s.observer = observer
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) identify(r *http.Request) (domain.Party, string, error) {
	q := r.URL.Query()
	switch domain.PartyRole(q.Get("role")) {
	case domain.PartyDevice:
		id := q.Get("device_id")
		if err := validation.ValidateDeviceID(id); err != nil {
			return domain.Party{}, "", err
		}
		return domain.DeviceParty(domain.DeviceID(id)), q.Get("name"), nil
	case domain.PartyViewer:
		id := q.Get("viewer_id")
		if id == "" {
			id = uuid.New().String()
		}
		if err := validation.ValidateViewerID(id); err != nil {
			return domain.Party{}, "", err
		}
		return domain.ViewerParty(domain.ViewerID(id)), "", nil
	default:
		return domain.Party{}, "", fmt.Errorf("role must be %q or %q", domain.PartyDevice, domain.PartyViewer)
	}
}

func (s *WebSocketServer) authenticate(r *http.Request, party domain.Party) error {
	if s.auth == nil {
		return nil
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	claims, err := s.auth.ValidateToken(token)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	return s.auth.Authorize(claims, party)
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	party, name, err := s.identify(r)
	if err != nil {
		s.logger.Warnw("rejecting websocket connection", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.authenticate(r, party); err != nil {
		s.logger.Warnw("unauthorized websocket connection", "party", party.String(), "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		party:   party,
		conn:    conn,
		send:    make(chan []byte, s.cfg.SendQueueSize),
		limiter: rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst),
		done:    make(chan struct{}),
	}

	// a reconnecting party replaces its previous connection
	s.mu.Lock()
	previous, isReconnect := s.clients[party]
	s.clients[party] = c
	s.mu.Unlock()
	if isReconnect {
		s.logger.Infow("closing previous connection for reconnecting party", "party", party.String())
		previous.close()
	}

	s.observer.ConnectionOpened(party.Role)
	s.logger.Infow("party connected", "party", party.String(), "reconnect", isReconnect)

	go s.writePump(c)

	ctx := context.Background()
	switch party.Role {
	case domain.PartyDevice:
		if _, err := s.router.AnnounceDevice(ctx, domain.DeviceID(party.ID), name, domain.DeviceCapabilities{}); err != nil {
			s.sendError(c, domain.MessageRegister, "", err)
		}
	case domain.PartyViewer:
		s.sendDeviceList(ctx, c)
	}

	s.readLoop(ctx, c)
	s.disconnect(ctx, c)
}

func (s *WebSocketServer) sendDeviceList(ctx context.Context, c *client) {
	devices, err := s.router.Devices(ctx)
	if err != nil {
		s.logger.Warnw("failed to list devices for new viewer", "error", err)
		return
	}
	for _, d := range devices {
		s.enqueue(c, &domain.Message{Type: domain.MessageDeviceAdded, DeviceID: d.ID, Device: d})
	}
}

func (s *WebSocketServer) readLoop(ctx context.Context, c *client) {
	c.conn.SetReadLimit(s.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		// an idle but connected device stays alive through its pongs
		if c.party.Role == domain.PartyDevice {
			if err := s.router.TouchDevice(ctx, domain.DeviceID(c.party.ID)); err != nil && !errors.Is(err, domain.ErrDeviceNotFound) {
				s.logger.Debugw("failed to record device heartbeat", "device_id", c.party.ID, "error", err)
			}
		}
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading from party", "party", c.party.String(), "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		var msg domain.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(c, "", "", fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err))
			continue
		}

		if !c.limiter.Allow() {
			s.sendError(c, msg.Type, msg.DeviceID, apperrors.NewRateLimitError())
			continue
		}

		s.observer.FrameReceived(msg.Type)
		if err := s.handleMessage(ctx, c, &msg); err != nil {
			s.logger.Infow("error handling message", "party", c.party.String(), "type", msg.Type, "error", err)
			if replyWithError(msg.Type) {
				s.sendError(c, msg.Type, msg.DeviceID, err)
			}
		}

		select {
		case <-c.done:
			return
		default:
		}
	}
}

// replyWithError reports whether a failed frame of this kind earns an error
// frame. Candidates and status reports are best effort.
func replyWithError(kind domain.MessageType) bool {
	return kind != domain.MessageCandidate && kind != domain.MessageStatus
}

func (s *WebSocketServer) writePump(c *client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Infow("error writing to party", "party", c.party.String(), "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "party", c.party.String(), "error", err)
				c.close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *WebSocketServer) disconnect(ctx context.Context, c *client) {
	c.close()

	s.mu.Lock()
	current := s.clients[c.party] == c
	if current {
		delete(s.clients, c.party)
	}
	s.mu.Unlock()

	s.observer.ConnectionClosed(c.party.Role)
	s.logger.Infow("party disconnected", "party", c.party.String(), "replaced", !current)
	if !current {
		return
	}

	switch c.party.Role {
	case domain.PartyDevice:
		if err := s.router.RemoveDevice(ctx, domain.DeviceID(c.party.ID)); err != nil && !errors.Is(err, domain.ErrDeviceNotFound) {
			s.logger.Warnw("failed to remove device", "device_id", c.party.ID, "error", err)
		}
	case domain.PartyViewer:
		s.router.ViewerGone(ctx, domain.ViewerID(c.party.ID))
	}
}

func (s *WebSocketServer) handleMessage(ctx context.Context, c *client, msg *domain.Message) error {
	ctx, span := tracing.TraceWebSocketMessage(ctx, string(msg.Type), c.party.String())
	defer span.End()

	if msg.Type == "" {
		return fmt.Errorf("%w: message type is required", domain.ErrInvalidMessage)
	}

	var err error
	switch c.party.Role {
	case domain.PartyDevice:
		err = s.handleDeviceMessage(ctx, domain.DeviceID(c.party.ID), msg)
	default:
		err = s.handleViewerMessage(ctx, domain.ViewerID(c.party.ID), msg)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

func (s *WebSocketServer) handleDeviceMessage(ctx context.Context, deviceID domain.DeviceID, msg *domain.Message) error {
	if msg.DeviceID != "" && msg.DeviceID != deviceID {
		return fmt.Errorf("%w: device_id mismatch: expected %s, got %s", domain.ErrInvalidMessage, deviceID, msg.DeviceID)
	}
	if msg.Type != domain.MessageDeregister {
		if err := s.router.TouchDevice(ctx, deviceID); err != nil && !errors.Is(err, domain.ErrDeviceNotFound) {
			s.logger.Debugw("failed to record device activity", "device_id", deviceID, "error", err)
		}
	}

	switch msg.Type {
	case domain.MessageRegister:
		var name string
		var caps domain.DeviceCapabilities
		if msg.Device != nil {
			name, caps = msg.Device.Name, msg.Device.Capabilities
		}
		if err := validation.ValidateDisplayName(name); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
		}
		_, err := s.router.AnnounceDevice(ctx, deviceID, name, caps)
		return err
	case domain.MessageDeregister:
		return s.router.RemoveDevice(ctx, deviceID)
	case domain.MessageOffer:
		if msg.Description == nil {
			return fmt.Errorf("%w: offer without description", domain.ErrInvalidMessage)
		}
		return s.router.RouteOffer(ctx, deviceID, *msg.Description)
	case domain.MessageCandidate:
		if msg.Candidate == nil {
			return fmt.Errorf("%w: candidate frame without candidate", domain.ErrInvalidMessage)
		}
		return s.router.RouteCandidate(ctx, deviceID, msg.ViewerID, domain.PartyDevice, *msg.Candidate)
	default:
		return fmt.Errorf("%w: unexpected message type %q from device", domain.ErrInvalidMessage, msg.Type)
	}
}

func (s *WebSocketServer) handleViewerMessage(ctx context.Context, viewerID domain.ViewerID, msg *domain.Message) error {
	if msg.ViewerID != "" && msg.ViewerID != viewerID {
		return fmt.Errorf("%w: viewer_id mismatch: expected %s, got %s", domain.ErrInvalidMessage, viewerID, msg.ViewerID)
	}
	if msg.DeviceID == "" {
		return fmt.Errorf("%w: device_id is required", domain.ErrInvalidMessage)
	}

	switch msg.Type {
	case domain.MessageStartRequest:
		return s.router.RequestStart(ctx, msg.DeviceID, viewerID)
	case domain.MessageAnswer:
		if msg.Description == nil {
			return fmt.Errorf("%w: answer without description", domain.ErrInvalidMessage)
		}
		return s.router.RouteAnswer(ctx, msg.DeviceID, viewerID, *msg.Description)
	case domain.MessageCandidate:
		if msg.Candidate == nil {
			return fmt.Errorf("%w: candidate frame without candidate", domain.ErrInvalidMessage)
		}
		return s.router.RouteCandidate(ctx, msg.DeviceID, viewerID, domain.PartyViewer, *msg.Candidate)
	case domain.MessageStatus:
		if msg.Status == nil {
			return fmt.Errorf("%w: status frame without status", domain.ErrInvalidMessage)
		}
		return s.router.RouteStatus(ctx, msg.DeviceID, viewerID, *msg.Status)
	case domain.MessageStop:
		return s.router.StopSession(ctx, msg.DeviceID, viewerID)
	default:
		return fmt.Errorf("%w: unexpected message type %q from viewer", domain.ErrInvalidMessage, msg.Type)
	}
}

// Deliver queues msg for one connected party without blocking.
func (s *WebSocketServer) Deliver(to domain.Party, msg *domain.Message) error {
	s.mu.RLock()
	c, ok := s.clients[to]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s not connected", to)
	}
	return s.enqueue(c, msg)
}

// Broadcast queues msg for every connected party with the given role.
func (s *WebSocketServer) Broadcast(role domain.PartyRole, msg *domain.Message) {
	s.mu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for party, c := range s.clients {
		if party.Role == role {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		if err := s.enqueue(c, msg); err != nil {
			s.logger.Debugw("broadcast skipped party", "party", c.party.String(), "type", msg.Type, "error", err)
		}
	}
}

func (s *WebSocketServer) enqueue(c *client, msg *domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", msg.Type, err)
	}
	select {
	case <-c.done:
		return fmt.Errorf("%s connection closing", c.party)
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (s *WebSocketServer) sendError(c *client, kind domain.MessageType, deviceID domain.DeviceID, err error) {
	appErr := services.ToAppError(err)
	frame := &domain.Message{
		Type:     domain.MessageError,
		DeviceID: deviceID,
		Code:     string(appErr.Code),
		Message:  appErr.Message,
	}
	s.observer.FrameRejected(kind, frame.Code)
	if err := s.enqueue(c, frame); err != nil {
		s.logger.Debugw("failed to send error frame", "party", c.party.String(), "error", err)
	}
}

// ConnectionCount returns the number of open connections per role.
func (s *WebSocketServer) ConnectionCount() map[domain.PartyRole]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := map[domain.PartyRole]int{domain.PartyDevice: 0, domain.PartyViewer: 0}
	for party := range s.clients {
		counts[party.Role]++
	}
	return counts
}

func (s *WebSocketServer) IsConnected(party domain.Party) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.clients[party]
	return ok
}

// CloseAll closes every connection. Used on shutdown.
func (s *WebSocketServer) CloseAll() {
	s.mu.RLock()
	all := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		all = append(all, c)
	}
	s.mu.RUnlock()

	for _, c := range all {
		c.close()
	}
}

var _ ports.MessageSink = (*WebSocketServer)(nil)
