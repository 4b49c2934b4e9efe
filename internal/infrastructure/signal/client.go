package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("not connected to relay")

type ClientConfig struct {
	URL          string
	ViewerID     domain.ViewerID
	Token        string
	WriteTimeout time.Duration
	PongTimeout  time.Duration

	// redial policy
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Client is the viewer end of the relay's WebSocket. It implements
// ports.Signaler and hands inbound frames to a ports.ViewerHandler.
type Client struct {
	cfg     ClientConfig
	handler ports.ViewerHandler
	dialer  *websocket.Dialer
	logger  *zap.SugaredLogger

	mu          sync.Mutex
	conn        *websocket.Conn
	onConnected func()
}

func NewClient(cfg ClientConfig, handler ports.ViewerHandler, logger *zap.SugaredLogger) *Client {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		handler: handler,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:  logger.With("viewer_id", cfg.ViewerID),
	}
}

// SetHandler replaces the frame handler. Call before Run.
func (c *Client) SetHandler(handler ports.ViewerHandler) {
	c.handler = handler
}

// OnConnected registers fn to run after every successful (re)connect.
func (c *Client) OnConnected(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = fn
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid relay url: %w", err)
	}
	q := u.Query()
	q.Set("role", string(domain.PartyViewer))
	q.Set("viewer_id", string(c.cfg.ViewerID))
	if c.cfg.Token != "" {
		q.Set("token", c.cfg.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run keeps a connection to the relay open until ctx is cancelled, redialing
// with exponential backoff. It returns early only for errors that retrying
// cannot fix, such as a rejected token.
func (c *Client) Run(ctx context.Context) error {
	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}

	newBackoff := func() backoff.BackOff {
		ebo := backoff.NewExponentialBackOff()
		ebo.InitialInterval = c.cfg.InitialBackoff
		ebo.MaxInterval = c.cfg.MaxBackoff
		ebo.MaxElapsedTime = 0
		ebo.Reset()
		return backoff.WithContext(ebo, ctx)
	}

	for {
		var conn *websocket.Conn
		dial := func() error {
			ws, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
			if err != nil {
				if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest) {
					return backoff.Permanent(fmt.Errorf("relay rejected connection: %s", resp.Status))
				}
				return err
			}
			conn = ws
			return nil
		}
		notify := func(err error, wait time.Duration) {
			c.logger.Warnw("relay dial failed, retrying", "error", err, "retry_in", wait)
		}

		if err := backoff.RetryNotify(dial, newBackoff(), notify); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		c.attach(conn)
		c.logger.Infow("connected to relay", "url", c.cfg.URL)

		c.readLoop(ctx, conn)
		c.detach(conn)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warnw("relay connection lost, redialing")
	}
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	hook := c.onConnected
	c.mu.Unlock()
	if hook != nil {
		go hook()
	}
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		c.mu.Lock()
		defer c.mu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.cfg.WriteTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Infow("error reading from relay", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		var msg domain.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warnw("dropping malformed frame from relay", "error", err)
			continue
		}
		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *domain.Message) {
	switch msg.Type {
	case domain.MessageOffer:
		if msg.Description == nil {
			return
		}
		c.handler.HandleOffer(msg.DeviceID, *msg.Description)
	case domain.MessageCandidate:
		if msg.Candidate == nil {
			return
		}
		c.handler.HandleCandidate(msg.DeviceID, *msg.Candidate)
	case domain.MessageError:
		c.handler.HandleRemoteError(msg.DeviceID, msg.Code, msg.Message)
	case domain.MessageDeviceAdded:
		device := domain.Device{ID: msg.DeviceID}
		if msg.Device != nil {
			device = *msg.Device
		}
		c.handler.HandleDeviceAdded(device)
	case domain.MessageDeviceRemoved:
		c.handler.HandleDeviceRemoved(msg.DeviceID)
	default:
		c.logger.Debugw("ignoring frame", "type", msg.Type, "device_id", msg.DeviceID)
	}
}

func (c *Client) write(msg *domain.Message) error {
	msg.ViewerID = c.cfg.ViewerID

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) RequestStart(ctx context.Context, deviceID domain.DeviceID, viewerID domain.ViewerID) error {
	return c.write(&domain.Message{Type: domain.MessageStartRequest, DeviceID: deviceID})
}

func (c *Client) SendAnswer(ctx context.Context, deviceID domain.DeviceID, viewerID domain.ViewerID, answer domain.SessionDescription) error {
	return c.write(&domain.Message{Type: domain.MessageAnswer, DeviceID: deviceID, Description: &answer})
}

func (c *Client) SendCandidate(ctx context.Context, deviceID domain.DeviceID, viewerID domain.ViewerID, candidate domain.Candidate) error {
	return c.write(&domain.Message{Type: domain.MessageCandidate, DeviceID: deviceID, Candidate: &candidate})
}

func (c *Client) ReportStatus(ctx context.Context, deviceID domain.DeviceID, viewerID domain.ViewerID, status domain.Status) error {
	return c.write(&domain.Message{Type: domain.MessageStatus, DeviceID: deviceID, Status: &status})
}

// Stop asks the relay to end the session with deviceID.
func (c *Client) Stop(deviceID domain.DeviceID) error {
	return c.write(&domain.Message{Type: domain.MessageStop, DeviceID: deviceID})
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

var _ ports.Signaler = (*Client)(nil)
