package lifecycle

import (
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
)

// Config parameterizes a Controller. Zero values fall back to DefaultConfig.
type Config struct {
	ConnectTimeout    time.Duration
	RetryDelay        time.Duration
	KeepaliveInterval time.Duration
	StaleAfter        time.Duration
	MaxAttempts       int

	// ConfirmOnTransportConnected treats a transport "connected" event as a
	// confirmed connection without waiting for media to flow.
	ConfirmOnTransportConnected bool

	// CandidateCapacity bounds the number of remote candidates held before an offer is accepted.
	CandidateCapacity int
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    15 * time.Second,
		RetryDelay:        2 * time.Second,
		KeepaliveInterval: 5 * time.Second,
		StaleAfter:        30 * time.Second,
		MaxAttempts:       10,
		CandidateCapacity: 256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = d.KeepaliveInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.CandidateCapacity <= 0 {
		c.CandidateCapacity = d.CandidateCapacity
	}
	return c
}

// Observer receives lifecycle transitions. The Prometheus collector implements it.
type Observer interface {
	StateChanged(from, to domain.SessionState)
	AttemptFailed(reason string)
	Confirmed()
}

type noopObserver struct{}

func (noopObserver) StateChanged(from, to domain.SessionState) {}
func (noopObserver) AttemptFailed(reason string) {}
func (noopObserver) Confirmed() {}

// Option customizes a Controller.
type Option func(*Controller)

func WithClock(clock Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

func WithObserver(observer Observer) Option {
	return func(c *Controller) {
		if observer != nil {
			c.observer = observer
		}
	}
}

// WithStatusListener registers fn to receive every status the controller reports.
// fn runs on the controller goroutine and must not call back into the controller.
func WithStatusListener(fn func(domain.DeviceID, domain.Status)) Option {
	return func(c *Controller) { c.listeners = append(c.listeners, fn) }
}

// WithSinkFactory supplies a fresh media sink for every negotiation attempt.
func WithSinkFactory(fn func(domain.DeviceID) ports.MediaSink) Option {
	return func(c *Controller) { c.newSink = fn }
}
