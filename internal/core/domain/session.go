package domain

import "time"

type SessionState string

const (
	StateIdle           SessionState = "idle"
	StateStartRequested SessionState = "start_requested"
	StateOfferReceived  SessionState = "offer_received"
	StateAnswerSent     SessionState = "answer_sent"
	StateConnected      SessionState = "connected"
	StateDisconnected   SessionState = "disconnected"
	StateFailed         SessionState = "failed"
	StateReconnecting   SessionState = "reconnecting"
	StateStopped        SessionState = "stopped"
	StateClosed         SessionState = "closed"
)

// Terminal reports whether no further negotiation happens without a new start.
func (s SessionState) Terminal() bool {
	switch s {
	case StateFailed, StateStopped, StateClosed:
		return true
	default:
		return false
	}
}

type NegotiationRole string

const (
	RoleOfferer  NegotiationRole = "offerer"
	RoleAnswerer NegotiationRole = "answerer"
)

// Session is the relay's record of one negotiation attempt between a viewer and a device.
// The device is always the offerer.
type Session struct {
	ID           SessionID       `json:"id"`
	DeviceID     DeviceID        `json:"device_id"`
	ViewerID     ViewerID        `json:"viewer_id"`
	State        SessionState    `json:"state"`
	DeviceRole   NegotiationRole `json:"device_role"`
	Attempt      int             `json:"attempt"`
	Locked       bool            `json:"locked"`
	OfferSent    bool            `json:"offer_sent"`
	AnswerSent   bool            `json:"answer_sent"`
	CreatedAt    time.Time       `json:"created_at"`
	LastActivity time.Time       `json:"last_activity"`
}

// StatusState is the small vocabulary surfaced to the dashboard.
type StatusState string

const (
	StatusConnecting   StatusState = "connecting"
	StatusConnected    StatusState = "connected"
	StatusDisconnected StatusState = "disconnected"
	StatusReconnecting StatusState = "reconnecting"
	StatusFailed       StatusState = "failed"
	StatusStopped      StatusState = "stopped"
)

type Status struct {
	State       StatusState `json:"state"`
	Attempt     int         `json:"attempt,omitempty"`
	MaxAttempts int         `json:"max_attempts,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// SessionState maps a reported status onto the relay-side session state.
func (s Status) SessionState() SessionState {
	switch s.State {
	case StatusConnecting:
		return StateAnswerSent
	case StatusConnected:
		return StateConnected
	case StatusDisconnected:
		return StateDisconnected
	case StatusReconnecting:
		return StateReconnecting
	case StatusFailed:
		return StateFailed
	case StatusStopped:
		return StateStopped
	default:
		return ""
	}
}
