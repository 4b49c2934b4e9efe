package domain

import "errors"

var (
	ErrDeviceNotFound      = errors.New("device not found")
	ErrSessionNotFound     = errors.New("session not found")
	ErrNoRecipient         = errors.New("no recipient for message")
	ErrNotAwaitingAnswer   = errors.New("device is not awaiting an answer")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrStartInFlight       = errors.New("start already in flight")
	ErrMaxAttemptsExceeded = errors.New("maximum connection attempts exceeded")
	ErrControllerClosed    = errors.New("controller closed")
	ErrInvalidMessage      = errors.New("invalid message")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrSuperseded          = errors.New("session superseded by another viewer")
)
