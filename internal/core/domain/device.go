package domain

import "time"

type DeviceID string
type ViewerID string
type SessionID string

type DeviceRole string

const (
	RoleCamera DeviceRole = "camera"
)

type Device struct {
	ID           DeviceID           `json:"id"`
	Name         string             `json:"name"`
	Role         DeviceRole         `json:"role"`
	Capabilities DeviceCapabilities `json:"capabilities"`
	RegisteredAt time.Time          `json:"registered_at"`
	LastSeen     time.Time          `json:"last_seen"`
}

type DeviceCapabilities struct {
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
	FPS    int `json:"fps,omitempty"`
}
