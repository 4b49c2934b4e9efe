package webrtc

import (
	"github.com/pion/webrtc/v3"
)

// Config configures the viewer-side peer connections.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// ICEServersFromURLs builds an ICE server list from plain STUN/TURN urls.
func ICEServersFromURLs(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}
