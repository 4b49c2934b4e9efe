package lifecycle

import "camrelay/internal/core/domain"

type eventKind int

const (
	evStart eventKind = iota
	evStop
	evClose
	evOffer
	evRemoteCandidate
	evRemoteError
	evLocalCandidate
	evTransportState
	evFlowStarted
	evConnTimeout
	evRetry
	evKeepalive
	evSnapshot
)

var eventNames = map[eventKind]string{
	evStart:           "start",
	evStop:            "stop",
	evClose:           "close",
	evOffer:           "offer",
	evRemoteCandidate: "remote_candidate",
	evRemoteError:     "remote_error",
	evLocalCandidate:  "local_candidate",
	evTransportState:  "transport_state",
	evFlowStarted:     "flow_started",
	evConnTimeout:     "connect_timeout",
	evRetry:           "retry",
	evKeepalive:       "keepalive",
	evSnapshot:        "snapshot",
}

func (k eventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// event is the single input type of the controller's transition function.
// token is set on events that belong to one attempt (timers, transport
// callbacks) and is compared against the controller's current token.
type event struct {
	kind  eventKind
	token uint64

	description    domain.SessionDescription
	candidate      domain.Candidate
	transportState domain.TransportState
	code           string
	message        string

	reply    chan error
	snapshot chan Snapshot
}

// Snapshot is a consistent view of a controller's private state.
type Snapshot struct {
	DeviceID     domain.DeviceID
	ViewerID     domain.ViewerID
	State        domain.SessionState
	Token        uint64
	Attempts     int
	MaxAttempts  int
	Confirmed    bool
	TransportUp  bool
	RemoteSet    bool
	RetryPending bool
	Buffered     int
	LastError    error
}
