package ports

import (
	"camrelay/internal/core/domain"

	"github.com/pion/rtp"
)

// TransportHandlers are invoked by a MediaTransport from its own goroutines.
type TransportHandlers struct {
	OnState          func(domain.TransportState)
	OnFlowStarted    func()
	OnLocalCandidate func(domain.Candidate)
}

type MediaTransport interface {
	SetRemoteDescription(desc domain.SessionDescription) error
	CreateLocalDescription() (domain.SessionDescription, error)
	AddCandidate(candidate domain.Candidate) error
	Stats() domain.TransferStats
	Close() error
}

// TransportFactory builds one transport per negotiation attempt. Media received
// on it is written to sink; closing the transport does not close the sink.
type TransportFactory interface {
	CreateTransport(handlers TransportHandlers, sink MediaSink) (MediaTransport, error)
}

// MediaSink consumes received media.
type MediaSink interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}
