package webrtc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// TransportFactory builds recvonly pion peer connections. The viewer is
// always the answerer.
type TransportFactory struct {
	config Config
	api    *webrtc.API
	logger *zap.SugaredLogger
}

func NewTransportFactory(config Config, logger *zap.SugaredLogger) (*TransportFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	return &TransportFactory{
		config: config,
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settingEngine)),
		logger: logger,
	}, nil
}

func (f *TransportFactory) CreateTransport(handlers ports.TransportHandlers, sink ports.MediaSink) (ports.MediaTransport, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   f.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to add video transceiver: %w", err)
	}

	t := &Transport{
		pc:       pc,
		sink:     sink,
		handlers: handlers,
		logger:   f.logger,
	}
	pc.OnICECandidate(t.handleICECandidate)
	pc.OnConnectionStateChange(t.handleConnectionState)
	pc.OnTrack(t.handleTrack)
	return t, nil
}

// Transport is one negotiation attempt's peer connection.
type Transport struct {
	pc       *webrtc.PeerConnection
	sink     ports.MediaSink
	handlers ports.TransportHandlers
	logger   *zap.SugaredLogger

	bytes     atomic.Uint64
	packets   atomic.Uint64
	flowing   atomic.Bool
	closeOnce sync.Once
	closed    atomic.Bool
}

func (t *Transport) SetRemoteDescription(desc domain.SessionDescription) error {
	sdpType := webrtc.SDPTypeOffer
	if desc.Type == domain.SDPTypeAnswer {
		sdpType = webrtc.SDPTypeAnswer
	}
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func (t *Transport) CreateLocalDescription() (domain.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: answer.SDP}, nil
}

func (t *Transport) AddCandidate(candidate domain.Candidate) error {
	if err := t.pc.AddICECandidate(toICECandidateInit(candidate)); err != nil {
		return fmt.Errorf("failed to add candidate: %w", err)
	}
	return nil
}

func (t *Transport) Stats() domain.TransferStats {
	return domain.TransferStats{
		BytesReceived:   t.bytes.Load(),
		PacketsReceived: t.packets.Load(),
	}
}

func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		err = t.pc.Close()
	})
	return err
}

func (t *Transport) handleICECandidate(c *webrtc.ICECandidate) {
	// nil marks the end of gathering
	if c == nil || t.closed.Load() || t.handlers.OnLocalCandidate == nil {
		return
	}
	t.handlers.OnLocalCandidate(fromICECandidateInit(c.ToJSON()))
}

func (t *Transport) handleConnectionState(state webrtc.PeerConnectionState) {
	t.logger.Debugw("peer connection state changed", "connection_state", state.String())
	if t.handlers.OnState == nil {
		return
	}
	if mapped, ok := transportState(state); ok {
		t.handlers.OnState(mapped)
	}
}

func (t *Transport) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	t.logger.Infow("receiving track",
		"track_id", track.ID(),
		"codec", track.Codec().MimeType,
		"ssrc", uint32(track.SSRC()),
	)

	// ask for a keyframe so decoding can start immediately
	if err := t.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}); err != nil {
		t.logger.Debugw("failed to send PLI", "error", err)
	}

	go t.readRTCP(receiver)
	go t.readRTP(track)
}

func (t *Transport) readRTP(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !t.closed.Load() {
				t.logger.Debugw("track read ended", "track_id", track.ID(), "error", err)
			}
			return
		}

		t.packets.Add(1)
		t.bytes.Add(uint64(pkt.MarshalSize()))
		if t.flowing.CompareAndSwap(false, true) && t.handlers.OnFlowStarted != nil {
			t.handlers.OnFlowStarted()
		}

		if t.sink != nil {
			if err := t.sink.WriteRTP(pkt); err != nil && !errors.Is(err, ErrSinkClosed) {
				t.logger.Warnw("error writing RTP packet to sink", "track_id", track.ID(), "error", err)
			}
		}
	}
}

// readRTCP drains receiver feedback so the interceptor chain keeps running.
func (t *Transport) readRTCP(receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			if sr, ok := packet.(*rtcp.SenderReport); ok {
				t.logger.Debugw("received sender report", "packet_count", sr.PacketCount, "octet_count", sr.OctetCount)
			}
		}
	}
}

func transportState(state webrtc.PeerConnectionState) (domain.TransportState, bool) {
	switch state {
	case webrtc.PeerConnectionStateNew, webrtc.PeerConnectionStateConnecting:
		return domain.TransportConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return domain.TransportConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return domain.TransportDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return domain.TransportFailed, true
	case webrtc.PeerConnectionStateClosed:
		return domain.TransportClosed, true
	default:
		return "", false
	}
}

func toICECandidateInit(c domain.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

func fromICECandidateInit(c webrtc.ICECandidateInit) domain.Candidate {
	return domain.Candidate{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

var (
	_ ports.TransportFactory = (*TransportFactory)(nil)
	_ ports.MediaTransport   = (*Transport)(nil)
)
