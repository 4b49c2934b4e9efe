package webrtc

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"camrelay/internal/core/ports"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/h264writer"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"
)

var ErrSinkClosed = errors.New("sink closed")

// CountingSink discards media and keeps totals.
type CountingSink struct {
	packets  atomic.Uint64
	bytes    atomic.Uint64
	lastSeen atomic.Int64
	closed   atomic.Bool
}

func NewCountingSink() *CountingSink {
	return &CountingSink{}
}

func (s *CountingSink) WriteRTP(pkt *rtp.Packet) error {
	if s.closed.Load() {
		return ErrSinkClosed
	}
	s.packets.Add(1)
	s.bytes.Add(uint64(len(pkt.Payload)))
	s.lastSeen.Store(time.Now().UnixNano())
	return nil
}

func (s *CountingSink) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *CountingSink) Packets() uint64 { return s.packets.Load() }
func (s *CountingSink) Bytes() uint64   { return s.bytes.Load() }

// LastPacket returns when the last packet arrived, zero if none has.
func (s *CountingSink) LastPacket() time.Time {
	ns := s.lastSeen.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

type rtpWriter interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// FileSink records a device's video to disk. The container follows the file
// extension: .ivf for VP8/VP9, .h264 for H.264 Annex B.
type FileSink struct {
	mu     sync.Mutex
	writer rtpWriter
	closed bool
}

func NewFileSink(path string) (*FileSink, error) {
	var (
		w   rtpWriter
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ivf":
		w, err = ivfwriter.New(path)
	case ".h264":
		w, err = h264writer.New(path)
	default:
		return nil, fmt.Errorf("unsupported recording format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open recording %s: %w", path, err)
	}
	return &FileSink{writer: w}, nil
}

func (s *FileSink) WriteRTP(pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	return s.writer.WriteRTP(pkt)
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.writer.Close()
}

var (
	_ ports.MediaSink = (*CountingSink)(nil)
	_ ports.MediaSink = (*FileSink)(nil)
)
