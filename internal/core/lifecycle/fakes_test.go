package lifecycle

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"

	"github.com/pion/rtp"
)

// manualClock fires timers only when advanced. With leaky set, Stop never
// prevents a timer from firing, which models a callback that was already
// queued when it was cancelled.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
	leaky  bool
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward, firing due timers in deadline order.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due []*manualTimer
		for _, t := range c.timers {
			if t.fired || t.at.After(target) || (t.stopped && !c.leaky) {
				continue
			}
			due = append(due, t)
		}
		if len(due) == 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
		next := due[0]
		next.fired = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.fn()
	}
}

type answerCall struct {
	deviceID domain.DeviceID
	answer   domain.SessionDescription
}

type fakeSignaler struct {
	mu         sync.Mutex
	starts     int
	answers    []answerCall
	candidates []domain.Candidate
	statuses   []domain.Status
	startErr   error
}

func (s *fakeSignaler) RequestStart(ctx context.Context, deviceID domain.DeviceID, viewerID domain.ViewerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	return s.startErr
}

func (s *fakeSignaler) SendAnswer(ctx context.Context, deviceID domain.DeviceID, viewerID domain.ViewerID, answer domain.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, answerCall{deviceID: deviceID, answer: answer})
	return nil
}

func (s *fakeSignaler) SendCandidate(ctx context.Context, deviceID domain.DeviceID, viewerID domain.ViewerID, candidate domain.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, candidate)
	return nil
}

func (s *fakeSignaler) ReportStatus(ctx context.Context, deviceID domain.DeviceID, viewerID domain.ViewerID, status domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *fakeSignaler) startCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

func (s *fakeSignaler) answerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.answers)
}

func (s *fakeSignaler) lastStatus() domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return domain.Status{}
	}
	return s.statuses[len(s.statuses)-1]
}

func (s *fakeSignaler) statusCount(state domain.StatusState) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.statuses {
		if st.State == state {
			n++
		}
	}
	return n
}

type fakeTransport struct {
	mu         sync.Mutex
	handlers   ports.TransportHandlers
	remote     *domain.SessionDescription
	candidates []domain.Candidate
	stats      domain.TransferStats
	closes     int
	remoteErr  error
}

func (t *fakeTransport) SetRemoteDescription(desc domain.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remoteErr != nil {
		return t.remoteErr
	}
	t.remote = &desc
	return nil
}

func (t *fakeTransport) CreateLocalDescription() (domain.SessionDescription, error) {
	return domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n"}, nil
}

func (t *fakeTransport) AddCandidate(candidate domain.Candidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		return errors.New("remote description not set")
	}
	t.candidates = append(t.candidates, candidate)
	return nil
}

func (t *fakeTransport) Stats() domain.TransferStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	return nil
}

func (t *fakeTransport) addBytes(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.BytesReceived += n
	t.stats.PacketsReceived++
}

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

func (t *fakeTransport) added() []domain.Candidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.Candidate(nil), t.candidates...)
}

type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	createErr  error
	onCreate   func(*fakeTransport)
}

func (f *fakeFactory) CreateTransport(handlers ports.TransportHandlers, sink ports.MediaSink) (ports.MediaTransport, error) {
	f.mu.Lock()
	if f.createErr != nil {
		f.mu.Unlock()
		return nil, f.createErr
	}
	t := &fakeTransport{handlers: handlers}
	f.transports = append(f.transports, t)
	hook := f.onCreate
	f.mu.Unlock()

	if hook != nil {
		hook(t)
	}
	return t, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

func (f *fakeFactory) get(i int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[i]
}

type fakeSink struct {
	mu     sync.Mutex
	closes int
}

func (s *fakeSink) WriteRTP(pkt *rtp.Packet) error { return nil }

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSink) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type countingObserver struct {
	mu        sync.Mutex
	failures  map[string]int
	confirmed int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{failures: make(map[string]int)}
}

func (o *countingObserver) StateChanged(from, to domain.SessionState) {}

func (o *countingObserver) AttemptFailed(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures[reason]++
}

func (o *countingObserver) Confirmed() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.confirmed++
}

func (o *countingObserver) failureCount(reason string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failures[reason]
}
