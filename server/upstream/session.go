package upstream

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhukovaskychina/mikrotik-manager/logger"
	"github.com/zhukovaskychina/mikrotik-manager/server/config"
	"github.com/zhukovaskychina/mikrotik-manager/server/protocol"

	jerrors "github.com/juju/errors"
)

// Session states.
const (
	StateStopped int32 = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func stateName(s int32) string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// StatusSink receives human-readable status strings keyed by device id.
type StatusSink interface {
	Set(key, status string)
}

type nopSink struct{}

func (nopSink) Set(string, string) {}

// Dialer opens the upstream TCP connection. Injectable for tests.
type Dialer func(addr string, timeout time.Duration) (net.Conn, error)

// Timings groups the session's timers. Zero fields take the production
// defaults; tests shrink them.
type Timings struct {
	DialTimeout time.Duration // dial + login budget
	Backoff     time.Duration // delay before any reconnect attempt
	ProbePeriod time.Duration // liveness probe interval
	RPCTimeout  time.Duration // per-RPC read/write deadline
}

func (t *Timings) fillDefaults() {
	if t.DialTimeout == 0 {
		t.DialTimeout = 5 * time.Second
	}
	if t.Backoff == 0 {
		t.Backoff = 5 * time.Second
	}
	if t.ProbePeriod == 0 {
		t.ProbePeriod = 10 * time.Second
	}
	if t.RPCTimeout == 0 {
		t.RPCTimeout = 30 * time.Second
	}
}

type Option func(*Session)

func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dial = d }
}

func WithResolver(r Resolver) Option {
	return func(s *Session) { s.resolver = r }
}

func WithStatusSink(sink StatusSink) Option {
	return func(s *Session) { s.sink = sink }
}

func WithTimings(tm Timings) Option {
	return func(s *Session) { s.timings = tm }
}

// Session is the single persistent API connection to one device. A
// supervisor goroutine dials, logs in, and probes liveness every probe
// period; any failure drops the transport and reconnects after a backoff.
// All device RPCs, the probe included, run under one serializing mutex, so
// the device ever sees one command at a time.
type Session struct {
	device  config.Device
	timings Timings

	mu sync.Mutex // serializes device RPCs, shared by clients and the probe

	connMu    sync.Mutex
	client    *Client
	connected chan struct{} // closed while a logged-in transport is up

	state    int32
	lastLive int64 // unix nanos of the last live-client command

	dial     Dialer
	resolver Resolver
	sink     StatusSink

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func NewSession(device config.Device, opts ...Option) *Session {
	s := &Session{
		device:    device,
		connected: make(chan struct{}),
		dial:      defaultDial,
		resolver:  SystemResolver{},
		sink:      nopSink{},
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.timings.fillDefaults()
	return s
}

func defaultDial(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

func (s *Session) Device() config.Device {
	return s.device
}

func (s *Session) DeviceID() int64 {
	return s.device.ID
}

func (s *Session) statusKey() string {
	return strconv.FormatInt(s.device.ID, 10)
}

// Start launches the supervisor goroutine.
func (s *Session) Start() {
	s.wg.Add(1)
	go s.supervise()
}

// Stop terminates the session and waits for the supervisor to exit.
func (s *Session) Stop() {
	s.once.Do(func() { close(s.done) })

	s.connMu.Lock()
	client := s.client
	s.connMu.Unlock()
	if client != nil {
		client.Close()
	}

	s.wg.Wait()
	s.setState(StateStopped)
}

func (s *Session) IsClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) State() int32 {
	return atomic.LoadInt32(&s.state)
}

func (s *Session) setState(state int32) {
	atomic.StoreInt32(&s.state, state)
}

func (s *Session) setStatus(status string) {
	s.sink.Set(s.statusKey(), status)
}

// Connected reports whether a logged-in transport is currently up.
func (s *Session) Connected() bool {
	select {
	case <-s.ready():
		return true
	default:
		return false
	}
}

func (s *Session) ready() <-chan struct{} {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.connected
}

func (s *Session) currentClient() *Client {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.client
}

// TouchLiveActivity records that an interactive client just used this device.
func (s *Session) TouchLiveActivity() {
	atomic.StoreInt64(&s.lastLive, time.Now().UnixNano())
}

// LastLiveActivity returns the time of the last interactive command, or the
// zero time when none happened yet.
func (s *Session) LastLiveActivity() time.Time {
	n := atomic.LoadInt64(&s.lastLive)
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *Session) supervise() {
	defer s.wg.Done()

	for {
		if s.IsClosed() {
			return
		}

		s.setState(StateConnecting)
		client, err := s.connect()
		if err != nil {
			logger.Warnf("device %s: connect failed: %v", s.device.Name, err)
			s.setStatus(fmt.Sprintf("Connection failed: %v", jerrors.Cause(err)))
			if !s.sleep(s.timings.Backoff) {
				return
			}
			continue
		}

		logger.Infof("device %s: connected to %s", s.device.Name, s.device.Addr())
		s.setState(StateConnected)
		s.setStatus("Connected")
		s.attach(client)

		s.probeLoop(client)

		s.detach(client)
		if s.IsClosed() {
			return
		}
		s.setState(StateReconnecting)
		s.setStatus("Reconnecting")
		if !s.sleep(s.timings.Backoff) {
			return
		}
	}
}

// connect dials and logs in within the dial-timeout budget.
func (s *Session) connect() (*Client, error) {
	conn, err := s.dial(s.device.Addr(), s.timings.DialTimeout)
	if err != nil {
		return nil, jerrors.Annotatef(err, "dial %s", s.device.Addr())
	}

	client := NewClient(conn, s.timings.DialTimeout)
	if err = client.Login(s.device.User, s.device.Password); err != nil {
		client.Close()
		return nil, jerrors.Annotatef(err, "login %s", s.device.Addr())
	}
	client.SetTimeout(s.timings.RPCTimeout)
	return client, nil
}

// probeLoop runs the liveness probe until it fails or the session stops.
func (s *Session) probeLoop(client *Client) {
	ticker := time.NewTicker(s.timings.ProbePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			_, _, err := client.Run(protocol.Sentence{"/system/resource/print"})
			s.mu.Unlock()
			if err != nil {
				logger.Warnf("device %s: liveness probe failed: %v", s.device.Name, err)
				return
			}
		}
	}
}

func (s *Session) attach(client *Client) {
	s.connMu.Lock()
	s.client = client
	close(s.connected)
	s.connMu.Unlock()
}

// detach drops the transport and swaps in a fresh open readiness channel.
// Safe to call from both the supervisor and a failed RunCommand.
func (s *Session) detach(client *Client) {
	s.connMu.Lock()
	if s.client == client {
		s.client = nil
		s.connected = make(chan struct{})
	}
	s.connMu.Unlock()
	client.Close()
}

func (s *Session) sleep(d time.Duration) bool {
	select {
	case <-s.done:
		return false
	case <-time.After(d):
		return true
	}
}

// RunCommand executes one command on the device: wait for a transport,
// acquire the serializing lock, apply rewrites, run the RPC, and for print
// commands apply the equality filters to the returned rows. The error is
// either a *TrapError (logical, the device rejected the command) or a
// transient failure.
func (s *Session) RunCommand(ctx context.Context, words protocol.Sentence) ([]protocol.Row, error) {
	select {
	case <-s.ready():
	case <-s.done:
		return nil, jerrors.Errorf("device %s: session stopped", s.device.Name)
	case <-ctx.Done():
		return nil, jerrors.Trace(ctx.Err())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	client := s.currentClient()
	if client == nil {
		return nil, jerrors.Errorf("device %s: not connected", s.device.Name)
	}

	words, err := Rewrite(words, s.device.Host, s.resolver)
	if err != nil {
		return nil, jerrors.Trace(err)
	}

	rows, _, err := client.Run(words)
	if err != nil {
		if !IsTrap(err) {
			// transport is suspect, drop it so callers queue instead of
			// waiting for the next probe to notice
			s.detach(client)
		}
		return nil, jerrors.Trace(err)
	}

	if strings.HasSuffix(words.Command(), "/print") {
		rows = FilterRows(rows, words.Filters())
	}
	return rows, nil
}
