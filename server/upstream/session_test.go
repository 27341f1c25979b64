package upstream

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zhukovaskychina/mikrotik-manager/server/config"
	"github.com/zhukovaskychina/mikrotik-manager/server/protocol"

	jerrors "github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTimings = Timings{
	DialTimeout: time.Second,
	Backoff:     20 * time.Millisecond,
	ProbePeriod: 50 * time.Millisecond,
	RPCTimeout:  time.Second,
}

// fakeDevice speaks just enough of the device protocol for tests: one
// handler per received sentence, nil reply closes the connection.
type fakeDevice struct {
	ln     net.Listener
	handle func(s protocol.Sentence) []byte

	mu       sync.Mutex
	commands []protocol.Sentence
}

func startFakeDevice(t *testing.T, handle func(s protocol.Sentence) []byte) *fakeDevice {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	d := &fakeDevice{ln: ln, handle: handle}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go d.serve(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return d
}

func (d *fakeDevice) serve(conn net.Conn) {
	defer conn.Close()
	var (
		pktBuf bytes.Buffer
		rbuf   = make([]byte, 4096)
	)
	for {
		n, err := conn.Read(rbuf)
		if err != nil {
			return
		}
		pktBuf.Write(rbuf[:n])
		for {
			s, consumed, err := protocol.DecodeSentence(pktBuf.Bytes())
			if jerrors.Cause(err) == protocol.ErrNotEnoughStream {
				break
			}
			if err != nil {
				return
			}
			pktBuf.Next(consumed)
			if len(s) == 0 {
				continue
			}
			d.mu.Lock()
			d.commands = append(d.commands, s)
			d.mu.Unlock()
			reply := d.handle(s)
			if reply == nil {
				return
			}
			if _, err = conn.Write(reply); err != nil {
				return
			}
		}
	}
}

func (d *fakeDevice) Addr() string {
	return d.ln.Addr().String()
}

func (d *fakeDevice) Commands() []protocol.Sentence {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]protocol.Sentence, len(d.commands))
	copy(out, d.commands)
	return out
}

func okHandler(s protocol.Sentence) []byte {
	return protocol.AppendDone(nil)
}

func startTestSession(t *testing.T, d *fakeDevice, opts ...Option) *Session {
	t.Helper()
	dev := config.Device{
		ID: 1, Name: "edge-1", Host: "192.0.2.1", Port: 8728,
		User: "api", Password: "secret",
	}
	dialer := func(string, time.Duration) (net.Conn, error) {
		return net.DialTimeout("tcp", d.Addr(), time.Second)
	}
	opts = append([]Option{WithDialer(dialer), WithTimings(testTimings)}, opts...)
	s := NewSession(dev, opts...)
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func waitConnected(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, s.Connected, 2*time.Second, 5*time.Millisecond)
}

func TestSessionConnectAndRunCommand(t *testing.T) {
	d := startFakeDevice(t, func(s protocol.Sentence) []byte {
		if s.Command() == "/interface/print" {
			return protocol.AppendRows(nil, []protocol.Row{
				{"name": "ether1", "type": "ether"},
				{"name": "wlan1", "type": "wlan"},
			})
		}
		return okHandler(s)
	})
	s := startTestSession(t, d)
	waitConnected(t, s)

	rows, err := s.RunCommand(context.Background(), protocol.Sentence{"/interface/print", "?type=ether"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "ether1", rows[0]["name"])
}

func TestRunCommandTrap(t *testing.T) {
	d := startFakeDevice(t, func(s protocol.Sentence) []byte {
		if s.Command() == "/login" {
			return okHandler(s)
		}
		return protocol.AppendTrapDone(nil, "no such command")
	})
	s := startTestSession(t, d)
	waitConnected(t, s)

	_, err := s.RunCommand(context.Background(), protocol.Sentence{"/bogus/add"})
	require.Error(t, err)
	assert.True(t, IsTrap(err))
	assert.Equal(t, "Trap: no such command", jerrors.Cause(err).Error())

	// a logical error does not drop the transport
	assert.True(t, s.Connected())
}

func TestSessionReconnectsAfterProbeFailure(t *testing.T) {
	var logins int32
	d := startFakeDevice(t, func(s protocol.Sentence) []byte {
		switch s.Command() {
		case "/login":
			atomic.AddInt32(&logins, 1)
			return okHandler(s)
		case "/system/resource/print":
			if atomic.LoadInt32(&logins) == 1 {
				return nil // kill the first connection on its first probe
			}
			return okHandler(s)
		}
		return okHandler(s)
	})
	s := startTestSession(t, d)
	waitConnected(t, s)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&logins) >= 2 && s.Connected()
	}, 3*time.Second, 5*time.Millisecond)
}

func TestLoginChallenge(t *testing.T) {
	const challenge = "0102030405060708090a0b0c0d0e0f10"
	var response atomic.Value
	d := startFakeDevice(t, func(s protocol.Sentence) []byte {
		if s.Command() != "/login" {
			return okHandler(s)
		}
		if resp, ok := s.Attribute("response"); ok {
			response.Store(resp)
			return okHandler(s)
		}
		return protocol.AppendSentence(nil, protocol.Sentence{protocol.ReplyDone, "=ret=" + challenge})
	})
	s := startTestSession(t, d)
	waitConnected(t, s)

	chal, _ := hex.DecodeString(challenge)
	h := md5.New()
	h.Write([]byte{0})
	h.Write([]byte("secret"))
	h.Write(chal)
	want := "00" + hex.EncodeToString(h.Sum(nil))
	assert.Equal(t, want, response.Load())
}

type recordingSink struct {
	mu       sync.Mutex
	statuses map[string][]string
}

func (r *recordingSink) Set(key, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses == nil {
		r.statuses = make(map[string][]string)
	}
	r.statuses[key] = append(r.statuses[key], status)
}

func (r *recordingSink) last(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	hist := r.statuses[key]
	if len(hist) == 0 {
		return ""
	}
	return hist[len(hist)-1]
}

func TestStatusSink(t *testing.T) {
	sink := &recordingSink{}
	d := startFakeDevice(t, okHandler)
	s := startTestSession(t, d, WithStatusSink(sink))
	waitConnected(t, s)

	assert.Equal(t, "Connected", sink.last("1"))
	assert.Equal(t, StateConnected, s.State())
}

func TestLiveActivity(t *testing.T) {
	d := startFakeDevice(t, okHandler)
	s := startTestSession(t, d)

	assert.True(t, s.LastLiveActivity().IsZero())
	s.TouchLiveActivity()
	assert.WithinDuration(t, time.Now(), s.LastLiveActivity(), time.Second)
}
