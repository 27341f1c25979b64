package supervisor

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/zhukovaskychina/mikrotik-manager/server/conf"
	"github.com/zhukovaskychina/mikrotik-manager/server/config"
	"github.com/zhukovaskychina/mikrotik-manager/server/protocol"
	"github.com/zhukovaskychina/mikrotik-manager/server/upstream"

	jerrors "github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	mu   sync.Mutex
	cmds int
}

func (f *fakeQueue) Enqueue(int64, protocol.Sentence) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds++
	return int64(f.cmds), nil
}

// unreachableDialer fails fast so lifecycle tests never wait on the network.
func unreachableDialer(string, time.Duration) (net.Conn, error) {
	return nil, jerrors.New("connection refused")
}

func newTestSupervisor() *Supervisor {
	return New(conf.NewCfg(), &fakeQueue{}, NewStatus(), nil,
		upstream.WithDialer(unreachableDialer),
		upstream.WithTimings(upstream.Timings{
			DialTimeout: 50 * time.Millisecond,
			Backoff:     10 * time.Millisecond,
			ProbePeriod: 50 * time.Millisecond,
			RPCTimeout:  time.Second,
		}))
}

func testDev(id int64, proxyPort int) config.Device {
	return config.Device{
		ID: id, Name: "edge", Host: "192.0.2.1", Port: 8728,
		User: "api", Password: "pw", ProxyPort: proxyPort, Enabled: true,
	}
}

func TestStartStopOne(t *testing.T) {
	s := newTestSupervisor()
	dev := testDev(1, 0)

	require.NoError(t, s.StartOne(dev))
	defer s.StopAll()

	assert.True(t, s.Running(1))
	addr, ok := s.ListenerAddr(1)
	require.True(t, ok)

	// the proxy port is really bound
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	conn.Close()

	_, ok = s.Lookup(1)
	assert.True(t, ok)

	assert.Error(t, s.StartOne(dev), "double start must fail")

	require.NoError(t, s.StopOne(1))
	assert.False(t, s.Running(1))
	_, ok = s.Lookup(1)
	assert.False(t, ok)

	// stop waits for port release
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	ln.Close()

	assert.Error(t, s.StopOne(1), "second stop must fail")
}

func TestStartAllSkipsFailures(t *testing.T) {
	s := newTestSupervisor()
	defer s.StopAll()

	good := testDev(1, 0)
	require.NoError(t, s.StartOne(good))
	addr, _ := s.ListenerAddr(1)

	// device 2 wants the port device 1 already holds
	_, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	bad := testDev(2, atoiOrFail(t, portStr))

	s.StartAll([]config.Device{bad, testDev(3, 0)})
	assert.False(t, s.Running(2))
	assert.True(t, s.Running(3))

	status, ok := s.Status().Get("2")
	require.True(t, ok)
	assert.Contains(t, status, "Error:")
}

func TestUpdateOneDisabledStaysDown(t *testing.T) {
	s := newTestSupervisor()
	defer s.StopAll()

	dev := testDev(1, 0)
	require.NoError(t, s.StartOne(dev))

	dev.Enabled = false
	require.NoError(t, s.UpdateOne(dev))
	assert.False(t, s.Running(1))

	dev.Enabled = true
	require.NoError(t, s.UpdateOne(dev))
	assert.True(t, s.Running(1))
}

func atoiOrFail(t *testing.T, s string) int {
	t.Helper()
	n := 0
	for _, c := range s {
		require.True(t, c >= '0' && c <= '9')
		n = n*10 + int(c-'0')
	}
	return n
}
