package upstream

import (
	"testing"

	"github.com/zhukovaskychina/mikrotik-manager/server/protocol"

	"github.com/google/go-cmp/cmp"
	jerrors "github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapResolver map[string]string

func (m mapResolver) LookupIPv4(host string) (string, error) {
	ip, ok := m[host]
	if !ok {
		return "", jerrors.Errorf("lookup %s: no such host", host)
	}
	return ip, nil
}

func TestRewriteRedirect(t *testing.T) {
	in := protocol.Sentence{
		"/ip/proxy/access/add",
		"=src-address=10.0.0.0/24",
		"=action=deny",
		"=redirect-to=http://portal.example/blocked",
	}
	out, err := Rewrite(in, "192.0.2.1", nil)
	require.NoError(t, err)

	want := protocol.Sentence{
		"/ip/proxy/access/add",
		"=src-address=10.0.0.0/24",
		"=action=redirect",
		"=action-data=http://portal.example/blocked",
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("rewrite mismatch (-want +got):\n%s", diff)
	}
}

func TestRewriteDstAddress(t *testing.T) {
	resolver := mapResolver{"blocked.example": "203.0.113.7"}

	out, err := Rewrite(protocol.Sentence{
		"/ip/firewall/filter/add", "=chain=forward", "=dst-address=blocked.example", "=action=drop",
	}, "192.0.2.1", resolver)
	require.NoError(t, err)
	assert.Contains(t, out, "=dst-address=203.0.113.7")

	// suffix survives resolution
	out, err = Rewrite(protocol.Sentence{
		"/ip/firewall/nat/add", "=dst-address=blocked.example/32",
	}, "192.0.2.1", resolver)
	require.NoError(t, err)
	assert.Contains(t, out, "=dst-address=203.0.113.7/32")

	// numeric literals pass through untouched
	in := protocol.Sentence{"/ip/firewall/filter/add", "=dst-address=198.51.100.9/24"}
	out, err = Rewrite(in, "192.0.2.1", resolver)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestRewriteDstAddressResolveFailure(t *testing.T) {
	_, err := Rewrite(protocol.Sentence{
		"/ip/firewall/filter/add", "=dst-address=gone.example",
	}, "192.0.2.1", mapResolver{})
	require.Error(t, err)
	assert.False(t, IsTrap(err))
}

func TestRewriteLocalAddress(t *testing.T) {
	for _, cmd := range []string{"/ppp/profile/add", "/ppp/profile/set"} {
		out, err := Rewrite(protocol.Sentence{
			cmd, "=name=clients", "=local-address=10.99.99.1",
		}, "192.0.2.1", nil)
		require.NoError(t, err)
		assert.Contains(t, out, "=local-address=192.0.2.1")
	}
}

func TestRewritePassthrough(t *testing.T) {
	in := protocol.Sentence{"/interface/print", "?type=ether"}
	out, err := Rewrite(in, "192.0.2.1", nil)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestFilterRows(t *testing.T) {
	rows := []protocol.Row{
		{"name": "ether1", "type": "ether"},
		{"name": "wlan1", "type": "wlan"},
		{"name": "ether2", "type": "ether"},
	}
	got := FilterRows(rows, map[string]string{"type": "ether"})
	require.Len(t, got, 2)
	assert.Equal(t, "ether1", got[0]["name"])
	assert.Equal(t, "ether2", got[1]["name"])

	assert.Equal(t, rows, FilterRows(rows, nil))
	assert.Empty(t, FilterRows(rows, map[string]string{"type": "bridge"}))
}
