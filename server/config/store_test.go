package config

import (
	"testing"

	jerrors "github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDeviceCRUD(t *testing.T) {
	s := openTestStore(t)

	id, err := s.AddDevice(&Device{
		Name: "edge-1", Host: "10.0.0.1", User: "api", Password: "secret", Enabled: true,
	})
	require.NoError(t, err)

	d, err := s.GetDevice(id)
	require.NoError(t, err)
	assert.Equal(t, "edge-1", d.Name)
	assert.Equal(t, 8728, d.Port)
	assert.Equal(t, 9000, d.ProxyPort)
	assert.Equal(t, "10.0.0.1:8728", d.Addr())

	d.Host = "10.0.0.2"
	d.Enabled = false
	require.NoError(t, s.UpdateDevice(d))

	enabled, err := s.EnabledDevices()
	require.NoError(t, err)
	assert.Empty(t, enabled)

	all, err := s.Devices()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "10.0.0.2", all[0].Host)

	require.NoError(t, s.RemoveDevice(id))
	_, err = s.GetDevice(id)
	assert.Equal(t, ErrNotFound, jerrors.Cause(err))
	assert.Equal(t, ErrNotFound, jerrors.Cause(s.RemoveDevice(id)))
}

func TestNextProxyPortFillsGaps(t *testing.T) {
	s := openTestStore(t)

	for i, port := range []int{9000, 9001, 9003} {
		_, err := s.AddDevice(&Device{
			Name: "r" + string(rune('a'+i)), Host: "10.0.0.1",
			User: "api", Password: "pw", ProxyPort: port, Enabled: true,
		})
		require.NoError(t, err)
	}

	next, err := s.NextProxyPort()
	require.NoError(t, err)
	assert.Equal(t, 9002, next)

	id, err := s.AddDevice(&Device{
		Name: "auto", Host: "10.0.0.9", User: "api", Password: "pw", Enabled: true,
	})
	require.NoError(t, err)
	d, err := s.GetDevice(id)
	require.NoError(t, err)
	assert.Equal(t, 9002, d.ProxyPort)
}

func TestServiceConfigAndDSN(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SetServiceConfig("db_host", "db.local"))
	require.NoError(t, s.SetServiceConfig("db_user", "queue"))
	require.NoError(t, s.SetServiceConfig("db_password", "pw"))
	require.NoError(t, s.SetServiceConfig("db_name", "routers"))
	require.NoError(t, s.SetServiceConfig("db_host", "db2.local")) // upsert

	cfg, err := s.ServiceConfig()
	require.NoError(t, err)
	assert.Equal(t, "db2.local", cfg["db_host"])

	dsn, err := s.QueueDSN()
	require.NoError(t, err)
	assert.Equal(t, "queue:pw@tcp(db2.local:3306)/routers?parseTime=true&charset=utf8mb4", dsn)
}

func TestAuthenticate(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.EnsureUser("admin", "changeme"))
	require.NoError(t, s.EnsureUser("admin", "other")) // no overwrite

	ok, err := s.Authenticate("admin", "changeme")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Authenticate("admin", "other")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Authenticate("nobody", "x")
	require.NoError(t, err)
	assert.False(t, ok)
}
