package protocol

import (
	"testing"

	jerrors "github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeAll(t *testing.T, buf []byte) []Sentence {
	t.Helper()
	var out []Sentence
	for len(buf) > 0 {
		s, n, err := DecodeSentence(buf)
		if jerrors.Cause(err) == ErrNotEnoughStream {
			t.Fatalf("truncated reply stream: % x", buf)
		}
		require.NoError(t, err)
		out = append(out, s)
		buf = buf[n:]
	}
	return out
}

func TestAppendRows(t *testing.T) {
	rows := []Row{
		{"uptime": "1h", "cpu-load": "3"},
		{"uptime": "2h"},
	}
	got := decodeAll(t, AppendRows(nil, rows))
	require.Len(t, got, 3)
	assert.Equal(t, Sentence{"!re", "=cpu-load=3", "=uptime=1h"}, got[0])
	assert.Equal(t, Sentence{"!re", "=uptime=2h"}, got[1])
	assert.Equal(t, Sentence{"!done"}, got[2])
}

func TestAppendRowsEmpty(t *testing.T) {
	got := decodeAll(t, AppendRows(nil, nil))
	require.Len(t, got, 1)
	assert.Equal(t, Sentence{"!done"}, got[0])
}

func TestAppendTrapDone(t *testing.T) {
	got := decodeAll(t, AppendTrapDone(nil, "no such chain"))
	require.Len(t, got, 2)
	assert.Equal(t, Sentence{"!trap", "=message=no such chain"}, got[0])
	assert.Equal(t, Sentence{"!done"}, got[1])
}

func TestRowFromReply(t *testing.T) {
	row := RowFromReply(Sentence{"!re", "=name=ether1", "=mtu=1500", ".id"})
	assert.Equal(t, Row{"name": "ether1", "mtu": "1500"}, row)
}
