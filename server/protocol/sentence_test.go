package protocol

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	jerrors "github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentenceRoundTrip(t *testing.T) {
	s := Sentence{"/ip/firewall/filter/add", "=chain=forward", "=action=drop"}
	enc := AppendSentence(nil, s)
	got, n, err := DecodeSentence(enc)
	require.NoError(t, err)
	assert.Equal(t, len(enc), n)
	assert.Equal(t, s, got)
}

// Feeding the decoder one byte at a time must yield the same sentences as
// decoding the whole buffer at once.
func TestSentenceByteAtATime(t *testing.T) {
	sentences := []Sentence{
		{"/login", "=name=admin", "=password=pw"},
		{"/system/resource/print"},
		{"!re", "=uptime=1h"},
		{"!done"},
	}
	var stream []byte
	for _, s := range sentences {
		stream = AppendSentence(stream, s)
	}

	var (
		buf     []byte
		decoded []Sentence
	)
	for _, b := range stream {
		buf = append(buf, b)
		for {
			s, n, err := DecodeSentence(buf)
			if jerrors.Cause(err) == ErrNotEnoughStream {
				break
			}
			require.NoError(t, err)
			decoded = append(decoded, s)
			buf = buf[n:]
		}
	}
	assert.Empty(t, buf)
	if diff := cmp.Diff(sentences, decoded); diff != "" {
		t.Errorf("sentence mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeSentenceEmpty(t *testing.T) {
	s, n, err := DecodeSentence([]byte{0x00})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, s, 0)
}

func TestDecodeSentenceIllegalPrefix(t *testing.T) {
	_, _, err := DecodeSentence([]byte{0xFE, 0x01, 0x02})
	assert.Equal(t, ErrIllegalPrefix, jerrors.Cause(err))
}

func TestSentenceAccessors(t *testing.T) {
	s := Sentence{
		"/interface/print",
		"=.proplist=name,type",
		"=detail=",
		"?type=ether",
		"?>mtu=1000",
		"=comment=up=link",
	}
	assert.Equal(t, "/interface/print", s.Command())
	assert.True(t, s.Has("?type=ether"))
	assert.False(t, s.Has("/login"))

	v, ok := s.Attribute("comment")
	assert.True(t, ok)
	assert.Equal(t, "up=link", v)

	assert.Equal(t, map[string]string{"detail": "", "comment": "up=link"}, s.Attributes())
	assert.Equal(t, map[string]string{"type": "ether"}, s.Filters())
	assert.Equal(t, []string{"name", "type"}, s.PropList())
}
