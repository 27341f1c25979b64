package protocol

import (
	"bytes"
	"testing"

	jerrors "github.com/juju/errors"
)

func TestAppendLengthBoundaries(t *testing.T) {
	cases := []struct {
		n    int
		want []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{127, []byte{0x7F}},
		{128, []byte{0x80, 0x80}},
		{16383, []byte{0xBF, 0xFF}},
		{16384, []byte{0xC0, 0x40, 0x00}},
		{2097151, []byte{0xDF, 0xFF, 0xFF}},
		{2097152, []byte{0xE0, 0x20, 0x00, 0x00}},
		{268435455, []byte{0xEF, 0xFF, 0xFF, 0xFF}},
		{268435456, []byte{0xF0, 0x10, 0x00, 0x00, 0x00}},
	}
	for _, c := range cases {
		got := AppendLength(nil, c.n)
		if !bytes.Equal(got, c.want) {
			t.Errorf("AppendLength(%d) = %x, want %x", c.n, got, c.want)
		}
		n, hdr, err := DecodeLength(got)
		if err != nil {
			t.Fatalf("DecodeLength(%x) error: %v", got, err)
		}
		if n != c.n || hdr != len(c.want) {
			t.Errorf("DecodeLength(%x) = (%d, %d), want (%d, %d)", got, n, hdr, c.n, len(c.want))
		}
	}
}

func TestWordRoundTrip(t *testing.T) {
	words := [][]byte{
		nil,
		[]byte("/login"),
		[]byte("=name=admin"),
		bytes.Repeat([]byte{0xAB}, 127),
		bytes.Repeat([]byte{0xCD}, 128),
		bytes.Repeat([]byte("x"), 20000),
	}
	for _, w := range words {
		enc := AppendWord(nil, w)
		got, n, err := DecodeWord(enc)
		if err != nil {
			t.Fatalf("DecodeWord(len %d) error: %v", len(w), err)
		}
		if n != len(enc) {
			t.Errorf("DecodeWord consumed %d bytes, want %d", n, len(enc))
		}
		if !bytes.Equal(got, w) {
			t.Errorf("word of len %d did not round-trip", len(w))
		}
	}
}

func TestDecodeWordPartial(t *testing.T) {
	enc := AppendWord(nil, bytes.Repeat([]byte("y"), 300))
	for i := 0; i < len(enc); i++ {
		if _, _, err := DecodeWord(enc[:i]); jerrors.Cause(err) != ErrNotEnoughStream {
			t.Fatalf("DecodeWord with %d/%d bytes: got %v, want ErrNotEnoughStream", i, len(enc), err)
		}
	}
}

func TestDecodeLengthIllegalPrefix(t *testing.T) {
	for b := 0xF1; b <= 0xFF; b++ {
		if _, _, err := DecodeLength([]byte{byte(b), 0, 0, 0, 0}); jerrors.Cause(err) != ErrIllegalPrefix {
			t.Errorf("DecodeLength(first byte %#x): got %v, want ErrIllegalPrefix", b, err)
		}
	}
}
