package protocol

import (
	"encoding/binary"

	jerrors "github.com/juju/errors"
)

// RouterOS API words are length-prefixed byte strings. The prefix is a
// variable-length big-endian integer whose width is self-described by the top
// bits of the first byte:
//
//	0xxxxxxx                    1 byte,  0 - 0x7F
//	10xxxxxx + 1 byte           2 bytes, up to 0x3FFF
//	110xxxxx + 2 bytes          3 bytes, up to 0x1FFFFF
//	1110xxxx + 3 bytes          4 bytes, up to 0x0FFFFFFF
//	0xF0     + 4 raw bytes      5 bytes, anything larger
var (
	ErrNotEnoughStream = jerrors.New("word stream is not enough")
	ErrIllegalPrefix   = jerrors.New("illegal word length prefix")
)

const (
	maxLen1 = 0x7F
	maxLen2 = 0x3FFF
	maxLen3 = 0x1FFFFF
	maxLen4 = 0x0FFFFFFF
)

// AppendLength appends the shortest valid length prefix for n.
func AppendLength(buf []byte, n int) []byte {
	switch {
	case n <= maxLen1:
		return append(buf, byte(n))
	case n <= maxLen2:
		return append(buf, byte(n>>8)|0x80, byte(n))
	case n <= maxLen3:
		return append(buf, byte(n>>16)|0xC0, byte(n>>8), byte(n))
	case n <= maxLen4:
		return append(buf, byte(n>>24)|0xE0, byte(n>>16), byte(n>>8), byte(n))
	default:
		buf = append(buf, 0xF0)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(n))
		return append(buf, b[:]...)
	}
}

// AppendWord appends the encoded form of w: length prefix plus the raw bytes.
func AppendWord(buf []byte, w []byte) []byte {
	buf = AppendLength(buf, len(w))
	return append(buf, w...)
}

// AppendStringWord is AppendWord for string words.
func AppendStringWord(buf []byte, w string) []byte {
	buf = AppendLength(buf, len(w))
	return append(buf, w...)
}

// DecodeLength reads one length prefix from data. It returns the word length
// and the number of prefix bytes consumed. ErrNotEnoughStream means the buffer
// ends inside the prefix; ErrIllegalPrefix means the first byte is not a valid
// control byte and the stream can not be resynchronized.
func DecodeLength(data []byte) (int, int, error) {
	if len(data) == 0 {
		return 0, 0, ErrNotEnoughStream
	}
	b1 := data[0]
	switch {
	case b1&0x80 == 0x00:
		return int(b1), 1, nil
	case b1&0xC0 == 0x80:
		if len(data) < 2 {
			return 0, 0, ErrNotEnoughStream
		}
		return int(binary.BigEndian.Uint16(data[:2])) & maxLen2, 2, nil
	case b1&0xE0 == 0xC0:
		if len(data) < 3 {
			return 0, 0, ErrNotEnoughStream
		}
		n := int(data[0])<<16 | int(data[1])<<8 | int(data[2])
		return n & maxLen3, 3, nil
	case b1&0xF0 == 0xE0:
		if len(data) < 4 {
			return 0, 0, ErrNotEnoughStream
		}
		return int(binary.BigEndian.Uint32(data[:4])) & maxLen4, 4, nil
	case b1 == 0xF0:
		if len(data) < 5 {
			return 0, 0, ErrNotEnoughStream
		}
		return int(binary.BigEndian.Uint32(data[1:5])), 5, nil
	default:
		// 0xF1..0xFF are reserved control bytes
		return 0, 0, ErrIllegalPrefix
	}
}

// DecodeWord reads one word from data. It returns the word bytes and the total
// number of bytes consumed (prefix + body). The word slice aliases data.
func DecodeWord(data []byte) ([]byte, int, error) {
	n, hdr, err := DecodeLength(data)
	if err != nil {
		return nil, 0, err
	}
	if len(data) < hdr+n {
		return nil, 0, ErrNotEnoughStream
	}
	return data[hdr : hdr+n], hdr + n, nil
}
