package upstream

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"net"
	"time"

	"github.com/zhukovaskychina/mikrotik-manager/server/protocol"

	gxbytes "github.com/dubbogo/gost/bytes"
	jerrors "github.com/juju/errors"
)

const maxReadBufLen = 4 * 1024

// Client is a raw RouterOS API conversation over one TCP connection. It is
// not safe for concurrent use; Session serializes access to it.
type Client struct {
	conn    net.Conn
	buf     *bytes.Buffer
	timeout time.Duration
}

func NewClient(conn net.Conn, timeout time.Duration) *Client {
	return &Client{
		conn:    conn,
		buf:     new(bytes.Buffer),
		timeout: timeout,
	}
}

func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) WriteSentence(s protocol.Sentence) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return jerrors.Trace(err)
	}
	if _, err := c.conn.Write(protocol.AppendSentence(nil, s)); err != nil {
		return jerrors.Annotatef(err, "write sentence %v", s)
	}
	return nil
}

// ReadSentence returns the next complete sentence, reading more bytes from
// the connection as needed.
func (c *Client) ReadSentence() (protocol.Sentence, error) {
	for {
		if c.buf.Len() > 0 {
			s, n, err := protocol.DecodeSentence(c.buf.Bytes())
			if err == nil {
				c.buf.Next(n)
				return s, nil
			}
			if jerrors.Cause(err) != protocol.ErrNotEnoughStream {
				return nil, jerrors.Trace(err)
			}
		}

		bufp := gxbytes.GetBytes(maxReadBufLen)
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			gxbytes.PutBytes(bufp)
			return nil, jerrors.Trace(err)
		}
		n, err := c.conn.Read(*bufp)
		if n > 0 {
			c.buf.Write((*bufp)[:n])
		}
		gxbytes.PutBytes(bufp)
		if err != nil {
			return nil, jerrors.Trace(err)
		}
	}
}

// Run sends one command sentence and collects the reply: !re rows until the
// final !done. A !trap surfaces as *TrapError after the device finishes the
// reply with !done; !fatal means the device is closing the connection. The
// returned done sentence carries reply attributes such as the login =ret=.
func (c *Client) Run(words protocol.Sentence) ([]protocol.Row, protocol.Sentence, error) {
	if err := c.WriteSentence(words); err != nil {
		return nil, nil, jerrors.Trace(err)
	}

	var (
		rows []protocol.Row
		trap *TrapError
	)
	for {
		s, err := c.ReadSentence()
		if err != nil {
			return nil, nil, jerrors.Trace(err)
		}
		if len(s) == 0 {
			continue
		}
		switch s.Command() {
		case protocol.ReplyRe:
			rows = append(rows, protocol.RowFromReply(s))
		case protocol.ReplyTrap:
			msg, _ := s.Attribute("message")
			cat, _ := s.Attribute("category")
			trap = &TrapError{Message: msg, Category: cat}
		case protocol.ReplyFatal:
			msg := ""
			if len(s) > 1 {
				msg = s[1]
			}
			return nil, nil, jerrors.Errorf("fatal reply from device: %s", msg)
		case protocol.ReplyDone:
			if trap != nil {
				return nil, s, trap
			}
			return rows, s, nil
		default:
			return nil, nil, jerrors.Errorf("unexpected reply word %q", s.Command())
		}
	}
}

// Login authenticates the API session. Post-6.43 devices accept the plain
// name/password sentence; older firmware answers with a =ret= MD5 challenge
// that gets a second /login round.
func (c *Client) Login(user, password string) error {
	_, done, err := c.Run(protocol.Sentence{"/login", "=name=" + user, "=password=" + password})
	if err != nil {
		return jerrors.Trace(err)
	}

	ret, ok := done.Attribute("ret")
	if !ok {
		return nil
	}

	challenge, err := hex.DecodeString(ret)
	if err != nil {
		return jerrors.Annotatef(err, "login challenge %q", ret)
	}
	h := md5.New()
	h.Write([]byte{0})
	h.Write([]byte(password))
	h.Write(challenge)
	response := "00" + hex.EncodeToString(h.Sum(nil))

	_, _, err = c.Run(protocol.Sentence{"/login", "=name=" + user, "=response=" + response})
	return jerrors.Trace(err)
}
