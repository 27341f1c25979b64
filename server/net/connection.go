/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package net

import (
	"io"
	"net"
	"sync/atomic"
	"time"
)

import (
	log "github.com/AlexStocks/log4go"
	jerrors "github.com/juju/errors"
)

var (
	launchTime = time.Now()
	connID     uint32
)

type apiConn struct {
	id            uint32
	readBytes     uint32
	writeBytes    uint32
	readPkgNum    uint32
	writePkgNum   uint32
	active        int64 // last active, in nanoseconds since launch
	rTimeout      time.Duration
	wTimeout      time.Duration
	rLastDeadline time.Time
	wLastDeadline time.Time
	local         string
	peer          string
	ss            Session
}

func (c *apiConn) ID() uint32 {
	return c.id
}

func (c *apiConn) LocalAddr() string {
	return c.local
}

func (c *apiConn) RemoteAddr() string {
	return c.peer
}

func (c *apiConn) incReadPkgNum() {
	atomic.AddUint32(&c.readPkgNum, 1)
}

func (c *apiConn) incWritePkgNum() {
	atomic.AddUint32(&c.writePkgNum, 1)
}

func (c *apiConn) UpdateActive() {
	atomic.StoreInt64(&(c.active), int64(time.Since(launchTime)))
}

func (c *apiConn) GetActive() time.Time {
	return launchTime.Add(time.Duration(atomic.LoadInt64(&(c.active))))
}

func (c *apiConn) readTimeout() time.Duration {
	return c.rTimeout
}

func (c *apiConn) SetReadTimeout(rTimeout time.Duration) {
	if rTimeout < 1 {
		panic("@rTimeout < 1")
	}

	c.rTimeout = rTimeout
	if c.wTimeout == 0 {
		c.wTimeout = rTimeout
	}
}

func (c *apiConn) writeTimeout() time.Duration {
	return c.wTimeout
}

func (c *apiConn) SetWriteTimeout(wTimeout time.Duration) {
	if wTimeout < 1 {
		panic("@wTimeout < 1")
	}

	c.wTimeout = wTimeout
	if c.rTimeout == 0 {
		c.rTimeout = wTimeout
	}
}

func (c *apiConn) setSession(ss Session) {
	c.ss = ss
}

type apiTCPConn struct {
	apiConn
	reader io.Reader
	writer io.Writer
	conn   net.Conn
}

func newAPITCPConn(conn net.Conn) *apiTCPConn {
	if conn == nil {
		panic("newAPITCPConn(conn):@conn is nil")
	}
	var localAddr, peerAddr string
	if conn.LocalAddr() != nil {
		localAddr = conn.LocalAddr().String()
	}
	if conn.RemoteAddr() != nil {
		peerAddr = conn.RemoteAddr().String()
	}

	return &apiTCPConn{
		conn:   conn,
		reader: io.Reader(conn),
		writer: io.Writer(conn),
		apiConn: apiConn{
			id:       atomic.AddUint32(&connID, 1),
			rTimeout: netIOTimeout,
			wTimeout: netIOTimeout,
			local:    localAddr,
			peer:     peerAddr,
		},
	}
}

func (t *apiTCPConn) recv(p []byte) (int, error) {
	if t.rTimeout > 0 {
		// Optimization: update read deadline only if more than 25%
		// of the last read deadline exceeded.
		// See https://github.com/golang/go/issues/15133 for details.
		currentTime := time.Now()
		if currentTime.Sub(t.rLastDeadline) > (t.rTimeout >> 2) {
			if err := t.conn.SetReadDeadline(currentTime.Add(t.rTimeout)); err != nil {
				return 0, jerrors.Trace(err)
			}
			t.rLastDeadline = currentTime
		}
	}

	length, err := t.reader.Read(p)
	atomic.AddUint32(&t.readBytes, uint32(length))
	return length, jerrors.Trace(err)
}

func (t *apiTCPConn) send(pkg interface{}) (int, error) {
	if t.wTimeout > 0 {
		// Optimization: update write deadline only if more than 25%
		// of the last write deadline exceeded.
		// See https://github.com/golang/go/issues/15133 for details.
		currentTime := time.Now()
		if currentTime.Sub(t.wLastDeadline) > (t.wTimeout >> 2) {
			if err := t.conn.SetWriteDeadline(currentTime.Add(t.wTimeout)); err != nil {
				return 0, jerrors.Trace(err)
			}
			t.wLastDeadline = currentTime
		}
	}

	if buffers, ok := pkg.([][]byte); ok {
		netBuf := net.Buffers(buffers)
		length, err := netBuf.WriteTo(t.conn)
		if err == nil {
			atomic.AddUint32(&t.writeBytes, uint32(length))
			atomic.AddUint32(&t.writePkgNum, uint32(len(buffers)))
		}
		return int(length), jerrors.Trace(err)
	}

	if p, ok := pkg.([]byte); ok {
		length, err := t.writer.Write(p)
		if err == nil {
			atomic.AddUint32(&t.writeBytes, uint32(len(p)))
			atomic.AddUint32(&t.writePkgNum, 1)
		}
		return length, jerrors.Trace(err)
	}

	return 0, jerrors.Errorf("illegal @pkg{%#v} type", pkg)
}

func (t *apiTCPConn) close(waitSec int) {
	if t.conn != nil {
		if conn, ok := t.conn.(*net.TCPConn); ok {
			_ = conn.SetLinger(waitSec)
			_ = conn.Close()
		} else {
			if err := t.conn.Close(); err != nil {
				log.Debug("conn close error: %v", err)
			}
		}
		t.conn = nil
	}
}
