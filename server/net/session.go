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
	"context"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

import (
	log "github.com/AlexStocks/log4go"
	gxbytes "github.com/dubbogo/gost/bytes"
	gxcontext "github.com/dubbogo/gost/context"
	gxtime "github.com/dubbogo/gost/time"
	jerrors "github.com/juju/errors"
)

const (
	maxReadBufLen    = 4 * 1024
	netIOTimeout     = 30e9 // 30s
	period           = 60 * 1e9
	pendingDuration  = 3e9
	MaxWheelTimeSpan = 900e9 // 15 minute

	defaultSessionName    = "session"
	defaultTCPSessionName = "tcp-session"

	outputFormat = "session %s, Read Bytes: %d, Write Bytes: %d, Read Pkgs: %d, Write Pkgs: %d"
)

var wheel *gxtime.Wheel

func init() {
	span := 100e6 // 100ms
	buckets := MaxWheelTimeSpan / span
	wheel = gxtime.NewWheel(time.Duration(span), int(buckets))
}

func GetTimeWheel() *gxtime.Wheel {
	return wheel
}

// session pumps the tcp stream through the package reader and hands decoded
// packages to the event listener.
type session struct {
	name     string
	endPoint EndPoint

	Connection
	listener EventListener

	reader Reader
	writer Writer

	maxMsgLen int32

	period time.Duration

	wait time.Duration
	once *sync.Once
	done chan struct{}

	attrs *gxcontext.ValuesContext

	grNum int32
	lock  sync.RWMutex
}

func newSession(endPoint EndPoint, conn Connection) *session {
	ss := &session{
		name:     defaultSessionName,
		endPoint: endPoint,

		Connection: conn,

		maxMsgLen: maxReadBufLen,
		period:    period,

		once:  &sync.Once{},
		done:  make(chan struct{}),
		wait:  pendingDuration,
		attrs: gxcontext.NewValuesContext(context.Background()),
	}

	ss.Connection.setSession(ss)
	ss.SetWriteTimeout(netIOTimeout)
	ss.SetReadTimeout(netIOTimeout)

	return ss
}

func newTCPSession(conn net.Conn, endPoint EndPoint) Session {
	c := newAPITCPConn(conn)
	ss := newSession(endPoint, c)
	ss.name = defaultTCPSessionName

	return ss
}

func (s *session) Conn() net.Conn {
	if tc, ok := s.Connection.(*apiTCPConn); ok {
		return tc.conn
	}
	return nil
}

func (s *session) EndPoint() EndPoint {
	return s.endPoint
}

func (s *session) apiConn() *apiConn {
	if tc, ok := s.Connection.(*apiTCPConn); ok {
		return &(tc.apiConn)
	}
	return nil
}

func (s *session) Stat() string {
	var conn *apiConn
	if conn = s.apiConn(); conn == nil {
		return ""
	}
	return fmt.Sprintf(
		outputFormat,
		s.sessionToken(),
		atomic.LoadUint32(&(conn.readBytes)),
		atomic.LoadUint32(&(conn.writeBytes)),
		atomic.LoadUint32(&(conn.readPkgNum)),
		atomic.LoadUint32(&(conn.writePkgNum)),
	)
}

func (s *session) IsClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) SetMaxMsgLen(length int) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.maxMsgLen = int32(length)
}

func (s *session) SetName(name string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.name = name
}

func (s *session) SetEventListener(listener EventListener) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.listener = listener
}

func (s *session) SetPkgHandler(handler ReadWriter) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.reader = handler
	s.writer = handler
}

func (s *session) SetCronPeriod(period int) {
	if period < 1 {
		panic("@period < 1")
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	s.period = time.Duration(period) * time.Millisecond
}

func (s *session) SetWaitTime(waitTime time.Duration) {
	if waitTime < 1 {
		panic("@wait < 1")
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	s.wait = waitTime
}

func (s *session) GetAttribute(key interface{}) interface{} {
	s.lock.RLock()
	if s.attrs == nil {
		s.lock.RUnlock()
		return nil
	}
	ret, flag := s.attrs.Get(key)
	s.lock.RUnlock()

	if !flag {
		return nil
	}
	return ret
}

func (s *session) SetAttribute(key interface{}, value interface{}) {
	s.lock.Lock()
	if s.attrs != nil {
		s.attrs.Set(key, value)
	}
	s.lock.Unlock()
}

func (s *session) RemoveAttribute(key interface{}) {
	s.lock.Lock()
	if s.attrs != nil {
		s.attrs.Delete(key)
	}
	s.lock.Unlock()
}

func (s *session) sessionToken() string {
	if s.IsClosed() || s.Connection == nil {
		return "session-closed"
	}

	return fmt.Sprintf("{%s:%s:%d:%s<->%s}",
		s.name, s.EndPoint().EndPointType(), s.ID(), s.LocalAddr(), s.RemoteAddr())
}

// WriteBytes sends marshalled bytes to the peer.
func (s *session) WriteBytes(pkg []byte) error {
	if s.IsClosed() {
		return ErrSessionClosed
	}

	if _, err := s.Connection.send(pkg); err != nil {
		return jerrors.Annotatef(err, "s.Connection.Write(pkg len:%d)", len(pkg))
	}
	return nil
}

func (s *session) run() {
	if s.Connection == nil || s.listener == nil || s.reader == nil {
		errStr := fmt.Sprintf("session{name:%s, conn:%#v, listener:%#v, reader:%#v}",
			s.name, s.Connection, s.listener, s.reader)
		log.Error(errStr)
		panic(errStr)
	}

	s.UpdateActive()
	if err := s.listener.OnOpen(s); err != nil {
		log.Warn("[OnOpen] session %s, error: %#v", s.Stat(), err)
		s.Close()
		return
	}

	atomic.AddInt32(&(s.grNum), 2)
	go s.handlePackage()
	go s.cronLoop()
}

// cronLoop fires OnCron on the session period until the session dies.
func (s *session) cronLoop() {
	defer func() {
		grNum := atomic.AddInt32(&(s.grNum), -1)
		log.Debug("%s, [session.cronLoop] exit, left gr num %d", s.sessionToken(), grNum)
	}()

	for {
		select {
		case <-s.done:
			return
		case <-wheel.After(s.period):
			s.listener.OnCron(s)
		}
	}
}

func (s *session) handlePackage() {
	var err error

	defer func() {
		if r := recover(); r != nil {
			const size = 64 << 10
			rBuf := make([]byte, size)
			rBuf = rBuf[:runtime.Stack(rBuf, false)]
			log.Error("[session.handlePackage] panic session %s: err=%s%s", s.sessionToken(), r, rBuf)
		}

		grNum := atomic.AddInt32(&(s.grNum), -1)
		log.Debug("%s, [session.handlePackage] gr exit, left gr num %d", s.sessionToken(), grNum)
		s.stop()
		if err != nil {
			log.Warn("%s, [session.handlePackage] error:%+v", s.sessionToken(), jerrors.ErrorStack(err))
			s.listener.OnError(s, err)
		}
		s.listener.OnClose(s)
		s.gc()
	}()

	err = s.handleTCPPackage()
}

// handleTCPPackage pulls bytes off the wire into a rolling buffer and peels
// complete packages off its head.
func (s *session) handleTCPPackage() error {
	var (
		ok       bool
		err      error
		netError net.Error
		exit     bool
		bufLen   int
		pkgLen   int
		pkg      interface{}
	)

	bufp := gxbytes.GetBytes(maxReadBufLen)
	buf := *bufp

	pktBuf := gxbytes.GetBytesBuffer()

	defer func() {
		gxbytes.PutBytes(bufp)
		gxbytes.PutBytesBuffer(pktBuf)
	}()

	for {
		if s.IsClosed() {
			err = nil
			break
		}

		bufLen, err = s.Connection.recv(buf)
		if err != nil {
			if netError, ok = jerrors.Cause(err).(net.Error); ok && netError.Timeout() {
				err = nil
				continue
			}
			// a peer close is a normal end, only hard errors surface
			// through OnError
			if jerrors.Cause(err) == io.EOF {
				err = nil
			}
			break
		}
		if bufLen == 0 {
			continue
		}

		pktBuf.Write(buf[:bufLen])
		for pktBuf.Len() > 0 {
			pkg, pkgLen, err = s.reader.Read(s, pktBuf.Bytes())
			if err == nil && s.maxMsgLen > 0 && pkgLen > int(s.maxMsgLen) {
				err = jerrors.Errorf("pkgLen %d > session max message len %d", pkgLen, s.maxMsgLen)
			}
			if err != nil {
				log.Warn("%s, [session.handleTCPPackage] = len{%d}, error:%+v",
					s.sessionToken(), pkgLen, jerrors.ErrorStack(err))
				exit = true
				break
			}
			if pkg == nil {
				break // need more bytes
			}
			s.UpdateActive()
			s.addTask(pkg)
			pktBuf.Next(pkgLen)
		}
		if exit {
			break
		}
	}

	return jerrors.Trace(err)
}

func (s *session) addTask(pkg interface{}) {
	f := func() {
		s.listener.OnMessage(s, pkg)
		s.incReadPkgNum()
	}

	if taskPool := s.EndPoint().GetTaskPool(); taskPool != nil {
		taskPool.AddTask(f)
		return
	}
	f()
}

func (s *session) stop() {
	select {
	case <-s.done:
		return
	default:
		s.once.Do(func() {
			// let in-flight reads and writes time out asap
			now := time.Now()
			if conn := s.Conn(); conn != nil {
				conn.SetReadDeadline(now.Add(s.readTimeout()))
				conn.SetWriteDeadline(now.Add(s.writeTimeout()))
			}
			close(s.done)
		})
	}
}

func (s *session) gc() {
	var conn Connection

	s.lock.Lock()
	if s.attrs != nil {
		s.attrs = nil
		conn = s.Connection
	}
	s.lock.Unlock()

	if conn != nil {
		conn.close((int)((int64)(s.wait) / 1e9))
	}
}

// Close terminates the session. Safe to call from any goroutine, repeatedly.
func (s *session) Close() {
	s.stop()
	log.Debug("%s closed now, gr num %d", s.sessionToken(), atomic.LoadInt32(&(s.grNum)))
}
