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
	"net"
	"sync"
	"sync/atomic"
	"time"
)

import (
	log "github.com/AlexStocks/log4go"
	gxnet "github.com/dubbogo/gost/net"
	gxsync "github.com/dubbogo/gost/sync"
	jerrors "github.com/juju/errors"
)

var (
	errSelfConnect = jerrors.New("connect self!")
	serverID       = EndPointID(0)
)

type ServerOptions struct {
	addr  string
	tPool gxsync.GenericTaskPool
}

type ServerOption func(*ServerOptions)

func WithLocalAddress(addr string) ServerOption {
	return func(opts *ServerOptions) {
		opts.addr = addr
	}
}

func WithServerTaskPool(pool gxsync.GenericTaskPool) ServerOption {
	return func(opts *ServerOptions) {
		opts.tPool = pool
	}
}

type serverimpl struct {
	ServerOptions

	endPointID   EndPointID
	endPointType EndPointType

	streamListener net.Listener

	sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

func newServer(t EndPointType, opts ...ServerOption) *serverimpl {
	s := &serverimpl{
		endPointID:   atomic.AddInt32(&serverID, 1),
		endPointType: t,
		done:         make(chan struct{}),
	}

	for _, opt := range opts {
		opt(&(s.ServerOptions))
	}

	return s
}

// NewTCPServer builds a tcp server.
func NewTCPServer(opts ...ServerOption) Server {
	return newServer(TCP_SERVER, opts...)
}

func (s *serverimpl) ID() EndPointID {
	return s.endPointID
}

func (s *serverimpl) EndPointType() EndPointType {
	return s.endPointType
}

func (s *serverimpl) GetTaskPool() gxsync.GenericTaskPool {
	return s.tPool
}

func (s *serverimpl) IsClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *serverimpl) Addr() string {
	return s.addr
}

// Listen binds the local address. A bind failure (port already taken, bad
// address) comes back to the caller instead of killing the process.
func (s *serverimpl) Listen() error {
	streamListener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return jerrors.Annotatef(err, "net.Listen(tcp, addr:%s)", s.addr)
	}

	s.streamListener = streamListener
	s.addr = streamListener.Addr().String()
	return nil
}

func (s *serverimpl) accept(newSession NewSessionCallback) (Session, error) {
	conn, err := s.streamListener.Accept()
	if err != nil {
		return nil, jerrors.Trace(err)
	}
	if gxnet.IsSameAddr(conn.RemoteAddr(), conn.LocalAddr()) {
		log.Warn("conn.localAddr{%s} == conn.RemoteAddr{%s}", conn.LocalAddr().String(), conn.RemoteAddr().String())
		conn.Close()
		return nil, jerrors.Trace(errSelfConnect)
	}

	ss := newTCPSession(conn, s)
	if err = newSession(ss); err != nil {
		conn.Close()
		return nil, jerrors.Trace(err)
	}

	return ss, nil
}

// RunEventLoop accepts client connections until Close. Temporary accept
// errors back off from 5ms, doubling up to 1s.
func (s *serverimpl) RunEventLoop(newSession NewSessionCallback) {
	if s.streamListener == nil {
		panic("serverimpl.RunEventLoop before Listen")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var (
			err    error
			client Session
			delay  time.Duration
		)
		for {
			if s.IsClosed() {
				log.Warn("server{%s} stop accepting client connect request.", s.addr)
				return
			}
			if delay != 0 {
				<-wheel.After(delay)
			}
			client, err = s.accept(newSession)
			if err != nil {
				if netErr, ok := jerrors.Cause(err).(net.Error); ok && netErr.Temporary() {
					if delay == 0 {
						delay = 5 * time.Millisecond
					} else {
						delay *= 2
					}
					if max := 1 * time.Second; delay > max {
						delay = max
					}
					continue
				}
				if s.IsClosed() {
					return
				}
				log.Warn("server{%s}.Accept() = err:%+v", s.addr, jerrors.ErrorStack(err))
				continue
			}
			delay = 0
			client.(*session).run()
		}
	}()
}

func (s *serverimpl) stop() {
	select {
	case <-s.done:
		return
	default:
		s.Once.Do(func() {
			close(s.done)
			if s.streamListener != nil {
				s.streamListener.Close()
			}
		})
	}
}

// Close releases the listen port and waits for the accept loop to exit.
func (s *serverimpl) Close() {
	s.stop()
	s.wg.Wait()
}
