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
	"time"
)

import (
	gxsync "github.com/dubbogo/gost/sync"
	jerrors "github.com/juju/errors"
)

type EndPointID = int32
type EndPointType int32

const (
	TCP_SERVER EndPointType = 7
)

func (t EndPointType) String() string {
	if t == TCP_SERVER {
		return "TCP_SERVER"
	}
	return "UNKNOWN"
}

var (
	ErrSessionClosed  = jerrors.New("session already closed")
	ErrSessionBlocked = jerrors.New("session full blocked")
)

// EndPoint is the common surface of servers and clients.
type EndPoint interface {
	ID() EndPointID
	EndPointType() EndPointType
	GetTaskPool() gxsync.GenericTaskPool
	IsClosed() bool
}

// Server is a stream endpoint accepting client sessions.
type Server interface {
	EndPoint
	// Listen binds the local address; kept separate from the event loop so
	// the caller sees bind errors.
	Listen() error
	// RunEventLoop accepts connections until Close. Listen must have
	// succeeded first.
	RunEventLoop(newSession NewSessionCallback)
	Addr() string
	Close()
}

// Reader unmarshals one package from the head of the read buffer.
//
// The return convention follows getty: (nil, 0, nil) means the stream does
// not yet hold a whole package; a non-nil error poisons the session.
type Reader interface {
	Read(Session, []byte) (interface{}, int, error)
}

// Writer marshals one package into wire bytes.
type Writer interface {
	Write(Session, interface{}) ([]byte, error)
}

type ReadWriter interface {
	Reader
	Writer
}

// EventListener handles session lifecycle events and decoded packages.
type EventListener interface {
	OnOpen(Session) error
	OnClose(Session)
	OnError(Session, error)
	OnCron(Session)
	OnMessage(Session, interface{})
}

// NewSessionCallback tunes a freshly accepted session. Returning an error
// drops the connection.
type NewSessionCallback func(Session) error

// Connection is the raw transport under a session.
type Connection interface {
	ID() uint32
	LocalAddr() string
	RemoteAddr() string
	incReadPkgNum()
	incWritePkgNum()
	UpdateActive()
	GetActive() time.Time
	readTimeout() time.Duration
	SetReadTimeout(time.Duration)
	writeTimeout() time.Duration
	SetWriteTimeout(time.Duration)
	send(interface{}) (int, error)
	recv([]byte) (int, error)
	close(int)
	setSession(Session)
}

// Session is one accepted client connection.
type Session interface {
	Connection
	Conn() net.Conn
	EndPoint() EndPoint
	Stat() string
	IsClosed() bool

	SetName(string)
	SetMaxMsgLen(int)
	SetPkgHandler(ReadWriter)
	SetEventListener(EventListener)
	SetCronPeriod(int)
	SetWaitTime(time.Duration)

	GetAttribute(interface{}) interface{}
	SetAttribute(interface{}, interface{})
	RemoveAttribute(interface{})

	WriteBytes([]byte) error
	Close()
}
