package net

import (
	"fmt"
	"net"
	"strconv"

	"github.com/zhukovaskychina/mikrotik-manager/server/conf"
	"github.com/zhukovaskychina/mikrotik-manager/server/config"

	log "github.com/AlexStocks/log4go"
	gxnet "github.com/AlexStocks/goext/net"
	gxsync "github.com/dubbogo/gost/sync"
	jerrors "github.com/juju/errors"
)

// DeviceListener is the local TCP front door of one device: a loopback
// listener on the device's proxy port feeding client sessions into the
// proxy handler.
type DeviceListener struct {
	cfg     *conf.Cfg
	device  config.Device
	server  Server
	handler *ProxyMessageHandler
}

func NewDeviceListener(cfg *conf.Cfg, device config.Device, runner CommandRunner, queue Enqueuer,
	taskPool gxsync.GenericTaskPool) *DeviceListener {

	addr := gxnet.HostAddress2(cfg.BindAddress, strconv.Itoa(device.ProxyPort))
	serverOpts := []ServerOption{WithLocalAddress(addr)}
	if taskPool != nil {
		serverOpts = append(serverOpts, WithServerTaskPool(taskPool))
	}

	return &DeviceListener{
		cfg:     cfg,
		device:  device,
		server:  NewTCPServer(serverOpts...),
		handler: NewProxyMessageHandler(device, runner, queue),
	}
}

// Start binds the proxy port and begins accepting clients. A bind failure
// is returned so the supervisor can report the device as broken.
func (l *DeviceListener) Start() error {
	if err := l.server.Listen(); err != nil {
		return jerrors.Annotatef(err, "device %s listener", l.device.Name)
	}

	pkgHandler := NewSentencePkgHandler()
	param := l.cfg.SessionParam
	l.server.RunEventLoop(func(session Session) error {
		tcpConn, ok := session.Conn().(*net.TCPConn)
		if !ok {
			panic(fmt.Sprintf("%s, session.conn{%#v} is not tcp connection", session.Stat(), session.Conn()))
		}
		tcpConn.SetNoDelay(param.TcpNoDelay)
		tcpConn.SetKeepAlive(param.TcpKeepAlive)
		if param.TcpKeepAlive {
			tcpConn.SetKeepAlivePeriod(param.KeepAlivePeriodDuration)
		}
		tcpConn.SetReadBuffer(param.TcpRBufSize)
		tcpConn.SetWriteBuffer(param.TcpWBufSize)

		session.SetName(param.SessionName)
		session.SetMaxMsgLen(param.MaxMsgLen)
		session.SetPkgHandler(pkgHandler)
		session.SetEventListener(l.handler)
		session.SetReadTimeout(param.TcpReadTimeoutDuration)
		session.SetWriteTimeout(param.TcpWriteTimeoutDuration)
		log.Debug("device %s accepts new session:%s", l.device.Name, session.Stat())
		return nil
	})

	log.Info("device %s listener bound on %s", l.device.Name, l.server.Addr())
	return nil
}

// Addr returns the bound listen address.
func (l *DeviceListener) Addr() string {
	return l.server.Addr()
}

func (l *DeviceListener) SessionCount() int {
	return l.handler.SessionCount()
}

// Stop closes the listener and waits for the accept loop, releasing the
// proxy port for reuse.
func (l *DeviceListener) Stop() {
	l.server.Close()
}
