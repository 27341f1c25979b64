package supervisor

import (
	"strconv"
	"sync"

	"github.com/zhukovaskychina/mikrotik-manager/logger"
	"github.com/zhukovaskychina/mikrotik-manager/server/conf"
	"github.com/zhukovaskychina/mikrotik-manager/server/config"
	mnet "github.com/zhukovaskychina/mikrotik-manager/server/net"
	"github.com/zhukovaskychina/mikrotik-manager/server/queue"
	"github.com/zhukovaskychina/mikrotik-manager/server/upstream"

	gxsync "github.com/dubbogo/gost/sync"
	jerrors "github.com/juju/errors"
)

// deviceUnit is the running pair backing one device: its upstream session
// and its local proxy listener.
type deviceUnit struct {
	device   config.Device
	session  *upstream.Session
	listener *mnet.DeviceListener
}

// Supervisor owns the lifecycle of all device units and the shared status
// registry.
type Supervisor struct {
	cfg      *conf.Cfg
	queue    mnet.Enqueuer
	status   *Status
	taskPool gxsync.GenericTaskPool

	// extra options for every upstream session, tests inject dialers and
	// short timings here
	sessionOpts []upstream.Option

	mu    sync.Mutex
	units map[int64]*deviceUnit
}

func New(cfg *conf.Cfg, q mnet.Enqueuer, status *Status,
	taskPool gxsync.GenericTaskPool, sessionOpts ...upstream.Option) *Supervisor {

	return &Supervisor{
		cfg:         cfg,
		queue:       q,
		status:      status,
		taskPool:    taskPool,
		sessionOpts: sessionOpts,
		units:       make(map[int64]*deviceUnit),
	}
}

func (s *Supervisor) Status() *Status {
	return s.status
}

// StartAll brings up every given device. A device that fails to start is
// reported in the registry and skipped; the rest still come up.
func (s *Supervisor) StartAll(devices []config.Device) {
	for _, dev := range devices {
		if err := s.StartOne(dev); err != nil {
			logger.Errorf("device %s: start failed: %v", dev.Name, err)
		}
	}
}

// StartOne launches the session and listener of one device.
func (s *Supervisor) StartOne(dev config.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.units[dev.ID]; ok {
		return jerrors.Errorf("device %d already running", dev.ID)
	}

	opts := append([]upstream.Option{upstream.WithStatusSink(s.status)}, s.sessionOpts...)
	session := upstream.NewSession(dev, opts...)
	listener := mnet.NewDeviceListener(s.cfg, dev, session, s.queue, s.taskPool)

	if err := listener.Start(); err != nil {
		s.status.Set(strconv.FormatInt(dev.ID, 10), "Error: "+jerrors.Cause(err).Error())
		return jerrors.Trace(err)
	}
	session.Start()

	s.units[dev.ID] = &deviceUnit{device: dev, session: session, listener: listener}
	logger.Infof("device %s: started, proxy on %s", dev.Name, listener.Addr())
	return nil
}

// StopOne tears one device down. It returns once the proxy port is released
// and the upstream session has exited.
func (s *Supervisor) StopOne(id int64) error {
	s.mu.Lock()
	unit, ok := s.units[id]
	if ok {
		delete(s.units, id)
	}
	s.mu.Unlock()

	if !ok {
		return jerrors.Errorf("device %d not running", id)
	}

	unit.listener.Stop()
	unit.session.Stop()
	s.status.Set(strconv.FormatInt(id, 10), "Stopped")
	logger.Infof("device %s: stopped", unit.device.Name)
	return nil
}

// UpdateOne restarts a device with new settings.
func (s *Supervisor) UpdateOne(dev config.Device) error {
	if err := s.StopOne(dev.ID); err != nil {
		logger.Debugf("device %d: not running before update: %v", dev.ID, err)
	}
	if !dev.Enabled {
		return nil
	}
	return jerrors.Trace(s.StartOne(dev))
}

// StopAll tears every device down.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.units))
	for id := range s.units {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.StopOne(id); err != nil {
			logger.Warnf("device %d: stop failed: %v", id, err)
		}
	}
}

// Running reports whether a device unit is up.
func (s *Supervisor) Running(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.units[id]
	return ok
}

// ListenerAddr returns the bound proxy address of a running device.
func (s *Supervisor) ListenerAddr(id int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	unit, ok := s.units[id]
	if !ok {
		return "", false
	}
	return unit.listener.Addr(), true
}

// Lookup resolves a device id to its upstream session, satisfying the queue
// processor's registry.
func (s *Supervisor) Lookup(deviceID int64) (queue.DeviceSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	unit, ok := s.units[deviceID]
	if !ok {
		return nil, false
	}
	return unit.session, true
}
