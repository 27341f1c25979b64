package admin

import (
	"github.com/zhukovaskychina/mikrotik-manager/logger"
	"github.com/zhukovaskychina/mikrotik-manager/server/config"
	"github.com/zhukovaskychina/mikrotik-manager/server/queue"
	"github.com/zhukovaskychina/mikrotik-manager/server/supervisor"

	jerrors "github.com/juju/errors"
)

// QueueAdmin is the administrative surface of the durable command queue.
type QueueAdmin interface {
	ClearAll() error
	List(page, perPage int) ([]queue.Command, int, error)
}

// Adapter lifts configuration changes into running state. A UI layer talks
// to it instead of touching the store or the supervisor directly.
type Adapter struct {
	store     *config.Store
	sup       *supervisor.Supervisor
	queue     QueueAdmin
	reconnect func() error
}

func New(store *config.Store, sup *supervisor.Supervisor, q QueueAdmin, reconnect func() error) *Adapter {
	return &Adapter{
		store:     store,
		sup:       sup,
		queue:     q,
		reconnect: reconnect,
	}
}

// AddDevice stores a new device, allocating the smallest free proxy port
// when none is set, and brings it up when enabled.
func (a *Adapter) AddDevice(dev *config.Device) error {
	if _, err := a.store.AddDevice(dev); err != nil {
		return jerrors.Trace(err)
	}
	logger.Infof("admin: added device %s (id %d, proxy port %d)", dev.Name, dev.ID, dev.ProxyPort)

	if !dev.Enabled {
		return nil
	}
	return jerrors.Trace(a.sup.StartOne(*dev))
}

// UpdateDevice persists changed settings and restarts the device on them.
func (a *Adapter) UpdateDevice(dev config.Device) error {
	if err := a.store.UpdateDevice(&dev); err != nil {
		return jerrors.Trace(err)
	}
	return jerrors.Trace(a.sup.UpdateOne(dev))
}

// RemoveDevice stops and deletes a device.
func (a *Adapter) RemoveDevice(id int64) error {
	if err := a.sup.StopOne(id); err != nil {
		logger.Debugf("admin: device %d was not running: %v", id, err)
	}
	return jerrors.Trace(a.store.RemoveDevice(id))
}

// ReconnectDB re-opens the queue database from the current service config.
func (a *Adapter) ReconnectDB() error {
	if a.reconnect == nil {
		return jerrors.New("no queue database configured")
	}
	return jerrors.Trace(a.reconnect())
}

// ClearQueue wipes all queued commands.
func (a *Adapter) ClearQueue() error {
	return jerrors.Trace(a.queue.ClearAll())
}

// ListQueue returns one page of queued commands and the total count.
func (a *Adapter) ListQueue(page, perPage int) ([]queue.Command, int, error) {
	return a.queue.List(page, perPage)
}

// GetStatus snapshots the component status registry.
func (a *Adapter) GetStatus() map[string]string {
	return a.sup.Status().Snapshot()
}

// SetStatus lets external collaborators (the netflow capture pipeline)
// publish their state into the registry.
func (a *Adapter) SetStatus(key, status string) {
	a.sup.Status().Set(key, status)
}
