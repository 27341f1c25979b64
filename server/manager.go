package server

import (
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/zhukovaskychina/mikrotik-manager/logger"
	"github.com/zhukovaskychina/mikrotik-manager/server/admin"
	"github.com/zhukovaskychina/mikrotik-manager/server/conf"
	"github.com/zhukovaskychina/mikrotik-manager/server/config"
	"github.com/zhukovaskychina/mikrotik-manager/server/protocol"
	"github.com/zhukovaskychina/mikrotik-manager/server/queue"
	"github.com/zhukovaskychina/mikrotik-manager/server/supervisor"

	getty "github.com/AlexStocks/getty/transport"
	gxlog "github.com/AlexStocks/goext/log"
	gxnet "github.com/AlexStocks/goext/net"
	log "github.com/AlexStocks/log4go"
	gxsync "github.com/dubbogo/gost/sync"
	jerrors "github.com/juju/errors"
)

const pprofPath = "/debug/pprof/"

const logBanner = `
******************************************************************************************

 __  __ _ _              _   _ _      __  __
|  \/  (_) | ___ __ ___ | |_(_) | __ |  \/  | __ _ _ __   __ _  __ _  ___ _ __
| |\/| | | |/ / '__/ _ \| __| | |/ / | |\/| |/ _' | '_ \ / _' |/ _' |/ _ \ '__|
| |  | | |   <| | | (_) | |_| |   <  | |  | | (_| | | | | (_| | (_| |  __/ |
|_|  |_|_|_|\_\_|  \___/ \__|_|_|\_\ |_|  |_|\__,_|_| |_|\__,_|\__, |\___|_|
                                                               |___/
******************************************************************************************
`

// Manager is the whole service: the device config store, the durable queue,
// the per-device supervisor, the queue processor and the admin adapter.
type Manager struct {
	cfg       *conf.Cfg
	store     *config.Store
	qh        *queueHandle
	status    *supervisor.Status
	sup       *supervisor.Supervisor
	processor *queue.Processor
	adapter   *admin.Adapter
	taskPool  gxsync.GenericTaskPool
}

func NewManager(cfg *conf.Cfg) *Manager {
	return &Manager{
		cfg:      cfg,
		status:   supervisor.NewStatus(),
		taskPool: gxsync.NewTaskPoolSimple(0),
	}
}

// Start brings every component up. The queue database being down is not
// fatal: devices still proxy live traffic, enqueues fail loudly, and
// ReconnectDB restores the queue later.
func (m *Manager) Start() error {
	initProfiling(m.cfg)

	store, err := config.Open(m.cfg.ConfigDB)
	if err != nil {
		return jerrors.Trace(err)
	}
	m.store = store

	m.qh = newQueueHandle(store, m.status)
	if err = m.qh.Reconnect(); err != nil {
		logger.Warnf("queue database unavailable: %v", err)
	}

	m.sup = supervisor.New(m.cfg, m.qh, m.status, m.taskPool)
	devices, err := store.EnabledDevices()
	if err != nil {
		return jerrors.Trace(err)
	}
	m.sup.StartAll(devices)

	m.processor = queue.NewProcessor(m.qh, m.sup,
		queue.WithBatchSize(m.cfg.QueueBatchSize),
		queue.WithIdleSleep(m.cfg.QueueIdleSleepDur),
		queue.WithProcessorSink(m.status))
	m.processor.Start()

	m.adapter = admin.New(store, m.sup, m.qh, m.qh.Reconnect)

	gxlog.CInfo(logBanner)
	gxlog.CInfo("%s starts successfull! its version=%s, its bind address=%s\n",
		m.cfg.AppName, getty.Version, m.cfg.BindAddress)
	log.Info("%s starts successfull! its version=%s, its bind address=%s, devices=%d",
		m.cfg.AppName, getty.Version, m.cfg.BindAddress, len(devices))
	return nil
}

// Admin exposes the administrative adapter for a UI layer.
func (m *Manager) Admin() *admin.Adapter {
	return m.adapter
}

// Serve starts the manager and blocks handling POSIX signals.
func (m *Manager) Serve() error {
	if err := m.Start(); err != nil {
		return jerrors.Trace(err)
	}
	m.initSignal()
	return nil
}

func (m *Manager) shutdown() {
	if m.processor != nil {
		m.processor.Stop()
	}
	if m.sup != nil {
		m.sup.StopAll()
	}
	if m.qh != nil {
		m.qh.Close()
	}
	if m.store != nil {
		m.store.Close()
	}
	if m.taskPool != nil {
		m.taskPool.Close()
	}
}

func initProfiling(cfg *conf.Cfg) {
	addr := gxnet.HostAddress(cfg.BindAddress, cfg.ProfilePort)
	log.Info("App Profiling startup on address{%v}", addr+pprofPath)
	go func() {
		log.Info(http.ListenAndServe(addr, nil))
	}()
}

func (m *Manager) initSignal() {
	signals := make(chan os.Signal, 1)
	// It is not possible to block SIGKILL or syscall.SIGSTOP
	signal.Notify(signals, os.Interrupt, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	for {
		sig := <-signals
		log.Info("get signal %s", sig.String())
		switch sig {
		case syscall.SIGHUP:
		// reload()
		default:
			go time.AfterFunc(m.cfg.FailFastTimeoutDuration, func() {
				log.Exit("app exit now by force...")
				log.Close()
			})

			// either the shutdown finishes within FailFastTimeout or the
			// timer above kills the process
			m.shutdown()
			log.Exit("app exit now...")
			log.Close()
			return
		}
	}
}

// queueHandle is the swappable connection to the durable queue. Every
// consumer goes through it, so ReconnectDB can replace the underlying store
// while the service runs.
type queueHandle struct {
	store  *config.Store
	status *supervisor.Status

	mu sync.RWMutex
	q  *queue.SQLStore
}

func newQueueHandle(store *config.Store, status *supervisor.Status) *queueHandle {
	return &queueHandle{store: store, status: status}
}

// Reconnect opens the queue database from the current service config and
// swaps it in.
func (h *queueHandle) Reconnect() error {
	dsn, err := h.store.QueueDSN()
	if err != nil {
		return jerrors.Trace(err)
	}

	q, err := queue.Open(dsn)
	if err != nil {
		h.status.Set(supervisor.StatusKeyDatabase, "Error: "+jerrors.Cause(err).Error())
		return jerrors.Trace(err)
	}

	h.mu.Lock()
	old := h.q
	h.q = q
	h.mu.Unlock()
	if old != nil {
		old.Close()
	}

	h.status.Set(supervisor.StatusKeyDatabase, "Connected")
	logger.Infof("queue database connected")
	return nil
}

func (h *queueHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.q != nil {
		h.q.Close()
		h.q = nil
	}
}

func (h *queueHandle) get() (*queue.SQLStore, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.q == nil {
		return nil, jerrors.New("queue database unavailable")
	}
	return h.q, nil
}

func (h *queueHandle) Enqueue(deviceID int64, words protocol.Sentence) (int64, error) {
	q, err := h.get()
	if err != nil {
		return 0, err
	}
	return q.Enqueue(deviceID, words)
}

func (h *queueHandle) ClaimBatch(limit int) (queue.Batch, error) {
	q, err := h.get()
	if err != nil {
		return nil, err
	}
	return q.ClaimBatch(limit)
}

func (h *queueHandle) ClearAll() error {
	q, err := h.get()
	if err != nil {
		return err
	}
	return q.ClearAll()
}

func (h *queueHandle) List(page, perPage int) ([]queue.Command, int, error) {
	q, err := h.get()
	if err != nil {
		return nil, 0, err
	}
	return q.List(page, perPage)
}
