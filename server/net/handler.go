package net

import (
	"context"
	"sync"

	"github.com/zhukovaskychina/mikrotik-manager/server/config"
	"github.com/zhukovaskychina/mikrotik-manager/server/protocol"
	"github.com/zhukovaskychina/mikrotik-manager/server/upstream"

	log "github.com/AlexStocks/log4go"
	jerrors "github.com/juju/errors"
)

const authStatusKey = "auth_status"

// Queue failure message sent to the client when a command can be neither
// executed nor stored.
const fatalQueueMsg = "FATAL: Command could not be queued"

// CommandRunner is the upstream surface the handler dispatches against.
type CommandRunner interface {
	Connected() bool
	TouchLiveActivity()
	RunCommand(ctx context.Context, words protocol.Sentence) ([]protocol.Row, error)
}

// Enqueuer stores commands for later replay.
type Enqueuer interface {
	Enqueue(deviceID int64, words protocol.Sentence) (int64, error)
}

// ProxyMessageHandler owns every client session of one device listener. It
// gates sessions behind a /login handshake against the device credentials,
// then dispatches each sentence: run it on the connected upstream exactly
// once, or queue it for the background processor.
type ProxyMessageHandler struct {
	rwlock     sync.RWMutex
	device     config.Device
	runner     CommandRunner
	queue      Enqueuer
	sessionMap map[Session]struct{}
}

func NewProxyMessageHandler(device config.Device, runner CommandRunner, queue Enqueuer) *ProxyMessageHandler {
	return &ProxyMessageHandler{
		device:     device,
		runner:     runner,
		queue:      queue,
		sessionMap: make(map[Session]struct{}),
	}
}

func (m *ProxyMessageHandler) SessionCount() int {
	m.rwlock.RLock()
	defer m.rwlock.RUnlock()
	return len(m.sessionMap)
}

func (m *ProxyMessageHandler) OnOpen(session Session) error {
	log.Info("device %s: got session:%s", m.device.Name, session.Stat())
	m.rwlock.Lock()
	m.sessionMap[session] = struct{}{}
	m.rwlock.Unlock()
	return nil
}

func (m *ProxyMessageHandler) OnClose(session Session) {
	log.Info("device %s: session %s closed", m.device.Name, session.Stat())
	m.removeSession(session)
}

func (m *ProxyMessageHandler) OnError(session Session, err error) {
	log.Warn("device %s: session %s error: %v", m.device.Name, session.Stat(), err)
	m.removeSession(session)
}

func (m *ProxyMessageHandler) OnCron(session Session) {
}

func (m *ProxyMessageHandler) removeSession(session Session) {
	session.Close()
	m.rwlock.Lock()
	delete(m.sessionMap, session)
	m.rwlock.Unlock()
}

func (m *ProxyMessageHandler) OnMessage(session Session, pkg interface{}) {
	words, ok := pkg.(protocol.Sentence)
	if !ok {
		log.Error("invalid package type: %T", pkg)
		return
	}
	if len(words) == 0 {
		return
	}

	if session.GetAttribute(authStatusKey) == nil {
		m.handleLogin(session, words)
		return
	}

	if err := m.dispatch(session, words); err != nil {
		log.Warn("device %s: dispatch failed: %v", m.device.Name, err)
		session.Close()
	}
}

// handleLogin consumes the first sentence of a session. Only /login with the
// device credentials opens the gate; anything else terminates the session
// without ever touching the upstream.
func (m *ProxyMessageHandler) handleLogin(session Session, words protocol.Sentence) {
	if words.Command() != "/login" {
		log.Warn("device %s: session %s sent %q before login", m.device.Name, session.Stat(), words.Command())
		session.Close()
		return
	}

	name, _ := words.Attribute("name")
	password, _ := words.Attribute("password")
	if name != m.device.User || password != m.device.Password {
		log.Warn("device %s: session %s login rejected for user %q", m.device.Name, session.Stat(), name)
		session.WriteBytes(protocol.AppendTrap(nil, "invalid username or password"))
		session.Close()
		return
	}

	session.SetAttribute(authStatusKey, "success")
	session.WriteBytes(protocol.AppendDone(nil))
}

// dispatch executes one authenticated command. The upstream is tried exactly
// once; a transient failure queues the command, a device-reported trap is
// final and never queued.
func (m *ProxyMessageHandler) dispatch(session Session, words protocol.Sentence) error {
	m.runner.TouchLiveActivity()

	if !m.runner.Connected() {
		return m.enqueue(session, words, "")
	}

	rows, err := m.runner.RunCommand(context.Background(), words)
	switch {
	case err == nil:
		return session.WriteBytes(protocol.AppendRows(nil, rows))
	case upstream.IsTrap(err):
		return session.WriteBytes(protocol.AppendTrapDone(nil, jerrors.Cause(err).Error()))
	default:
		return m.enqueue(session, words, jerrors.Cause(err).Error())
	}
}

// enqueue stores the command and tells the client what happened. failure is
// the transient error that led here, empty when the upstream was simply
// down.
func (m *ProxyMessageHandler) enqueue(session Session, words protocol.Sentence, failure string) error {
	id, err := m.queue.Enqueue(m.device.ID, words)
	if err != nil {
		log.Error("device %s: enqueue failed: %v", m.device.Name, err)
		return session.WriteBytes(protocol.AppendTrapDone(nil, fatalQueueMsg))
	}
	log.Info("device %s: queued command %d", m.device.Name, id)

	if failure != "" {
		return session.WriteBytes(protocol.AppendTrapDone(nil,
			"Command failed but was queued for later. Error: "+failure))
	}
	return session.WriteBytes(protocol.AppendDone(nil))
}
