package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zhukovaskychina/mikrotik-manager/logger"
	"github.com/zhukovaskychina/mikrotik-manager/server/protocol"
	"github.com/zhukovaskychina/mikrotik-manager/server/upstream"

	jerrors "github.com/juju/errors"
)

const (
	// defaultBatchSize caps how many rows one pass claims.
	defaultBatchSize = 20
	// defaultIdleSleep is the pause after an empty pass.
	defaultIdleSleep = 2 * time.Second
	// idleGuard holds replay back while an interactive client is using the
	// device, so queued traffic never competes with a live person.
	idleGuard = 15 * time.Second
)

// Store is what the processor needs from the durable queue.
type Store interface {
	ClaimBatch(limit int) (Batch, error)
}

// DeviceSession is the upstream surface the processor replays against.
type DeviceSession interface {
	Connected() bool
	LastLiveActivity() time.Time
	RunCommand(ctx context.Context, words protocol.Sentence) ([]protocol.Row, error)
}

// Registry resolves a device id to its running upstream session.
type Registry interface {
	Lookup(deviceID int64) (DeviceSession, bool)
}

// Processor is the single background goroutine replaying queued commands
// against their devices.
type Processor struct {
	store     Store
	registry  Registry
	sink      upstream.StatusSink
	batchSize int
	idleSleep time.Duration
	idleGuard time.Duration

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

type ProcessorOption func(*Processor)

func WithBatchSize(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func WithIdleSleep(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.idleSleep = d
		}
	}
}

func WithProcessorSink(sink upstream.StatusSink) ProcessorOption {
	return func(p *Processor) { p.sink = sink }
}

func NewProcessor(store Store, registry Registry, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:     store,
		registry:  registry,
		sink:      noSink{},
		batchSize: defaultBatchSize,
		idleSleep: defaultIdleSleep,
		idleGuard: idleGuard,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type noSink struct{}

func (noSink) Set(string, string) {}

func (p *Processor) Start() {
	p.wg.Add(1)
	go p.run()
}

func (p *Processor) Stop() {
	p.once.Do(func() { close(p.done) })
	p.wg.Wait()
}

func (p *Processor) IsClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Processor) run() {
	defer p.wg.Done()
	p.sink.Set("processor", "Running")

	for {
		if p.IsClosed() {
			return
		}
		n, err := p.processBatch()
		if err != nil {
			logger.Errorf("queue processor: %v", err)
			p.sink.Set("processor", fmt.Sprintf("Error: %v", jerrors.Cause(err)))
		} else {
			p.sink.Set("processor", "Running")
		}
		// sleep whenever the pass executed nothing; a claim full of
		// deferred or reset rows must not respin at full speed
		if n == 0 || err != nil {
			select {
			case <-p.done:
				return
			case <-time.After(p.idleSleep):
			}
		}
	}
}

// processBatch claims and replays one batch. All row mutations of the pass
// commit together; any store error rolls the whole pass back so the rows
// return to their prior state. The returned count is the number of rows the
// pass actually executed: deferred and reset rows do not count, so a claim
// full of them still lets the run loop sleep.
func (p *Processor) processBatch() (int, error) {
	batch, err := p.store.ClaimBatch(p.batchSize)
	if err != nil {
		return 0, jerrors.Trace(err)
	}

	cmds := batch.Commands()
	if len(cmds) == 0 {
		batch.Rollback()
		return 0, nil
	}

	executed := 0
	for i := range cmds {
		ran, err := p.processOne(batch, &cmds[i])
		if err != nil {
			batch.Rollback()
			return 0, jerrors.Trace(err)
		}
		if ran {
			executed++
		}
	}

	if err = batch.Commit(); err != nil {
		return 0, jerrors.Trace(err)
	}
	return executed, nil
}

func (p *Processor) processOne(batch Batch, cmd *Command) (bool, error) {
	words, err := cmd.Words()
	if err != nil {
		logger.Warnf("queue: dropping malformed command %d: %v", cmd.ID, err)
		return true, batch.Fail(cmd, fmt.Sprintf("invalid command data: %v", err), true)
	}

	sess, ok := p.registry.Lookup(cmd.DeviceID)
	if !ok || !sess.Connected() {
		// being offline is not the command's fault; the row keeps its full
		// retry budget and is claimed again once the device returns
		return false, batch.Defer(cmd, "Device not connected")
	}

	// an interactive client touched the device recently, yield to it
	if last := sess.LastLiveActivity(); !last.IsZero() && time.Since(last) < p.idleGuard {
		return false, batch.Reset(cmd.ID)
	}

	_, err = sess.RunCommand(context.Background(), words)
	switch {
	case err == nil:
		logger.Infof("queue: replayed command %d on device %d", cmd.ID, cmd.DeviceID)
		return true, batch.Complete(cmd.ID)
	case upstream.IsTrap(err):
		// the device rejected the command, retrying cannot help
		logger.Warnf("queue: command %d rejected by device %d: %v", cmd.ID, cmd.DeviceID, err)
		return true, batch.Fail(cmd, jerrors.Cause(err).Error(), true)
	default:
		final := cmd.RetryCount+1 >= MaxRetries
		if final {
			logger.Warnf("queue: command %d exhausted retries: %v", cmd.ID, err)
		}
		return true, batch.Fail(cmd, jerrors.Cause(err).Error(), final)
	}
}
