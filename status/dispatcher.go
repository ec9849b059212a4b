package status

import (
	"sync"
	"time"

	"github.com/viamrobotics/wifi-provisioner/utils"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

// Dispatcher is the single serialization point for status updates. Report appends to an
// unbounded queue and returns immediately; one worker delivers updates to the sink in order.
type Dispatcher struct {
	logger logging.Logger
	sink   Sink

	mu      sync.Mutex
	queue   []Update
	last    Update
	hasLast bool
	closed  bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	workers   sync.WaitGroup
}

func NewDispatcher(logger logging.Logger, sink Sink) *Dispatcher {
	d := &Dispatcher{
		logger: logger,
		sink:   sink,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	d.workers.Add(1)
	goutils.ManagedGo(d.run, d.workers.Done)
	return d
}

// Report queues an update. It never blocks, so it is safe to call while holding locks.
// Updates reported after Close are dropped.
func (d *Dispatcher) Report(u Update) {
	if u.Time.IsZero() {
		u.Time = time.Now()
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Debugw("dropping status update after close", "stage", u.Stage)
		return
	}
	d.queue = append(d.queue, u)
	d.last = u
	d.hasLast = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Last returns the most recently reported update.
func (d *Dispatcher) Last() (Update, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last, d.hasLast
}

// Close delivers everything already queued, then stops the worker.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.closeOnce.Do(func() { close(d.done) })
	d.workers.Wait()
}

func (d *Dispatcher) run() {
	for {
		d.drain()
		select {
		case <-d.wake:
		case <-d.done:
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, u := range batch {
			d.deliver(u)
		}
	}
}

func (d *Dispatcher) deliver(u Update) {
	defer utils.Recover(d.logger, nil)
	d.sink.Report(u)
}
