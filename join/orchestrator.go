package join

import (
	"context"
	"errors"
	"sync"
	"time"

	errw "github.com/pkg/errors"
	"github.com/viamrobotics/wifi-provisioner/status"
	"go.viam.com/rdk/logging"
)

var errUnknownFailure = errw.New("connection failed for an unknown reason")

// Attempt is a snapshot of one join attempt.
type Attempt struct {
	ID       uint64
	SSID     string
	Strategy string
	Started  time.Time
	Finished time.Time
	State    State
	Err      error
}

type attempt struct {
	Attempt
	timer   Timer
	request Request
}

// Orchestrator runs one join attempt at a time for each completed credential pair.
type Orchestrator struct {
	logger     logging.Logger
	radio      Radio
	strategies []Strategy
	reporter   status.Sink
	timeout    time.Duration
	scheduler  Scheduler

	ctx    context.Context
	cancel context.CancelFunc

	// opMu serializes attempt starts; mu guards everything below.
	opMu    sync.Mutex
	mu      sync.Mutex
	state   State
	nextID  uint64
	current *attempt
	last    Attempt
	closed  bool
}

type Option func(*Orchestrator)

// WithScheduler replaces the wall clock used for the join timeout.
func WithScheduler(s Scheduler) Option {
	return func(o *Orchestrator) {
		o.scheduler = s
	}
}

func NewOrchestrator(
	logger logging.Logger,
	radio Radio,
	strategies []Strategy,
	reporter status.Sink,
	timeout time.Duration,
	opts ...Option,
) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		logger:     logger,
		radio:      radio,
		strategies: strategies,
		reporter:   reporter,
		timeout:    timeout,
		scheduler:  realScheduler{},
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OnCredentialsReady starts a join attempt, superseding any attempt still in flight.
func (o *Orchestrator) OnCredentialsReady(ssid, passphrase string) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	now := time.Now()
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.logger.Debugw("ignoring credentials after close", "ssid", ssid)
		return
	}
	superseded, oldReq := o.abandonLocked(now)
	o.nextID++
	id := o.nextID
	a := &attempt{Attempt: Attempt{ID: id, SSID: ssid, Started: now, State: StateAttempting}}
	o.current = a
	o.state = StateAttempting
	o.last = a.Attempt
	o.mu.Unlock()

	if superseded != nil {
		o.logger.Infow("abandoning join attempt", "ssid", superseded.SSID, "attempt", superseded.ID)
		if oldReq != nil {
			oldReq.Cancel()
		}
		o.reporter.Report(status.Update{Stage: status.StageConnectionAbandoned, SSID: superseded.SSID, Err: ErrAbandoned})
	}

	o.logger.Infow("joining network", "ssid", ssid, "attempt", id)
	o.reporter.Report(status.Update{Stage: status.StageConnecting, SSID: ssid})

	// the timeout covers enabling the radio and picking a strategy too
	o.mu.Lock()
	a.timer = o.scheduler.AfterFunc(o.timeout, func() {
		o.finish(id, StateTimedOut, ErrJoinTimeout)
	})
	o.mu.Unlock()

	prepCtx, cancel := context.WithDeadline(o.ctx, now.Add(o.timeout))
	defer cancel()

	if o.radio != nil {
		if err := o.radio.EnableRadio(prepCtx); err != nil {
			o.logger.Warnw("could not enable wifi radio", "error", err)
		}
	}

	strategy := o.selectStrategy(prepCtx)
	if strategy == nil {
		o.finish(id, StateFailed, ErrNoStrategy)
		return
	}

	o.mu.Lock()
	if a.State != StateAttempting {
		o.mu.Unlock()
		o.logger.Debugw("attempt ended before join started", "ssid", ssid, "attempt", id, "state", a.State)
		return
	}
	a.Strategy = strategy.Name()
	o.last = a.Attempt
	o.mu.Unlock()

	o.logger.Debugw("starting join", "ssid", ssid, "strategy", strategy.Name(), "timeout", o.timeout)
	req, err := strategy.Join(o.ctx, Credentials{SSID: ssid, Passphrase: passphrase}, &attemptWatcher{o: o, id: id})
	if err != nil {
		o.finish(id, StateFailed, errors.Join(ErrJoinConfigRejected, err))
		return
	}

	o.mu.Lock()
	var cancelNow bool
	switch a.State {
	case StateAttempting, StateConnected:
		a.request = req
	case StateIdle, StateFailed, StateTimedOut, StateAbandoned:
		cancelNow = true
	}
	o.mu.Unlock()
	if cancelNow && req != nil {
		req.Cancel()
	}
}

func (o *Orchestrator) selectStrategy(ctx context.Context) Strategy {
	for _, s := range o.strategies {
		if s.Supported(ctx) {
			return s
		}
		o.logger.Debugf("join strategy %s not supported", s.Name())
	}
	return nil
}

// abandonLocked marks the current attempt abandoned if it is still pending. o.mu must be held.
func (o *Orchestrator) abandonLocked(now time.Time) (*Attempt, Request) {
	a := o.current
	if a == nil || a.State != StateAttempting {
		return nil, nil
	}
	a.State = StateAbandoned
	a.Err = ErrAbandoned
	a.Finished = now
	if a.timer != nil {
		a.timer.Stop()
	}
	req := a.request
	a.request = nil
	o.last = a.Attempt
	snapshot := a.Attempt
	return &snapshot, req
}

// finish moves attempt id to a terminal state. Calls for any other attempt, or for one that
// already finished, are ignored.
func (o *Orchestrator) finish(id uint64, state State, err error) {
	o.mu.Lock()
	a := o.current
	if a == nil || a.ID != id || a.State != StateAttempting {
		o.mu.Unlock()
		o.logger.Debugw("ignoring late join result", "attempt", id, "state", state)
		return
	}
	a.State = state
	a.Err = err
	a.Finished = time.Now()
	if a.timer != nil {
		a.timer.Stop()
	}
	var req Request
	if state != StateConnected {
		req = a.request
		a.request = nil
	}
	o.state = state
	o.last = a.Attempt
	snapshot := a.Attempt
	o.mu.Unlock()

	if req != nil {
		req.Cancel()
	}

	update := status.Update{SSID: snapshot.SSID, Err: err}
	switch state {
	case StateConnected:
		o.logger.Infow("joined network", "ssid", snapshot.SSID, "strategy", snapshot.Strategy,
			"elapsed", snapshot.Finished.Sub(snapshot.Started))
		update.Stage = status.StageConnected
	case StateTimedOut:
		o.logger.Warnw("join timed out", "ssid", snapshot.SSID, "strategy", snapshot.Strategy, "timeout", o.timeout)
		update.Stage = status.StageConnectionTimeout
	case StateIdle, StateAttempting, StateFailed, StateAbandoned:
		o.logger.Warnw("join failed", "ssid", snapshot.SSID, "strategy", snapshot.Strategy, "error", err)
		update.Stage = status.StageConnectionFailed
	}
	o.reporter.Report(update)
}

// State returns the orchestrator's current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastAttempt returns the most recent attempt, if there has been one.
func (o *Orchestrator) LastAttempt() (Attempt, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last, o.nextID > 0
}

// Close abandons any pending attempt. Later credentials are ignored.
func (o *Orchestrator) Close() {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	superseded, req := o.abandonLocked(time.Now())
	if superseded != nil {
		o.state = StateIdle
	}
	o.mu.Unlock()

	if req != nil {
		req.Cancel()
	}
	if superseded != nil {
		o.reporter.Report(status.Update{Stage: status.StageConnectionAbandoned, SSID: superseded.SSID, Err: ErrAbandoned})
	}
	o.cancel()
}

type attemptWatcher struct {
	o  *Orchestrator
	id uint64
}

func (w *attemptWatcher) Connected() {
	w.o.finish(w.id, StateConnected, nil)
}

func (w *attemptWatcher) Failed(err error) {
	if err == nil {
		err = errUnknownFailure
	}
	w.o.finish(w.id, StateFailed, err)
}
