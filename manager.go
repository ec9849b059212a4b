// Package provisioner wires the bluetooth provisioning service, the Wi-Fi join orchestrator, the
// status sinks, and the local gRPC API into one daemon.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	errw "github.com/pkg/errors"
	"github.com/viamrobotics/wifi-provisioner/ble"
	"github.com/viamrobotics/wifi-provisioner/join"
	"github.com/viamrobotics/wifi-provisioner/status"
	"github.com/viamrobotics/wifi-provisioner/utils"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
	"google.golang.org/grpc"
)

const (
	SubsystemName = "wifi-provisioner"

	// stopAllTimeout must be lower than the TimeoutStopSec of the systemd unit.
	stopAllTimeout = time.Minute
)

// Manager owns every component of the daemon and their start/stop order.
type Manager struct {
	logger logging.Logger
	cfg    utils.ProvisionerConfig

	peripheral ble.Peripheral
	backend    join.Backend
	scheduler  join.Scheduler

	dispatcher   *status.Dispatcher
	orchestrator *join.Orchestrator
	service      *ble.Service
	local        *localIntake

	grpcServer *grpc.Server
	grpcAddr   string

	errors errorList

	activeBackgroundWorkers sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

type ManagerOption func(*Manager)

// WithPeripheral replaces the platform bluetooth peripheral.
func WithPeripheral(p ble.Peripheral) ManagerOption {
	return func(m *Manager) {
		m.peripheral = p
	}
}

// WithBackend replaces the NetworkManager join backend.
func WithBackend(b join.Backend) ManagerOption {
	return func(m *Manager) {
		m.backend = b
	}
}

// WithScheduler replaces the clock used for join timeouts.
func WithScheduler(s join.Scheduler) ManagerOption {
	return func(m *Manager) {
		m.scheduler = s
	}
}

// NewManager returns a Manager for cfg. Nothing touches the host until Start.
func NewManager(logger logging.Logger, cfg utils.ProvisionerConfig, opts ...ManagerOption) *Manager {
	m := &Manager{
		logger: logger,
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.setDebug(cfg.AdvancedSettings.Debug.Get())
	if m.peripheral == nil {
		m.peripheral = ble.NewPeripheral(logger.Sublogger("ble"), cfg.BluetoothConfiguration.ManageBluezConfig.Get())
	}

	statusLogger := logger.Sublogger("status")
	m.dispatcher = status.NewDispatcher(statusLogger, status.Fanout{
		status.NewLogSink(statusLogger),
		status.NewFileSink(statusLogger, cfg.AdvancedSettings.StatusFile),
		status.SinkFunc(m.recordFailure),
	})
	return m
}

func (m *Manager) setDebug(debug bool) {
	if debug {
		m.logger.SetLevel(logging.DEBUG)
	} else {
		m.logger.SetLevel(logging.INFO)
	}
}

// recordFailure keeps advertising failures for the next GetSmartMachineStatus call. Join
// failures are reported there through the last attempt instead.
func (m *Manager) recordFailure(u status.Update) {
	if u.Stage != status.StageAdvertisingFailed {
		return
	}
	if u.Err != nil {
		m.errors.Add(errw.Wrap(u.Err, string(u.Stage)))
		return
	}
	m.errors.Add(errors.New(string(u.Stage)))
}

// Start brings up the join backend, the bluetooth service, and the gRPC API, in that order.
// A bluetooth failure is returned only when the gRPC API is disabled or cannot listen either.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("manager already started")
	}
	m.started = true

	m.logPreviousStatus()

	joinLogger := m.logger.Sublogger("join")
	if m.backend == nil {
		backend, err := join.NewBackend(joinLogger, m.cfg.JoinConfiguration)
		if err != nil {
			m.logger.Warn(errw.Wrap(err, "wifi joining unavailable"))
			m.errors.Add(err)
		} else {
			m.backend = backend
		}
	}

	var radio join.Radio
	var strategies []join.Strategy
	if m.backend != nil {
		radio = m.backend
		strategies = m.backend.Strategies()
	}
	var joinOpts []join.Option
	if m.scheduler != nil {
		joinOpts = append(joinOpts, join.WithScheduler(m.scheduler))
	}
	m.orchestrator = join.NewOrchestrator(joinLogger, radio, strategies, m.dispatcher,
		time.Duration(m.cfg.JoinConfiguration.JoinTimeout), joinOpts...)

	m.service = ble.NewService(
		m.logger.Sublogger("ble"),
		m.peripheral,
		m.orchestrator,
		m.dispatcher,
		m.cfg.BluetoothConfiguration.DeviceName,
		m.cfg.JoinConfiguration.AllowReprovisioning.Get(),
	)

	grpcEnabled := !m.cfg.AdvancedSettings.DisableGRPC.Get()
	var intake credentialIntake = m.service
	if err := m.service.Start(ctx); err != nil {
		if !grpcEnabled {
			return errw.Wrap(err, "starting bluetooth provisioning")
		}
		m.logger.Errorw("bluetooth provisioning unavailable, only the local gRPC API can provision this device", "error", err)
		m.errors.Add(err)
		m.local = newLocalIntake(m.logger.Sublogger("grpc"), m.orchestrator, m.dispatcher,
			m.cfg.JoinConfiguration.AllowReprovisioning.Get())
		intake = m.local
	} else {
		m.logger.Infow("bluetooth provisioning started", "name", m.cfg.BluetoothConfiguration.DeviceName,
			"service", ble.ServiceUUID)
	}

	if grpcEnabled {
		if err := m.startGRPC(intake); err != nil {
			if m.local != nil {
				return errw.Wrap(err, "no provisioning transport available")
			}
			m.logger.Warn(err)
			m.errors.Add(err)
		}
	}
	return nil
}

func (m *Manager) logPreviousStatus() {
	snap, err := status.ReadSnapshot(m.cfg.AdvancedSettings.StatusFile)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			m.logger.Debug(err)
		}
		return
	}
	m.logger.Infow("previous provisioning status", "stage", snap.Stage, "ssid", snap.SSID,
		"error", snap.Error, "time", snap.Time, "version", snap.Version)
}

// Stop shuts every component down, logging progress if that takes a while.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true

	ctx, cancel := context.WithCancel(context.Background())

	// Use a slow goroutine watcher to log and continue if shutdown is taking too long.
	slowWatcher, slowWatcherCancel := goutils.SlowGoroutineWatcher(
		stopAllTimeout,
		fmt.Sprintf("wifi-provisioner components failed to shut down within %v", stopAllTimeout),
		m.logger,
	)

	slowTicker := time.NewTicker(10 * time.Second)
	defer slowTicker.Stop()

	shutdownStarted := time.Now()

	goutils.PanicCapturingGo(func() {
		defer slowWatcherCancel()
		defer cancel()

		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopAllTimeout)
		defer stopCancel()

		m.stopGRPC()

		if m.local != nil {
			m.local.Close()
		}

		if m.service != nil {
			if err := m.service.Shutdown(stopCtx); err != nil {
				m.logger.Warn(err)
			} else {
				m.logger.Info("bluetooth provisioning shut down successfully")
			}
		}

		if m.orchestrator != nil {
			m.orchestrator.Close()
		}

		if m.backend != nil {
			if err := m.backend.Close(); err != nil {
				m.logger.Warn(err)
			}
		}

		m.activeBackgroundWorkers.Wait()
		m.dispatcher.Close()
	})

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("all wifi-provisioner components shut down")
			return
		case <-slowWatcher:
			select {
			case <-ctx.Done():
				m.logger.Info("all wifi-provisioner components shut down")
			default:
				m.logger.Error("shutdown timed out, exiting now")
			}
			return
		case <-slowTicker.C:
			m.logger.Warnw("waiting for clean shutdown", "time_elapsed", time.Since(shutdownStarted).String())
		}
	}
}

// State returns the join state, and the last status update if any.
func (m *Manager) State() (join.State, status.Update, bool) {
	var state join.State
	m.mu.Lock()
	orchestrator := m.orchestrator
	m.mu.Unlock()
	if orchestrator != nil {
		state = orchestrator.State()
	}
	last, ok := m.dispatcher.Last()
	return state, last, ok
}

type errorList struct {
	mu     sync.Mutex
	errors []error
}

func (e *errorList) Add(err ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errors = append(e.errors, err...)
}

func (e *errorList) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errors = []error{}
}

func (e *errorList) Errors() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error{}, e.errors...)
}
