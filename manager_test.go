package provisioner

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/viamrobotics/wifi-provisioner/ble"
	"github.com/viamrobotics/wifi-provisioner/join"
	"github.com/viamrobotics/wifi-provisioner/status"
	"github.com/viamrobotics/wifi-provisioner/utils"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

type fakePeripheral struct {
	mu           sync.Mutex
	checkErr     error
	handler      ble.WriteHandler
	localName    string
	unregistered int
}

func (f *fakePeripheral) Check(context.Context) error {
	return f.checkErr
}

func (f *fakePeripheral) Register(_ context.Context, _ ble.ServiceDefinition, handler ble.WriteHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return nil
}

func (f *fakePeripheral) Advertise(_ context.Context, localName string, _ uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localName = localName
	return nil
}

func (f *fakePeripheral) StopAdvertising() error {
	return nil
}

func (f *fakePeripheral) Unregister() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered++
	return nil
}

func (f *fakePeripheral) write(t *testing.T, characteristic uuid.UUID, payload string) {
	t.Helper()
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	test.That(t, handler, test.ShouldNotBeNil)
	handler(characteristic, []byte(payload), nil)
}

type fakeRequest struct{}

func (fakeRequest) Cancel() {}

// fakeStrategy connects synchronously unless fail is set.
type fakeStrategy struct {
	mu    sync.Mutex
	fail  error
	joins []join.Credentials
}

func (f *fakeStrategy) Name() string { return "fake" }

func (f *fakeStrategy) Supported(context.Context) bool { return true }

func (f *fakeStrategy) Join(_ context.Context, creds join.Credentials, w join.Watcher) (join.Request, error) {
	f.mu.Lock()
	f.joins = append(f.joins, creds)
	fail := f.fail
	f.mu.Unlock()
	if fail != nil {
		w.Failed(fail)
	} else {
		w.Connected()
	}
	return fakeRequest{}, nil
}

func (f *fakeStrategy) Joins() []join.Credentials {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]join.Credentials{}, f.joins...)
}

type fakeBackend struct {
	strategy *fakeStrategy
	networks []join.Network
	scanErr  error

	mu     sync.Mutex
	closed int
}

func (f *fakeBackend) EnableRadio(context.Context) error { return nil }

func (f *fakeBackend) Scan(context.Context) ([]join.Network, error) {
	return append([]join.Network{}, f.networks...), f.scanErr
}

func (f *fakeBackend) Strategies() []join.Strategy {
	return []join.Strategy{f.strategy}
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testConfig(t *testing.T, disableGRPC bool) utils.ProvisionerConfig {
	t.Helper()
	utils.MockAndCreateDirs(t)
	cfg, err := utils.LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldBeNil)
	cfg.GRPCConfiguration.ListenAddress = "127.0.0.1:0"
	if disableGRPC {
		cfg.AdvancedSettings.DisableGRPC = utils.Tribool(1)
	}
	return cfg
}

func newTestManager(t *testing.T, cfg utils.ProvisionerConfig, p *fakePeripheral, b *fakeBackend) *Manager {
	t.Helper()
	return NewManager(logging.NewTestLogger(t), cfg, WithPeripheral(p), WithBackend(b))
}

func TestManagerProvisionOverBluetooth(t *testing.T) {
	cfg := testConfig(t, true)
	p := &fakePeripheral{}
	b := &fakeBackend{strategy: &fakeStrategy{}}
	m := newTestManager(t, cfg, p, b)

	test.That(t, m.Start(context.Background()), test.ShouldBeNil)
	test.That(t, m.GRPCAddr(), test.ShouldBeEmpty)
	test.That(t, m.Start(context.Background()), test.ShouldNotBeNil)

	p.write(t, ble.SSIDCharacteristicUUID, "HomeNet")
	p.write(t, ble.PassphraseCharacteristicUUID, "hunter22")

	waitFor(t, func() bool {
		state, _, _ := m.State()
		return state == join.StateConnected
	})
	test.That(t, b.strategy.Joins(), test.ShouldResemble, []join.Credentials{{SSID: "HomeNet", Passphrase: "hunter22"}})

	_, last, ok := m.State()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, last.Stage, test.ShouldEqual, status.StageConnected)
	test.That(t, last.SSID, test.ShouldEqual, "HomeNet")

	m.Stop()
	m.Stop()
	test.That(t, p.unregistered, test.ShouldEqual, 1)
	test.That(t, b.closed, test.ShouldEqual, 1)

	snap, err := status.ReadSnapshot(cfg.AdvancedSettings.StatusFile)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, snap.Stage, test.ShouldEqual, status.StageServerStopped)
}

func TestManagerBluetoothUnavailable(t *testing.T) {
	t.Run("grpc disabled", func(t *testing.T) {
		cfg := testConfig(t, true)
		p := &fakePeripheral{checkErr: errors.New("no adapter")}
		m := newTestManager(t, cfg, p, &fakeBackend{strategy: &fakeStrategy{}})

		err := m.Start(context.Background())
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, errors.Is(err, ble.ErrPermissionDenied), test.ShouldBeTrue)
		m.Stop()
	})

	t.Run("grpc enabled", func(t *testing.T) {
		cfg := testConfig(t, false)
		p := &fakePeripheral{checkErr: errors.New("no adapter")}
		m := newTestManager(t, cfg, p, &fakeBackend{strategy: &fakeStrategy{}})
		defer m.Stop()

		test.That(t, m.Start(context.Background()), test.ShouldBeNil)
		test.That(t, m.GRPCAddr(), test.ShouldNotBeEmpty)
		test.That(t, m.local, test.ShouldNotBeNil)

		errs := m.errors.Errors()
		test.That(t, len(errs), test.ShouldEqual, 1)
		test.That(t, errors.Is(errs[0], ble.ErrPermissionDenied), test.ShouldBeTrue)
	})

	t.Run("grpc cannot listen either", func(t *testing.T) {
		cfg := testConfig(t, false)
		cfg.GRPCConfiguration.ListenAddress = "not-an-address"
		p := &fakePeripheral{checkErr: errors.New("no adapter")}
		m := newTestManager(t, cfg, p, &fakeBackend{strategy: &fakeStrategy{}})
		defer m.Stop()

		test.That(t, m.Start(context.Background()), test.ShouldNotBeNil)
	})
}

func TestManagerLastStatusFromPreviousRun(t *testing.T) {
	cfg := testConfig(t, true)
	b := &fakeBackend{strategy: &fakeStrategy{fail: join.ErrBadPassword}}

	m := newTestManager(t, cfg, &fakePeripheral{}, b)
	test.That(t, m.Start(context.Background()), test.ShouldBeNil)
	test.That(t, m.service.SubmitCredentials("HomeNet", "hunter22"), test.ShouldBeNil)
	waitFor(t, func() bool {
		state, _, _ := m.State()
		return state == join.StateFailed
	})
	m.Stop()

	// a second run reads the snapshot left by the first without failing
	p := &fakePeripheral{}
	m2 := newTestManager(t, cfg, p, &fakeBackend{strategy: &fakeStrategy{}})
	test.That(t, m2.Start(context.Background()), test.ShouldBeNil)
	_, hasCreds := m2.service.Credentials()
	test.That(t, hasCreds, test.ShouldBeFalse)
	m2.Stop()
}

func TestErrorList(t *testing.T) {
	var list errorList
	test.That(t, list.Errors(), test.ShouldBeEmpty)

	errA := errors.New("a")
	list.Add(errA, errors.New("b"))
	errs := list.Errors()
	test.That(t, len(errs), test.ShouldEqual, 2)

	// returned slices are copies
	errs[0] = nil
	test.That(t, list.Errors()[0], test.ShouldEqual, errA)

	list.Clear()
	test.That(t, list.Errors(), test.ShouldBeEmpty)
}
