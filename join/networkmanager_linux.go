package join

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	semver "github.com/Masterminds/semver/v3"
	errw "github.com/pkg/errors"
	gnm "github.com/viamrobotics/gonetworkmanager/v2"
	"github.com/viamrobotics/wifi-provisioner/utils"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

var (
	minNMVersion           = semver.MustParse("1.0.0")
	minSuggestionNMVersion = semver.MustParse("1.30.0")
	radioFlagsNMVersion    = semver.MustParse("1.38.0")
)

const radioEnableTimeout = time.Second * 10

// nmBackend drives a single Wi-Fi device through NetworkManager.
type nmBackend struct {
	logger   logging.Logger
	cfg      utils.JoinConfiguration
	nm       gnm.NetworkManager
	settings gnm.Settings
	version  *semver.Version

	// opMu serializes profile changes against NetworkManager.
	opMu sync.Mutex

	mu     sync.Mutex
	device gnm.DeviceWireless
	ifName string
}

// NewBackend connects to NetworkManager over the system D-Bus.
func NewBackend(logger logging.Logger, cfg utils.JoinConfiguration) (Backend, error) {
	nm, sv, err := getNM(logger)
	if err != nil {
		return nil, err
	}

	settings, err := gnm.NewSettings()
	if err != nil {
		return nil, errors.Join(ErrNM, err)
	}

	b := &nmBackend{
		logger:   logger,
		cfg:      cfg,
		nm:       nm,
		settings: settings,
		version:  sv,
	}

	// the device may be hotplugged later, so this isn't fatal
	if _, err := b.wifiDevice(); err != nil {
		logger.Warn(err)
	}
	return b, nil
}

func getNM(logger logging.Logger) (gnm.NetworkManager, *semver.Version, error) {
	nm, err := gnm.NewNetworkManager()
	if err != nil {
		logger.Error(err)
		return nil, nil, ErrNM
	}

	ver, err := nm.GetPropertyVersion()
	if err != nil {
		logger.Error(err)
		return nil, nil, ErrNM
	}

	logger.Infof("Found NetworkManager version: %s", ver)

	sv, err := semver.NewVersion(ver)
	if err != nil {
		logger.Error(err)
		return nil, nil, ErrNM
	}

	if !sv.GreaterThanEqual(minNMVersion) {
		return nil, nil, ErrNM
	}

	// Bail out here early if we can't find a wifi radio
	if sv.GreaterThanEqual(radioFlagsNMVersion) {
		flags, err := nm.GetPropertyRadioFlags()
		if err != nil {
			logger.Error(err)
			return nil, nil, ErrNoWifiDevice
		}

		if flags&gnm.NmRadioFlagsWlanAvailable != gnm.NmRadioFlagsWlanAvailable {
			return nil, nil, ErrNoWifiDevice
		}
	}

	return nm, sv, nil
}

// wifiDevice returns the configured Wi-Fi device, or the first one found, looking it up again
// if it isn't known yet.
func (b *nmBackend) wifiDevice() (gnm.DeviceWireless, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.device != nil {
		return b.device, nil
	}

	devices, err := b.nm.GetDevices()
	if err != nil {
		return nil, errw.Wrap(err, "listing network devices")
	}

	for _, device := range devices {
		devType, err := device.GetPropertyDeviceType()
		if err != nil {
			return nil, err
		}
		if devType != gnm.NmDeviceTypeWifi {
			continue
		}
		wifiDev, ok := device.(gnm.DeviceWireless)
		if !ok {
			return nil, errors.New("cannot cast to wifi device")
		}
		ifName, err := wifiDev.GetPropertyInterface()
		if err != nil {
			return nil, err
		}
		if b.cfg.Interface != "" && ifName != b.cfg.Interface {
			continue
		}
		if err := wifiDev.SetPropertyAutoConnect(true); err != nil {
			return nil, err
		}
		b.device = wifiDev
		b.ifName = ifName
		b.logger.Infof("Using %s for wifi, will actively manage wifi only on this device.", ifName)
		return wifiDev, nil
	}

	if b.cfg.Interface != "" {
		return nil, errw.Wrapf(ErrNoWifiDevice, "interface %s", b.cfg.Interface)
	}
	return nil, ErrNoWifiDevice
}

// forgetDevice drops the cached device so the next lookup re-scans, e.g. after a hotplug.
func (b *nmBackend) forgetDevice() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.device = nil
	b.ifName = ""
}

func (b *nmBackend) interfaceName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ifName
}

func (b *nmBackend) EnableRadio(ctx context.Context) error {
	enabled, err := b.nm.GetPropertyWirelessEnabled()
	if err != nil {
		return errw.Wrap(err, "checking wifi radio")
	}
	if enabled {
		return nil
	}

	b.logger.Info("wifi radio is disabled, enabling it")
	if err := b.nm.SetPropertyWirelessEnabled(true); err != nil {
		return errw.Wrap(err, "enabling wifi")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, radioEnableTimeout)
	defer cancel()
	for {
		if !goutils.SelectContextOrWait(timeoutCtx, time.Second) {
			return errw.Wrap(timeoutCtx.Err(), "enabling wifi")
		}
		enabled, err := b.nm.GetPropertyWirelessEnabled()
		if err != nil {
			return err
		}
		if enabled {
			return nil
		}
	}
}

func (b *nmBackend) Strategies() []Strategy {
	return OrderStrategies(b.cfg.Strategy, &suggestionStrategy{b: b}, &directStrategy{b: b})
}

func (b *nmBackend) Close() error {
	b.forgetDevice()
	return nil
}

// connectionsForSSID returns every saved infrastructure profile for ssid.
func (b *nmBackend) connectionsForSSID(ssid string) ([]gnm.Connection, error) {
	conns, err := b.settings.ListConnections()
	if err != nil {
		return nil, errw.Wrap(err, "listing saved connections")
	}
	var matches []gnm.Connection
	for _, conn := range conns {
		settings, err := conn.GetSettings()
		if err != nil {
			b.logger.Debug(errw.Wrap(err, "reading saved connection"))
			continue
		}
		if getSSIDFromSettings(settings) == ssid {
			matches = append(matches, conn)
		}
	}
	return matches, nil
}

// activate subscribes to device state, asks NetworkManager to activate conn on dev, and reports
// the outcome to w from a background goroutine. onActivated runs once the device is activated and
// may still turn the outcome into a failure.
func (b *nmBackend) activate(
	conn gnm.Connection,
	dev gnm.DeviceWireless,
	w Watcher,
	onActivated func() error,
) (Request, error) {
	changeChan := make(chan gnm.DeviceStateChange, 32)
	exitChan := make(chan struct{})

	if err := dev.SubscribeState(changeChan, exitChan); err != nil {
		return nil, errw.Wrap(err, "monitoring connection activation")
	}

	activeConnection, err := b.nm.ActivateConnection(conn, dev, nil)
	if err != nil {
		close(exitChan)
		return nil, errw.Wrap(err, "activating connection")
	}

	act := &activation{
		logger: b.logger,
		nm:     b.nm,
		active: activeConnection,
		exit:   exitChan,
	}
	go act.watch(changeChan, w, onActivated)
	return act, nil
}

// activation follows one NetworkManager activation until it settles or is cancelled.
type activation struct {
	logger logging.Logger
	nm     gnm.NetworkManager
	active gnm.ActiveConnection

	exit     chan struct{}
	exitOnce sync.Once
	settled  atomic.Bool
}

func (a *activation) watch(changeChan <-chan gnm.DeviceStateChange, w Watcher, onActivated func() error) {
	defer utils.Recover(a.logger, nil)
	defer a.unsubscribe()

	for {
		select {
		case <-a.exit:
			return
		case update, ok := <-changeChan:
			if !ok {
				return
			}
			a.logger.Debugf("%s->%s (%s)", update.OldState, update.NewState, update.Reason)
			//nolint:exhaustive
			switch update.NewState {
			case gnm.NmDeviceStateActivated:
				var err error
				if onActivated != nil {
					err = onActivated()
				}
				if !a.settled.CompareAndSwap(false, true) {
					return
				}
				if err != nil {
					w.Failed(err)
					return
				}
				w.Connected()
				return
			case gnm.NmDeviceStateFailed:
				if !a.settled.CompareAndSwap(false, true) {
					return
				}
				if update.Reason == gnm.NmDeviceStateReasonNoSecrets {
					w.Failed(ErrBadPassword)
					return
				}
				// custom error if it's some other reason for failure
				w.Failed(errw.Errorf("connection failed: %s", update.Reason))
				return
			default:
			}
		}
	}
}

func (a *activation) unsubscribe() {
	a.exitOnce.Do(func() { close(a.exit) })
}

// Cancel stops watching and, if the activation never settled, deactivates it.
func (a *activation) Cancel() {
	a.unsubscribe()
	if !a.settled.CompareAndSwap(false, true) {
		return
	}
	if a.active == nil {
		return
	}
	if err := a.nm.DeactivateConnection(a.active); err != nil {
		a.logger.Debug(errw.Wrap(err, "deactivating abandoned connection"))
	}
}

// suggestionStrategy saves the network as an autoconnect profile, activates it on the Wi-Fi
// device only, and confirms the device is bound to it.
type suggestionStrategy struct {
	b *nmBackend
}

func (s *suggestionStrategy) Name() string {
	return utils.StrategySuggestion
}

func (s *suggestionStrategy) Supported(_ context.Context) bool {
	if !s.b.version.GreaterThanEqual(minSuggestionNMVersion) {
		return false
	}
	_, err := s.b.wifiDevice()
	return err == nil
}

func (s *suggestionStrategy) Join(_ context.Context, creds Credentials, w Watcher) (Request, error) {
	b := s.b
	dev, err := b.wifiDevice()
	if err != nil {
		return nil, err
	}

	settings, err := generateWifiSettings(profile{
		Interface:   b.interfaceName(),
		SSID:        creds.SSID,
		PSK:         creds.Passphrase,
		Priority:    b.cfg.Priority,
		RouteMetric: b.cfg.RouteMetric,
	})
	if err != nil {
		return nil, err
	}

	b.opMu.Lock()
	conn, err := b.upsertConnection(creds.SSID, settings)
	b.opMu.Unlock()
	if err != nil {
		return nil, err
	}

	bind := func() error {
		return b.checkBound(dev, conn, creds.SSID)
	}
	return b.activate(conn, dev, w, bind)
}

// upsertConnection updates the first saved profile for ssid in place, or adds a new one.
func (b *nmBackend) upsertConnection(ssid string, settings gnm.ConnectionSettings) (gnm.Connection, error) {
	existing, err := b.connectionsForSSID(ssid)
	if err != nil {
		return nil, err
	}

	if len(existing) > 0 {
		conn := existing[0]
		prev, err := conn.GetSettings()
		if err != nil {
			return nil, errw.Wrap(err, "reading existing connection settings")
		}
		if err := conn.Update(updateSettings(prev, settings)); err != nil {
			return nil, errw.Wrap(err, "updating existing connection")
		}
		b.logger.Debugf("updated saved connection for %s", ssid)
		return conn, nil
	}

	conn, err := b.settings.AddConnection(settings)
	if err != nil {
		return nil, errw.Wrap(err, "adding new connection")
	}
	b.logger.Debugf("added connection for %s", ssid)
	return conn, nil
}

// checkBound verifies the device came up on conn, whose route metric then makes it the
// preferred default route.
func (b *nmBackend) checkBound(dev gnm.DeviceWireless, conn gnm.Connection, ssid string) error {
	active, err := dev.GetPropertyActiveConnection()
	if err != nil {
		return errw.Wrap(err, "getting active connection")
	}
	if active == nil {
		return errw.New("device reported activated with no active connection")
	}
	activeConn, err := active.GetPropertyConnection()
	if err != nil {
		return errw.Wrap(err, "getting active connection profile")
	}
	if activeConn.GetPath() != conn.GetPath() {
		return errw.Errorf("device activated %s instead of the profile for %s", activeConn.GetPath(), ssid)
	}
	b.logger.Infow("bound outbound traffic to wifi", "ssid", ssid, "interface", b.interfaceName(),
		"route_metric", b.cfg.RouteMetric)
	return nil
}

// directStrategy replaces every saved profile for the network and forces the device onto it.
type directStrategy struct {
	b *nmBackend
}

func (s *directStrategy) Name() string {
	return utils.StrategyDirect
}

func (s *directStrategy) Supported(_ context.Context) bool {
	_, err := s.b.wifiDevice()
	return err == nil
}

func (s *directStrategy) Join(_ context.Context, creds Credentials, w Watcher) (Request, error) {
	b := s.b
	dev, err := b.wifiDevice()
	if err != nil {
		return nil, err
	}

	settings, err := generateWifiSettings(profile{
		Interface: b.interfaceName(),
		SSID:      creds.SSID,
		PSK:       creds.Passphrase,
		Priority:  b.cfg.Priority,
	})
	if err != nil {
		return nil, err
	}

	b.opMu.Lock()
	conn, err := b.replaceConnections(creds.SSID, settings)
	b.opMu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := dev.Disconnect(); err != nil {
		// an idle device refuses to disconnect
		b.logger.Debug(errw.Wrap(err, "disconnecting wifi device"))
	}
	return b.activate(conn, dev, w, nil)
}

func (b *nmBackend) replaceConnections(ssid string, settings gnm.ConnectionSettings) (gnm.Connection, error) {
	existing, err := b.connectionsForSSID(ssid)
	if err != nil {
		return nil, err
	}
	for _, conn := range existing {
		if err := conn.Delete(); err != nil {
			return nil, errw.Wrapf(err, "removing saved connection for %s", ssid)
		}
	}
	if len(existing) > 0 {
		b.logger.Debugf("removed %d saved connection(s) for %s", len(existing), ssid)
	}

	conn, err := b.settings.AddConnection(settings)
	if err != nil {
		return nil, errw.Wrap(err, "adding new connection")
	}
	return conn, nil
}
