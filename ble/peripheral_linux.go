package ble

import (
	"context"
	"sync"

	"github.com/google/uuid"
	errw "github.com/pkg/errors"
	"github.com/viamrobotics/wifi-provisioner/utils/systemd"
	"go.viam.com/rdk/logging"
	"tinygo.org/x/bluetooth"
)

// bluezPeripheral is a Peripheral backed by BlueZ through tinygo bluetooth.
type bluezPeripheral struct {
	logger            logging.Logger
	adapter           *bluetooth.Adapter
	manageBluezConfig bool
	systemd           *systemd.SystemdManager

	mu  sync.Mutex
	adv *bluetooth.Advertisement
}

// NewPeripheral returns the BlueZ peripheral for adapter hci0.
func NewPeripheral(logger logging.Logger, manageBluezConfig bool) Peripheral {
	return &bluezPeripheral{
		logger:            logger,
		adapter:           bluetooth.DefaultAdapter,
		manageBluezConfig: manageBluezConfig,
		systemd:           systemd.NewSystemdManager(logger),
	}
}

func (p *bluezPeripheral) Check(ctx context.Context) error {
	if err := checkCapabilities(); err != nil {
		return err
	}

	if p.manageBluezConfig {
		if err := ensureBluetoothConfiguration(ctx, p.logger, p.systemd); err != nil {
			p.logger.Warn(err)
		}
	}

	if err := checkBluetoothdVersion(ctx, p.logger); err != nil {
		p.logger.Warn(err)
	}

	_, adapter, err := getBluetoothDBus()
	if err != nil {
		return err
	}
	return ensurePowered(p.logger, adapter)
}

func (p *bluezPeripheral) Register(_ context.Context, def ServiceDefinition, handler WriteHandler) error {
	if err := p.adapter.Enable(); err != nil {
		return errw.Wrap(err, "failed to enable bluetooth adapter")
	}

	chars := make([]bluetooth.CharacteristicConfig, 0, len(def.Characteristics))
	for _, id := range def.Characteristics {
		p.logger.Debugf("registering write-only characteristic %s", id)
		chars = append(chars, bluetooth.CharacteristicConfig{
			UUID:       bluetooth.NewUUID(id),
			Flags:      bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
			WriteEvent: p.writeEvent(id, handler),
		})
	}

	if err := p.adapter.AddService(&bluetooth.Service{UUID: bluetooth.NewUUID(def.Service), Characteristics: chars}); err != nil {
		return errw.Wrap(err, "unable to add bluetooth service to default adapter")
	}
	return nil
}

func (p *bluezPeripheral) Advertise(_ context.Context, localName string, service uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.adv != nil {
		return errw.New("invalid request, advertising already active")
	}

	adv := p.adapter.DefaultAdvertisement()
	opts := bluetooth.AdvertisementOptions{
		LocalName:    localName,
		ServiceUUIDs: []bluetooth.UUID{bluetooth.NewUUID(service)},
	}
	if err := adv.Configure(opts); err != nil {
		return errw.Wrap(err, "failed to configure default advertisement")
	}
	if err := adv.Start(); err != nil {
		return errw.Wrap(err, "failed to start advertising")
	}
	p.adv = adv
	return nil
}

func (p *bluezPeripheral) StopAdvertising() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.adv == nil {
		return nil
	}
	if err := p.adv.Stop(); err != nil {
		return errw.Wrap(err, "failed to stop advertising")
	}
	p.adv = nil
	return nil
}

func (p *bluezPeripheral) Unregister() error {
	return removeServices(p.logger)
}

// writeEvent adapts handler to tinygo's write callback. The callback does not say whether the peer
// used a write request or a write command, so every write gets a bluezAck.
func (p *bluezPeripheral) writeEvent(id uuid.UUID, handler WriteHandler) func(bluetooth.Connection, int, []byte) {
	// BlueZ reassembles long writes, so offset is always zero here
	return func(_ bluetooth.Connection, offset int, value []byte) {
		if offset != 0 {
			p.logger.Warnw("unexpected write offset", "characteristic", id, "offset", offset, "error", ErrMalformedWrite)
		}
		handler(id, value, bluezAck{})
	}
}

// bluezAck acknowledges nothing itself: BlueZ sends the ATT write response when the
// WriteValue D-Bus call returns, which happens once the write handler does.
type bluezAck struct{}

func (bluezAck) Ack() error {
	return nil
}
