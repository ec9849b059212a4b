package join

// This file includes functions used for wifi scans.

import (
	"context"
	"time"

	errw "github.com/pkg/errors"
	gnm "github.com/viamrobotics/gonetworkmanager/v2"
	goutils "go.viam.com/utils"
)

const scanTimeout = time.Second * 30

// Scan asks NetworkManager for a fresh scan when the device is idle or connected, then returns the
// visible networks. A device busy connecting is not rescanned and its cached results are returned.
func (b *nmBackend) Scan(ctx context.Context) ([]Network, error) {
	wifiDev, err := b.wifiDevice()
	if err != nil {
		return nil, err
	}

	if err := b.requestScan(ctx, wifiDev); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var activeSSID string
	if ap, err := wifiDev.GetPropertyActiveAccessPoint(); err == nil && ap != nil {
		activeSSID, _ = ap.GetPropertySSID() //nolint:errcheck
	}

	wifiList, err := wifiDev.GetAccessPoints()
	if err != nil {
		return nil, errw.Wrap(err, "scanning wifi")
	}

	seen := make(map[string]int)
	networks := make([]Network, 0, len(wifiList))
	for _, ap := range wifiList {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ssid, err := ap.GetPropertySSID()
		if err != nil {
			b.logger.Warn(errw.Wrap(err, "getting ssid of discovered wifi network"))
			continue
		}

		if ssid == "" {
			b.logger.Debug("wifi network with blank ssid, ignoring")
			continue
		}

		signal, err := ap.GetPropertyStrength()
		if err != nil {
			b.logger.Warn(errw.Wrap(err, "getting signal strength of discovered wifi network"))
			continue
		}

		apFlags, err := ap.GetPropertyFlags()
		if err != nil {
			b.logger.Warn(errw.Wrap(err, "getting flags of discovered wifi network"))
			continue
		}

		wpaFlags, err := ap.GetPropertyWPAFlags()
		if err != nil {
			b.logger.Warn(errw.Wrap(err, "getting wpa flags of discovered wifi network"))
			continue
		}

		rsnFlags, err := ap.GetPropertyRSNFlags()
		if err != nil {
			b.logger.Warn(errw.Wrap(err, "getting rsn flags of discovered wifi network"))
			continue
		}

		nw := Network{
			SSID:      ssid,
			Signal:    signal,
			Security:  parseWPAFlags(apFlags, wpaFlags, rsnFlags),
			Connected: ssid == activeSSID,
		}
		networks = mergeNetwork(networks, seen, nw)
	}
	return networks, nil
}

func (b *nmBackend) requestScan(ctx context.Context, wifiDev gnm.DeviceWireless) error {
	state, reason, err := wifiDev.GetPropertyStateReason()
	if err != nil {
		return errw.Wrap(err, "getting wifi state and reason")
	}

	if state != gnm.NmDeviceStateDisconnected && state != gnm.NmDeviceStateActivated {
		b.logger.Debugf("wifi device state: %s, reason: %s, skipping scan", state, reason)
		return nil
	}

	prevScan, err := wifiDev.GetPropertyLastScan()
	if err != nil {
		return errw.Wrap(err, "getting last wifi scan")
	}

	err = wifiDev.RequestScan()
	if err != nil {
		return errw.Wrap(err, "requesting wifi scan")
	}

	scanDeadline := time.Now().Add(scanTimeout)
	for {
		lastScan, err := wifiDev.GetPropertyLastScan()
		if err != nil {
			return errw.Wrap(err, "getting last wifi scan")
		}
		if lastScan > prevScan {
			return nil
		}
		if !goutils.SelectContextOrWait(ctx, time.Second) {
			return nil
		}
		if time.Now().After(scanDeadline) {
			return ErrScanTimeout
		}
	}
}
