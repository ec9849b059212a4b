package ble

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"time"

	semver "github.com/Masterminds/semver/v3"
	dbus "github.com/godbus/dbus/v5"
	errw "github.com/pkg/errors"
	"github.com/viamrobotics/wifi-provisioner/utils"
	"github.com/viamrobotics/wifi-provisioner/utils/systemd"
	"go.viam.com/rdk/logging"
	"golang.org/x/sys/unix"
)

const (
	BluezDBusService = "org.bluez"
	BluezAdapterPath = "/org/bluez/hci0"

	dbusUnknownObject = "org.freedesktop.DBus.Error.UnknownObject"
	dbusAccessDenied  = "org.freedesktop.DBus.Error.AccessDenied"

	// registered services are numbered sequentially by tinygo
	maxStaleServices = 10000
)

var bluetoothctlVersionRegex = regexp.MustCompile(`Version\s+([0-9]+\.[0-9]+)`)

// checkCapabilities verifies the process may manage network and bluetooth devices.
func checkCapabilities() error {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return errw.Wrap(err, "reading process capabilities")
	}
	if data[unix.CAP_NET_ADMIN/32].Effective&(1<<(unix.CAP_NET_ADMIN%32)) == 0 {
		return errw.Wrap(ErrPermissionDenied, "process lacks CAP_NET_ADMIN")
	}
	return nil
}

func getBluetoothDBus() (*dbus.Conn, dbus.BusObject, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, nil, errw.Wrap(err, "failed to connect to system DBus")
	}
	hci0Adapter := conn.Object(BluezDBusService, dbus.ObjectPath(BluezAdapterPath))
	// Use "Address" property to check if adapter hci0 is even available.
	_, err = hci0Adapter.GetProperty("org.bluez.Adapter1.Address")
	if err != nil {
		return nil, nil, classifyDBusError(err, hci0Adapter.Path())
	}
	return conn, hci0Adapter, nil
}

func classifyDBusError(err error, path dbus.ObjectPath) error {
	dErr := &dbus.Error{}
	if errors.As(err, dErr) {
		switch dErr.Name {
		case dbusUnknownObject:
			return errw.Wrapf(ErrPermissionDenied, "bluetooth adapter %s does not exist", path)
		case dbusAccessDenied:
			return errw.Wrapf(ErrPermissionDenied, "access to bluetooth adapter %s denied", path)
		}
	}
	return errw.Wrap(err, "getting bluetooth adapter")
}

// ensurePowered turns the adapter on if it is off.
func ensurePowered(logger logging.Logger, adapter dbus.BusObject) error {
	prop, err := adapter.GetProperty("org.bluez.Adapter1.Powered")
	if err != nil {
		return classifyDBusError(err, adapter.Path())
	}
	powered, ok := prop.Value().(bool)
	if ok && powered {
		return nil
	}
	logger.Info("bluetooth adapter is powered off, turning it on")
	if err := adapter.SetProperty("org.bluez.Adapter1.Powered", dbus.MakeVariant(true)); err != nil {
		return errw.Wrap(classifyDBusError(err, adapter.Path()), "powering on bluetooth adapter")
	}
	return nil
}

func checkBluetoothdVersion(ctx context.Context, logger logging.Logger) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, time.Second*15)
	defer cancel()
	cmd := exec.CommandContext(timeoutCtx, "bluetoothctl", "version")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return errw.Wrapf(err, "running 'bluetoothctl version' failed and returned: %s", string(output))
	}

	matches := bluetoothctlVersionRegex.FindSubmatch(output)
	if len(matches) != 2 {
		logger.Warnf("cannot parse output (%s) returned from 'bluetoothctl version'", output)
		return nil
	}

	sv, err := semver.NewVersion(string(matches[1]))
	if err != nil {
		logger.Warn(err)
		return nil
	}

	if !sv.GreaterThanEqual(semver.MustParse("5.50")) {
		logger.Warnf("bluetooth version %s is less than 5.50, functionality may be limited", string(matches[1]))
	}
	return nil
}

// ensureBluetoothConfiguration normalizes the bluetoothd config and restarts bluetoothd if it changed.
func ensureBluetoothConfiguration(ctx context.Context, logger logging.Logger, sysd *systemd.SystemdManager) error {
	//nolint:gosec
	content, err := os.ReadFile(BluezConfigPath)
	if err != nil {
		return errw.Wrapf(err, "reading %s", BluezConfigPath)
	}

	// Only write the file if changes were made
	isNew, err := utils.WriteFileIfNew(BluezConfigPath, []byte(normalizeBluezConfig(string(content))))
	if err != nil {
		return errw.Wrapf(err, "writing updated configuration to %s", BluezConfigPath)
	}
	if !isNew {
		logger.Debug("no changes to bluetooth configuration needed")
		return nil
	}

	logger.Infof("Updated bluetooth configuration %s", BluezConfigPath)
	timeoutCtx, cancel := context.WithTimeout(ctx, time.Second*15)
	defer cancel()
	if err := sysd.Restart(timeoutCtx, "bluetooth"); err != nil {
		return errw.Wrap(err, "restarting bluetooth")
	}
	logger.Info("Restarted bluetooth service")
	return nil
}

// removeServices unregisters every GATT application tinygo may have registered, including
// ones left behind by a previous run.
func removeServices(logger logging.Logger) error {
	_, adapter, err := getBluetoothDBus()
	if err != nil {
		return err
	}

	// tinygo has no RemoveService() and doesn't expose the service path, so walk the sequential names
	var ok bool
	for id := range maxStaleServices {
		path := dbus.ObjectPath(fmt.Sprintf("/org/tinygo/bluetooth/service%d", id))
		err := adapter.Call("org.bluez.GattManager1.UnregisterApplication", 0, path).Err
		if err == nil {
			logger.Debugf("removed gatt service %s", path)
			ok = true
		}
	}

	if ok {
		return nil
	}
	return errors.New("could not find previous gatt service to remove")
}
