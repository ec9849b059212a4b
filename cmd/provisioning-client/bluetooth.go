package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	errw "github.com/pkg/errors"
	"github.com/viamrobotics/wifi-provisioner/ble"
	"tinygo.org/x/bluetooth"
)

const scanTimeout = 30 * time.Second

func btClient() error {
	adapter := bluetooth.DefaultAdapter

	if err := adapter.Enable(); err != nil {
		return err
	}

	if opts.BTScan {
		return BTScanOnly(adapter)
	}

	device, err := Connect(adapter)
	if err != nil {
		return errw.Wrap(err, "connecting")
	}
	defer Disconnect(device)

	ssidChar, pskChar, err := getCharacteristics(device)
	if err != nil {
		return err
	}

	return BTSetWifiCreds(ssidChar, pskChar)
}

func BTScanOnly(adapter *bluetooth.Adapter) error {
	fmt.Println("Scanning for bluetooth devices...")

	seen := make(map[string]bool)
	var err error
	go func() {
		err = adapter.Scan(
			func(adapter *bluetooth.Adapter, device bluetooth.ScanResult) {
				if device.LocalName() != "" {
					if seen[device.Address.String()] {
						return
					}
					seen[device.Address.String()] = true
					fmt.Printf("Found device: %s [%s]\n", device.LocalName(), device.Address.String())
				}
			},
		)
		if err != nil {
			fmt.Printf("error while scanning: %s", err.Error())
		}
	}()
	time.Sleep(time.Minute)
	err2 := adapter.StopScan()
	return errors.Join(err, err2)
}

// BTScan returns the first device whose local name starts with the filter prefix.
func BTScan(adapter *bluetooth.Adapter) (bluetooth.Address, error) {
	fmt.Printf("Searching for device name that starts with: %s\n", opts.BTFilter)
	fmt.Println("Scanning...")
	ch := make(chan bluetooth.ScanResult, 1)
	go func() {
		err := adapter.Scan(
			func(adapter *bluetooth.Adapter, device bluetooth.ScanResult) {
				if strings.HasPrefix(device.LocalName(), opts.BTFilter) {
					fmt.Printf("Found device: %s [%s]\n", device.LocalName(), device.Address.String())
					select {
					case ch <- device:
					default:
					}
				}
			},
		)
		if err != nil {
			fmt.Printf("error while scanning: %s", err.Error())
		}
	}()

	var addr bluetooth.Address
	var good bool
	select {
	case result := <-ch:
		good = true
		addr = result.Address
	case <-time.After(scanTimeout):
	}
	err := adapter.StopScan()
	if !good {
		return addr, errors.Join(err, fmt.Errorf("failed to find device matching filter: %s", opts.BTFilter))
	}
	return addr, err
}

// BTSetWifiCreds writes the SSID first, then the passphrase, which completes the pair.
func BTSetWifiCreds(ssidChar, pskChar bluetooth.DeviceCharacteristic) error {
	fmt.Println("Writing wifi credentials...")

	_, err := ssidChar.WriteWithoutResponse([]byte(opts.WifiSSID))
	if err != nil {
		return errw.Wrap(err, "writing ssid")
	}

	// an empty write would only clear the slot, so open networks are set over gRPC
	if opts.WifiPSK == "" {
		fmt.Println("No passphrase given, the device will wait for one.")
		return nil
	}

	_, err = pskChar.WriteWithoutResponse([]byte(opts.WifiPSK))
	if err != nil {
		return errw.Wrap(err, "writing psk")
	}
	return nil
}

func Connect(adapter *bluetooth.Adapter) (bluetooth.Device, error) {
	addr, err := BTScan(adapter)
	if err != nil {
		return bluetooth.Device{}, err
	}

	fmt.Println("Connecting...")
	device, err := adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return device, errw.Wrap(err, "connecting device")
	}
	return device, nil
}

func Disconnect(device bluetooth.Device) {
	fmt.Println("Disconnecting...")
	if err := device.Disconnect(); err != nil {
		fmt.Println(err)
	}
}

func getCharacteristics(device bluetooth.Device) (ssid, psk bluetooth.DeviceCharacteristic, err error) {
	serviceUUID := bluetooth.NewUUID(ble.ServiceUUID)
	fmt.Printf("Discovering characteristics for service UUID: %s\n", serviceUUID)
	srvcs, err := device.DiscoverServices([]bluetooth.UUID{serviceUUID})
	if err != nil {
		return ssid, psk, errw.Wrap(err, "discovering service")
	}
	if len(srvcs) == 0 {
		return ssid, psk, errw.New("provisioning service not found")
	}

	chars, err := srvcs[0].DiscoverCharacteristics([]bluetooth.UUID{
		bluetooth.NewUUID(ble.SSIDCharacteristicUUID),
		bluetooth.NewUUID(ble.PassphraseCharacteristicUUID),
	})
	if err != nil {
		return ssid, psk, errw.Wrap(err, "discovering characteristics")
	}

	var foundSSID, foundPSK bool
	for _, char := range chars {
		switch char.UUID() {
		case bluetooth.NewUUID(ble.SSIDCharacteristicUUID):
			ssid, foundSSID = char, true
		case bluetooth.NewUUID(ble.PassphraseCharacteristicUUID):
			psk, foundPSK = char, true
		}
	}
	if !foundSSID || !foundPSK {
		return ssid, psk, errw.New("provisioning characteristics not found")
	}
	return ssid, psk, nil
}
