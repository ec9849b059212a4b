package main

import (
	"bytes"
	"fmt"

	"github.com/jessevdk/go-flags"
)

var opts struct {
	BTMode   bool   `description:"Bluetooth Mode" long:"bluetooth"                           short:"b"`
	BTScan   bool   `description:"Bluetooth Scan" long:"scan"`
	BTFilter string `default:"wifi-setup"         description:"Bluetooth Device Name Prefix" long:"filter" short:"f"`

	Address string `description:"GRPC address/port to dial (ex: 'localhost:4772')" long:"address" short:"a"`

	WifiSSID string `description:"SSID to set"                          long:"wifi-ssid"`
	WifiPSK  string `description:"PSK/Password for wifi, empty for open" long:"wifi-psk"`

	Status   bool `description:"Get device status"      long:"status"   short:"s"`
	Networks bool `description:"List networks"          long:"networks" short:"n"`
	Help     bool `description:"Show this help message" long:"help"     short:"h"`
}

func parseOpts() bool {
	parser := flags.NewParser(&opts, flags.IgnoreUnknown)
	parser.Usage = "sends Wi-Fi credentials to a wifi-provisioner device over bluetooth or its local gRPC API."

	_, err := parser.Parse()
	if err != nil {
		panic(err)
	}

	if opts.BTMode && opts.WifiSSID == "" {
		opts.Help = true
	}

	if (!opts.BTScan && !opts.BTMode) &&
		(opts.Address == "" || (opts.WifiSSID == "" && !opts.Networks && !opts.Status)) {
		opts.Help = true
	}

	if opts.Help {
		var b bytes.Buffer
		parser.WriteHelp(&b)

		fmt.Println(b.String())
		return false
	}

	return true
}
