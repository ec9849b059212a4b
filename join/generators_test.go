package join

import (
	"strings"
	"testing"

	gnm "github.com/viamrobotics/gonetworkmanager/v2"
	"go.viam.com/test"
)

func TestGenerateWifiSettings(t *testing.T) {
	t.Run("secured", func(t *testing.T) {
		settings, err := generateWifiSettings(profile{
			Interface:   "wlan0",
			SSID:        "HomeNet",
			PSK:         "hunter22",
			Priority:    999,
			RouteMetric: 50,
		})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, settings["connection"]["id"], test.ShouldEqual, "wifi-provisioner-HomeNet")
		test.That(t, settings["connection"]["type"], test.ShouldEqual, "802-11-wireless")
		test.That(t, settings["connection"]["autoconnect"], test.ShouldEqual, true)
		test.That(t, settings["connection"]["autoconnect-priority"], test.ShouldEqual, int32(999))
		test.That(t, settings["connection"]["interface-name"], test.ShouldEqual, "wlan0")
		test.That(t, settings["connection"]["uuid"], test.ShouldNotBeEmpty)
		test.That(t, settings["802-11-wireless"]["ssid"], test.ShouldResemble, []byte("HomeNet"))
		test.That(t, settings["802-11-wireless-security"]["psk"], test.ShouldEqual, "hunter22")
		test.That(t, settings["ipv4"]["route-metric"], test.ShouldEqual, int64(50))
		test.That(t, getSSIDFromSettings(settings), test.ShouldEqual, "HomeNet")
	})

	t.Run("open network", func(t *testing.T) {
		settings, err := generateWifiSettings(profile{SSID: "Cafe"})
		test.That(t, err, test.ShouldBeNil)
		_, ok := settings["802-11-wireless-security"]
		test.That(t, ok, test.ShouldBeFalse)
		_, ok = settings["connection"]["interface-name"]
		test.That(t, ok, test.ShouldBeFalse)
		test.That(t, settings["ipv4"]["route-metric"], test.ShouldEqual, int64(-1))
	})
}

func TestValidateCredentials(t *testing.T) {
	for _, tc := range []struct {
		name  string
		creds Credentials
		valid bool
	}{
		{"wpa passphrase", Credentials{SSID: "HomeNet", Passphrase: "hunter22"}, true},
		{"open network", Credentials{SSID: "HomeNet"}, true},
		{"32 byte ssid", Credentials{SSID: strings.Repeat("a", 32), Passphrase: "hunter22"}, true},
		{"hex psk", Credentials{SSID: "HomeNet", Passphrase: strings.Repeat("ab", 32)}, true},
		{"empty ssid", Credentials{Passphrase: "hunter22"}, false},
		{"long ssid", Credentials{SSID: strings.Repeat("a", 33)}, false},
		{"short passphrase", Credentials{SSID: "HomeNet", Passphrase: "hunter2"}, false},
		{"non-hex 64 characters", Credentials{SSID: "HomeNet", Passphrase: strings.Repeat("z", 64)}, false},
		{"too long", Credentials{SSID: "HomeNet", Passphrase: strings.Repeat("a", 65)}, false},
		{"invalid utf8", Credentials{SSID: "HomeNet", Passphrase: "hunter2\xff"}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := validateCredentials(tc.creds)
			if tc.valid {
				test.That(t, err, test.ShouldBeNil)
			} else {
				test.That(t, err, test.ShouldNotBeNil)
			}
		})
	}
}

func TestUpdateSettings(t *testing.T) {
	existing := gnm.ConnectionSettings{
		"connection": map[string]any{
			"id":          "HomeNet",
			"uuid":        "a8c2f1c4-0000-4000-8000-000000000000",
			"type":        "802-11-wireless",
			"autoconnect": false,
		},
		"802-11-wireless":          map[string]any{"mode": "infrastructure", "ssid": []byte("HomeNet")},
		"802-11-wireless-security": map[string]any{"key-mgmt": "wpa-psk", "psk": "oldpassword"},
		"ipv6": map[string]any{
			"method":    "auto",
			"addresses": []any{"fe80::1"},
			"routes":    []any{"::/0"},
		},
	}
	next, err := generateWifiSettings(profile{SSID: "HomeNet", Priority: 999, RouteMetric: 50})
	test.That(t, err, test.ShouldBeNil)

	out := updateSettings(existing, next)
	test.That(t, out["connection"]["id"], test.ShouldEqual, "HomeNet")
	test.That(t, out["connection"]["uuid"], test.ShouldEqual, "a8c2f1c4-0000-4000-8000-000000000000")
	test.That(t, out["connection"]["autoconnect"], test.ShouldEqual, true)
	test.That(t, out["connection"]["autoconnect-priority"], test.ShouldEqual, int32(999))
	_, ok := out["802-11-wireless-security"]
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, out["ipv4"]["route-metric"], test.ShouldEqual, int64(50))
	test.That(t, out["ipv6"]["method"], test.ShouldEqual, "auto")
	_, ok = out["ipv6"]["addresses"]
	test.That(t, ok, test.ShouldBeFalse)

	// the saved profile itself is untouched
	test.That(t, existing["connection"]["autoconnect"], test.ShouldEqual, false)
	test.That(t, existing["ipv6"]["addresses"], test.ShouldNotBeNil)
}

func TestGetSSIDFromSettings(t *testing.T) {
	for _, tc := range []struct {
		name     string
		settings gnm.ConnectionSettings
		expected string
	}{
		{"infrastructure", gnm.ConnectionSettings{"802-11-wireless": {"mode": "infrastructure", "ssid": []byte("HomeNet")}}, "HomeNet"},
		{"hotspot", gnm.ConnectionSettings{"802-11-wireless": {"mode": "ap", "ssid": []byte("HomeNet")}}, ""},
		{"wired", gnm.ConnectionSettings{"802-3-ethernet": {}}, ""},
		{"string ssid", gnm.ConnectionSettings{"802-11-wireless": {"mode": "infrastructure", "ssid": "HomeNet"}}, ""},
		{"empty ssid", gnm.ConnectionSettings{"802-11-wireless": {"mode": "infrastructure", "ssid": []byte{}}}, ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			test.That(t, getSSIDFromSettings(tc.settings), test.ShouldEqual, tc.expected)
		})
	}
}

func TestParseWPAFlags(t *testing.T) {
	for _, tc := range []struct {
		name     string
		ap       uint32
		wpa      uint32
		rsn      uint32
		expected string
	}{
		{"open", 0, 0, 0, "-"},
		{"wep", uint32(gnm.Nm80211APFlagsPrivacy), 0, 0, "WEP"},
		{"wpa2 personal", uint32(gnm.Nm80211APFlagsPrivacy), 0, uint32(gnm.Nm80211APSecKeyMgmtPSK), "WPA2"},
		{"wpa3", uint32(gnm.Nm80211APFlagsPrivacy), 0, uint32(gnm.Nm80211APSecKeyMgmtSAE), "WPA3"},
		{
			"wpa1 and wpa2 enterprise",
			uint32(gnm.Nm80211APFlagsPrivacy),
			uint32(gnm.Nm80211APSecKeyMgmt8021X),
			uint32(gnm.Nm80211APSecKeyMgmt8021X),
			"WPA1 WPA2 802.1X",
		},
		{"owe", 0, 0, uint32(gnm.Nm80211APSecKeyMgmtOWE), "OWE"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			test.That(t, parseWPAFlags(tc.ap, tc.wpa, tc.rsn), test.ShouldEqual, tc.expected)
		})
	}
}

func TestMergeAndSortNetworks(t *testing.T) {
	seen := map[string]int{}
	var networks []Network
	for _, nw := range []Network{
		{SSID: "Cafe", Signal: 40, Security: "-"},
		{SSID: "HomeNet", Signal: 55, Security: "WPA2"},
		{SSID: "HomeNet", Signal: 80, Security: "WPA2 WPA3", Connected: true},
		{SSID: "Office", Signal: 80, Security: "WPA2 802.1X"},
		{SSID: "HomeNet", Signal: 20, Security: "WPA2"},
	} {
		networks = mergeNetwork(networks, seen, nw)
	}
	SortBySignal(networks)
	test.That(t, networks, test.ShouldResemble, []Network{
		{SSID: "HomeNet", Signal: 80, Security: "WPA2 WPA3", Connected: true},
		{SSID: "Office", Signal: 80, Security: "WPA2 802.1X"},
		{SSID: "Cafe", Signal: 40, Security: "-"},
	})
}
