package join

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	errw "github.com/pkg/errors"
	gnm "github.com/viamrobotics/gonetworkmanager/v2"
)

// This file contains the NetworkManager connection setting generation functions.

const (
	maxSSIDLen   = 32
	minPSKLen    = 8
	maxPSKLen    = 64
	connIDPrefix = "wifi-provisioner-"
)

// profile is the connection a strategy asks NetworkManager to create.
type profile struct {
	Interface   string
	SSID        string
	PSK         string
	Priority    int32
	RouteMetric int64
}

func (p profile) id() string {
	return connIDPrefix + p.SSID
}

func validateCredentials(creds Credentials) error {
	if creds.SSID == "" {
		return errw.New("ssid cannot be empty")
	}
	if len(creds.SSID) > maxSSIDLen {
		return errw.Errorf("ssid is %d bytes, must be at most %d", len(creds.SSID), maxSSIDLen)
	}
	if creds.Passphrase == "" {
		return nil
	}
	if len(creds.Passphrase) < minPSKLen || len(creds.Passphrase) > maxPSKLen {
		return errw.New("wifi passwords must be 8 to 64 characters long, or completely empty (for unsecured networks)")
	}
	// a 64 character key is a raw hex PSK, anything shorter is a passphrase
	if len(creds.Passphrase) == maxPSKLen && !isHex(creds.Passphrase) {
		return errw.New("64 character wifi passwords must be hexadecimal")
	}
	if !utf8.ValidString(creds.Passphrase) {
		return errw.New("wifi password is not valid UTF-8")
	}
	return nil
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

func generateWifiSettings(p profile) (gnm.ConnectionSettings, error) {
	if err := validateCredentials(Credentials{SSID: p.SSID, Passphrase: p.PSK}); err != nil {
		return nil, err
	}

	settings := gnm.ConnectionSettings{}
	settings["connection"] = map[string]any{
		"id":                   p.id(),
		"uuid":                 uuid.New().String(),
		"type":                 "802-11-wireless",
		"autoconnect":          true,
		"autoconnect-priority": p.Priority,
	}
	if p.Interface != "" {
		settings["connection"]["interface-name"] = p.Interface
	}

	settings["802-11-wireless"] = map[string]any{
		"mode": "infrastructure",
		"ssid": []byte(p.SSID),
	}
	if p.PSK != "" {
		settings["802-11-wireless-security"] = map[string]any{"key-mgmt": "wpa-psk", "psk": p.PSK}
	}

	settings["ipv4"] = generateIPv4Settings(p.RouteMetric)
	return settings, nil
}

func generateIPv4Settings(routeMetric int64) map[string]any {
	// -1 is special for "automatic"
	if routeMetric == 0 {
		routeMetric = -1
	}
	return map[string]any{
		"method":       "auto",
		"route-metric": routeMetric,
	}
}

// updateSettings copies the wifi fields of next over existing, keeping the existing profile's
// identity so NetworkManager updates it in place.
func updateSettings(existing, next gnm.ConnectionSettings) gnm.ConnectionSettings {
	out := gnm.ConnectionSettings{}
	for section, values := range existing {
		out[section] = map[string]any{}
		for k, v := range values {
			out[section][k] = v
		}
	}

	for k, v := range next["connection"] {
		if k == "uuid" || k == "id" {
			continue
		}
		if out["connection"] == nil {
			out["connection"] = map[string]any{}
		}
		out["connection"][k] = v
	}
	out["802-11-wireless"] = next["802-11-wireless"]
	if sec, ok := next["802-11-wireless-security"]; ok {
		out["802-11-wireless-security"] = sec
	} else {
		delete(out, "802-11-wireless-security")
	}
	out["ipv4"] = next["ipv4"]

	// NetworkManager rejects these when sent back in the format it reported them
	if ipv6, ok := out["ipv6"]; ok {
		delete(ipv6, "addresses")
		delete(ipv6, "routes")
	}
	return out
}

func getSSIDFromSettings(settings gnm.ConnectionSettings) string {
	wifi, ok := settings["802-11-wireless"]
	if !ok {
		return ""
	}

	modeAny, ok := wifi["mode"]
	if !ok {
		return ""
	}

	mode, ok := modeAny.(string)
	if !ok || mode != "infrastructure" {
		return ""
	}

	ssidAny, ok := wifi["ssid"]
	if !ok {
		return ""
	}
	ssidBytes, ok := ssidAny.([]byte)
	if !ok {
		return ""
	}
	if len(ssidBytes) == 0 {
		return ""
	}
	return string(ssidBytes)
}

func parseWPAFlags(apFlags, wpaFlags, rsnFlags uint32) string {
	flags := []string{}
	if apFlags&uint32(gnm.Nm80211APFlagsPrivacy) != 0 && wpaFlags == uint32(gnm.Nm80211APSecNone) && rsnFlags == uint32(gnm.Nm80211APSecNone) {
		return "WEP"
	}

	if wpaFlags == uint32(gnm.Nm80211APSecNone) && rsnFlags == uint32(gnm.Nm80211APSecNone) {
		return "-"
	}

	if wpaFlags != uint32(gnm.Nm80211APSecNone) {
		flags = append(flags, "WPA1")
	}
	if rsnFlags&uint32(gnm.Nm80211APSecKeyMgmtPSK) != 0 || rsnFlags&uint32(gnm.Nm80211APSecKeyMgmt8021X) != 0 {
		flags = append(flags, "WPA2")
	}
	if rsnFlags&uint32(gnm.Nm80211APSecKeyMgmtSAE) != 0 {
		flags = append(flags, "WPA3")
	}
	if rsnFlags&uint32(gnm.Nm80211APSecKeyMgmtOWE) != 0 {
		flags = append(flags, "OWE")
	} else if rsnFlags&uint32(gnm.Nm80211APSecKeyMgmtOWETM) != 0 {
		flags = append(flags, "OWE-TM")
	}
	if wpaFlags&uint32(gnm.Nm80211APSecKeyMgmt8021X) != 0 || rsnFlags&uint32(gnm.Nm80211APSecKeyMgmt8021X) != 0 {
		flags = append(flags, "802.1X")
	}

	return strings.Join(flags, " ")
}
