//nolint:goconst
package utils

import (
	"encoding/json"
	"errors"
	"io/fs"
	netlib "net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	errw "github.com/pkg/errors"
	"github.com/tidwall/jsonc"
)

const (
	StrategyAuto       = "auto"
	StrategySuggestion = "suggestion"
	StrategyDirect     = "direct"

	// BLE scan response payloads leave 29 bytes for the complete local name.
	maxDeviceNameLen = 29

	minJoinTimeout = Timeout(time.Second * 5)
	maxJoinTimeout = Timeout(time.Minute * 10)
)

var (
	DefaultConfiguration = ProvisionerConfig{
		AdvancedSettings{
			Debug:       Tribool(0),
			DisableGRPC: Tribool(0),
			StatusFile:  "",
		},
		BluetoothConfiguration{
			DeviceName:        "",
			DevicePrefix:      "wifi-setup",
			ManageBluezConfig: Tribool(1),
		},
		JoinConfiguration{
			Interface:           "",
			JoinTimeout:         Timeout(time.Second * 30),
			Strategy:            StrategyAuto,
			Priority:            999,
			RouteMetric:         50,
			AllowReprovisioning: Tribool(0),
		},
		GRPCConfiguration{
			ListenAddress: "127.0.0.1:4772",
		},
		DeviceInfo{
			Manufacturer: "viam",
			Model:        "custom",
			FragmentID:   "",
		},
	}

	statusFilename = "status.json"

	// Can be overwritten via cli arguments.
	ConfigFilePath = "/etc/wifi-provisioner.json"
	CLIDebug       = false

	interfaceWhitespace = regexp.MustCompile(`\s`)
)

//nolint:recvcheck
type Tribool int

func (b Tribool) Get() bool {
	return b > 0
}

func (b Tribool) IsSet() bool {
	return b != 0
}

func (b Tribool) MarshalJSON() ([]byte, error) {
	if b == 1 {
		return []byte("true"), nil
	}
	return []byte("false"), nil
}

func (b *Tribool) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "true":
		*b = 1
	case "false":
		*b = -1
	default:
		*b = 0
	}
	return nil
}

type ProvisionerConfig struct {
	AdvancedSettings       AdvancedSettings       `json:"advanced_settings,omitempty"`
	BluetoothConfiguration BluetoothConfiguration `json:"bluetooth_configuration,omitempty"`
	JoinConfiguration      JoinConfiguration      `json:"join_configuration,omitempty"`
	GRPCConfiguration      GRPCConfiguration      `json:"grpc_configuration,omitempty"`
	DeviceInfo             DeviceInfo             `json:"device_info,omitempty"`
}

type AdvancedSettings struct {
	Debug       Tribool `json:"debug,omitempty"`
	DisableGRPC Tribool `json:"disable_grpc,omitempty"`
	// Defaults to status.json under the root directory.
	StatusFile string `json:"status_file,omitempty"`
}

type BluetoothConfiguration struct {
	// Normally left blank, and computed from DevicePrefix and Hostname
	DeviceName string `json:"device_name,omitempty"`
	// The prefix to prepend to the advertised name.
	DevicePrefix string `json:"device_prefix,omitempty"`
	// When true, /etc/bluetooth/main.conf is kept compatible with unauthenticated writes.
	ManageBluezConfig Tribool `json:"manage_bluez_config,omitempty"`
}

type JoinConfiguration struct {
	// The wifi interface to join with. Ex: "wlan0"
	// Defaults to the first discovered 802.11 device
	Interface string `json:"interface,omitempty"`

	// How long a join attempt may wait for the device to report it is connected.
	JoinTimeout Timeout `json:"join_timeout,omitempty"`

	// "auto" tries suggestion then direct, otherwise only the named strategy is used.
	Strategy string `json:"strategy,omitempty"`

	// Autoconnect priority for profiles created by the direct strategy.
	// higher values are preferred/tried first
	Priority int32 `json:"priority,omitempty"`

	// IPv4 route metric applied when binding to the suggested network.
	// lower values are preferred (lower "cost")
	RouteMetric int64 `json:"route_metric,omitempty"`

	// Accept a second set of credentials after the first has been received.
	AllowReprovisioning Tribool `json:"allow_reprovisioning,omitempty"`
}

type GRPCConfiguration struct {
	ListenAddress string `json:"listen_address,omitempty"`
}

type DeviceInfo struct {
	// Things typically set by the manufacturer
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	FragmentID   string `json:"fragment_id,omitempty"`
}

func DefaultConfig() ProvisionerConfig {
	cfg := ProvisionerConfig{}
	// round-trip to get a deep copy of the default config
	defBytes, err := json.Marshal(DefaultConfiguration)
	if err != nil {
		panic(err)
	}
	err = json.Unmarshal(defBytes, &cfg)
	if err != nil {
		panic(err)
	}
	return cfg
}

func ApplyCLIArgs(cfg ProvisionerConfig) ProvisionerConfig {
	if CLIDebug {
		cfg.AdvancedSettings.Debug = 1
	}
	return cfg
}

// LoadConfig returns a merged config resulting from applying in order:
// DefaultConfig -> the file at cfgPath (if it exists), then validates it.
// The returned config is always usable, even when errors are returned.
func LoadConfig(cfgPath string) (ProvisionerConfig, error) {
	cfg := DefaultConfig()
	var errOut error

	//nolint:gosec
	jsonBytes, err := os.ReadFile(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			errOut = errors.Join(errOut, errw.Wrapf(err, "reading %s", cfgPath))
		}
	} else {
		fileCfg := DefaultConfig()
		if err := json.Unmarshal(jsonc.ToJSON(jsonBytes), &fileCfg); err != nil {
			errOut = errors.Join(errOut, errw.Wrapf(err, "parsing %s", cfgPath))
		} else {
			cfg = fileCfg
		}
	}

	validatedCfg, err := validateConfig(cfg)
	errOut = errors.Join(errOut, err)

	return validatedCfg, errOut
}

// StackConfigs merges nextCfg over startCfg.
func StackConfigs(startCfg, nextCfg ProvisionerConfig) (ProvisionerConfig, error) {
	cfg := startCfg
	var errOut error

	jsonBytes, err := json.Marshal(nextCfg)
	if err != nil {
		errOut = errors.Join(errOut, err)
	} else {
		if err := json.Unmarshal(jsonBytes, &cfg); err != nil {
			errOut = errors.Join(errOut, err)
		}
	}
	return cfg, errOut
}

// validateConfig enforces min/max values, returning a "corrected" config and error(s) for each issue encountered.
// Should only be called where input will NEVER be reused due to direct modification of struct fields.
func validateConfig(cfg ProvisionerConfig) (ProvisionerConfig, error) {
	var errOut error

	// AdvancedSettings
	if cfg.AdvancedSettings.StatusFile == "" {
		cfg.AdvancedSettings.StatusFile = filepath.Join(Dirs.Root, statusFilename)
	}

	// BluetoothConfiguration
	if cfg.BluetoothConfiguration.DevicePrefix == "" {
		cfg.BluetoothConfiguration.DevicePrefix = DefaultConfiguration.BluetoothConfiguration.DevicePrefix
		errOut = errors.Join(errOut,
			errw.New("bluetooth_configuration.device_prefix should not be empty, please omit empty fields entirely"))
	}

	if len(cfg.BluetoothConfiguration.DeviceName) > maxDeviceNameLen {
		errOut = errors.Join(errOut, errw.Errorf("bluetooth_configuration.device_name is being truncated to %d bytes",
			maxDeviceNameLen))
	}

	if cfg.BluetoothConfiguration.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			errOut = errors.Join(errOut, errw.Wrap(err, "getting hostname"))
			hostname = "unknown"
		}
		cfg.BluetoothConfiguration.DeviceName = cfg.BluetoothConfiguration.DevicePrefix + "-" + strings.ToLower(hostname)
	}
	cfg.BluetoothConfiguration.DeviceName = truncateName(cfg.BluetoothConfiguration.DeviceName, maxDeviceNameLen)

	// JoinConfiguration
	if len(cfg.JoinConfiguration.Interface) > 15 || interfaceWhitespace.MatchString(cfg.JoinConfiguration.Interface) {
		errOut = errors.Join(errOut, errw.Errorf("join_configuration.interface has invalid name (%s), "+
			"must be 15 characters or less, without spaces", cfg.JoinConfiguration.Interface))
		cfg.JoinConfiguration.Interface = DefaultConfiguration.JoinConfiguration.Interface
	}

	// zero isn't allowed, revert to default, but don't warn
	if cfg.JoinConfiguration.JoinTimeout == 0 {
		cfg.JoinConfiguration.JoinTimeout = DefaultConfiguration.JoinConfiguration.JoinTimeout
	}
	if cfg.JoinConfiguration.JoinTimeout < minJoinTimeout {
		errOut = errors.Join(errOut, errw.Errorf("join_configuration.join_timeout must be >= %s (was: %s)",
			time.Duration(minJoinTimeout), time.Duration(cfg.JoinConfiguration.JoinTimeout)))
		cfg.JoinConfiguration.JoinTimeout = minJoinTimeout
	}
	if cfg.JoinConfiguration.JoinTimeout > maxJoinTimeout {
		errOut = errors.Join(errOut, errw.Errorf("join_configuration.join_timeout must be <= %s (was: %s)",
			time.Duration(maxJoinTimeout), time.Duration(cfg.JoinConfiguration.JoinTimeout)))
		cfg.JoinConfiguration.JoinTimeout = maxJoinTimeout
	}

	switch cfg.JoinConfiguration.Strategy {
	case StrategyAuto, StrategySuggestion, StrategyDirect:
	case "":
		cfg.JoinConfiguration.Strategy = DefaultConfiguration.JoinConfiguration.Strategy
	default:
		errOut = errors.Join(errOut, errw.Errorf(
			"join_configuration.strategy can only be '%s', '%s' or '%s' (was: %s)",
			StrategyAuto, StrategySuggestion, StrategyDirect, cfg.JoinConfiguration.Strategy))
		cfg.JoinConfiguration.Strategy = DefaultConfiguration.JoinConfiguration.Strategy
	}

	if cfg.JoinConfiguration.Priority > 999 || cfg.JoinConfiguration.Priority < -999 {
		errOut = errors.Join(errOut, errw.Errorf("join_configuration.priority (%d) must be between -999 and 999",
			cfg.JoinConfiguration.Priority))
		cfg.JoinConfiguration.Priority = DefaultConfiguration.JoinConfiguration.Priority
	}

	if cfg.JoinConfiguration.RouteMetric < 0 {
		errOut = errors.Join(errOut, errw.Errorf("join_configuration.route_metric (%d) must be >= 0",
			cfg.JoinConfiguration.RouteMetric))
		cfg.JoinConfiguration.RouteMetric = DefaultConfiguration.JoinConfiguration.RouteMetric
	}

	// GRPCConfiguration
	if _, _, err := netlib.SplitHostPort(cfg.GRPCConfiguration.ListenAddress); err != nil {
		errOut = errors.Join(errOut, errw.Wrapf(err, "grpc_configuration.listen_address (%s) is invalid",
			cfg.GRPCConfiguration.ListenAddress))
		cfg.GRPCConfiguration.ListenAddress = DefaultConfiguration.GRPCConfiguration.ListenAddress
	}

	// DeviceInfo
	if cfg.DeviceInfo.Manufacturer == "" {
		cfg.DeviceInfo.Manufacturer = DefaultConfiguration.DeviceInfo.Manufacturer
		errOut = errors.Join(errOut, errw.New("device_info.manufacturer should not be empty, please omit empty fields entirely"))
	}
	if cfg.DeviceInfo.Model == "" {
		cfg.DeviceInfo.Model = DefaultConfiguration.DeviceInfo.Model
		errOut = errors.Join(errOut, errw.New("device_info.model should not be empty, please omit empty fields entirely"))
	}

	return cfg, errOut
}

// truncateName shortens name to at most maxLen bytes without splitting a multi-byte character.
func truncateName(name string, maxLen int) string {
	if len(name) <= maxLen {
		return name
	}
	name = name[:maxLen]
	for len(name) > 0 && !utf8.ValidString(name) {
		name = name[:len(name)-1]
	}
	return name
}

// Timeout allows parsing golang-style durations (1h20m30s) OR minutes-as-float from/to json.
type Timeout time.Duration

func (t Timeout) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(t).String())
}

func (t *Timeout) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*t = Timeout(value * float64(time.Minute))
		return nil
	case string:
		tmp, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*t = Timeout(tmp)
		return nil
	default:
		return errw.Errorf("invalid duration: %#v", v)
	}
}
