// Package join connects the device to a Wi-Fi network once credentials have been provisioned.
package join

import (
	"context"
	"time"

	errw "github.com/pkg/errors"
	"github.com/viamrobotics/wifi-provisioner/utils"
)

var (
	ErrJoinConfigRejected = errw.New("join configuration rejected")
	ErrJoinTimeout        = errw.New("timed out waiting for network connection")
	ErrNoStrategy         = errw.New("no supported join strategy")
	ErrAbandoned          = errw.New("join attempt superseded by new credentials")
	ErrBadPassword        = errw.New("bad or missing wifi password")
	ErrNoWifiDevice       = errw.New("no wifi device found")
	ErrNM                 = errw.New("NetworkManager does not appear to be responding")
	ErrScanTimeout        = errw.New("wifi scanning timed out")
)

// State is the orchestrator's position in the join lifecycle.
type State int

const (
	StateIdle State = iota
	StateAttempting
	StateConnected
	StateFailed
	StateTimedOut
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttempting:
		return "attempting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed-out"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Credentials are the network to join.
type Credentials struct {
	SSID       string
	Passphrase string
}

// Watcher receives the asynchronous outcome of a join request. Calls after the first are ignored.
type Watcher interface {
	Connected()
	Failed(err error)
}

// Request is an in-flight join that can be abandoned.
type Request interface {
	// Cancel stops watching for the outcome and undoes any activation still in progress. Safe to
	// call more than once.
	Cancel()
}

// Strategy is one way of getting the OS to join a network.
type Strategy interface {
	Name() string
	Supported(ctx context.Context) bool
	// Join configures and starts activation. An error means the configuration itself was refused;
	// otherwise exactly one of w.Connected or w.Failed is eventually called, unless the request is
	// cancelled first.
	Join(ctx context.Context, creds Credentials, w Watcher) (Request, error)
}

// Radio turns the Wi-Fi radio on.
type Radio interface {
	EnableRadio(ctx context.Context) error
}

// Network is a single scan result.
type Network struct {
	SSID      string
	Signal    uint8
	Security  string
	Connected bool
}

// Backend is the OS side of joining: radio control, scanning, and the join strategies.
type Backend interface {
	Radio
	Scan(ctx context.Context) ([]Network, error)
	Strategies() []Strategy
	Close() error
}

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d has elapsed.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// OrderStrategies picks the strategies allowed by the configured mode, in the order they are tried.
func OrderStrategies(mode string, suggestion, direct Strategy) []Strategy {
	switch mode {
	case utils.StrategySuggestion:
		return []Strategy{suggestion}
	case utils.StrategyDirect:
		return []Strategy{direct}
	default:
		return []Strategy{suggestion, direct}
	}
}
