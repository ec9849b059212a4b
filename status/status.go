// Package status carries provisioning stage transitions to the places that render them.
package status

import (
	"time"
)

type Stage string

const (
	StageServerStarted       Stage = "server-started"
	StageAdvertisingStarted  Stage = "advertising-started"
	StageAdvertisingFailed   Stage = "advertising-failed"
	StageCredentialsReceived Stage = "credentials-received"
	StageConnecting          Stage = "connecting"
	StageConnected           Stage = "connected"
	StageConnectionFailed    Stage = "connection-failed"
	StageConnectionTimeout   Stage = "connection-timeout"
	StageConnectionAbandoned Stage = "connection-abandoned"
	StageServerStopped       Stage = "server-stopped"
)

// IsFailure reports whether the stage describes something that went wrong.
func (s Stage) IsFailure() bool {
	switch s {
	case StageAdvertisingFailed, StageConnectionFailed, StageConnectionTimeout, StageConnectionAbandoned:
		return true
	case StageServerStarted, StageAdvertisingStarted, StageCredentialsReceived,
		StageConnecting, StageConnected, StageServerStopped:
		return false
	}
	return false
}

// Update is one stage transition. SSID is set for stages tied to a network, Err for failures.
// The passphrase is never part of an update.
type Update struct {
	Stage Stage
	SSID  string
	Err   error
	Time  time.Time
}

// Sink receives updates. Implementations must not block for long; use a Dispatcher in front of slow sinks.
type Sink interface {
	Report(Update)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Update)

func (f SinkFunc) Report(u Update) {
	f(u)
}

// Fanout delivers each update to every sink in order.
type Fanout []Sink

func (f Fanout) Report(u Update) {
	for _, s := range f {
		if s != nil {
			s.Report(u)
		}
	}
}
