package provisioner

import (
	"sync"

	"github.com/viamrobotics/wifi-provisioner/ble"
	"github.com/viamrobotics/wifi-provisioner/credentials"
	"github.com/viamrobotics/wifi-provisioner/status"
	"github.com/viamrobotics/wifi-provisioner/utils"
	"go.viam.com/rdk/logging"
)

// localIntake takes credentials from the gRPC API alone, for hosts where the bluetooth service
// could not start. It follows the same single-trigger rule.
type localIntake struct {
	logger    logging.Logger
	assembler *credentials.Assembler
	sink      ble.CredentialSink
	reporter  status.Sink

	mu      sync.Mutex
	closed  bool
	workers sync.WaitGroup
}

func newLocalIntake(logger logging.Logger, sink ble.CredentialSink, reporter status.Sink, rearm bool) *localIntake {
	return &localIntake{
		logger:    logger,
		assembler: credentials.NewAssembler(rearm),
		sink:      sink,
		reporter:  reporter,
	}
}

func (l *localIntake) SubmitCredentials(ssid, passphrase string) error {
	if ssid == "" {
		return ble.ErrMalformedWrite
	}
	l.logger.Infow("received credentials", "ssid", ssid, "passphrase", "******")
	pair, complete := l.assembler.SubmitPair(credentials.Pair{SSID: ssid, Passphrase: passphrase})
	if !complete {
		return ble.ErrAlreadyProvisioned
	}
	l.reporter.Report(status.Update{Stage: status.StageCredentialsReceived, SSID: pair.SSID})

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ble.ErrNotRunning
	}
	l.workers.Add(1)
	go func() {
		defer l.workers.Done()
		defer utils.Recover(l.logger, nil)
		l.sink.OnCredentialsReady(pair.SSID, pair.Passphrase)
	}()
	return nil
}

func (l *localIntake) Credentials() (credentials.Pair, bool) {
	return l.assembler.Credentials()
}

// Close rejects further credentials and waits for in-flight hand-offs.
func (l *localIntake) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.workers.Wait()
}
