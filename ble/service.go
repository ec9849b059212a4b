// Package ble exposes the GATT provisioning service that accepts Wi-Fi credentials from a peer.
package ble

import (
	"context"
	"errors"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	errw "github.com/pkg/errors"
	"github.com/viamrobotics/wifi-provisioner/credentials"
	"github.com/viamrobotics/wifi-provisioner/status"
	"github.com/viamrobotics/wifi-provisioner/utils"
	"go.viam.com/rdk/logging"
)

const maskedPassphrase = "******"

var (
	ServiceUUID                  = uuid.MustParse("00001234-0000-1000-8000-00805f9b34fb")
	SSIDCharacteristicUUID       = uuid.MustParse("00001235-0000-1000-8000-00805f9b34fb")
	PassphraseCharacteristicUUID = uuid.MustParse("00001236-0000-1000-8000-00805f9b34fb")

	ErrPermissionDenied   = errw.New("bluetooth peripheral permission denied")
	ErrMalformedWrite     = errw.New("malformed characteristic write")
	ErrAlreadyRunning     = errw.New("provisioning service already running")
	ErrNotRunning         = errw.New("provisioning service is not running")
	ErrAlreadyProvisioned = errw.New("credentials were already received")
)

// Responder acknowledges a write for peers that requested a response.
type Responder interface {
	Ack() error
}

// CredentialSink is handed each complete credential pair.
type CredentialSink interface {
	OnCredentialsReady(ssid, passphrase string)
}

// WriteHandler receives raw characteristic writes. responder is nil when no response was requested.
type WriteHandler func(characteristic uuid.UUID, payload []byte, responder Responder)

// ServiceDefinition is one primary service with write-only characteristics.
type ServiceDefinition struct {
	Service         uuid.UUID
	Characteristics []uuid.UUID
}

// Peripheral is the platform GATT server and advertiser. Backends that cannot tell a write
// request from a write command pass a non-nil responder for every write.
type Peripheral interface {
	// Check returns an error wrapping ErrPermissionDenied if this host cannot act as a peripheral.
	Check(ctx context.Context) error
	Register(ctx context.Context, def ServiceDefinition, handler WriteHandler) error
	Advertise(ctx context.Context, localName string, service uuid.UUID) error
	StopAdvertising() error
	Unregister() error
}

// Service routes characteristic writes into a credential assembler and hands complete pairs to a sink.
type Service struct {
	logger     logging.Logger
	peripheral Peripheral
	sink       CredentialSink
	reporter   status.Sink
	assembler  *credentials.Assembler
	localName  string

	// opMu serializes Start and Shutdown
	opMu sync.Mutex

	mu          sync.Mutex
	running     bool
	registered  bool
	advertising bool
	workers     sync.WaitGroup
}

func NewService(
	logger logging.Logger,
	peripheral Peripheral,
	sink CredentialSink,
	reporter status.Sink,
	localName string,
	allowReprovisioning bool,
) *Service {
	return &Service{
		logger:     logger,
		peripheral: peripheral,
		sink:       sink,
		reporter:   reporter,
		assembler:  credentials.NewAssembler(allowReprovisioning),
		localName:  localName,
	}
}

// Start checks host capabilities, registers the GATT service and starts advertising.
// An advertising failure is reported but leaves the service running.
func (s *Service) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.mu.Unlock()

	s.assembler.Reset()

	if err := s.peripheral.Check(ctx); err != nil {
		if !errors.Is(err, ErrPermissionDenied) {
			err = errors.Join(ErrPermissionDenied, err)
		}
		return err
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	def := ServiceDefinition{
		Service:         ServiceUUID,
		Characteristics: []uuid.UUID{SSIDCharacteristicUUID, PassphraseCharacteristicUUID},
	}
	if err := s.peripheral.Register(ctx, def, s.OnWrite); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return errors.Join(errw.Wrap(err, "registering provisioning service"), s.peripheral.Unregister())
	}

	s.mu.Lock()
	s.registered = true
	s.mu.Unlock()

	s.logger.Debugw("registered provisioning service",
		"service", ServiceUUID, "ssid", SSIDCharacteristicUUID, "passphrase", PassphraseCharacteristicUUID)
	s.reporter.Report(status.Update{Stage: status.StageServerStarted})

	if err := s.peripheral.Advertise(ctx, s.localName, ServiceUUID); err != nil {
		s.logger.Warnw("failed to start advertising", "error", err)
		s.reporter.Report(status.Update{Stage: status.StageAdvertisingFailed, Err: err})
		return nil
	}

	s.mu.Lock()
	s.advertising = true
	s.mu.Unlock()

	s.logger.Infof("advertising provisioning service as %q", s.localName)
	s.reporter.Report(status.Update{Stage: status.StageAdvertisingStarted})
	return nil
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) Advertising() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advertising
}

// OnWrite handles one characteristic write. Every write with a responder is acknowledged,
// whatever happens to the payload.
func (s *Service) OnWrite(characteristic uuid.UUID, payload []byte, responder Responder) {
	if responder != nil {
		defer func() {
			if err := responder.Ack(); err != nil {
				s.logger.Warnw("failed to acknowledge write", "characteristic", characteristic, "error", err)
			}
		}()
	}

	if !s.Running() {
		s.logger.Debugw("dropping write while stopped", "characteristic", characteristic)
		return
	}

	var slot credentials.Slot
	switch characteristic {
	case SSIDCharacteristicUUID:
		slot = credentials.SSID
		s.logger.Infow("received ssid", "ssid", string(payload))
	case PassphraseCharacteristicUUID:
		slot = credentials.Passphrase
		s.logger.Infow("received passphrase", "passphrase", maskedPassphrase)
	default:
		s.logger.Debugw("dropping write to unknown characteristic", "characteristic", characteristic)
		return
	}

	if !utf8.Valid(payload) {
		s.logger.Warnw("accepting write that is not valid utf-8", "slot", slot, "error", ErrMalformedWrite)
	}

	pair, complete := s.assembler.Submit(slot, payload)
	if !complete {
		return
	}
	s.handOff(pair)
}

// SubmitCredentials provisions a whole pair at once, for callers outside bluetooth. An empty
// passphrase means an open network. It fails if the service is stopped or the pair is ignored
// because credentials were already received.
func (s *Service) SubmitCredentials(ssid, passphrase string) error {
	if !s.Running() {
		return ErrNotRunning
	}
	if ssid == "" {
		return errw.Wrap(ErrMalformedWrite, "empty ssid")
	}
	s.logger.Infow("received credentials", "ssid", ssid, "passphrase", maskedPassphrase)

	pair, complete := s.assembler.SubmitPair(credentials.Pair{SSID: ssid, Passphrase: passphrase})
	if !complete {
		return ErrAlreadyProvisioned
	}
	s.handOff(pair)
	return nil
}

// handOff reports a completed pair and passes it to the sink in a tracked goroutine.
func (s *Service) handOff(pair credentials.Pair) {
	s.reporter.Report(status.Update{Stage: status.StageCredentialsReceived, SSID: pair.SSID})

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.sink == nil {
		return
	}
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		defer utils.Recover(s.logger, nil)
		s.sink.OnCredentialsReady(pair.SSID, pair.Passphrase)
	}()
}

// Credentials returns what has been written so far, for status reporting.
func (s *Service) Credentials() (credentials.Pair, bool) {
	return s.assembler.Credentials()
}

// Shutdown stops advertising, removes the GATT registration and waits for in-flight sink calls.
// It is safe to call at any point, any number of times.
func (s *Service) Shutdown(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	wasRunning := s.running
	advertising := s.advertising
	registered := s.registered
	s.running = false
	s.advertising = false
	s.registered = false
	s.mu.Unlock()

	var errOut error
	if advertising {
		if err := s.peripheral.StopAdvertising(); err != nil {
			errOut = errors.Join(errOut, errw.Wrap(err, "stopping advertising"))
		}
	}
	if registered {
		if err := s.peripheral.Unregister(); err != nil {
			errOut = errors.Join(errOut, errw.Wrap(err, "removing provisioning service"))
		}
	}

	s.assembler.Reset()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errOut = errors.Join(errOut, errw.Wrap(ctx.Err(), "waiting for credential handlers"))
	}

	if wasRunning {
		s.reporter.Report(status.Update{Stage: status.StageServerStopped})
	}
	return errOut
}
