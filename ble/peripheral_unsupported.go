//go:build !linux

package ble

import (
	"context"
	"runtime"

	"github.com/google/uuid"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

type unsupportedPeripheral struct{}

// NewPeripheral returns a peripheral that always refuses to start on this platform.
func NewPeripheral(_ logging.Logger, _ bool) Peripheral {
	return unsupportedPeripheral{}
}

func (unsupportedPeripheral) Check(context.Context) error {
	return errw.Wrapf(ErrPermissionDenied, "no GATT server support on %s", runtime.GOOS)
}

func (unsupportedPeripheral) Register(context.Context, ServiceDefinition, WriteHandler) error {
	return ErrPermissionDenied
}

func (unsupportedPeripheral) Advertise(context.Context, string, uuid.UUID) error {
	return ErrPermissionDenied
}

func (unsupportedPeripheral) StopAdvertising() error {
	return nil
}

func (unsupportedPeripheral) Unregister() error {
	return nil
}
