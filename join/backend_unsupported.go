//go:build !linux

package join

import (
	"runtime"

	errw "github.com/pkg/errors"
	"github.com/viamrobotics/wifi-provisioner/utils"
	"go.viam.com/rdk/logging"
)

// NewBackend always fails: joining needs NetworkManager.
func NewBackend(_ logging.Logger, _ utils.JoinConfiguration) (Backend, error) {
	return nil, errw.Wrapf(ErrNM, "not available on %s", runtime.GOOS)
}
