// Package systemd provides helpers to install and manage the systemd
// services the provisioner depends on.
package systemd

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/pkg/errors"
	"github.com/viamrobotics/wifi-provisioner/utils"
	"go.viam.com/rdk/logging"
)

const (
	defaultServiceFileDir  = "/usr/local/lib/systemd/system"
	defaultFallbackFileDir = "/etc/systemd/system"
)

type systemdDirs struct {
	serviceFileDir  string
	fallbackFileDir string
}

// Annoying workaround to allow embedding SystemdExecutor in SystemdManager w/o
// allowing it to be modified from outside the module.
type privateExecutor = SystemdExecutor

// SystemdManager provides methods for making high-level changes to systemd
// services.
type SystemdManager struct {
	privateExecutor
	dirs   systemdDirs
	logger logging.Logger
}

// SystemdManagerOption is a type used to configure the [SystemdManager]
// returned from [NewSystemdManager].
type SystemdManagerOption func(*SystemdManager)

// WithExecutor configures the created [SystemdManager] with a custom
// [SystemdExecutor] implementation. Should only be used for testing.
func WithExecutor(executor SystemdExecutor) SystemdManagerOption {
	return func(manager *SystemdManager) {
		manager.privateExecutor = executor
	}
}

// WithDirs configures the created [SystemdManager] with custom service file
// search paths. Should only be used for testing.
func WithDirs(serviceFileDir, fallbackFileDir string) SystemdManagerOption {
	return func(manager *SystemdManager) {
		manager.dirs.serviceFileDir = serviceFileDir
		manager.dirs.fallbackFileDir = fallbackFileDir
	}
}

func NewSystemdManager(logger logging.Logger, opts ...SystemdManagerOption) *SystemdManager {
	manager := &SystemdManager{
		logger:          logger,
		privateExecutor: realSystemdExecutor{},
		dirs: systemdDirs{
			serviceFileDir:  defaultServiceFileDir,
			fallbackFileDir: defaultFallbackFileDir,
		},
	}
	for _, opt := range opts {
		opt(manager)
	}
	return manager
}

// InstallService creates or updates a service file and enables the service.
// It returns the path of the installed service file, and true if the service
// did not already exist.
func (s *SystemdManager) InstallService(ctx context.Context, serviceName string, serviceFileContents []byte) (string, bool, error) {
	if err := s.IsAvailable(ctx); err != nil {
		return "", false, errors.Wrap(err, "can only install on systems using systemd")
	}

	serviceFileName := serviceName + ".service"
	serviceFilePath, err := s.getServiceFilePath(ctx, serviceFileName)
	if err != nil {
		return "", false, err
	}

	_, err = os.Stat(serviceFilePath)
	newInstall := errors.Is(err, fs.ErrNotExist)

	s.logger.Infof("writing systemd service file to %s", serviceFilePath)

	newFile, err := utils.WriteFileIfNew(serviceFilePath, serviceFileContents)
	if err != nil {
		return "", false, errors.Wrapf(err, "writing systemd service file %s", serviceFilePath)
	}

	if newFile {
		if err := s.DaemonReload(ctx); err != nil {
			return "", false, err
		}
	}

	// only enable fresh installs, so a service the user disabled stays disabled
	if newInstall {
		s.logger.Infof("enabling systemd %s service", serviceName)
		if err := s.Enable(ctx, serviceName); err != nil {
			return "", false, err
		}
	}

	return serviceFilePath, newInstall, nil
}

// getServiceFilePath returns the vendor unit directory path for serviceFile
// when systemd searches it, otherwise the path in the fallback directory.
func (s *SystemdManager) getServiceFilePath(ctx context.Context, serviceFile string) (string, error) {
	serviceFilePath := filepath.Join(s.dirs.serviceFileDir, serviceFile)
	_, err := os.Stat(serviceFilePath)
	if err == nil {
		// file is already in place, we should be good
		return serviceFilePath, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		// unknown error
		return "", err
	}

	searchPaths, err := s.SystemdSearchPaths(ctx)
	if err != nil {
		return "", err
	}
	if !slices.Contains(searchPaths, s.dirs.serviceFileDir) {
		s.logger.Warnf(
			"Systemd does not have %s in its unit search path, installing directly to %s",
			s.dirs.serviceFileDir,
			s.dirs.fallbackFileDir,
		)
		return filepath.Join(s.dirs.fallbackFileDir, serviceFile), nil
	}
	return serviceFilePath, nil
}
