package provisioner

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	errw "github.com/pkg/errors"
	"github.com/viamrobotics/wifi-provisioner/utils"
	"github.com/viamrobotics/wifi-provisioner/utils/systemd"
	"go.viam.com/rdk/logging"
)

// serviceUnit returns the unit that runs binPath as the provisioning daemon.
func serviceUnit(binPath string) systemd.ServiceUnit {
	return systemd.ServiceUnit{
		Description: "Wi-Fi provisioning over Bluetooth LE",
		ExecStart:   []string{binPath, "--config", utils.ConfigFilePath},
		After:       []string{"bluetooth.target", "NetworkManager.service"},
		Wants:       []string{"bluetooth.target", "NetworkManager.service"},
	}
}

// Install is directly executed from main() when --install is passed.
func Install(ctx context.Context, logger logging.Logger, opts ...systemd.SystemdManagerOption) error {
	// Create/check required folder structure exists.
	if err := utils.InitPaths(); err != nil {
		return err
	}

	curPath, err := os.Executable()
	if err != nil {
		return errw.Wrap(err, "getting path to self")
	}
	curPath, err = filepath.EvalSymlinks(curPath)
	if err != nil {
		return errw.Wrap(err, "resolving path to self")
	}

	contents, err := serviceUnit(curPath).Marshal()
	if err != nil {
		return err
	}

	sysd := systemd.NewSystemdManager(logger, opts...)
	serviceFilePath, newInstall, err := sysd.InstallService(ctx, SubsystemName, contents)
	if err != nil {
		return errw.Wrapf(err, "installing %s service", SubsystemName)
	}
	if newInstall {
		logger.Infof("enabled new %s service", SubsystemName)
	}

	_, err = os.Stat(utils.ConfigFilePath)
	if err != nil {
		if errw.Is(err, fs.ErrNotExist) {
			logger.Warnf("No config file found at %s, defaults will be used.", utils.ConfigFilePath)
		} else {
			return errw.Wrapf(err, "reading %s", utils.ConfigFilePath)
		}
	}

	logger.Info("Install complete.")

	return errors.Join(utils.SyncFS(serviceFilePath), utils.SyncFS(utils.Dirs.Root))
}
