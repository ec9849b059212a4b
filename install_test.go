package provisioner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/viamrobotics/wifi-provisioner/utils"
	"github.com/viamrobotics/wifi-provisioner/utils/systemd"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

type fakeExecutor struct {
	searchPaths []string
	unavailable error
	reloads     int
	enabled     []string
}

func (f *fakeExecutor) IsAvailable(context.Context) error {
	return f.unavailable
}

func (f *fakeExecutor) Enable(_ context.Context, service string) error {
	f.enabled = append(f.enabled, service)
	return nil
}

func (f *fakeExecutor) Restart(context.Context, string) error {
	return nil
}

func (f *fakeExecutor) DaemonReload(context.Context) error {
	f.reloads++
	return nil
}

func (f *fakeExecutor) SystemdSearchPaths(context.Context) ([]string, error) {
	return f.searchPaths, nil
}

func TestServiceUnit(t *testing.T) {
	contents, err := serviceUnit("/usr/local/bin/wifi-provisioner").Marshal()
	test.That(t, err, test.ShouldBeNil)
	unit := string(contents)
	test.That(t, unit, test.ShouldContainSubstring, "ExecStart=/usr/local/bin/wifi-provisioner --config "+utils.ConfigFilePath)
	test.That(t, unit, test.ShouldContainSubstring, "bluetooth.target")
	test.That(t, unit, test.ShouldContainSubstring, "NetworkManager.service")
	test.That(t, unit, test.ShouldContainSubstring, "WantedBy=multi-user.target")
}

func TestInstall(t *testing.T) {
	td := utils.MockAndCreateDirs(t)
	serviceDir := filepath.Join(td, "vendor")
	fallbackDir := filepath.Join(td, "etc")

	oldConfigPath := utils.ConfigFilePath
	t.Cleanup(func() { utils.ConfigFilePath = oldConfigPath })
	utils.ConfigFilePath = filepath.Join(td, "wifi-provisioner.json")

	logger := logging.NewTestLogger(t)
	ctx := context.Background()

	t.Run("systemd missing", func(t *testing.T) {
		exec := &fakeExecutor{unavailable: errors.New("systemctl: not found")}
		err := Install(ctx, logger, systemd.WithExecutor(exec), systemd.WithDirs(serviceDir, fallbackDir))
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, exec.enabled, test.ShouldBeEmpty)
	})

	t.Run("fresh install", func(t *testing.T) {
		exec := &fakeExecutor{searchPaths: []string{serviceDir}}
		err := Install(ctx, logger, systemd.WithExecutor(exec), systemd.WithDirs(serviceDir, fallbackDir))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, exec.enabled, test.ShouldResemble, []string{SubsystemName})
		test.That(t, exec.reloads, test.ShouldEqual, 1)

		//nolint:gosec
		contents, err := os.ReadFile(filepath.Join(serviceDir, SubsystemName+".service"))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, strings.Contains(string(contents), "ExecStart="), test.ShouldBeTrue)
	})

	t.Run("reinstall is a no-op", func(t *testing.T) {
		utils.Touch(t, utils.ConfigFilePath)
		exec := &fakeExecutor{searchPaths: []string{serviceDir}}
		err := Install(ctx, logger, systemd.WithExecutor(exec), systemd.WithDirs(serviceDir, fallbackDir))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, exec.enabled, test.ShouldBeEmpty)
		test.That(t, exec.reloads, test.ShouldEqual, 0)
	})
}
