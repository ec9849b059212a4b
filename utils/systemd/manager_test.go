package systemd

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/viamrobotics/wifi-provisioner/utils"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

var myServiceBytes = []byte(`
[Unit]
Description=Fake test service

[Service]
Type=exec
ExecStart=/usr/bin/false
`)

type previousServiceFileState struct {
	exists     bool
	inFallback bool
	hasDiff    bool
}

type installServiceTestRow struct {
	name                 string
	includeNewSearchPath bool
	previousServiceFile  previousServiceFileState
}

func TestSystemdManagerInstallService(t *testing.T) {
	tests := []installServiceTestRow{
		{
			name:                 "new install in default directory",
			includeNewSearchPath: true,
		},
		{
			name:                 "new install in fallback directory",
			includeNewSearchPath: false,
		},
		{
			name:                 "identical install in default directory",
			includeNewSearchPath: true,
			previousServiceFile: previousServiceFileState{
				exists: true,
			},
		},
		{
			name:                 "outdated install in default directory",
			includeNewSearchPath: true,
			previousServiceFile: previousServiceFileState{
				exists:  true,
				hasDiff: true,
			},
		},
		{
			name:                 "outdated install in fallback directory",
			includeNewSearchPath: false,
			previousServiceFile: previousServiceFileState{
				exists:     true,
				hasDiff:    true,
				inFallback: true,
			},
		},
	}

	for _, tc := range tests {
		const serviceName = "my-service"
		expectedServiceFileName := serviceName + ".service"
		t.Run(tc.name, func(t *testing.T) {
			logger := logging.NewTestLogger(t)
			td := t.TempDir()
			defaultServiceDir := filepath.Join(td, "defaultServiceDir")
			fallbackServiceDir := filepath.Join(td, "fallbackServiceDir")
			executor := &fakeExecutor{
				searchPaths: []string{fallbackServiceDir},
			}
			if tc.includeNewSearchPath {
				executor.searchPaths = []string{defaultServiceDir, fallbackServiceDir}
			}
			if tc.previousServiceFile.exists {
				dir := defaultServiceDir
				if tc.previousServiceFile.inFallback {
					dir = fallbackServiceDir
				}
				err := os.MkdirAll(dir, 0o755)
				test.That(t, err, test.ShouldBeNil)
				serviceFilePath := filepath.Join(dir, expectedServiceFileName)
				if tc.previousServiceFile.hasDiff {
					utils.Touch(t, serviceFilePath)
				} else {
					err = os.WriteFile(serviceFilePath, myServiceBytes, 0o644)
					test.That(t, err, test.ShouldBeNil)
				}
			}
			manager := NewSystemdManager(logger, WithExecutor(executor), WithDirs(defaultServiceDir, fallbackServiceDir))

			serviceFile, newInstall, err := manager.InstallService(t.Context(), serviceName, myServiceBytes)
			test.That(t, err, test.ShouldBeNil)

			if !tc.previousServiceFile.exists || tc.previousServiceFile.hasDiff {
				test.That(t, executor.daemonReloadCallCount, test.ShouldEqual, 1)
			} else {
				test.That(t, executor.daemonReloadCallCount, test.ShouldEqual, 0)
			}

			test.That(t, newInstall, test.ShouldEqual, !tc.previousServiceFile.exists)
			if newInstall {
				test.That(t, executor.enabled, test.ShouldResemble, []string{serviceName})
			} else {
				test.That(t, executor.enabled, test.ShouldBeEmpty)
			}

			if tc.includeNewSearchPath {
				test.That(t, serviceFile, test.ShouldEqual, filepath.Join(defaultServiceDir, expectedServiceFileName))
			} else {
				test.That(t, serviceFile, test.ShouldEqual, filepath.Join(fallbackServiceDir, expectedServiceFileName))
			}

			//nolint:gosec
			contents, err := os.ReadFile(serviceFile)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, contents, test.ShouldResemble, myServiceBytes)
		})
	}
}

func TestSystemdManagerUnavailable(t *testing.T) {
	logger := logging.NewTestLogger(t)
	td := t.TempDir()
	executor := &fakeExecutor{unavailable: errors.New("systemctl not found")}
	manager := NewSystemdManager(logger, WithExecutor(executor), WithDirs(td, td))

	_, _, err := manager.InstallService(t.Context(), "my-service", myServiceBytes)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "can only install on systems using systemd")
	_, err = os.Stat(filepath.Join(td, "my-service.service"))
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
}

func TestServiceUnitMarshal(t *testing.T) {
	t.Run("full unit", func(t *testing.T) {
		out, err := ServiceUnit{
			Description: "Wi-Fi provisioning over BLE",
			ExecStart:   []string{"/usr/local/bin/wifi-provisioner", "--config", "/etc/wifi-provisioner.json"},
			After:       []string{"bluetooth.target", "NetworkManager.service"},
			Wants:       []string{"bluetooth.target"},
		}.Marshal()
		test.That(t, err, test.ShouldBeNil)
		text := string(out)
		for _, expected := range []string{
			"[Unit]",
			"Description=Wi-Fi provisioning over BLE",
			"After=bluetooth.target",
			"NetworkManager.service",
			"Wants=bluetooth.target",
			"[Service]",
			"ExecStart=/usr/local/bin/wifi-provisioner --config /etc/wifi-provisioner.json",
			"Restart=always",
			"[Install]",
			"WantedBy=multi-user.target",
		} {
			test.That(t, text, test.ShouldContainSubstring, expected)
		}
		test.That(t, strings.Index(text, "[Unit]"), test.ShouldBeLessThan, strings.Index(text, "[Service]"))
	})

	t.Run("missing exec start", func(t *testing.T) {
		_, err := ServiceUnit{Description: "nothing to run"}.Marshal()
		test.That(t, err, test.ShouldNotBeNil)
	})
}

type fakeExecutor struct {
	searchPaths           []string
	unavailable           error
	daemonReloadCallCount int
	enabled               []string
	restarted             []string
}

// DaemonReload implements systemd.SystemdExecutor.
func (f *fakeExecutor) DaemonReload(context.Context) error {
	f.daemonReloadCallCount++
	return nil
}

// Enable implements systemd.SystemdExecutor.
func (f *fakeExecutor) Enable(_ context.Context, service string) error {
	f.enabled = append(f.enabled, service)
	return nil
}

// Restart implements systemd.SystemdExecutor.
func (f *fakeExecutor) Restart(_ context.Context, service string) error {
	f.restarted = append(f.restarted, service)
	return nil
}

// IsAvailable implements systemd.SystemdExecutor.
func (f *fakeExecutor) IsAvailable(context.Context) error {
	return f.unavailable
}

// SystemdSearchPaths implements systemd.SystemdExecutor.
func (f *fakeExecutor) SystemdSearchPaths(context.Context) ([]string, error) {
	return f.searchPaths, nil
}
