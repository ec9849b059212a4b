package systemd

import (
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// SystemdExecutor executes various systemd commands as subprocess. It
// primarily exists to enable testing of higher level systemd manipulation via
// mocks or fakes.
type SystemdExecutor interface {
	// IsAvailable checks if systemd is available on the system. Currently it does
	// this by executing `systemctl --version` and checking the output. It returns
	// nil if systemd is available and an error describing why it is unavailable
	// otherwise.
	IsAvailable(ctx context.Context) error

	// DaemonReload executes `systemctl daemon-reload`.
	DaemonReload(ctx context.Context) error

	// Enable calls `systemctl enable` with the provided service name.
	Enable(ctx context.Context, service string) error

	// Restart calls `systemctl restart` with the provided service name.
	Restart(ctx context.Context, service string) error

	// SystemdSearchPaths gets the unit search paths by calling `systemd-path
	// systemd-search-system-unit`. It automatically splits the result around
	// `:`.
	SystemdSearchPaths(ctx context.Context) ([]string, error)
}

type realSystemdExecutor struct{}

func (s realSystemdExecutor) IsAvailable(ctx context.Context) error {
	return s.run(ctx, "systemctl", "--version")
}

func (s realSystemdExecutor) Enable(ctx context.Context, service string) error {
	return s.run(ctx, "systemctl", "enable", service)
}

func (s realSystemdExecutor) Restart(ctx context.Context, service string) error {
	return s.run(ctx, "systemctl", "restart", service)
}

func (s realSystemdExecutor) DaemonReload(ctx context.Context) error {
	return s.run(ctx, "systemctl", "daemon-reload")
}

func (s realSystemdExecutor) SystemdSearchPaths(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, "systemd-path", "systemd-search-system-unit")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, errors.Wrapf(err, "running 'systemd-path systemd-search-system-unit' output: %s", output)
	}
	return strings.Split(strings.TrimSpace(string(output)), ":"), nil
}

func (s realSystemdExecutor) run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "running '%s %s' output: %s", name, strings.Join(args, " "), output)
	}
	return nil
}
