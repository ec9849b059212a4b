package systemd

import (
	"strings"

	"github.com/pkg/errors"
	sysd "github.com/sergeymakinen/go-systemdconf/v2"
	"github.com/sergeymakinen/go-systemdconf/v2/unit"
)

// ServiceUnit describes the parts of a service file the provisioner needs.
type ServiceUnit struct {
	Description string
	ExecStart   []string
	// Units to order after and pull in, ex: "bluetooth.target"
	After []string
	Wants []string
}

// Marshal renders the unit as a simple, always-restarting service wanted by multi-user.target.
func (u ServiceUnit) Marshal() ([]byte, error) {
	if len(u.ExecStart) == 0 {
		return nil, errors.New("service unit needs an ExecStart command")
	}
	file := unit.ServiceFile{
		Unit: unit.UnitSection{
			Description: sysd.Value{u.Description},
			After:       sysd.Value(u.After),
			Wants:       sysd.Value(u.Wants),
		},
		Service: unit.ServiceSection{
			Type:       sysd.Value{"exec"},
			ExecStart:  sysd.Value{strings.Join(u.ExecStart, " ")},
			Restart:    sysd.Value{"always"},
			RestartSec: sysd.Value{"5"},
		},
		Install: unit.InstallSection{
			WantedBy: sysd.Value{"multi-user.target"},
		},
	}
	out, err := sysd.Marshal(file)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling service unit")
	}
	return out, nil
}
