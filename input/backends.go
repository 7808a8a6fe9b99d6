package input

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Christopher-Hayes/kando-integration-mutter/internal/common"
	"github.com/godbus/dbus/v5"
)

// BackendInfo names one way of obtaining virtual devices.
type BackendInfo struct {
	Name string
	Open func(opts OpenOptions) (Devices, error)
}

// OpenOptions carries what the individual backends need.
type OpenOptions struct {
	Conn    *dbus.Conn // session bus, used by the mutter backend
	Display string     // X11 display, used by the x11 backend
	Logger  *common.Logger
}

// Backends lists the supported backends in "auto" preference order.
var Backends = []BackendInfo{
	{"mutter", func(opts OpenOptions) (Devices, error) {
		if opts.Conn == nil {
			return nil, errors.New("no session bus connection")
		}
		return OpenMutterDevices(opts.Conn, opts.Logger)
	}},
	{"x11", func(opts OpenOptions) (Devices, error) {
		return OpenX11Devices(opts.Display, opts.Logger)
	}},
}

// OpenDevices opens the named backend, or the first that works for "auto".
func OpenDevices(name string, opts OpenOptions) (Devices, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "auto" {
		var errs []error
		for _, b := range Backends {
			devices, err := b.Open(opts)
			if err == nil {
				opts.Logger.Verbosef("Using %s virtual input devices", b.Name)
				return devices, nil
			}
			opts.Logger.Debugf("Input backend %s unavailable: %v", b.Name, err)
			errs = append(errs, fmt.Errorf("%s: %w", b.Name, err))
		}
		return nil, fmt.Errorf("no virtual input backend available: %w", errors.Join(errs...))
	}

	for _, b := range Backends {
		if b.Name == name {
			return b.Open(opts)
		}
	}
	return nil, fmt.Errorf("unknown input backend %q (want auto, mutter or x11)", name)
}
