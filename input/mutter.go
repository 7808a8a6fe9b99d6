package input

import (
	"fmt"

	"github.com/Christopher-Hayes/kando-integration-mutter/internal/common"
	"github.com/godbus/dbus/v5"
)

// X11 keycodes are evdev codes offset by 8
const evdevOffset = 8

// MutterDevices injects input through a Mutter RemoteDesktop session.
type MutterDevices struct {
	session dbus.BusObject
	path    dbus.ObjectPath
	logger  *common.Logger
}

// OpenMutterDevices creates and starts a remote desktop session.
func OpenMutterDevices(conn *dbus.Conn, logger *common.Logger) (*MutterDevices, error) {
	logger = logger.With("mutter")

	rd := conn.Object(common.RemoteDesktopDestination, dbus.ObjectPath(common.RemoteDesktopObjectPath))

	var sessionPath dbus.ObjectPath
	if err := rd.Call(common.RemoteDesktopInterface+".CreateSession", 0).Store(&sessionPath); err != nil {
		return nil, fmt.Errorf("failed to create remote desktop session: %w\n\nTroubleshooting:\n  1. Verify you're running GNOME/Mutter\n  2. Test D-Bus manually: gdbus introspect --session --dest org.gnome.Mutter.RemoteDesktop --object-path /org/gnome/Mutter/RemoteDesktop", err)
	}
	logger.Debugf("Created remote desktop session %s", sessionPath)

	session := conn.Object(common.RemoteDesktopDestination, sessionPath)
	if call := session.Call(common.RemoteDesktopSession+".Start", 0); call.Err != nil {
		return nil, fmt.Errorf("failed to start remote desktop session %s: %w", sessionPath, call.Err)
	}

	return &MutterDevices{
		session: session,
		path:    sessionPath,
		logger:  logger,
	}, nil
}

// MoveRelative calls NotifyPointerMotionRelative.
func (m *MutterDevices) MoveRelative(dx, dy int) error {
	return m.session.Call(common.RemoteDesktopSession+".NotifyPointerMotionRelative", 0, float64(dx), float64(dy)).Err
}

// Key calls NotifyKeyboardKeycode with the evdev code for the X11 keycode.
func (m *MutterDevices) Key(code int, pressed bool) error {
	evdev, err := evdevCode(code)
	if err != nil {
		return err
	}
	return m.session.Call(common.RemoteDesktopSession+".NotifyKeyboardKeycode", 0, evdev, pressed).Err
}

// Close stops the session; Mutter destroys it afterwards.
func (m *MutterDevices) Close() error {
	if call := m.session.Call(common.RemoteDesktopSession+".Stop", 0); call.Err != nil {
		return fmt.Errorf("failed to stop remote desktop session %s: %w", m.path, call.Err)
	}
	m.logger.Debugf("Stopped remote desktop session %s", m.path)
	return nil
}

func evdevCode(code int) (uint32, error) {
	if code < evdevOffset || code > 255 {
		return 0, fmt.Errorf("keycode %d out of range (8-255)", code)
	}
	return uint32(code - evdevOffset), nil
}
