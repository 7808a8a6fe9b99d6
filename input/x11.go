package input

import (
	"fmt"

	"github.com/Christopher-Hayes/kando-integration-mutter/internal/common"
	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"
	"github.com/jezek/xgb/xtest"
)

// X11Devices injects input through the XTEST extension.
type X11Devices struct {
	conn   *xgb.Conn
	root   xproto.Window
	logger *common.Logger
}

// OpenX11Devices connects to display ("" means $DISPLAY) and initializes XTEST.
func OpenX11Devices(display string, logger *common.Logger) (*X11Devices, error) {
	conn, err := xgb.NewConnDisplay(display)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X11 display %q: %w", display, err)
	}

	if err := xtest.Init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("XTEST extension unavailable: %w", err)
	}

	return &X11Devices{
		conn:   conn,
		root:   xproto.Setup(conn).DefaultScreen(conn).Root,
		logger: logger.With("xtest"),
	}, nil
}

// MoveRelative sends a relative MotionNotify.
func (x *X11Devices) MoveRelative(dx, dy int) error {
	return xtest.FakeInputChecked(x.conn, xproto.MotionNotify, 1, 0, x.root, clampInt16(dx), clampInt16(dy), 0).Check()
}

// Key sends KeyPress or KeyRelease for an X11 keycode.
func (x *X11Devices) Key(code int, pressed bool) error {
	if code < evdevOffset || code > 255 {
		return fmt.Errorf("keycode %d out of range (8-255)", code)
	}
	var typ byte = xproto.KeyRelease
	if pressed {
		typ = xproto.KeyPress
	}
	return xtest.FakeInputChecked(x.conn, typ, byte(code), 0, x.root, 0, 0, 0).Check()
}

func (x *X11Devices) Close() error {
	x.conn.Close()
	return nil
}

func clampInt16(v int) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	return int16(v)
}
