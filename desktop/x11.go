package desktop

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/Christopher-Hayes/kando-integration-mutter/internal/common"
	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"
)

// X11Source reads the focused window through EWMH properties and the pointer
// through QueryPointer. Under Wayland it sees XWayland clients only.
type X11Source struct {
	conn   *xgb.Conn
	root   xproto.Window
	logger *common.Logger

	mu    sync.Mutex
	atoms map[string]xproto.Atom
}

// NewX11Source connects to display ("" means $DISPLAY).
func NewX11Source(display string, logger *common.Logger) (*X11Source, error) {
	conn, err := xgb.NewConnDisplay(display)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X11 display %q: %w", display, err)
	}

	return &X11Source{
		conn:   conn,
		root:   xproto.Setup(conn).DefaultScreen(conn).Root,
		logger: logger.With("x11"),
		atoms:  make(map[string]xproto.Atom),
	}, nil
}

func (s *X11Source) Close() error {
	s.conn.Close()
	return nil
}

// Pointer queries the pointer on the root window.
func (s *X11Source) Pointer() (Pointer, error) {
	reply, err := xproto.QueryPointer(s.conn, s.root).Reply()
	if err != nil {
		return Pointer{}, fmt.Errorf("failed to query pointer: %w", err)
	}
	return Pointer{X: int(reply.RootX), Y: int(reply.RootY), Mods: int(reply.Mask)}, nil
}

// FocusedWindow resolves _NET_ACTIVE_WINDOW and reads its name, class and pid.
func (s *X11Source) FocusedWindow() (*MutterWindow, error) {
	active, err := s.property(s.root, "_NET_ACTIVE_WINDOW")
	if err != nil {
		return nil, err
	}
	if len(active) < 4 {
		return nil, nil
	}
	win := xproto.Window(binary.LittleEndian.Uint32(active))
	if win == 0 {
		return nil, nil
	}

	title, err := s.property(win, "_NET_WM_NAME")
	if err != nil || len(title) == 0 {
		title, err = s.property(win, "WM_NAME")
		if err != nil {
			return nil, err
		}
	}

	wmClass, err := s.property(win, "WM_CLASS")
	if err != nil {
		return nil, err
	}
	instance, class := splitWMClass(wmClass)

	window := &MutterWindow{
		Title:           string(title),
		WmClass:         class,
		WmClassInstance: instance,
		Id:              uint64(win),
		Focus:           true,
	}
	if pid, err := s.property(win, "_NET_WM_PID"); err == nil && len(pid) >= 4 {
		window.Pid = int32(binary.LittleEndian.Uint32(pid))
	}

	s.logger.Debugf("Active window 0x%x: %q (%s)", uint32(win), window.Title, window.WmClass)
	return window, nil
}

func (s *X11Source) atom(name string) (xproto.Atom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.atoms[name]; ok {
		return a, nil
	}
	reply, err := xproto.InternAtom(s.conn, true, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, fmt.Errorf("failed to intern atom %s: %w", name, err)
	}
	s.atoms[name] = reply.Atom
	return reply.Atom, nil
}

func (s *X11Source) property(win xproto.Window, name string) ([]byte, error) {
	a, err := s.atom(name)
	if err != nil {
		return nil, err
	}
	if a == xproto.AtomNone {
		// Nobody ever set this property on the display
		return nil, nil
	}
	reply, err := xproto.GetProperty(s.conn, false, win, a, xproto.GetPropertyTypeAny, 0, 1<<16).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return reply.Value, nil
}

// splitWMClass splits the "instance\0class\0" WM_CLASS value.
func splitWMClass(raw []byte) (instance, class string) {
	parts := bytes.Split(bytes.TrimRight(raw, "\x00"), []byte{0})
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return string(parts[0]), string(parts[0])
	}
	return string(parts[0]), string(parts[1])
}
