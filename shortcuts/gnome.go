package shortcuts

import (
	"fmt"
	"sync"

	"github.com/Christopher-Hayes/kando-integration-mutter/internal/common"
	"github.com/godbus/dbus/v5"
)

// Flags passed to org.gnome.Shell.GrabAccelerator
const (
	actionModeNormal    uint32 = 1 // Shell.ActionMode.NORMAL
	keyBindingFlagsNone uint32 = 0 // Meta.KeyBindingFlags.NONE
)

// ShellGrabber grabs accelerators through GNOME Shell's D-Bus interface and
// relays its AcceleratorActivated signal.
type ShellGrabber struct {
	conn   *dbus.Conn
	obj    dbus.BusObject
	logger *common.Logger

	ModeFlags uint32
	GrabFlags uint32

	mu         sync.Mutex
	subscribed bool
}

// NewShellGrabber checks that GNOME Shell is reachable on conn.
func NewShellGrabber(conn *dbus.Conn, logger *common.Logger) (*ShellGrabber, error) {
	var hasOwner bool
	err := conn.BusObject().Call("org.freedesktop.DBus.NameHasOwner", 0, common.ShellDestination).Store(&hasOwner)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", common.ShellDestination, err)
	}
	if !hasOwner {
		return nil, fmt.Errorf("%s is not running on the session bus\n\nTroubleshooting:\n  1. Verify you're running GNOME Shell\n  2. Test D-Bus manually: gdbus introspect --session --dest org.gnome.Shell --object-path /org/gnome/Shell", common.ShellDestination)
	}

	return &ShellGrabber{
		conn:      conn,
		obj:       conn.Object(common.ShellDestination, dbus.ObjectPath(common.ShellObjectPath)),
		logger:    logger.With("gnome-shell"),
		ModeFlags: actionModeNormal,
		GrabFlags: keyBindingFlagsNone,
	}, nil
}

// Grab calls org.gnome.Shell.GrabAccelerator. A zero action means refused.
func (g *ShellGrabber) Grab(accel string) (uint32, error) {
	var action uint32
	call := g.obj.Call(common.ShellGrabAccelerator, 0, accel, g.ModeFlags, g.GrabFlags)
	if call.Err != nil {
		return NoAction, fmt.Errorf("failed to call GrabAccelerator: %w\n\nTroubleshooting:\n  1. Recent GNOME Shell versions only allow trusted callers to grab accelerators\n  2. Test D-Bus manually: gdbus call --session --dest org.gnome.Shell --object-path /org/gnome/Shell --method org.gnome.Shell.GrabAccelerator '<Control><Alt>k' 1 0", call.Err)
	}
	if err := call.Store(&action); err != nil {
		return NoAction, fmt.Errorf("failed to parse GrabAccelerator response: %w", err)
	}

	g.logger.Debugf("GrabAccelerator(%s) = %d", accel, action)
	return action, nil
}

// Ungrab calls org.gnome.Shell.UngrabAccelerator.
func (g *ShellGrabber) Ungrab(action uint32) error {
	var released bool
	if err := g.obj.Call(common.ShellUngrabAccelerator, 0, action).Store(&released); err != nil {
		return fmt.Errorf("failed to call UngrabAccelerator: %w", err)
	}
	if !released {
		// The shell already forgot the action; our side is consistent again.
		g.logger.Debugf("UngrabAccelerator(%d) reported nothing to release", action)
	}
	return nil
}

// Subscribe listens for AcceleratorActivated and passes each action id to
// onAction from a single goroutine, preserving delivery order.
func (g *ShellGrabber) Subscribe(onAction func(action uint32)) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.subscribed {
		return nil, fmt.Errorf("accelerator activations already have a subscriber")
	}

	opts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(dbus.ObjectPath(common.ShellObjectPath)),
		dbus.WithMatchInterface(common.ShellInterface),
		dbus.WithMatchMember(common.ShellAcceleratorActivated),
	}
	if err := g.conn.AddMatchSignal(opts...); err != nil {
		return nil, fmt.Errorf("failed to add AcceleratorActivated match rule: %w", err)
	}

	signals := make(chan *dbus.Signal, 16)
	g.conn.Signal(signals)
	done := make(chan struct{})
	finished := make(chan struct{})
	g.subscribed = true

	go func() {
		defer close(finished)
		for {
			select {
			case <-done:
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if action, ok := activatedAction(sig); ok {
					onAction(action)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.conn.RemoveSignal(signals)
			if err := g.conn.RemoveMatchSignal(opts...); err != nil {
				g.logger.Debugf("Failed to remove match rule: %v", err)
			}
			close(done)
			<-finished

			g.mu.Lock()
			g.subscribed = false
			g.mu.Unlock()
		})
	}, nil
}

// activatedAction extracts the action id from an AcceleratorActivated signal.
func activatedAction(sig *dbus.Signal) (uint32, bool) {
	if sig == nil || sig.Name != common.ShellInterface+"."+common.ShellAcceleratorActivated {
		return 0, false
	}
	if len(sig.Body) < 1 {
		return 0, false
	}
	action, ok := sig.Body[0].(uint32)
	return action, ok
}
