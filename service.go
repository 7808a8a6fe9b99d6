package main

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Christopher-Hayes/kando-integration-mutter/desktop"
	"github.com/Christopher-Hayes/kando-integration-mutter/input"
	"github.com/Christopher-Hayes/kando-integration-mutter/internal/common"
	"github.com/Christopher-Hayes/kando-integration-mutter/settings"
	"github.com/Christopher-Hayes/kando-integration-mutter/shortcuts"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

const introspectXML = `
<node>
  <interface name="` + common.ServiceInterface + `">
    <method name="GetWindowInfo">
      <arg name="title" type="s" direction="out"/>
      <arg name="class" type="s" direction="out"/>
    </method>
    <method name="GetFocusedWindow">
      <arg name="title" type="s" direction="out"/>
      <arg name="class" type="s" direction="out"/>
    </method>
    <method name="GetPointerInfo">
      <arg name="x"    type="i" direction="out"/>
      <arg name="y"    type="i" direction="out"/>
      <arg name="mods" type="i" direction="out"/>
    </method>
    <method name="GetPointer">
      <arg name="x"    type="i" direction="out"/>
      <arg name="y"    type="i" direction="out"/>
      <arg name="mods" type="i" direction="out"/>
    </method>
    <method name="MovePointer">
      <arg name="dx" type="i" direction="in"/>
      <arg name="dy" type="i" direction="in"/>
    </method>
    <method name="SimulateKeys">
      <arg name="keys" type="a(ibi)" direction="in"/>
    </method>
    <method name="BindShortcut">
      <arg name="shortcut" type="s" direction="in"/>
      <arg name="success"  type="b" direction="out"/>
    </method>
    <method name="UnbindShortcut">
      <arg name="shortcut" type="s" direction="in"/>
      <arg name="success"  type="b" direction="out"/>
    </method>
    <method name="UnbindAllShortcuts"/>
    <signal name="ShortcutPressed">
      <arg name="shortcut" type="s"/>
    </signal>
  </interface>` + introspect.IntrospectDataString + `</node>`

// ActivationSink receives every shortcut activation. Implementations must not block.
type ActivationSink interface {
	Activated(name string, at time.Time)
}

// Emitter sends D-Bus signals. *dbus.Conn satisfies it.
type Emitter interface {
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
}

// ServiceOptions holds the collaborators of a Service.
type ServiceOptions struct {
	Grabber shortcuts.Grabber
	Bridge  *input.Bridge
	Windows desktop.WindowSource
	Pointer desktop.PointerSource // optional
	Store   settings.Store
	Emitter Emitter
	Sinks   []ActivationSink
	Logger  *common.Logger
}

// Service is the object exported on the session bus. It forwards requests to
// the shortcut registry, the input bridge and the desktop sources, and keeps
// the persisted shortcut set in step with the registry.
type Service struct {
	registry *shortcuts.Registry
	bridge   *input.Bridge
	windows  desktop.WindowSource
	pointer  desktop.PointerSource
	store    settings.Store
	emitter  Emitter
	sinks    []ActivationSink
	logger   *common.Logger
	now      func() time.Time

	// persistMu guards persisted, the ordered mirror of the stored set.
	persistMu sync.Mutex
	persisted []string

	// pending tracks SimulateKeys batches still being played. Add is only
	// called under pendingMu while closing is false.
	pendingMu sync.Mutex
	closing   bool
	pending   sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// NewService builds the shortcut registry and attaches it to the grabber.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Bridge == nil {
		return nil, fmt.Errorf("service requires an input bridge")
	}
	if opts.Windows == nil {
		return nil, fmt.Errorf("service requires a window source")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("service requires a shortcut store")
	}

	s := &Service{
		bridge:  opts.Bridge,
		windows: opts.Windows,
		pointer: opts.Pointer,
		store:   opts.Store,
		emitter: opts.Emitter,
		sinks:   opts.Sinks,
		logger:  opts.Logger,
		now:     time.Now,
	}

	registry, err := shortcuts.NewRegistry(opts.Grabber, s.activated, opts.Logger.With("shortcuts"))
	if err != nil {
		return nil, err
	}
	s.registry = registry

	return s, nil
}

// Restore binds every persisted shortcut. Names the host refuses, or that are
// no longer valid accelerators, are dropped from the persisted set.
func (s *Service) Restore() error {
	names, err := s.store.LoadShortcuts()
	if err != nil {
		return fmt.Errorf("failed to load persisted shortcuts: %w", err)
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	kept := make([]string, 0, len(names))
	for _, name := range settings.Dedupe(names) {
		ok, err := s.registry.Bind(name)
		switch {
		case errors.Is(err, shortcuts.ErrInvalidAccelerator):
			s.logger.Warningf("Dropping invalid persisted shortcut %q: %v", name, err)
		case err != nil:
			// Transport trouble; keep the name so the next start can retry it.
			s.logger.Errorf("Failed to restore shortcut %s: %v", name, err)
			kept = append(kept, name)
		case !ok:
			s.logger.Warningf("Shortcut %s is taken by another application, dropping it", name)
		default:
			s.logger.Verbosef("Restored shortcut %s", name)
			kept = append(kept, name)
		}
	}

	s.persisted = kept
	if len(kept) != len(names) {
		if err := s.store.SaveShortcuts(kept); err != nil {
			return fmt.Errorf("failed to rewrite persisted shortcuts: %w", err)
		}
	}

	if len(kept) > 0 {
		s.logger.Infof("Restored %d shortcut(s)", len(kept))
	}
	return nil
}

// WindowInfo returns the focused window's title and class, or empty strings
// when nothing is focused or the window source fails.
func (s *Service) WindowInfo() (title, class string) {
	title, class, err := desktop.WindowInfo(s.windows)
	if err != nil {
		s.logger.Warningf("Failed to query focused window: %v", err)
		return "", ""
	}
	return title, class
}

// PointerInfo returns the pointer position and modifier mask.
func (s *Service) PointerInfo() (desktop.Pointer, error) {
	if s.pointer == nil {
		return desktop.Pointer{}, fmt.Errorf("pointer position is not available: no X11 display is reachable\n\nOn Wayland, run with XWayland and DISPLAY set, or set desktop.display in config.toml")
	}
	return s.pointer.Pointer()
}

// MovePointer moves the pointer by a relative delta.
func (s *Service) MovePointer(dx, dy int) error {
	return s.bridge.MovePointer(dx, dy)
}

// SimulateKeys queues a batch and returns once it is accepted. Playback
// errors are logged.
func (s *Service) SimulateKeys(events []input.KeyEvent) error {
	s.pendingMu.Lock()
	if s.closing {
		s.pendingMu.Unlock()
		return input.ErrClosed
	}
	s.pending.Add(1)
	s.pendingMu.Unlock()

	result := s.bridge.SimulateKeys(events)

	// Validation and queue failures are reported synchronously.
	select {
	case err := <-result:
		s.pending.Done()
		return err
	default:
	}

	go func() {
		defer s.pending.Done()
		if err := <-result; err != nil {
			if errors.Is(err, input.ErrClosed) {
				s.logger.Verbosef("Key batch cancelled: %v", err)
				return
			}
			s.logger.Errorf("Key batch failed: %v", err)
		}
	}()
	return nil
}

// BindShortcut binds name and persists it on success.
func (s *Service) BindShortcut(name string) (bool, error) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	ok, err := s.registry.Bind(name)
	if err != nil || !ok {
		return ok, err
	}

	for _, existing := range s.persisted {
		if existing == name {
			return true, nil
		}
	}
	s.persisted = append(s.persisted, name)
	s.savePersisted()
	return true, nil
}

// UnbindShortcut unbinds name and removes it from the persisted set.
func (s *Service) UnbindShortcut(name string) (bool, error) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	ok, err := s.registry.Unbind(name)
	if err != nil || !ok {
		return ok, err
	}

	kept := s.persisted[:0]
	for _, existing := range s.persisted {
		if existing != name {
			kept = append(kept, existing)
		}
	}
	s.persisted = kept
	s.savePersisted()
	return true, nil
}

// UnbindAllShortcuts unbinds everything and clears the persisted set. Names
// whose release failed stay bound and stay persisted.
func (s *Service) UnbindAllShortcuts() error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	err := s.registry.UnbindAll()
	if errors.Is(err, shortcuts.ErrDestroyed) {
		return err
	}

	var kept []string
	for _, name := range s.persisted {
		if s.registry.IsBound(name) {
			kept = append(kept, name)
		}
	}
	s.persisted = kept
	s.savePersisted()
	return err
}

// BoundShortcuts returns the names currently holding a grant.
func (s *Service) BoundShortcuts() []string {
	return s.registry.Names()
}

// savePersisted writes the mirror to the store. Caller holds persistMu.
// The grant already happened, so a store failure is logged, not returned.
func (s *Service) savePersisted() {
	if err := s.store.SaveShortcuts(s.persisted); err != nil {
		s.logger.Errorf("Failed to persist shortcuts: %v", err)
		return
	}
	s.logger.Debugf("Persisted %d shortcut(s)", len(s.persisted))
}

// activated is the registry callback.
func (s *Service) activated(name string) {
	at := s.now()
	s.logger.Verbosef("Shortcut pressed: %s", name)

	if s.emitter != nil {
		if err := s.emitter.Emit(common.ServiceObjectPath, common.ShortcutPressedSignal, name); err != nil {
			s.logger.Errorf("Failed to emit ShortcutPressed(%s): %v", name, err)
		}
	}
	for _, sink := range s.sinks {
		sink.Activated(name, at)
	}
}

// Export publishes the service on conn and claims the well-known bus name.
func (s *Service) Export(conn *dbus.Conn) error {
	if err := conn.Export(&busObject{s}, common.ServiceObjectPath, common.ServiceInterface); err != nil {
		return fmt.Errorf("failed to export service object: %w", err)
	}
	if err := conn.Export(introspect.Introspectable(introspectXML), common.ServiceObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("failed to export introspection data: %w", err)
	}

	reply, err := conn.RequestName(common.ServiceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		s.unexport(conn)
		return fmt.Errorf("failed to request bus name %s: %w", common.ServiceName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		s.unexport(conn)
		return fmt.Errorf("bus name %s is already taken\n\nTroubleshooting:\n  1. Check for another running instance: busctl --user status %s\n  2. Disable the GNOME Shell extension exporting the same name", common.ServiceName, common.ServiceName)
	}

	s.logger.Successf("Exported %s at %s", common.ServiceName, common.ServiceObjectPath)
	return nil
}

// Unexport releases the bus name and removes the exported objects.
func (s *Service) Unexport(conn *dbus.Conn) {
	if _, err := conn.ReleaseName(common.ServiceName); err != nil {
		s.logger.Warningf("Failed to release bus name: %v", err)
	}
	s.unexport(conn)
}

func (s *Service) unexport(conn *dbus.Conn) {
	conn.Export(nil, common.ServiceObjectPath, common.ServiceInterface)
	conn.Export(nil, common.ServiceObjectPath, "org.freedesktop.DBus.Introspectable")
}

// Close destroys the registry, cancels pending key batches and closes sinks
// and the store. The persisted set is left intact for the next start.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error

		s.pendingMu.Lock()
		s.closing = true
		s.pendingMu.Unlock()

		if err := s.registry.Destroy(); err != nil && !errors.Is(err, shortcuts.ErrDestroyed) {
			errs = append(errs, fmt.Errorf("destroy registry: %w", err))
		}
		if err := s.bridge.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close input bridge: %w", err))
		}
		s.pending.Wait()

		closed := make(map[interface{}]bool)
		closeResource := func(v interface{}, what string) {
			c, ok := v.(io.Closer)
			if !ok || closed[v] {
				return
			}
			closed[v] = true
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", what, err))
			}
		}
		for _, sink := range s.sinks {
			closeResource(sink, fmt.Sprintf("%T", sink))
		}
		closeResource(s.store, "shortcut store")

		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// keyEventArg is the D-Bus (ibi) struct of SimulateKeys.
type keyEventArg struct {
	Code    int32
	Pressed bool
	DelayMs int32
}

// busObject carries only the exported D-Bus methods of a Service.
type busObject struct {
	s *Service
}

func (o *busObject) GetWindowInfo() (string, string, *dbus.Error) {
	title, class := o.s.WindowInfo()
	return title, class, nil
}

// GetFocusedWindow is the older name of GetWindowInfo, kept for existing callers.
func (o *busObject) GetFocusedWindow() (string, string, *dbus.Error) {
	return o.GetWindowInfo()
}

func (o *busObject) GetPointerInfo() (int32, int32, int32, *dbus.Error) {
	p, err := o.s.PointerInfo()
	if err != nil {
		return 0, 0, 0, dbus.MakeFailedError(err)
	}
	return int32(p.X), int32(p.Y), int32(p.Mods), nil
}

// GetPointer is the older name of GetPointerInfo.
func (o *busObject) GetPointer() (int32, int32, int32, *dbus.Error) {
	return o.GetPointerInfo()
}

func (o *busObject) MovePointer(dx, dy int32) *dbus.Error {
	if err := o.s.MovePointer(int(dx), int(dy)); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

func (o *busObject) SimulateKeys(keys []keyEventArg) *dbus.Error {
	if err := o.s.SimulateKeys(toKeyEvents(keys)); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

func (o *busObject) BindShortcut(shortcut string) (bool, *dbus.Error) {
	ok, err := o.s.BindShortcut(shortcut)
	if err != nil {
		return false, dbus.MakeFailedError(err)
	}
	return ok, nil
}

func (o *busObject) UnbindShortcut(shortcut string) (bool, *dbus.Error) {
	ok, err := o.s.UnbindShortcut(shortcut)
	if err != nil {
		return false, dbus.MakeFailedError(err)
	}
	return ok, nil
}

func (o *busObject) UnbindAllShortcuts() *dbus.Error {
	if err := o.s.UnbindAllShortcuts(); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

func toKeyEvents(keys []keyEventArg) []input.KeyEvent {
	events := make([]input.KeyEvent, len(keys))
	for i, k := range keys {
		events[i] = input.KeyEvent{Code: int(k.Code), Pressed: k.Pressed, DelayMs: int(k.DelayMs)}
	}
	return events
}
