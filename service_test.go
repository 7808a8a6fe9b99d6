package main

import (
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Christopher-Hayes/kando-integration-mutter/desktop"
	"github.com/Christopher-Hayes/kando-integration-mutter/input"
	"github.com/Christopher-Hayes/kando-integration-mutter/internal/common"
	"github.com/Christopher-Hayes/kando-integration-mutter/shortcuts"
	"github.com/godbus/dbus/v5"
)

// fakeGrabber hands out sequential action ids and refuses names in refuse.
// Ungrab of an action in failUngrab fails that many times.
type fakeGrabber struct {
	mu         sync.Mutex
	next       uint32
	grants     map[uint32]string
	refuse     map[string]bool
	failUngrab map[uint32]int
	onAction   func(uint32)
}

func newFakeGrabber(refuse ...string) *fakeGrabber {
	g := &fakeGrabber{
		next:       1,
		grants:     make(map[uint32]string),
		refuse:     make(map[string]bool),
		failUngrab: make(map[uint32]int),
	}
	for _, name := range refuse {
		g.refuse[name] = true
	}
	return g
}

func (g *fakeGrabber) Grab(accel string) (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refuse[accel] {
		return shortcuts.NoAction, nil
	}
	id := g.next
	g.next++
	g.grants[id] = accel
	return id, nil
}

func (g *fakeGrabber) Ungrab(action uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failUngrab[action] > 0 {
		g.failUngrab[action]--
		return errors.New("bus hiccup")
	}
	delete(g.grants, action)
	return nil
}

func (g *fakeGrabber) Subscribe(onAction func(uint32)) (func(), error) {
	g.mu.Lock()
	g.onAction = onAction
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		g.onAction = nil
		g.mu.Unlock()
	}, nil
}

// press simulates the host reporting a trigger of accel.
func (g *fakeGrabber) press(accel string) {
	g.mu.Lock()
	var action uint32
	for id, name := range g.grants {
		if name == accel {
			action = id
		}
	}
	cb := g.onAction
	g.mu.Unlock()
	if cb != nil && action != 0 {
		cb(action)
	}
}

func (g *fakeGrabber) liveGrants() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.grants)
}

type fakeDevices struct {
	mu     sync.Mutex
	moves  [][2]int
	keys   []input.KeyEvent
	closed bool
}

func (d *fakeDevices) MoveRelative(dx, dy int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.moves = append(d.moves, [2]int{dx, dy})
	return nil
}

func (d *fakeDevices) Key(code int, pressed bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys = append(d.keys, input.KeyEvent{Code: code, Pressed: pressed})
	return nil
}

func (d *fakeDevices) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDevices) keyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.keys)
}

type memoryStore struct {
	mu     sync.Mutex
	names  []string
	saves  int
	closed int
}

func (m *memoryStore) LoadShortcuts() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.names...), nil
}

func (m *memoryStore) SaveShortcuts(names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names = append([]string(nil), names...)
	m.saves++
	return nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *memoryStore) stored() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.names...)
}

type emittedSignal struct {
	path dbus.ObjectPath
	name string
	body []interface{}
}

type fakeEmitter struct {
	mu      sync.Mutex
	signals []emittedSignal
}

func (e *fakeEmitter) Emit(path dbus.ObjectPath, name string, values ...interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signals = append(e.signals, emittedSignal{path, name, values})
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	names  []string
	closed bool
}

func (r *recordingSink) Activated(name string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
}

func (r *recordingSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type fakeWindows struct {
	window *desktop.MutterWindow
	err    error
}

func (f fakeWindows) FocusedWindow() (*desktop.MutterWindow, error) {
	return f.window, f.err
}

type fakePointer struct{ p desktop.Pointer }

func (f fakePointer) Pointer() (desktop.Pointer, error) { return f.p, nil }

type testEnv struct {
	service *Service
	grabber *fakeGrabber
	devices *fakeDevices
	store   *memoryStore
	emitter *fakeEmitter
	sink    *recordingSink
}

func newTestEnv(t *testing.T, grabber *fakeGrabber, store *memoryStore) *testEnv {
	t.Helper()
	if grabber == nil {
		grabber = newFakeGrabber()
	}
	if store == nil {
		store = &memoryStore{}
	}

	devices := &fakeDevices{}
	logger := common.NewLogger("test", false, false)
	bridge, err := input.NewBridge(devices, logger)
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}

	env := &testEnv{
		grabber: grabber,
		devices: devices,
		store:   store,
		emitter: &fakeEmitter{},
		sink:    &recordingSink{},
	}
	env.service, err = NewService(ServiceOptions{
		Grabber: grabber,
		Bridge:  bridge,
		Windows: fakeWindows{window: &desktop.MutterWindow{Title: "Inbox", WmClass: "thunderbird"}},
		Pointer: fakePointer{desktop.Pointer{X: 120, Y: 340, Mods: 4}},
		Store:   store,
		Emitter: env.emitter,
		Sinks:   []ActivationSink{env.sink},
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	t.Cleanup(func() { env.service.Close() })
	return env
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	if _, err := NewService(ServiceOptions{}); err == nil {
		t.Error("NewService() should fail without a bridge")
	}
}

func TestBindShortcutPersists(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	for _, name := range []string{"<Control><Alt>k", "<Super>space", "<Control><Alt>k"} {
		ok, err := env.service.BindShortcut(name)
		if err != nil || !ok {
			t.Fatalf("BindShortcut(%q) = %v, %v", name, ok, err)
		}
	}

	want := []string{"<Control><Alt>k", "<Super>space"}
	if got := env.store.stored(); !reflect.DeepEqual(got, want) {
		t.Errorf("stored = %v, want %v", got, want)
	}
	if n := env.grabber.liveGrants(); n != 2 {
		t.Errorf("live grants = %d, want 2", n)
	}
}

func TestBindShortcutRefusedIsNotPersisted(t *testing.T) {
	env := newTestEnv(t, newFakeGrabber("<Super>l"), nil)

	ok, err := env.service.BindShortcut("<Super>l")
	if err != nil || ok {
		t.Fatalf("BindShortcut() = %v, %v, want false, nil", ok, err)
	}
	if env.store.saves != 0 {
		t.Errorf("store written %d times after a refusal", env.store.saves)
	}
}

func TestBindShortcutInvalid(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	_, err := env.service.BindShortcut("<Alt")
	if !errors.Is(err, shortcuts.ErrInvalidAccelerator) {
		t.Errorf("BindShortcut() error = %v, want ErrInvalidAccelerator", err)
	}
}

func TestUnbindShortcut(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.service.BindShortcut("<Alt>1")
	env.service.BindShortcut("<Alt>2")

	ok, err := env.service.UnbindShortcut("<Alt>1")
	if err != nil || !ok {
		t.Fatalf("UnbindShortcut() = %v, %v", ok, err)
	}
	if got := env.store.stored(); !reflect.DeepEqual(got, []string{"<Alt>2"}) {
		t.Errorf("stored = %v", got)
	}

	saves := env.store.saves
	ok, err = env.service.UnbindShortcut("<Alt>9")
	if err != nil || ok {
		t.Errorf("UnbindShortcut(unknown) = %v, %v, want false, nil", ok, err)
	}
	if env.store.saves != saves {
		t.Error("unbinding an unknown name must not touch the store")
	}
}

func TestUnbindAllShortcutsClearsStore(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.service.BindShortcut("<Alt>1")
	env.service.BindShortcut("<Alt>2")

	if err := env.service.UnbindAllShortcuts(); err != nil {
		t.Fatalf("UnbindAllShortcuts() error = %v", err)
	}
	if got := env.service.BoundShortcuts(); len(got) != 0 {
		t.Errorf("bound = %v", got)
	}
	if got := env.store.stored(); len(got) != 0 {
		t.Errorf("stored = %v", got)
	}
	if env.grabber.liveGrants() != 0 {
		t.Error("grants leaked")
	}
}

func TestUnbindAllShortcutsPartialFailure(t *testing.T) {
	grabber := newFakeGrabber()
	env := newTestEnv(t, grabber, nil)
	for _, name := range []string{"<Alt>1", "<Alt>2", "<Alt>3"} {
		if ok, err := env.service.BindShortcut(name); err != nil || !ok {
			t.Fatalf("BindShortcut(%q) = %v, %v", name, ok, err)
		}
	}

	// "<Alt>2" holds action 2
	grabber.mu.Lock()
	grabber.failUngrab[2] = 1
	grabber.mu.Unlock()

	if err := env.service.UnbindAllShortcuts(); err == nil {
		t.Fatal("UnbindAllShortcuts() should report the failed release")
	}

	want := []string{"<Alt>2"}
	if got := env.service.BoundShortcuts(); !reflect.DeepEqual(got, want) {
		t.Errorf("bound = %v, want %v", got, want)
	}
	if got := env.store.stored(); !reflect.DeepEqual(got, want) {
		t.Errorf("stored = %v, want %v", got, want)
	}

	// A retry clears the rest
	if err := env.service.UnbindAllShortcuts(); err != nil {
		t.Fatalf("second UnbindAllShortcuts() error = %v", err)
	}
	if got := env.store.stored(); len(got) != 0 {
		t.Errorf("stored = %v, want empty", got)
	}
	if n := grabber.liveGrants(); n != 0 {
		t.Errorf("live grants = %d, want 0", n)
	}
}

func TestActivationEmitsSignalAndFeedsSinks(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.service.BindShortcut("<Control><Alt>k")

	env.grabber.press("<Control><Alt>k")

	if len(env.emitter.signals) != 1 {
		t.Fatalf("emitted %d signals, want 1", len(env.emitter.signals))
	}
	sig := env.emitter.signals[0]
	if sig.path != common.ServiceObjectPath || sig.name != common.ShortcutPressedSignal {
		t.Errorf("signal = %s %s", sig.path, sig.name)
	}
	if !reflect.DeepEqual(sig.body, []interface{}{"<Control><Alt>k"}) {
		t.Errorf("signal body = %v", sig.body)
	}
	if !reflect.DeepEqual(env.sink.names, []string{"<Control><Alt>k"}) {
		t.Errorf("sink received %v", env.sink.names)
	}
}

func TestRestoreDropsRefusedNames(t *testing.T) {
	store := &memoryStore{names: []string{"<Alt>1", "<Super>l", "<Alt", "<Alt>2"}}
	env := newTestEnv(t, newFakeGrabber("<Super>l"), store)

	if err := env.service.Restore(); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	want := []string{"<Alt>1", "<Alt>2"}
	if got := env.service.BoundShortcuts(); !reflect.DeepEqual(got, want) {
		t.Errorf("bound = %v, want %v", got, want)
	}
	if got := store.stored(); !reflect.DeepEqual(got, want) {
		t.Errorf("stored = %v, want %v", got, want)
	}
}

func TestRestartRestoresBindings(t *testing.T) {
	store := &memoryStore{}
	grabber := newFakeGrabber()

	first := newTestEnv(t, grabber, store)
	first.service.BindShortcut("<Alt>1")
	first.service.BindShortcut("<Super>space")
	before := first.service.BoundShortcuts()

	if err := first.service.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if grabber.liveGrants() != 0 {
		t.Fatal("Close() must release every grant")
	}
	if got := store.stored(); len(got) != 2 {
		t.Fatalf("Close() must keep the persisted set, got %v", got)
	}

	second := newTestEnv(t, grabber, store)
	if err := second.service.Restore(); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if after := second.service.BoundShortcuts(); !reflect.DeepEqual(after, before) {
		t.Errorf("after restart bound = %v, want %v", after, before)
	}
}

func TestWindowInfo(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	title, class := env.service.WindowInfo()
	if title != "Inbox" || class != "thunderbird" {
		t.Errorf("WindowInfo() = (%q, %q)", title, class)
	}

	env.service.windows = fakeWindows{}
	if title, class := env.service.WindowInfo(); title != "" || class != "" {
		t.Errorf("WindowInfo() without focus = (%q, %q)", title, class)
	}

	env.service.windows = fakeWindows{err: errors.New("extension missing")}
	if title, class := env.service.WindowInfo(); title != "" || class != "" {
		t.Errorf("WindowInfo() on failure = (%q, %q)", title, class)
	}
}

func TestPointerInfo(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	obj := &busObject{env.service}

	x, y, mods, dbusErr := obj.GetPointer()
	if dbusErr != nil {
		t.Fatalf("GetPointer() error = %v", dbusErr)
	}
	if x != 120 || y != 340 || mods != 4 {
		t.Errorf("GetPointer() = (%d, %d, %d)", x, y, mods)
	}

	// Pure Wayland session without XWayland
	env.service.pointer = nil
	_, _, _, dbusErr = obj.GetPointerInfo()
	if dbusErr == nil {
		t.Fatal("GetPointerInfo() without a pointer source should fail")
	}
	if len(dbusErr.Body) == 0 || !strings.Contains(dbusErr.Body[0].(string), "DISPLAY") {
		t.Errorf("GetPointerInfo() error = %v, want a hint about DISPLAY", dbusErr.Body)
	}
}

func TestBusObjectMovePointerAndKeys(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	obj := &busObject{env.service}

	if err := obj.MovePointer(-5, 12); err != nil {
		t.Fatalf("MovePointer() error = %v", err)
	}
	if !reflect.DeepEqual(env.devices.moves, [][2]int{{-5, 12}}) {
		t.Errorf("moves = %v", env.devices.moves)
	}

	keys := []keyEventArg{{Code: 38, Pressed: true}, {Code: 38, Pressed: false, DelayMs: 10}}
	if err := obj.SimulateKeys(keys); err != nil {
		t.Fatalf("SimulateKeys() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.devices.keyCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("key batch was not played")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := obj.SimulateKeys([]keyEventArg{{Code: 38, Pressed: true, DelayMs: -1}}); err == nil {
		t.Error("SimulateKeys() with a negative delay should fail")
	}
}

func TestBusObjectBindErrors(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	obj := &busObject{env.service}

	if _, err := obj.BindShortcut("<Bogus>x"); err == nil {
		t.Error("BindShortcut() with an unknown modifier should fail")
	}
	ok, err := obj.BindShortcut("<Alt>x")
	if err != nil || !ok {
		t.Fatalf("BindShortcut() = %v, %v", ok, err)
	}
	if ok, err := obj.UnbindShortcut("<Alt>x"); err != nil || !ok {
		t.Errorf("UnbindShortcut() = %v, %v", ok, err)
	}
	if err := obj.UnbindAllShortcuts(); err != nil {
		t.Errorf("UnbindAllShortcuts() error = %v", err)
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.service.BindShortcut("<Alt>1")

	if err := env.service.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := env.service.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if !env.devices.closed {
		t.Error("virtual devices not closed")
	}
	if !env.sink.closed {
		t.Error("sink not closed")
	}
	if env.store.closed != 1 {
		t.Errorf("store closed %d times, want 1", env.store.closed)
	}

	// No activations after Close
	env.grabber.press("<Alt>1")
	if len(env.emitter.signals) != 0 {
		t.Error("signal emitted after Close")
	}

	if _, err := env.service.BindShortcut("<Alt>2"); !errors.Is(err, shortcuts.ErrDestroyed) {
		t.Errorf("BindShortcut() after Close error = %v, want ErrDestroyed", err)
	}
}

func TestSimulateKeysDuringClose(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- env.service.SimulateKeys([]input.KeyEvent{{Code: 38, Pressed: true, DelayMs: 1}, {Code: 38}})
		}()
	}
	if err := env.service.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil && !errors.Is(err, input.ErrClosed) && !errors.Is(err, input.ErrQueueFull) {
			t.Errorf("SimulateKeys() error = %v", err)
		}
	}
	if err := env.service.SimulateKeys([]input.KeyEvent{{Code: 38}}); !errors.Is(err, input.ErrClosed) {
		t.Errorf("SimulateKeys() after Close error = %v, want ErrClosed", err)
	}
}

func TestIntrospectionDescribesInterface(t *testing.T) {
	for _, member := range []string{
		"GetWindowInfo", "GetFocusedWindow", "GetPointerInfo", "GetPointer",
		"MovePointer", "SimulateKeys", "BindShortcut", "UnbindShortcut",
		"UnbindAllShortcuts", "ShortcutPressed", "a(ibi)",
	} {
		if !strings.Contains(introspectXML, member) {
			t.Errorf("introspection data is missing %s", member)
		}
	}
}

func TestToKeyEvents(t *testing.T) {
	got := toKeyEvents([]keyEventArg{{Code: 50, Pressed: true, DelayMs: 0}, {Code: 50, Pressed: false, DelayMs: 20}})
	want := []input.KeyEvent{{Code: 50, Pressed: true}, {Code: 50, Pressed: false, DelayMs: 20}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("toKeyEvents() = %v, want %v", got, want)
	}
}
