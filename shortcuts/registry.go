// Package shortcuts binds named global accelerators through the desktop shell
// and turns the shell's "some accelerator fired" notifications into a single
// named activation callback.
//
// Example usage:
//
//	grabber, err := shortcuts.NewShellGrabber(conn, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	registry, err := shortcuts.NewRegistry(grabber, func(name string) {
//		fmt.Println("pressed", name)
//	}, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer registry.Destroy()
//
//	ok, err := registry.Bind("<Control><Alt>k")
package shortcuts

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Christopher-Hayes/kando-integration-mutter/internal/common"
)

// ErrDestroyed is returned by every operation on a destroyed Registry.
var ErrDestroyed = errors.New("shortcut registry destroyed")

// NoAction is the action id a Grabber returns when it refuses a grab.
const NoAction uint32 = 0

// Grabber is the host's accelerator grab facility.
type Grabber interface {
	// Grab reserves accel for this process. It returns NoAction when the
	// host refuses; err is reserved for transport failures.
	Grab(accel string) (action uint32, err error)
	// Ungrab releases an action previously returned by Grab.
	Ungrab(action uint32) error
	// Subscribe registers the activation callback. The returned function
	// detaches it and must be called exactly once.
	Subscribe(onAction func(action uint32)) (unsubscribe func(), err error)
}

// Binding pairs a shortcut name with the action id the host assigned at grant time.
type Binding struct {
	Name   string
	Action uint32
}

// Registry owns the set of currently bound shortcut names. Every successful
// Bind is paired with exactly one host release, through Unbind, UnbindAll or
// Destroy.
type Registry struct {
	mu          sync.Mutex
	grabber     Grabber
	bindings    map[string]Binding
	byAction    map[uint32]string
	onActivated func(name string)
	unsubscribe func()
	destroyed   bool
	logger      *common.Logger
}

// NewRegistry attaches to the grabber's activation channel. onActivated is
// invoked synchronously, once per trigger, with the name given to Bind.
func NewRegistry(grabber Grabber, onActivated func(name string), logger *common.Logger) (*Registry, error) {
	if grabber == nil {
		return nil, fmt.Errorf("shortcut registry requires a grabber")
	}
	if onActivated == nil {
		onActivated = func(string) {}
	}

	r := &Registry{
		grabber:     grabber,
		bindings:    make(map[string]Binding),
		byAction:    make(map[uint32]string),
		onActivated: onActivated,
		logger:      logger.With("shortcuts"),
	}

	unsubscribe, err := grabber.Subscribe(r.dispatch)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to accelerator activations: %w", err)
	}
	r.unsubscribe = unsubscribe

	return r, nil
}

// Bind grabs name from the host. It returns false without side effects when
// the host refuses. Binding a name that is already bound returns true and does
// not grab a second time.
func (r *Registry) Bind(name string) (bool, error) {
	if _, err := ParseAccelerator(name); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return false, ErrDestroyed
	}
	if _, ok := r.bindings[name]; ok {
		r.logger.Debugf("%s already bound", name)
		return true, nil
	}

	action, err := r.grabber.Grab(name)
	if err != nil {
		return false, fmt.Errorf("failed to grab %q: %w", name, err)
	}
	if action == NoAction {
		r.logger.Verbosef("Host refused to grab %s", name)
		return false, nil
	}

	// The host may hand out an id we still believe is live if it was released
	// behind our back; the old entry is stale and must not shadow the new one.
	if stale, ok := r.byAction[action]; ok {
		r.logger.Warningf("Action %d reassigned from %s to %s", action, stale, name)
		delete(r.bindings, stale)
	}

	r.bindings[name] = Binding{Name: name, Action: action}
	r.byAction[action] = name
	r.logger.Debugf("Bound %s (action %d)", name, action)

	return true, nil
}

// Unbind releases name. It returns false if name was not bound.
func (r *Registry) Unbind(name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return false, ErrDestroyed
	}
	return r.unbindLocked(name)
}

func (r *Registry) unbindLocked(name string) (bool, error) {
	b, ok := r.bindings[name]
	if !ok {
		return false, nil
	}

	if err := r.grabber.Ungrab(b.Action); err != nil {
		return false, fmt.Errorf("failed to release %q: %w", name, err)
	}

	delete(r.bindings, name)
	if r.byAction[b.Action] == name {
		delete(r.byAction, b.Action)
	}
	r.logger.Debugf("Unbound %s (action %d)", name, b.Action)

	return true, nil
}

// UnbindAll releases every bound name. It is a no-op on an empty registry.
func (r *Registry) UnbindAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return ErrDestroyed
	}
	return r.unbindAllLocked()
}

func (r *Registry) unbindAllLocked() error {
	var errs []error
	for name := range r.bindings {
		if _, err := r.unbindLocked(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Destroy releases every binding and detaches from the host. A failed release
// is retried once. The registry is unusable afterwards; a second Destroy
// returns ErrDestroyed.
func (r *Registry) Destroy() error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return ErrDestroyed
	}

	for name := range r.bindings {
		r.logger.Verbosef("Unbinding shortcut: %s", name)
	}
	err := r.unbindAllLocked()
	if err != nil {
		r.logger.Warningf("Retrying release of %d shortcut(s): %v", len(r.bindings), err)
		err = r.unbindAllLocked()
	}
	if err != nil {
		r.logger.Errorf("Giving up on %d host grab(s); they stay reserved until the shell restarts", len(r.bindings))
	}
	r.destroyed = true
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()

	// Detach outside the lock: the grabber may be waiting to deliver an
	// activation, which needs the lock to resolve the name.
	if unsubscribe != nil {
		unsubscribe()
	}
	return err
}

// Names returns the bound shortcut names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.bindings))
	for name := range r.bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsBound reports whether name currently holds a grant.
func (r *Registry) IsBound(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bindings[name]
	return ok
}

// dispatch resolves a host action id to the bound name and raises the activation.
func (r *Registry) dispatch(action uint32) {
	r.mu.Lock()
	name, ok := r.byAction[action]
	destroyed := r.destroyed
	r.mu.Unlock()

	if destroyed || !ok {
		r.logger.Debugf("Ignoring activation of foreign action %d", action)
		return
	}

	r.logger.Debugf("Shortcut %s activated (action %d)", name, action)
	r.onActivated(name)
}
