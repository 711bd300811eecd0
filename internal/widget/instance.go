package widget

import "sync"

// RenderState tracks the per-instance render half of the lifecycle.
type RenderState int

const (
	Unrendered RenderState = iota
	Rendering
	Rendered
)

func (s RenderState) String() string {
	switch s {
	case Unrendered:
		return "unrendered"
	case Rendering:
		return "rendering"
	case Rendered:
		return "rendered"
	default:
		return "unknown"
	}
}

// Container models the display slot the widget attaches to. It is detached
// when the owning form instance unmounts.
type Container struct {
	attached bool
	children int
}

// Attached reports whether the container is still part of the page.
func (c *Container) Attached() bool { return c != nil && c.attached }

// Instance is one mounted form's view of the widget. A given instance holds
// at most one live widget handle at a time.
type Instance struct {
	loader *Loader
	cb     Callbacks

	mu        sync.Mutex
	container *Container
	state     RenderState
	handle    string
	unmounted bool
	failed    bool
}

// State reports the instance render state.
func (in *Instance) State() RenderState {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Handle returns the opaque widget handle and whether one is live.
func (in *Instance) Handle() (string, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.handle, in.handle != ""
}

// Container exposes the display slot.
func (in *Instance) Container() *Container {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.container
}

// Render attempts to render the widget into the instance's container. Four
// guards must all hold: the container exists and is attached, the script is
// loaded, no handle is outstanding (a still-settling earlier attempt counts
// as outstanding), and the container is empty. A failing guard is a silent
// no-op, not an error; a render failure rolls back to Unrendered so a later
// attempt can succeed. The loader performs no retry of its own.
func (in *Instance) Render() {
	in.render()
}

func (in *Instance) render() {
	in.mu.Lock()
	if in.state != Unrendered || !in.container.Attached() || !in.loader.available() ||
		in.handle != "" || in.container.children != 0 {
		in.mu.Unlock()
		return
	}
	in.state = Rendering
	in.mu.Unlock()

	handle, err := in.loader.renderFn(in.loader.siteKey)

	in.mu.Lock()
	if in.unmounted || in.handle != "" || in.container.children != 0 {
		in.mu.Unlock()
		if err == nil {
			in.loader.remove(handle)
		}
		return
	}
	if err != nil {
		in.state = Unrendered
		in.mu.Unlock()
		in.loader.logger.Warn("widget render failed", "site", in.loader.siteKey, "err", err)
		return
	}
	in.state = Rendered
	in.handle = handle
	in.container.children = 1
	in.mu.Unlock()
}

// complete is the pending-list callback: a settled load either renders the
// instance or reports the load failure once.
func (in *Instance) complete(err error) {
	if err != nil {
		in.fail(err)
		return
	}
	in.render()
}

func (in *Instance) fail(err error) {
	in.mu.Lock()
	if in.unmounted || in.failed {
		in.mu.Unlock()
		return
	}
	in.failed = true
	cb := in.cb.OnError
	in.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// DeliverToken forwards the widget's verification token to the mount
// callback. Tokens are opaque and passed through verbatim; tokens for an
// unmounted or unrendered instance are dropped.
func (in *Instance) DeliverToken(token string) {
	in.mu.Lock()
	ok := !in.unmounted && in.state == Rendered
	cb := in.cb.OnToken
	in.mu.Unlock()
	if ok && cb != nil {
		cb(token)
	}
}

// Unmount releases the instance on every exit path: it deregisters a
// still-pending load callback, removes a rendered widget handle (removal
// errors are swallowed), detaches the container and returns the instance
// to Unrendered. Safe to call more than once.
func (in *Instance) Unmount() {
	in.loader.deregister(in)

	in.mu.Lock()
	if in.unmounted {
		in.mu.Unlock()
		return
	}
	in.unmounted = true
	handle := in.handle
	in.handle = ""
	in.state = Unrendered
	if in.container != nil {
		in.container.children = 0
		in.container.attached = false
	}
	in.mu.Unlock()

	if handle != "" {
		in.loader.remove(handle)
	}
}

// remove is best-effort widget removal; failures are logged and swallowed.
func (l *Loader) remove(handle string) {
	if err := l.removeFn(handle); err != nil {
		l.logger.Debug("widget remove failed", "site", l.siteKey, "err", err)
	}
}
