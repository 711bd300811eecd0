// Package widget manages the third-party verification widget: a once-only
// fetch of its script shared by every form instance on a site, and the
// per-instance render lifecycle. The load-state that used to live in
// module-level globals is held by an explicit Loader so independent
// instances (and tests) do not leak state into each other.
package widget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DefaultScriptURL is the fixed upstream location of the widget script.
const DefaultScriptURL = "https://challenges.cloudflare.com/turnstile/v0/api.js"

// ScriptState tracks the process-wide script-load half of the lifecycle.
type ScriptState int

const (
	ScriptNotLoaded ScriptState = iota
	ScriptLoading
	ScriptLoaded
)

func (s ScriptState) String() string {
	switch s {
	case ScriptNotLoaded:
		return "not_loaded"
	case ScriptLoading:
		return "loading"
	case ScriptLoaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// ErrDisposed is returned by Script after the loader has been disposed.
var ErrDisposed = errors.New("widget loader disposed")

// Callbacks are the hooks a form instance registers at mount time. OnToken
// receives the widget's opaque verification token verbatim. OnError fires
// at most once, if the script fails to load.
type Callbacks struct {
	OnToken func(token string)
	OnError func(err error)
}

// loadWaiter is anything parked on the pending list while the script loads:
// mounted instances, and Script's channel waiters.
type loadWaiter interface {
	complete(err error)
}

// Loader owns the shared script state for one site. All mutation is
// serialized by its mutex; pending waiters are drained in registration
// order once a load settles, outside the lock.
type Loader struct {
	siteKey string
	theme   string
	url     string
	fetcher Fetcher
	logger  *slog.Logger

	renderFn func(siteKey string) (handle string, err error)
	removeFn func(handle string) error

	mu       sync.Mutex
	state    ScriptState
	script   []byte
	pending  []loadWaiter
	disposed bool
}

type LoaderOption func(*Loader)

// WithTheme sets the widget theme passed to render.
func WithTheme(theme string) LoaderOption {
	return func(l *Loader) { l.theme = theme }
}

func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

// WithRenderFunc replaces widget-handle creation, for tests and for
// alternate widget backends.
func WithRenderFunc(fn func(siteKey string) (string, error)) LoaderOption {
	return func(l *Loader) { l.renderFn = fn }
}

// WithRemoveFunc replaces widget-handle removal. Errors from removal are
// always swallowed; cleanup is best effort.
func WithRemoveFunc(fn func(handle string) error) LoaderOption {
	return func(l *Loader) { l.removeFn = fn }
}

// NewLoader creates a loader for one site. A nil fetcher gets the default
// HTTP fetcher against url (or DefaultScriptURL when url is empty).
func NewLoader(siteKey, url string, fetcher Fetcher, opts ...LoaderOption) *Loader {
	if url == "" {
		url = DefaultScriptURL
	}
	if fetcher == nil {
		fetcher = &HTTPFetcher{}
	}
	l := &Loader{
		siteKey: siteKey,
		theme:   "auto",
		url:     url,
		fetcher: fetcher,
		logger:  slog.Default(),
		renderFn: func(string) (string, error) {
			return uuid.NewString(), nil
		},
		removeFn: func(string) error { return nil },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Loader) SiteKey() string { return l.siteKey }
func (l *Loader) Theme() string   { return l.theme }

// State reports the script-load state.
func (l *Loader) State() ScriptState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Mount registers a form instance and begins the load/render sequence.
// The first mount on a NotLoaded loader triggers exactly one script fetch;
// mounts that arrive while Loading queue behind it and never re-fetch.
func (l *Loader) Mount(cb Callbacks) *Instance {
	inst := &Instance{
		loader:    l,
		cb:        cb,
		container: &Container{attached: true},
	}

	l.mu.Lock()
	if l.disposed {
		inst.container.attached = false
		l.mu.Unlock()
		return inst
	}
	switch l.state {
	case ScriptLoaded:
		l.mu.Unlock()
		inst.render()
	case ScriptLoading:
		l.pending = append(l.pending, inst)
		l.mu.Unlock()
	default:
		l.state = ScriptLoading
		l.pending = append(l.pending, inst)
		l.mu.Unlock()
		go l.load()
	}
	return inst
}

// Script returns the cached widget script, mounting a waiter and blocking
// until the shared load settles. Cancelling ctx deregisters the waiter.
func (l *Loader) Script(ctx context.Context) ([]byte, error) {
	l.mu.Lock()
	if l.disposed {
		l.mu.Unlock()
		return nil, ErrDisposed
	}
	if l.state == ScriptLoaded {
		script := l.script
		l.mu.Unlock()
		return script, nil
	}
	w := &scriptWaiter{done: make(chan error, 1)}
	l.pending = append(l.pending, w)
	if l.state == ScriptNotLoaded {
		l.state = ScriptLoading
		l.mu.Unlock()
		go l.load()
	} else {
		l.mu.Unlock()
	}

	select {
	case err := <-w.done:
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		script := l.script
		l.mu.Unlock()
		return script, nil
	case <-ctx.Done():
		l.deregister(w)
		return nil, ctx.Err()
	}
}

// load performs the single shared fetch and drains the pending list in
// registration order. A failed fetch returns the loader to NotLoaded so a
// later mount can retry; leaving it stuck in Loading would permanently
// block the page.
func (l *Loader) load() {
	script, err := l.fetcher.Fetch(context.Background(), l.url)

	l.mu.Lock()
	if l.disposed {
		l.mu.Unlock()
		return
	}
	pending := l.pending
	l.pending = nil
	if err != nil {
		l.state = ScriptNotLoaded
		l.mu.Unlock()
		l.logger.Warn("widget script load failed", "site", l.siteKey, "err", err)
		for _, w := range pending {
			w.complete(fmt.Errorf("load widget script: %w", err))
		}
		return
	}
	l.state = ScriptLoaded
	l.script = script
	l.mu.Unlock()
	for _, w := range pending {
		w.complete(nil)
	}
}

// deregister drops a waiter that has not completed yet, so its callbacks
// never fire after the caller has gone away.
func (l *Loader) deregister(w loadWaiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, p := range l.pending {
		if p == w {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			return
		}
	}
}

func (l *Loader) available() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == ScriptLoaded && !l.disposed
}

// Dispose releases all shared state. Pending waiters complete with
// ErrDisposed so nothing blocks on a loader that will never load, and later
// mounts become inert no-ops.
func (l *Loader) Dispose() {
	l.mu.Lock()
	l.disposed = true
	l.state = ScriptNotLoaded
	l.script = nil
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, w := range pending {
		w.complete(ErrDisposed)
	}
}

type scriptWaiter struct {
	done chan error
}

func (w *scriptWaiter) complete(err error) {
	select {
	case w.done <- err:
	default:
	}
}
