package plugin

import (
	"github.com/halvardss/svinit/internal/hookpoint"
	"github.com/halvardss/svinit/internal/logging"
	"github.com/halvardss/svinit/internal/loop"
)

// Manager holds the insertion-ordered active list (§3 "iteration order is
// load order") and attaches io.fd-bearing plugins to the event loop.
type Manager struct {
	namespace string
	active    []*Plugin
	byName    map[string]*Plugin
	loop      *loop.Loop
}

// New creates a Manager. namespace is the configured plugin path prefix used
// by the second pass of find-by-name (§4.6).
func New(namespace string) *Manager {
	return &Manager{namespace: namespace, byName: make(map[string]*Plugin)}
}

// Load resolves name (exact, then namespace-prefixed) and adds it - and,
// recursively, everything in its Depends[] not already active - to the
// active list (§4.6: "before adding a plugin to the active list, iterate
// its declared depends[]"). Loading the same name twice is a no-op.
func (m *Manager) Load(name string) error {
	p, ok := lookup(name, m.namespace)
	if !ok {
		return errNotFound(name)
	}
	if _, ok := m.byName[p.Name]; ok {
		return nil
	}
	for _, dep := range p.Depends {
		if err := m.Load(dep); err != nil {
			// §8 edge case: plugin load failure is logged, that plugin
			// omitted, other plugins continue - a missing dependency
			// therefore omits the dependent too, but not its siblings.
			logging.Log(logging.WARN, "plugin dependency failed to load", "plugin", name, "depends", dep, "err", err.Error())
			return err
		}
	}
	m.byName[p.Name] = p
	m.active = append(m.active, p)
	return nil
}

// LoadAll loads every name in names, continuing past individual failures
// (§8: "that plugin omitted, other plugins continue").
func (m *Manager) LoadAll(names []string) {
	for _, name := range names {
		if err := m.Load(name); err != nil {
			logging.Log(logging.WARN, "plugin load failed", "plugin", name, "err", err.Error())
		}
	}
}

// Active returns the active list in load order.
func (m *Manager) Active() []*Plugin {
	out := make([]*Plugin, len(m.active))
	copy(out, m.active)
	return out
}

// RunHook invokes every active plugin's callback for point, in load order,
// with arg (spec.md §4.5's run_hook). Dispatching the resulting condition
// set and service step is internal/hook's job, not this package's - Manager
// only owns the plugin table.
func (m *Manager) RunHook(point hookpoint.Point, arg string) {
	for _, p := range m.active {
		cb, ok := p.Hooks[point]
		if !ok || cb == nil {
			continue
		}
		cb(arg)
	}
}

// Start attaches every active plugin's IO watcher to l (§4.6: "at loop
// start"). Each watcher is one-shot-level-triggered: the loop callback
// stops watching before invoking the plugin, which may close/replace FD,
// then Start re-arms against whatever the plugin's IO field holds
// afterwards - supporting a FIFO the plugin re-opens (scenario 6).
func (m *Manager) Start(l *loop.Loop) {
	m.loop = l
	for _, p := range m.active {
		if p.IO != nil && p.IO.FD > 0 && p.IO.Callback != nil {
			m.arm(p)
		}
	}
}

func (m *Manager) arm(p *Plugin) {
	m.loop.WatchFD(p.IO.FD, p.IO.Events, func() {
		p.IO.Callback()
		// The callback may have closed/replaced FD; only re-arm if it's
		// still declaring interest.
		if p.IO.FD > 0 && p.IO.Callback != nil {
			m.arm(p)
		}
	})
}
