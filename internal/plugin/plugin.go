// Package plugin implements the Plugin Manager (spec.md §4.6) as a
// compile-time capability table: Go has no portable dlopen-equivalent for
// statically linked binaries, and per spec.md §9's design note, "compile-time
// registration via a static array covers the same contract when the target
// disallows runtime loading". Plugins register themselves from an init() in
// a file under internal/plugin/builtin, the same idiom gone/log's manager
// uses for hierarchical logger registration.
//
// This keeps declared-name resolution semantics (§9's Open Question):
// lookup is always by the name a plugin declared itself under, never by a
// filename, since a compile-time table has no files to derive one from.
package plugin

import (
	"fmt"

	"github.com/halvardss/svinit/internal/hookpoint"
)

// IO describes an fd a plugin wants the event loop to watch (§4.6 "io.fd").
type IO struct {
	FD     int
	Events uint32
	// Callback fires when FD is ready. The manager stops the watcher before
	// invoking Callback and re-arms afterwards against whatever FD/Events
	// the plugin's IO field holds at that point, so a callback may close
	// and reopen FD (§4.6 last paragraph, scenario 6).
	Callback func()
}

// Plugin is the {name, depends[], hook-callbacks[], io} record from §3.
type Plugin struct {
	Name    string
	Depends []string
	// Hooks maps a hook point to the callback run_hook invokes for it.
	Hooks map[hookpoint.Point]func(arg string)
	// IO is nil for plugins that only hook lifecycle points.
	IO *IO
}

// table is the compile-time capability table: every known plugin, keyed by
// its declared name, populated by Register calls from builtin package
// init()s. It is intentionally package-level and mutated only at
// init()-time, before any Manager exists - the static-array equivalent
// spec.md §9 calls for.
var table = map[string]*Plugin{}

// Register adds p to the compile-time table. Call from an init() function.
// Registering the same name twice is idempotent (§4.6 "duplicate
// registration by name is idempotent") and keeps the first registration.
func Register(p *Plugin) {
	if _, exists := table[p.Name]; exists {
		return
	}
	table[p.Name] = p
}

// lookup implements §4.6's two-pass find-by-name: first an exact match
// against the table, then - if name carries no "/" - a retry under the
// configured namespace prefix. There is no filesystem path/suffix step,
// since a compile-time table has no files (§9's resolved policy).
func lookup(name, namespace string) (*Plugin, bool) {
	if p, ok := table[name]; ok {
		return p, true
	}
	if namespace != "" && !hasSlash(name) {
		if p, ok := table[namespace+"/"+name]; ok {
			return p, true
		}
	}
	return nil, false
}

func hasSlash(s string) bool {
	for _, r := range s {
		if r == '/' {
			return true
		}
	}
	return false
}

// errNotFound is returned by Manager.Load when a plugin name resolves to
// nothing in the compile-time table.
func errNotFound(name string) error {
	return fmt.Errorf("plugin: %q not found in compile-time table", name)
}
