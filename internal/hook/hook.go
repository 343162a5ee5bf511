// Package hook implements the Hook Dispatcher (spec.md §4.5): run_hook(point,
// arg) fans out to every active plugin in load order, latches the
// corresponding "hook/…" condition ON the first time a point in
// BASEFS_UP..SHUTDOWN fires, then steps every RUN/TASK service so anything
// gated on that condition is re-evaluated.
package hook

import (
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/halvardss/svinit/internal/cond"
	"github.com/halvardss/svinit/internal/hookpoint"
	"github.com/halvardss/svinit/internal/logging"
	"github.com/halvardss/svinit/internal/plugin"
	"github.com/halvardss/svinit/internal/registry"
	"github.com/halvardss/svinit/internal/service"
)

// Point re-exports hookpoint.Point so callers only need to import this
// package for the common case.
type Point = hookpoint.Point

const (
	BANNER          = hookpoint.BANNER
	ROOTFS_UP       = hookpoint.ROOTFS_UP
	BASEFS_UP       = hookpoint.BASEFS_UP
	NETWORK_UP      = hookpoint.NETWORK_UP
	SVC_UP          = hookpoint.SVC_UP
	SYSTEM_UP       = hookpoint.SYSTEM_UP
	RUNLEVEL_CHANGE = hookpoint.RUNLEVEL_CHANGE
	SHUTDOWN        = hookpoint.SHUTDOWN
	HALT            = hookpoint.HALT
	REBOOT          = hookpoint.REBOOT
)

// ShutdownMode is FINIT_SHUTDOWN's value for hook-scripts run at SHUTDOWN
// (§4.5 optional behaviour).
type ShutdownMode string

const (
	Poweroff ShutdownMode = "poweroff"
	Halt     ShutdownMode = "halt"
	Reboot   ShutdownMode = "reboot"
)

// Options configures optional dispatcher behaviour. RunHookScripts is a
// runtime flag rather than a build tag - spec.md §4.5 notes this is "a
// cleaner rendition of finit's #ifdef".
type Options struct {
	RunHookScripts bool
	ScriptBaseDir  string
}

// Dispatcher runs registered plugin hook callbacks and, optionally,
// hook-script directories.
type Dispatcher struct {
	plugins    *plugin.Manager
	conditions *cond.Store
	registry   *registry.Registry
	schedule   func(*service.Service)
	opts       Options
	fired      map[hookpoint.Point]bool
}

// New creates a Dispatcher. schedule is invoked for every RUN/TASK service
// after a hook fires, so the scheduler façade re-steps them.
func New(plugins *plugin.Manager, conditions *cond.Store, reg *registry.Registry, schedule func(*service.Service), opts Options) *Dispatcher {
	return &Dispatcher{
		plugins:    plugins,
		conditions: conditions,
		registry:   reg,
		schedule:   schedule,
		opts:       opts,
		fired:      make(map[hookpoint.Point]bool),
	}
}

// Run implements run_hook(point, arg) (§4.5).
func (d *Dispatcher) Run(point hookpoint.Point, arg string) {
	d.plugins.RunHook(point, arg)

	if key, ok := hookpoint.ConditionKey(point); ok && d.conditions != nil && !d.fired[point] {
		if err := d.conditions.Set(key, cond.ON); err != nil {
			logging.Log(logging.WARN, "hook condition set failed", "point", point.String(), "err", err.Error())
		} else {
			d.fired[point] = true
		}
	}

	if d.opts.RunHookScripts {
		d.runScripts(point, arg)
	}

	if d.registry != nil && d.schedule != nil {
		for _, svc := range d.registry.AllOfKind(service.RUN, service.TASK) {
			d.schedule(svc)
		}
	}
}

// runScripts implements §4.5's optional hook-scripts: every regular file
// under <base>/<hook-suffix>/, in name order (run-parts semantics), run
// with FINIT_HOOK_NAME and, for SHUTDOWN, FINIT_SHUTDOWN set.
func (d *Dispatcher) runScripts(point hookpoint.Point, arg string) {
	dir := filepath.Join(d.opts.ScriptBaseDir, hookScriptSuffix(point))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && len(e.Name()) > 0 && e.Name()[0] != '.' {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	env := append(os.Environ(), "FINIT_HOOK_NAME="+point.String())
	if point == hookpoint.SHUTDOWN && arg != "" {
		env = append(env, "FINIT_SHUTDOWN="+arg)
	}
	for _, name := range names {
		path := filepath.Join(dir, name)
		cmd := exec.Command(path, arg)
		cmd.Env = env
		if err := cmd.Run(); err != nil {
			logging.Log(logging.WARN, "hook script failed", "script", path, "err", err.Error())
		}
	}
}

// hookScriptSuffix derives the <hook-suffix> directory name from point's
// String(), lower-cased and hyphenated (e.g. BASEFS_UP -> "basefs-up").
func hookScriptSuffix(point hookpoint.Point) string {
	s := point.String()
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r == '_' {
			out = append(out, '-')
			continue
		}
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		out = append(out, byte(r))
	}
	return string(out)
}
