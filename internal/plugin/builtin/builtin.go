// Package builtin registers the compile-time plugin table (spec.md §4.6):
// each file's init() calls plugin.Register so the capability table is fully
// populated before any Manager.Load call runs, mirroring the original's
// PLUGIN_INIT macro's "automatically register at startup" contract.
//
// Importing this package for its side effects is what makes a plugin name
// resolvable; cmd/svinit does so with a blank import.
package builtin

import (
	"os"
	"path/filepath"

	"github.com/halvardss/svinit/internal/hookpoint"
	"github.com/halvardss/svinit/internal/logging"
	"github.com/halvardss/svinit/internal/plugin"
)

func init() {
	plugin.Register(&plugin.Plugin{
		Name: "bootmisc",
		Hooks: map[hookpoint.Point]func(string){
			hookpoint.BASEFS_UP: mountVolatile,
		},
	})

	plugin.Register(&plugin.Plugin{
		Name:    "hotplug",
		Depends: []string{"bootmisc"},
		Hooks: map[hookpoint.Point]func(string){
			hookpoint.NETWORK_UP: func(arg string) {
				logging.Log(logging.INFO, "hotplug ready", "arg", arg)
			},
		},
	})
}

// mountVolatile implements the original's bootmisc plugin behaviour of
// ensuring the well-known volatile runtime directories exist before
// anything depends on them (§4.5's BASEFS_UP: "after filesystems are
// available").
func mountVolatile(arg string) {
	for _, dir := range []string{"/run/lock", "/run/log"} {
		if err := os.MkdirAll(filepath.Clean(dir), 0755); err != nil {
			logging.Log(logging.WARN, "bootmisc: mkdir failed", "dir", dir, "err", err.Error())
		}
	}
}
