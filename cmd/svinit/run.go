// run.go is svinit's top-level driver, adapted from daemon/run.go's
// Run/Reload/Exit channel architecture: the same reload/stopch/tostopch
// triple and single event-serializing goroutine, but driving the condition
// store, registry and scheduler façade instead of a generic Server
// ensemble.
package main

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/One-com/gone/sd"
	"github.com/One-com/gone/signals"
	"github.com/halvardss/svinit/internal/cond"
	"github.com/halvardss/svinit/internal/config"
	"github.com/halvardss/svinit/internal/hook"
	"github.com/halvardss/svinit/internal/hookpoint"
	"github.com/halvardss/svinit/internal/logging"
	"github.com/halvardss/svinit/internal/loop"
	"github.com/halvardss/svinit/internal/plugin"
	_ "github.com/halvardss/svinit/internal/plugin/builtin"
	"github.com/halvardss/svinit/internal/registry"
	"github.com/halvardss/svinit/internal/sched"
	"github.com/halvardss/svinit/internal/service"
	"github.com/halvardss/svinit/internal/supervisor"
)

// Permanent channels, mirroring daemon/run.go's package-level reload/stopch/
// tostopch triple: never closed, so a second Run() call in tests still sees
// any leftover pending event.
var (
	reload   = make(chan struct{}, 1)
	stopch   = make(chan bool, 1)
	tostopch = make(chan time.Duration, 1)
)

// Reload schedules a configuration rescan on the next event-loop turn.
func Reload() {
	select {
	case reload <- struct{}{}:
	default:
	}
}

// Exit requests shutdown, graceful if graceful is true.
func Exit(graceful bool) {
	select {
	case stopch <- graceful:
	default:
	}
}

// ExitTimeout requests a graceful shutdown bounded by timeout.
func ExitTimeout(timeout time.Duration) {
	select {
	case tostopch <- timeout:
	default:
	}
}

// core bundles everything run() wires together, so signal/reload handlers
// (all running on the loop goroutine) can reach it without package-level
// globals beyond the channels above.
type core struct {
	opts       config.Options
	store      *cond.Store
	registry   *registry.Registry
	loop       *loop.Loop
	scheduler  *sched.Scheduler
	supervisor *supervisor.Supervisor
	reaper     *supervisor.Reaper
	plugins    *plugin.Manager
	hooks      *hook.Dispatcher

	mu       sync.Mutex
	runlevel int
}

// run is Run()'s analogue: build the core, bring the system up through its
// boot hooks, then block serializing reload/stop/signal events until exit.
func run(opts config.Options) error {
	c := &core{opts: opts}
	c.store = cond.New(opts.RunDir)
	// registry's dirtyCB forwards to c.scheduler.Schedule, resolved lazily
	// at call time - by the time any condition mutates, c.scheduler below
	// is already set, breaking the registry/scheduler construction cycle.
	c.registry = registry.New(c.store, func(svc *service.Service) { c.scheduler.Schedule(svc) })
	c.loop = loop.New()
	c.supervisor = supervisor.New()
	c.scheduler = sched.New(c.loop, c.registry, c.store, c.supervisor)
	c.scheduler.RespawnMax = opts.SvcRespawnMax
	c.scheduler.FastRetry = opts.FastRetry.Duration
	c.scheduler.SlowRetry = opts.SlowRetry.Duration

	c.reaper = supervisor.NewReaper(c.supervisor, c.registry, c.scheduler.Schedule)
	c.reaper.Watch(c.loop)

	c.plugins = plugin.New(opts.PluginDir)
	c.hooks = hook.New(c.plugins, c.store, c.registry, c.scheduler.Schedule, hook.Options{
		RunHookScripts: opts.RunHookScripts,
		ScriptBaseDir:  opts.HookScriptDir,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.loop.WatchSignals(signals.Mappings{
		syscall.SIGHUP:  func() { Reload() },
		syscall.SIGTERM: func() { Exit(true) },
		syscall.SIGINT:  func() { Exit(true) },
		syscall.SIGPWR:  func() { Exit(true) },
		syscall.SIGUSR1: func() { Exit(false) },
	})

	loopErrCh := make(chan error, 1)
	go func() { loopErrCh <- c.loop.Run(ctx) }()

	c.loop.ScheduleWork(func() { c.boot() })

	for {
		select {
		case <-reload:
			c.loop.ScheduleWork(func() { c.reloadConfig() })
		case graceful := <-stopch:
			c.loop.ScheduleWork(func() { c.shutdown(graceful, 0) })
			cancel()
			<-loopErrCh
			return nil
		case timeout := <-tostopch:
			c.loop.ScheduleWork(func() { c.shutdown(true, timeout) })
			cancel()
			<-loopErrCh
			return nil
		case err := <-loopErrCh:
			return err
		}
	}
}

// boot implements §4's startup ordering: fire the early hooks, join runlevel
// 2 (the original's default multi-user level), and notify readiness once
// SYSTEM_UP fires.
func (c *core) boot() {
	c.hooks.Run(hookpoint.BANNER, "")
	_ = c.store.MarkAvailable()
	c.hooks.Run(hookpoint.ROOTFS_UP, "")
	c.hooks.Run(hookpoint.BASEFS_UP, "")

	c.plugins.LoadAll(c.opts.Plugins)
	c.plugins.Start(c.loop)

	c.hooks.Run(hookpoint.NETWORK_UP, "")
	c.setRunlevel(2)
	c.hooks.Run(hookpoint.SVC_UP, "")
	c.hooks.Run(hookpoint.SYSTEM_UP, "")

	if err := sd.Notify(0, "READY=1"); err != nil && err != sd.ErrSdNotifyNoSocket {
		logging.Log(logging.WARN, "systemd notify failed", "err", err.Error())
	}
}

func (c *core) setRunlevel(level int) {
	c.mu.Lock()
	c.runlevel = level
	c.mu.Unlock()
	c.scheduler.ServiceRunlevel(level)
	c.hooks.Run(hookpoint.RUNLEVEL_CHANGE, fmt.Sprintf("%d", level))
}

// reloadConfig only logs the request: re-parsing service configuration is
// out of this binary's scope (spec.md §1); ReloadDynamic is wired for an
// embedder that supplies parsed service descriptors.
func (c *core) reloadConfig() {
	logging.Log(logging.NOTICE, "reload requested")
}

// shutdown implements the SHUTDOWN/HALT hook sequence and drops to runlevel
// 0, then waits up to timeout (if nonzero) for services to stop.
func (c *core) shutdown(graceful bool, timeout time.Duration) {
	mode := hook.Poweroff
	if !graceful {
		mode = hook.Halt
	}
	c.hooks.Run(hookpoint.SHUTDOWN, string(mode))
	c.setRunlevel(0)
	c.hooks.Run(hookpoint.HALT, "")
	if timeout > 0 {
		time.Sleep(timeout)
	}
}
