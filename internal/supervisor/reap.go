package supervisor

import (
	"syscall"

	"github.com/One-com/gone/signals"
	"github.com/halvardss/svinit/internal/logging"
	"github.com/halvardss/svinit/internal/loop"
	"github.com/halvardss/svinit/internal/registry"
	"github.com/halvardss/svinit/internal/service"
)

// Reaper drains SIGCHLD into registry/state-machine updates, implementing
// spec.md §4.4's reap step: "wait(2) collects the exit status, clears pid,
// and the service is re-stepped". Grounded in daemon/log.go's convention of
// routing OS signals into the event loop rather than handling them inline
// on the signal-delivery goroutine.
type Reaper struct {
	sup      *Supervisor
	registry *registry.Registry
	schedule func(*service.Service)

	// TTYOffer is the narrow "Terminal manager" collaborator seam (§6, and
	// original_source/src/tty.c's tty_respawn): a pid wait(2) collects that
	// doesn't match any tracked service is offered here before being treated
	// as an ordinary orphan reap, since TTY lifecycle is owned externally.
	// Defaults to a no-op that refuses every pid, so a pure-core build
	// behaves exactly as if the seam didn't exist.
	TTYOffer func(pid int) (handled bool)
}

// NewReaper wires sup's live-process table to registry lookups and the
// scheduler's Schedule callback (so a reaped service is re-stepped on the
// loop's next turn).
func NewReaper(sup *Supervisor, reg *registry.Registry, schedule func(*service.Service)) *Reaper {
	return &Reaper{
		sup:      sup,
		registry: reg,
		schedule: schedule,
		TTYOffer: func(int) bool { return false },
	}
}

// Watch installs the SIGCHLD handler on l, via gone/signals' Mappings idiom.
func (r *Reaper) Watch(l *loop.Loop) {
	l.WatchSignals(signals.Mappings{
		syscall.SIGCHLD: r.reapAll,
	})
}

// reapAll drains every exited child in one pass, since multiple children
// can exit between SIGCHLD deliveries (signals don't queue).
func (r *Reaper) reapAll() {
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}

		svc, ok := r.registry.LookupPid(pid)
		if !ok {
			if r.TTYOffer != nil && r.TTYOffer(pid) {
				continue
			}
			logging.Log(logging.DEBUG, "reaped untracked child", "pid", pid, "status", status.ExitStatus())
			continue
		}
		if st, ok := r.sup.procs[pid]; ok {
			if st.sink != nil {
				_ = st.sink.Close()
			}
			delete(r.sup.procs, pid)
		}

		// Terminate any children left behind in the reaped service's process
		// group (original_source/src/service.c's monitor(): "Terminate any
		// children in the same process group"). ESRCH means the group is
		// already empty - the common case - and is silently ignored.
		_ = syscall.Kill(-pid, syscall.SIGKILL)

		logging.Log(logging.INFO, "child reaped", "cmd", svc.Cmd, "id", svc.ID, "pid", pid, "status", status.ExitStatus())
		svc.Status = status
		svc.Started = status.Exited() && status.ExitStatus() == 0
		r.registry.ClearPid(svc)
		if r.schedule != nil {
			r.schedule(svc)
		}
	}
}
