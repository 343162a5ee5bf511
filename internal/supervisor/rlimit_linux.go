package supervisor

import (
	"golang.org/x/sys/unix"

	"github.com/halvardss/svinit/internal/service"
)

// applyRlimits implements §4.4 step "for each configured resource, call
// setrlimit()". The original applies rlimits to itself between fork() and
// execvp(); Go's runtime forbids arbitrary syscalls in that window, so this
// applies them to the already-started child via prlimit(2), which accepts
// an arbitrary target pid. cmd.Start has returned after the exec by then, so
// the child runs under the inherited limits until this call lands.
func applyRlimits(pid int, limits []service.Rlimit) error {
	for _, rl := range limits {
		n := &unix.Rlimit{Cur: rl.Limit.Cur, Max: rl.Limit.Max}
		if err := unix.Prlimit(pid, rl.Resource, n, nil); err != nil {
			return err
		}
	}
	return nil
}
