package supervisor

import (
	"os/exec"
	"syscall"

	"github.com/halvardss/svinit/internal/service"
)

// group returns the process-group target for a signal send: the original
// calls setsid() before exec so the child becomes its own process group
// leader, and signals the negative pid to reach the whole group.
func group(pid int) int { return -pid }

func (s *Supervisor) signal(svc *service.Service, sig syscall.Signal, op string) error {
	if svc.Pid == 0 {
		return nil
	}
	err := syscall.Kill(group(svc.Pid), sig)
	return signalErr(op, svc.Pid, err)
}

// SignalHalt implements §4.4 stop(): deliver the configured halt signal
// (default SIGTERM) to the child's process group.
func (s *Supervisor) SignalHalt(svc *service.Service) error {
	sig := svc.Policy.HaltSignal
	if sig == 0 {
		sig = syscall.SIGTERM
	}
	return s.signal(svc, sig, "halt")
}

// SignalKill is the kill-timer's forceful fallback (§4.3 armKillTimer).
func (s *Supervisor) SignalKill(svc *service.Service) error {
	return s.signal(svc, syscall.SIGKILL, "kill")
}

// SignalPause implements the condition-FLUX pause (§4.3 RUNNING -> WAITING).
func (s *Supervisor) SignalPause(svc *service.Service) error {
	return s.signal(svc, syscall.SIGSTOP, "pause")
}

// SignalResume implements condition-FLUX recovery (§4.3 WAITING -> RUNNING).
func (s *Supervisor) SignalResume(svc *service.Service) error {
	return s.signal(svc, syscall.SIGCONT, "resume")
}

// SignalRestart implements the "dirty, condition still ON" reload path
// (§4.3 RUNNING transition): SIGHUP rather than a full stop/start cycle.
func (s *Supervisor) SignalRestart(svc *service.Service) error {
	return s.signal(svc, syscall.SIGHUP, "restart")
}

// RunSysv implements SYSV-kind stop (§4.4 stop(): "invoke cmd stop"),
// running the script synchronously. A non-zero exit is reported as a
// startError, which never reads as ESRCH, so the caller treats it like any
// other failed halt.
func (s *Supervisor) RunSysv(svc *service.Service, arg string) error {
	cmd := exec.Command(svc.Exec.Cmd, arg)
	if err := cmd.Run(); err != nil {
		return crashErr(svc.Exec.Cmd, err)
	}
	svc.Pid = 0
	return nil
}
