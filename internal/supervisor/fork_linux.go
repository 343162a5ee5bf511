// Package supervisor implements service.ProcessControl (spec.md §4.4): the
// fork/exec/signal/reap layer the state machine drives. Grounded in
// original_source/src/service.c's run_process()/start()/stop(), rendered
// with os/exec + syscall.SysProcAttr instead of raw fork()+execvp(), and in
// daemon/log.go's signal/process conventions for the logging idiom.
package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/halvardss/svinit/internal/logging"
	"github.com/halvardss/svinit/internal/service"
)

// Supervisor implements service.ProcessControl against real OS processes.
type Supervisor struct {
	procs map[int]*procState
}

// procState tracks what Start() set up for a live child, so Stop-family
// calls and the reaper can tear it down cleanly.
type procState struct {
	cmd  *exec.Cmd
	sink *logSink
}

// New creates a Supervisor. Install a Reaper (reap.go, NewReaper + Watch)
// alongside it to process SIGCHLD.
func New() *Supervisor {
	return &Supervisor{procs: make(map[int]*procState)}
}

// Start implements §4.4 start(): expand argv, resolve env-file, set up
// rlimits/credentials/working directory/session, fork+exec, then join the
// requested cgroup.
func (s *Supervisor) Start(svc *service.Service) error {
	env, err := readEnvFile(svc.Exec.EnvFile)
	if err != nil {
		if os.IsNotExist(err) {
			return missingErr(svc.Exec.Cmd, err)
		}
		return crashErr(svc.Exec.Cmd, err)
	}
	argv, err := expandArgv(svc.Exec.Argv, env)
	if err != nil {
		return crashErr(svc.Exec.Cmd, err)
	}
	if len(argv) == 0 {
		argv = []string{svc.Exec.Cmd}
	}

	sink, err := openLogSink(svc.Log)
	if err != nil {
		return crashErr(svc.Exec.Cmd, err)
	}

	cmd := exec.Command(svc.Exec.Cmd, argv[1:]...)
	cmd.Stdout = sink.writer()
	cmd.Stderr = sink.writer()
	cmd.Stdin = nil
	cmd.Env = append(os.Environ(), env...)
	if svc.Exec.Home != "" {
		cmd.Dir = svc.Exec.Home
	}

	attr := &syscall.SysProcAttr{Setsid: true}
	if svc.Exec.UID != nil || svc.Exec.GID != nil {
		cred := &syscall.Credential{}
		if svc.Exec.UID != nil {
			cred.Uid = *svc.Exec.UID
		}
		if svc.Exec.GID != nil {
			cred.Gid = *svc.Exec.GID
		}
		attr.Credential = cred
	}
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		sink.Close()
		if errors.Is(err, exec.ErrNotFound) || os.IsNotExist(err) {
			return missingErr(svc.Exec.Cmd, err)
		}
		return crashErr(svc.Exec.Cmd, err)
	}

	if err := applyRlimits(cmd.Process.Pid, svc.Exec.Rlimits); err != nil {
		logging.Log(logging.WARN, "rlimit apply failed", "cmd", svc.Cmd, "err", err.Error())
	}
	cgroup := svc.Exec.Cgroup
	if cgroup.Group == "" && svc.SourceFile != "" {
		cgroup.Group = strings.TrimSuffix(filepath.Base(svc.SourceFile), ".conf")
	}
	if err := joinCgroup(cmd.Process.Pid, cgroup); err != nil {
		logging.Log(logging.WARN, "cgroup join failed", "cmd", svc.Cmd, "err", err.Error())
	}

	if svc.Kind == service.RUN {
		// §4.4 step 6: RUN is the one kind whose start() synchronously
		// waitpid()s the child instead of handing reap off to the async
		// SIGCHLD path, so the caller sees it transition straight through
		// to stopped.
		waitErr := cmd.Wait()
		sink.Close()
		if ps := cmd.ProcessState; ps != nil {
			if ws, ok := ps.Sys().(syscall.WaitStatus); ok {
				svc.Status = ws
			}
			svc.Started = ps.Success()
		} else if waitErr != nil {
			logging.Log(logging.WARN, "run wait failed", "cmd", svc.Cmd, "err", waitErr.Error())
		}
		svc.StartTime = time.Now()
		svc.Pid = 0
		return nil
	}

	s.procs[cmd.Process.Pid] = &procState{cmd: cmd, sink: sink}
	svc.Pid = cmd.Process.Pid
	svc.StartTime = time.Now()
	return nil
}
