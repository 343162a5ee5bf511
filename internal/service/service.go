// Package service defines the Service data model (spec.md §3) and its state
// machine (§4.3). This is the largest package in the core, matching
// spec.md's estimated 28% share.
package service

import (
	"sync"
	"syscall"
	"time"

	"github.com/halvardss/svinit/internal/cond"
)

// Kind is the service taxonomy from §3.
type Kind int

const (
	// SERVICE is a long-running daemon.
	SERVICE Kind = iota
	// TASK is a one-shot that may run in parallel with others.
	TASK
	// RUN is a one-shot, serial: blocks runlevel progression until exit.
	RUN
	// SYSV is invoked with literal arguments start/stop.
	SYSV
	// TTY is a login terminal; lifecycle owned by an external collaborator.
	TTY
	// INETD is a listening-socket handoff service.
	INETD
)

func (k Kind) String() string {
	switch k {
	case SERVICE:
		return "SERVICE"
	case TASK:
		return "TASK"
	case RUN:
		return "RUN"
	case SYSV:
		return "SYSV"
	case TTY:
		return "TTY"
	case INETD:
		return "INETD"
	default:
		return "UNKNOWN"
	}
}

// State is one of the six FSM states from §4.3.
type State int

const (
	// HALTED - not running; may become ready when enabled.
	HALTED State = iota
	// READY - enabled and waiting for conditions to be ON.
	READY
	// RUNNING - child process alive.
	RUNNING
	// STOPPING - termination requested; awaiting reap (kill-timer armed).
	STOPPING
	// WAITING - child alive but paused (SIGSTOP'd) because conditions went
	// to FLUX.
	WAITING
	// DONE - one-shot has completed for this runlevel.
	DONE
)

func (s State) String() string {
	switch s {
	case HALTED:
		return "HALTED"
	case READY:
		return "READY"
	case RUNNING:
		return "RUNNING"
	case STOPPING:
		return "STOPPING"
	case WAITING:
		return "WAITING"
	case DONE:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// LogPolicy is the output redirection policy from §3.
type LogPolicy int

const (
	// LogNull redirects to /dev/null.
	LogNull LogPolicy = iota
	// LogConsole redirects to the system console.
	LogConsole
	// LogLogger spawns an external logger process.
	LogLogger
)

// LogSpec describes the output redirection configuration.
type LogSpec struct {
	Policy   LogPolicy
	File     string
	MaxSize  int64
	Rotate   int
	Tag      string
	Priority int
}

// Rlimit is a single resource limit to apply to the child before exec.
type Rlimit struct {
	Resource int
	Limit    syscall.Rlimit
}

// CgroupSpec describes the cgroup the child should join. Per §9's Open
// Question about sizeof(svc->cgroup): the settings string is bounded to a
// fixed length, checked against Settings only (not the struct as a whole).
type CgroupSpec struct {
	// Group is derived from the originating config file's basename, with
	// .conf stripped (§4.4 step 6), unless overridden.
	Group string
	// Settings is a ≤ fixed-bound string of cgroup controller settings.
	Settings string
}

// MaxCgroupSettingsLen bounds CgroupSpec.Settings (§9's resolved policy).
const MaxCgroupSettingsLen = 256

// Policy bundles the restart/runlevel/signal policy knobs from §3.
type Policy struct {
	// Runlevels is a bitmap of levels 0..9 plus the S ("single user")
	// pseudo-level, which is bit 10.
	Runlevels RunlevelSet
	// HaltSignal is sent to stop the service; default SIGTERM.
	HaltSignal syscall.Signal
	// KillDelay is the graceful-to-forceful termination window; zero means
	// a 3s default. The state machine uses the value as given: the [1s, 60s]
	// bound is applied only by config.Options.ClampKillDelay.
	KillDelay time.Duration
	// RespawnMax is the cap on restart_cnt before crashing latches.
	RespawnMax int
	// NoHup, if true, means a "dirty" RUNNING service with its condition
	// still ON is stopped rather than SIGHUP'd (§4.3 RUNNING transition).
	NoHup bool
	// Manual, if true, disables auto-start: only explicit commands start it.
	Manual bool
}

// RunlevelSet is a bitmap over levels {0..9, S}; bit 10 is S.
type RunlevelSet uint16

// SLevel is the bit index used for the "S" (single-user) pseudo-runlevel.
const SLevel = 10

// Has reports whether level is a member of the set.
func (r RunlevelSet) Has(level int) bool {
	if level < 0 || level > SLevel {
		return false
	}
	return r&(1<<uint(level)) != 0
}

// RunlevelSetOf builds a RunlevelSet from a list of levels (0..9, or 10 for S).
func RunlevelSetOf(levels ...int) RunlevelSet {
	var r RunlevelSet
	for _, l := range levels {
		if l >= 0 && l <= SLevel {
			r |= 1 << uint(l)
		}
	}
	return r
}

// Exec bundles everything needed to fork/exec the service (§3 "Execution").
type Exec struct {
	Cmd     string
	Argv    []string
	Home    string // working directory via $HOME
	UID     *uint32
	GID     *uint32
	Rlimits []Rlimit
	Cgroup  CgroupSpec
	EnvFile string
}

// ListenSpec describes the socket an INETD-kind service hands its
// connections off from (§3: "INETD - listening socket handoff"). Net is a
// net.Listen network ("tcp", "tcp4", "tcp6", "unix", "unixpacket"); FdName is
// the name the socket is inherited/exported under across generations.
type ListenSpec struct {
	Net         string
	Addr        string
	FdName      string
	InheritOnly bool
}

// Service is the fundamental unit described in spec.md §3.
type Service struct {
	mu sync.Mutex

	// Identity
	Cmd string
	ID  string

	Kind   Kind
	Exec   Exec
	Policy Policy
	Log    LogSpec
	Listen ListenSpec

	// Conditions
	CondExpr    cond.Expr // the dependency expression
	Provides    string    // the condition key this service provides while running

	// SourceFile is the originating config file, used to derive the
	// default cgroup group name (§4.4 step 6).
	SourceFile string

	// Runtime state (§3 "Runtime state")
	State      State
	Pid        int
	OldPid     int
	StartTime  time.Time
	Status     syscall.WaitStatus
	Once       bool // has-run-this-runlevel
	RestartCnt int
	Dirty      bool
	Block      bool // manual-stop
	Started    bool // exited normally && exit 0, for one-shots
	ArgsDirty  bool
	Missing    bool // cmd not on PATH / env-file absent (latched)
	Crashing   bool // restart_cnt hit the cap

	// TimerArmed reports whether a retry/kill timer currently owns this
	// service's single timer slot (§5 "every timer is owned by exactly one
	// service").
	TimerArmed  bool
	TimerCancel func()

	// Restarting latches between a child death and the retry timer that
	// follows it, holding the service out of READY so the fixed-point loop
	// in Step can't race the armed timer and restart synchronously within
	// the same call. Cleared by the retry itself right before it re-attempts
	// the start (§4.3 "Crash policy").
	Restarting bool
}

// Lock/Unlock let the registry and event loop serialize access; in normal
// operation everything runs on the single event-loop goroutine and these are
// uncontended, matching §5's "no locks on core state" model - the mutex only
// guards against the rare embedder-goroutine introspection call (e.g. a
// SIGUSR2 state dump running concurrently with the loop).
func (s *Service) Lock()   { s.mu.Lock() }
func (s *Service) Unlock() { s.mu.Unlock() }

// Enabled implements §4.3's "enabled = (runlevel ∈ svc.runlevels) ∧
// ¬manual-stop ∧ ¬missing ∧ ¬crashing".
func (s *Service) Enabled(runlevel int) bool {
	return s.Policy.Runlevels.Has(runlevel) && !s.Block && !s.Missing && !s.Crashing
}

// Key identifies a service by its (cmd, id) uniqueness key (§3).
type Key struct {
	Cmd string
	ID  string
}

// KeyOf returns svc's registry key.
func (s *Service) KeyOf() Key {
	return Key{Cmd: s.Cmd, ID: s.ID}
}
