package service

import (
	"time"

	"github.com/halvardss/svinit/internal/cond"
	"github.com/halvardss/svinit/internal/logging"
)

// ProcessControl is the narrow surface the state machine needs from the
// supervisor (spec.md §4.4). Kept as an interface here so internal/service
// has no import-time dependency on internal/supervisor - the supervisor
// depends on service, not the reverse.
type ProcessControl interface {
	// Start forks/execs svc (§4.4 start()). A returned error is classified
	// through the Missing() method of internal/supervisor's error type.
	Start(svc *Service) error
	// SignalHalt sends svc.Policy.HaltSignal to the process group (§4.4 stop()).
	SignalHalt(svc *Service) error
	// SignalKill sends SIGKILL to the process group - the kill-timer expiry action.
	SignalKill(svc *Service) error
	// SignalPause sends SIGSTOP to the process (RUNNING -> WAITING).
	SignalPause(svc *Service) error
	// SignalResume sends SIGCONT to the process (WAITING -> RUNNING).
	SignalResume(svc *Service) error
	// SignalRestart sends SIGHUP to the process (§4.4 restart()).
	SignalRestart(svc *Service) error
	// RunSysv invokes "cmd stop" synchronously for SYSV kind (§4.4 stop()).
	RunSysv(svc *Service, arg string) error
}

// Timers lets the state machine arm/cancel the single timer slot a service
// owns (§5: "every timer is owned by exactly one service").
type Timers interface {
	Arm(svc *Service, d time.Duration, cb func())
	Cancel(svc *Service)
}

// Scheduler lets the state machine enqueue itself (or another service) as
// deferred work, so cascading effects propagate on the next loop turn
// (§4.3, §5).
type Scheduler interface {
	Schedule(svc *Service)
}

// Deps bundles everything Step needs beyond the Service and the Condition
// Store, to keep the function signature manageable.
type Deps struct {
	Conditions *cond.Store
	Process    ProcessControl
	Timers     Timers
	Sched      Scheduler
	// Runlevel is the currently active runlevel (0..9, or SLevel for S).
	Runlevel func() int
	// Teardown reports whether the global scheduler is in teardown, which
	// blocks READY -> RUNNING starts (§4.3 READY transition).
	Teardown func() bool
	// FastRetry/SlowRetry implement the 2s/5s backoff schedule (§4.3).
	FastRetry time.Duration
	SlowRetry time.Duration
	// RespawnMax is SVC_RESPAWN_MAX.
	RespawnMax int
}

// Step is sm_step's per-service driver (spec.md §4.3): it loops until no
// further change (fixed point), then - if anything changed - enqueues
// itself as deferred work so cascading effects on other services are
// observed on the next loop turn (§5).
func Step(svc *Service, d Deps) {
	svc.Lock()
	defer svc.Unlock()

	changed := false
	for i := 0; i < maxFixedPointIterations; i++ {
		before := svc.State
		stepOnce(svc, d)
		if svc.State == before {
			break
		}
		changed = true
	}

	if changed && d.Sched != nil {
		d.Sched.Schedule(svc)
	}
}

// maxFixedPointIterations bounds the fixed-point loop; six states cannot
// cycle through themselves indefinitely in one Step call without external
// input, so this is a generous safety valve, not a soft limit expected to be
// hit (§8 "step(svc) reaches a fixed point in finite iterations").
const maxFixedPointIterations = 16

func stepOnce(svc *Service, d Deps) {
	runlevel := 0
	if d.Runlevel != nil {
		runlevel = d.Runlevel()
	}
	enabled := svc.Enabled(runlevel)
	condState := d.Conditions.Aggregate(svc.CondExpr)

	switch svc.State {
	case HALTED:
		stepHalted(svc, enabled)
	case READY:
		stepReady(svc, d, enabled, condState)
	case RUNNING:
		stepRunning(svc, d, enabled, condState)
	case STOPPING:
		stepStopping(svc, d)
	case WAITING:
		stepWaiting(svc, d, enabled, condState)
	case DONE:
		stepDone(svc)
	}
}

func stepHalted(svc *Service, enabled bool) {
	if enabled && !svc.Restarting {
		svc.State = READY
	}
}

func stepReady(svc *Service, d Deps, enabled bool, condState cond.State) {
	if !enabled {
		svc.State = HALTED
		return
	}
	inTeardown := d.Teardown != nil && d.Teardown()
	if condState == cond.ON && !inTeardown {
		err := d.Process.Start(svc)
		if err != nil {
			if isMissing(err) {
				svc.Missing = true
				svc.State = HALTED
			} else {
				svc.RestartCnt++
				logging.Log(logging.WARN, "service start failed", "cmd", svc.Cmd, "id", svc.ID, "err", err.Error())
			}
			return
		}
		svc.Dirty = false
		if svc.Pid == 0 {
			// RUN (§4.4 step 6): Start() already waitpid()d the child
			// synchronously, so there is nothing to hand off to the async
			// reap path - go straight to STOPPING.
			svc.State = STOPPING
			return
		}
		svc.State = RUNNING
		if svc.Provides != "" {
			_ = d.Conditions.Set(svc.Provides, cond.ON)
		}
	}
}

func stepRunning(svc *Service, d Deps, enabled bool, condState cond.State) {
	if !enabled {
		doStop(svc, d)
		return
	}
	if svc.Pid == 0 {
		// child died; this is invoked from the post-reap callback.
		switch svc.Kind {
		case SERVICE:
			svc.State = HALTED
			armImmediateRetry(svc, d)
		case TASK, RUN:
			// Child already reaped: no kill-timer needed, the fixed-point
			// loop will carry STOPPING -> DONE in the same Step call.
			svc.State = STOPPING
		case SYSV:
			if svc.Started {
				svc.State = HALTED
				armImmediateRetry(svc, d)
			} else {
				svc.State = STOPPING
			}
		default:
			svc.State = STOPPING
		}
		return
	}

	switch condState {
	case cond.OFF:
		doStop(svc, d)
	case cond.FLUX:
		_ = d.Process.SignalPause(svc)
		svc.State = WAITING
	case cond.ON:
		if svc.Dirty {
			if svc.Policy.NoHup {
				doStop(svc, d)
			} else {
				_ = d.Process.SignalRestart(svc)
			}
		}
		svc.Dirty = false
	}
}

func stepStopping(svc *Service, d Deps) {
	if svc.Pid == 0 {
		d.Timers.Cancel(svc)
		if svc.Provides != "" {
			_ = d.Conditions.Clear(svc.Provides)
		}
		switch svc.Kind {
		case SERVICE, TTY, INETD:
			svc.State = HALTED
		default:
			svc.State = DONE
		}
	}
}

func stepWaiting(svc *Service, d Deps, enabled bool, condState cond.State) {
	if !enabled {
		_ = d.Process.SignalResume(svc)
		doStop(svc, d)
		return
	}
	if svc.Pid == 0 {
		svc.RestartCnt++
		svc.State = READY
		return
	}
	switch condState {
	case cond.ON:
		_ = d.Process.SignalResume(svc)
		svc.State = RUNNING
		if !svc.Dirty && svc.Provides != "" {
			_ = d.Conditions.Set(svc.Provides, cond.ON)
		}
	case cond.OFF:
		_ = d.Process.SignalResume(svc)
		doStop(svc, d)
	case cond.FLUX:
		// remain WAITING
	}
}

func stepDone(svc *Service) {
	if svc.Dirty {
		svc.State = HALTED
	}
}

// doStop implements §4.4 stop(): cancel any pending timer first (§3, §5),
// send the halt signal (or invoke "cmd stop" for SYSV), arm the kill timer,
// and enter STOPPING.
func doStop(svc *Service, d Deps) {
	d.Timers.Cancel(svc)
	var err error
	if svc.Kind == SYSV {
		err = d.Process.RunSysv(svc, "stop")
	} else {
		err = d.Process.SignalHalt(svc)
	}
	if err != nil && isESRCH(err) {
		// child already gone - synthesise a reap (§4.4 stop()).
		svc.Pid = 0
		svc.State = STOPPING
		stepStopping(svc, d)
		return
	}
	svc.State = STOPPING
	armKillTimer(svc, d)
}

// armKillTimer is the primary timeout mechanism (§4.3, §5): graceful signal
// first, SIGKILL after KillDelay.
func armKillTimer(svc *Service, d Deps) {
	delay := svc.Policy.KillDelay
	if delay <= 0 {
		delay = 3 * time.Second
	}
	d.Timers.Arm(svc, delay, func() {
		logging.Log(logging.WARN, "kill delay expired, sending SIGKILL", "cmd", svc.Cmd, "id", svc.ID)
		_ = d.Process.SignalKill(svc)
	})
}

// armImmediateRetry arms the retry after a daemon's child dies (§4.3:
// "restart directly after the first crash, then retry after 2s"): 1ms when
// no retry has happened yet, otherwise the same 2s/5s backoff retryStep
// uses. It blocks the service out of READY via svc.Restarting so the
// fixed-point loop in Step can't race the timer and restart synchronously
// in the same call the death was observed in.
func armImmediateRetry(svc *Service, d Deps) {
	svc.Restarting = true
	delay := time.Millisecond
	if svc.RestartCnt > 0 {
		max := d.RespawnMax
		if svc.Policy.RespawnMax > 0 {
			max = svc.Policy.RespawnMax
		}
		delay = d.SlowRetry
		if svc.RestartCnt <= max/2 {
			delay = d.FastRetry
		}
	}
	d.Timers.Arm(svc, delay, func() {
		retryStep(svc, d)
	})
}

// retryStep performs one crash-backoff retry attempt and arms the next
// one (§4.3 "Crash policy"): 2s for the first RespawnMax/2 attempts, 5s
// thereafter; at RespawnMax the service latches crashing and stops
// auto-restarting until reload. If the service is no longer halted-and-
// restarting by the time this fires - it was stopped, or a previous retry
// already got it running again - the attempt is abandoned and the restart
// count resets, matching a daemon that has stayed up cleanly.
func retryStep(svc *Service, d Deps) {
	if svc.State != HALTED || !svc.Restarting {
		svc.RestartCnt = 0
		return
	}

	max := d.RespawnMax
	if svc.Policy.RespawnMax > 0 {
		max = svc.Policy.RespawnMax
	}
	if svc.RestartCnt >= max {
		svc.Crashing = true
		svc.RestartCnt = 0
		svc.Restarting = false
		logging.Log(logging.WARN, "service keeps crashing", "cmd", svc.Cmd, "id", svc.ID)
		Step(svc, d)
		return
	}

	svc.RestartCnt++
	svc.Restarting = false
	Step(svc, d)

	delay := d.SlowRetry
	if svc.RestartCnt <= max/2 {
		delay = d.FastRetry
	}
	d.Timers.Arm(svc, delay, func() {
		retryStep(svc, d)
	})
}

// isMissing and isESRCH are satisfied by internal/supervisor's startError and
// signalError types, checked by a type assertion on the returned error itself
// (a wrapped error is not unwrapped); declared here as small seams so this
// package needn't import supervisor (which imports service).
type missingError interface{ Missing() bool }
type esrchError interface{ ESRCH() bool }

func isMissing(err error) bool {
	e, ok := err.(missingError)
	return ok && e.Missing()
}

func isESRCH(err error) bool {
	e, ok := err.(esrchError)
	return ok && e.ESRCH()
}
