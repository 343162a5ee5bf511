package service

import (
	"syscall"
	"testing"
	"time"

	"github.com/halvardss/svinit/internal/cond"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	startErr   error
	startCalls int
	halted     int
	killed     int
	paused     int
	resumed    int
	restarted  int
	sysv       []string
	pidToAssign int
}

func (f *fakeProcess) Start(svc *Service) error {
	f.startCalls++
	if f.startErr != nil {
		return f.startErr
	}
	svc.Pid = f.pidToAssign
	if svc.Pid == 0 {
		svc.Pid = 100
	}
	return nil
}
func (f *fakeProcess) SignalHalt(svc *Service) error    { f.halted++; return nil }
func (f *fakeProcess) SignalKill(svc *Service) error    { f.killed++; return nil }
func (f *fakeProcess) SignalPause(svc *Service) error   { f.paused++; return nil }
func (f *fakeProcess) SignalResume(svc *Service) error  { f.resumed++; return nil }
func (f *fakeProcess) SignalRestart(svc *Service) error { f.restarted++; return nil }
func (f *fakeProcess) RunSysv(svc *Service, arg string) error {
	f.sysv = append(f.sysv, arg)
	return nil
}

type fakeTimers struct {
	armed    map[*Service]time.Duration
	cbs      map[*Service]func()
	canceled int
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{armed: make(map[*Service]time.Duration), cbs: make(map[*Service]func())}
}

func (t *fakeTimers) Arm(svc *Service, d time.Duration, cb func()) {
	t.armed[svc] = d
	t.cbs[svc] = cb
}
func (t *fakeTimers) Cancel(svc *Service) {
	if _, ok := t.armed[svc]; ok {
		t.canceled++
		delete(t.armed, svc)
		delete(t.cbs, svc)
	}
}

// fire simulates the armed timer for svc expiring, invoking whatever
// callback Arm last registered for it.
func (t *fakeTimers) fire(svc *Service) {
	if cb, ok := t.cbs[svc]; ok {
		cb()
	}
}

type fakeSched struct{ scheduled int }

func (f *fakeSched) Schedule(svc *Service) { f.scheduled++ }

func testDeps(store *cond.Store, proc ProcessControl, timers Timers) Deps {
	return Deps{
		Conditions: store,
		Process:    proc,
		Timers:     timers,
		Sched:      &fakeSched{},
		Runlevel:   func() int { return 2 },
		Teardown:   func() bool { return false },
		FastRetry:  2 * time.Second,
		SlowRetry:  5 * time.Second,
		RespawnMax: 10,
	}
}

func newTestSvc(runlevels ...int) *Service {
	return &Service{
		Cmd:    "/bin/sleep",
		Kind:   SERVICE,
		Policy: Policy{Runlevels: RunlevelSetOf(runlevels...), HaltSignal: syscall.SIGTERM, KillDelay: 2 * time.Second, RespawnMax: 10},
	}
}

func newTestStore(t *testing.T) *cond.Store {
	t.Helper()
	s := cond.New(t.TempDir())
	require.NoError(t, s.MarkAvailable())
	return s
}

// Scenario 1: happy daemon.
func TestHappyDaemon(t *testing.T) {
	store := newTestStore(t)
	proc := &fakeProcess{}
	timers := newFakeTimers()
	d := testDeps(store, proc, timers)

	svc := newTestSvc(2)
	svc.Provides = "pid/sleep"

	assert.Equal(t, HALTED, svc.State)
	// Step's fixed-point loop carries HALTED through READY to RUNNING in
	// one call; the second Step must leave it there.
	Step(svc, d)
	assert.Equal(t, RUNNING, svc.State)

	Step(svc, d)
	assert.Equal(t, RUNNING, svc.State)
	assert.Greater(t, svc.Pid, 1)
	assert.Equal(t, cond.ON, store.Get("pid/sleep"))

	// Shutdown: a manual stop (Block) disables the service.
	svc.Block = true
	Step(svc, d)
	assert.Equal(t, STOPPING, svc.State)
	assert.Equal(t, 1, proc.halted)
	assert.Equal(t, 1, len(timers.armed))

	svc.Pid = 0
	Step(svc, d)
	assert.Equal(t, HALTED, svc.State)
	assert.Equal(t, cond.OFF, store.Get("pid/sleep"))
}

// Scenario 2: crash backoff. RespawnMax=5 so the fast/slow boundary
// (RestartCnt <= RespawnMax/2) falls after the 2nd attempt.
func TestCrashBackoff(t *testing.T) {
	store := newTestStore(t)
	proc := &fakeProcess{}
	timers := newFakeTimers()
	d := testDeps(store, proc, timers)
	d.RespawnMax = 5

	svc := newTestSvc(2)
	svc.Policy.RespawnMax = 5 // match d.RespawnMax so the per-service override is a no-op

	Step(svc, d) // HALTED -> READY
	Step(svc, d) // READY -> RUNNING
	require.Equal(t, RUNNING, svc.State)

	svc.Pid = 0
	Step(svc, d)
	require.Equal(t, HALTED, svc.State)
	require.True(t, svc.Restarting)
	require.Equal(t, time.Millisecond, timers.armed[svc], "first retry fires almost immediately")

	// Step alone must not race the armed timer back to RUNNING.
	Step(svc, d)
	require.Equal(t, HALTED, svc.State)

	// Attempts 1-5 each succeed in restarting, fast (2s) while RestartCnt <=
	// RespawnMax/2 (2), slow (5s) thereafter. The 6th retry, with RestartCnt
	// already at RespawnMax, latches crashing instead of restarting.
	wantDelay := []time.Duration{0, 2 * time.Second, 2 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		timers.fire(svc) // simulate the armed timer: retryStep attempts a restart
		if attempt <= 5 {
			require.Equal(t, attempt, svc.RestartCnt, "attempt %d", attempt)
			require.Equal(t, RUNNING, svc.State, "attempt %d", attempt)
			assert.False(t, svc.Crashing, "attempt %d", attempt)
			assert.Equal(t, wantDelay[attempt], timers.armed[svc], "attempt %d", attempt)
			svc.Pid = 0
			Step(svc, d)
			require.Equal(t, HALTED, svc.State)
		}
	}

	assert.True(t, svc.Crashing)
	assert.Equal(t, 0, svc.RestartCnt)

	// No further restart without a reload clearing Crashing.
	Step(svc, d)
	assert.Equal(t, HALTED, svc.State)
}

// Scenario 3: condition-gated pause.
func TestConditionGatedPause(t *testing.T) {
	store := newTestStore(t)
	proc := &fakeProcess{}
	timers := newFakeTimers()
	d := testDeps(store, proc, timers)

	svc := newTestSvc(2)
	svc.CondExpr = cond.ParseExpr("net/eth0/up")
	require.NoError(t, store.Set("net/eth0/up", cond.ON))

	Step(svc, d)
	Step(svc, d)
	require.Equal(t, RUNNING, svc.State)
	pid := svc.Pid

	require.NoError(t, store.Set("net/eth0/up", cond.FLUX))
	Step(svc, d)
	assert.Equal(t, WAITING, svc.State)
	assert.Equal(t, 1, proc.paused)

	require.NoError(t, store.Set("net/eth0/up", cond.ON))
	Step(svc, d)
	assert.Equal(t, RUNNING, svc.State)
	assert.Equal(t, 1, proc.resumed)
	assert.Equal(t, pid, svc.Pid, "no new pid on resume")
}

// Scenario 5: graceful-then-forceful.
func TestGracefulThenForceful(t *testing.T) {
	store := newTestStore(t)
	proc := &fakeProcess{}
	timers := newFakeTimers()
	d := testDeps(store, proc, timers)

	svc := newTestSvc(2)
	svc.Policy.KillDelay = 2 * time.Second

	Step(svc, d)
	Step(svc, d)
	require.Equal(t, RUNNING, svc.State)

	svc.Block = true
	Step(svc, d)
	assert.Equal(t, STOPPING, svc.State)
	assert.Equal(t, 1, proc.halted)
	assert.Equal(t, 2*time.Second, timers.armed[svc])

	// Simulate kill-timer expiry invoking SignalKill directly.
	assert.NoError(t, proc.SignalKill(svc))
	assert.Equal(t, 1, proc.killed)

	svc.Pid = 0
	Step(svc, d)
	assert.Equal(t, HALTED, svc.State)
}

func TestOneShotRunBlocksUntilExit(t *testing.T) {
	store := newTestStore(t)
	proc := &fakeProcess{}
	timers := newFakeTimers()
	d := testDeps(store, proc, timers)

	svc := &Service{
		Cmd:  "/bin/true",
		Kind: RUN,
		Policy: Policy{
			Runlevels: RunlevelSetOf(SLevel),
			HaltSignal: syscall.SIGTERM,
			KillDelay:  time.Second,
		},
	}
	d.Runlevel = func() int { return SLevel }

	Step(svc, d)
	Step(svc, d)
	require.Equal(t, RUNNING, svc.State)

	svc.Pid = 0
	svc.Started = true
	Step(svc, d)
	assert.Equal(t, DONE, svc.State)
}

func TestRepeatedStepNoRestart(t *testing.T) {
	store := newTestStore(t)
	proc := &fakeProcess{}
	timers := newFakeTimers()
	d := testDeps(store, proc, timers)

	svc := newTestSvc(2)
	Step(svc, d)
	Step(svc, d)
	require.Equal(t, RUNNING, svc.State)

	// Stepping again with nothing changed must be a no-op fixed point.
	startsBefore := proc.startCalls
	Step(svc, d)
	assert.Equal(t, startsBefore, proc.startCalls)
	assert.Equal(t, RUNNING, svc.State)
}
