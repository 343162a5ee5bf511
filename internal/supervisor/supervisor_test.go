package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/halvardss/svinit/internal/cond"
	"github.com/halvardss/svinit/internal/loop"
	"github.com/halvardss/svinit/internal/registry"
	"github.com/halvardss/svinit/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStartAndReap exercises the real fork/exec/reap path end to end for a
// SERVICE (async-reap) kind: start a short-lived child, let SIGCHLD drain it
// through the Reaper, and confirm the registry's pid index and the
// service's runtime fields update exactly as the state machine expects
// after a reap (svc.Pid cleared, Status set).
func TestStartAndReap(t *testing.T) {
	store := cond.New(t.TempDir())
	require.NoError(t, store.MarkAvailable())
	reg := registry.New(store, nil)
	sup := New()

	svc := &service.Service{
		Cmd:  "/bin/sh",
		Kind: service.SERVICE,
		Exec: service.Exec{Cmd: "/bin/sh", Argv: []string{"sh", "-c", "exit 0"}},
		Log:  service.LogSpec{Policy: service.LogNull},
	}
	reg.Register(svc)

	l := loop.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	done := make(chan struct{})
	reaper := NewReaper(sup, reg, func(s *service.Service) { close(done) })
	reaper.Watch(l)

	require.NoError(t, sup.Start(svc))
	reg.SetPid(svc, svc.Pid)
	assert.Greater(t, svc.Pid, 1)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("child was never reaped")
	}

	assert.Equal(t, 0, svc.Pid)
	assert.True(t, svc.Status.Exited())
	assert.Equal(t, 0, svc.Status.ExitStatus())
	_, found := reg.LookupPid(svc.Pid)
	assert.False(t, found, "pid 0 must not resolve to a service")
}

// TestStartRunWaitsSynchronously covers spec.md §4.4 step 6: a RUN service's
// Start call blocks the caller until the child exits, rather than handing
// reap off to the async SIGCHLD path - svc.Pid and svc.Status must already
// reflect the exit by the time Start returns.
func TestStartRunWaitsSynchronously(t *testing.T) {
	sup := New()
	svc := &service.Service{
		Cmd:  "/bin/sh",
		Kind: service.RUN,
		Exec: service.Exec{Cmd: "/bin/sh", Argv: []string{"sh", "-c", "exit 0"}},
		Log:  service.LogSpec{Policy: service.LogNull},
	}

	require.NoError(t, sup.Start(svc))

	assert.Equal(t, 0, svc.Pid)
	assert.True(t, svc.Status.Exited())
	assert.Equal(t, 0, svc.Status.ExitStatus())
	assert.True(t, svc.Started)
	assert.Empty(t, sup.procs, "RUN must not be tracked for async reap")
}

// TestStartMissingCommandIsClassifiedMissing covers a bare command name that
// doesn't resolve on $PATH: exec.Command/cmd.Start returns *exec.Error{Err:
// exec.ErrNotFound}, which must route to the latched Missing sub-state
// (§7), not the crash/backoff path.
func TestStartMissingCommandIsClassifiedMissing(t *testing.T) {
	sup := New()
	svc := &service.Service{
		Cmd:  "svinit-test-no-such-command",
		Kind: service.SERVICE,
		Exec: service.Exec{Cmd: "svinit-test-no-such-command"},
		Log:  service.LogSpec{Policy: service.LogNull},
	}

	err := sup.Start(svc)
	require.Error(t, err)
	me, ok := err.(interface{ Missing() bool })
	require.True(t, ok, "error must implement Missing()")
	assert.True(t, me.Missing())
}

func TestSignalHaltOnDeadPidIsNoop(t *testing.T) {
	sup := New()
	svc := &service.Service{Cmd: "/bin/true"}
	assert.NoError(t, sup.SignalHalt(svc))
}
