// Package sched is the Scheduler Façade (spec.md §4.3/§4.4's "the
// scheduler"): it owns the runlevel, wires the Condition Store, Registry and
// Event Loop together, and implements the narrow service.Timers/
// service.Scheduler seams so internal/service never imports any of them
// directly. Adapted from the teacher's daemon/run.go Run/Reload/Exit
// architecture: one goroutine, serialized through the loop's work queue,
// replacing daemon's generic Server ensemble with the service registry.
package sched

import (
	"sync"
	"time"

	"github.com/One-com/gone/metric"
	"github.com/halvardss/svinit/internal/cond"
	"github.com/halvardss/svinit/internal/loop"
	"github.com/halvardss/svinit/internal/logging"
	"github.com/halvardss/svinit/internal/registry"
	"github.com/halvardss/svinit/internal/service"
)

// Scheduler drives every registered service's state machine off the event
// loop, implementing service.Timers and service.Scheduler.
type Scheduler struct {
	Loop       *loop.Loop
	Registry   *registry.Registry
	Conditions *cond.Store
	Process    service.ProcessControl

	mu       sync.Mutex
	runlevel int
	teardown bool

	FastRetry  time.Duration
	SlowRetry  time.Duration
	RespawnMax int

	respawns  *metric.Counter
	running   *metric.GaugeUint64
	crashing  *metric.GaugeUint64

	// Network is the narrow "networking" collaborator (§6): ServiceRunlevel
	// calls Up/Down when a runlevel change crosses the ≤1 boundary, rather
	// than this package owning any notion of interfaces or routes itself.
	// Left nil, no call is made.
	Network NetworkController
}

// NetworkController brings the system's networking up or down around the
// single-user/multi-user runlevel boundary (spec.md §4.7's runlevel model).
// Ownership of what "up"/"down" means - DHCP, static config, netlink calls -
// stays entirely outside this package.
type NetworkController interface {
	Up() error
	Down() error
}

// New wires a Scheduler. respawns/running/crashing counters are registered
// against the default metric client (gone/metric's "just works" idiom - the
// client is started by its own init(), §metric domain-stack wiring).
func New(l *loop.Loop, r *registry.Registry, store *cond.Store, proc service.ProcessControl) *Scheduler {
	s := &Scheduler{
		Loop:       l,
		Registry:   r,
		Conditions: store,
		Process:    proc,
		FastRetry:  2 * time.Second,
		SlowRetry:  5 * time.Second,
		RespawnMax: 10,
	}
	s.respawns = metric.Default().RegisterCounter("svinit.respawns")
	s.running = metric.Default().RegisterGauge("svinit.running")
	s.crashing = metric.Default().RegisterGauge("svinit.crashing")
	return s
}

// deps builds the service.Deps view passed into every Step call, capturing
// the scheduler's current runlevel/teardown snapshot.
func (s *Scheduler) deps() service.Deps {
	return service.Deps{
		Conditions: s.Conditions,
		Process:    s.Process,
		Timers:     s,
		Sched:      s,
		Runlevel:   s.Runlevel,
		Teardown:   s.InTeardown,
		FastRetry:  s.FastRetry,
		SlowRetry:  s.SlowRetry,
		RespawnMax: s.RespawnMax,
	}
}

// Runlevel returns the currently active runlevel.
func (s *Scheduler) Runlevel() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runlevel
}

// InTeardown reports whether a shutdown/runlevel-change teardown is active,
// blocking new READY -> RUNNING starts (§4.3).
func (s *Scheduler) InTeardown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teardown
}

// Arm implements service.Timers, using the per-service TimerCancel slot
// (§5: "every timer is owned by exactly one service") rather than a side
// table, so there is exactly one place a stale timer could leak from.
func (s *Scheduler) Arm(svc *service.Service, d time.Duration, cb func()) {
	s.Cancel(svc)
	t := time.AfterFunc(d, func() { s.Loop.ScheduleWork(cb) })
	svc.TimerArmed = true
	svc.TimerCancel = func() { t.Stop() }
}

// Cancel implements service.Timers.
func (s *Scheduler) Cancel(svc *service.Service) {
	if svc.TimerArmed && svc.TimerCancel != nil {
		svc.TimerCancel()
	}
	svc.TimerArmed = false
	svc.TimerCancel = nil
}

// Schedule implements service.Scheduler: run svc's Step on the loop
// goroutine on its next turn.
func (s *Scheduler) Schedule(svc *service.Service) {
	s.Loop.ScheduleWork(func() {
		before := svc.State
		beforePid := svc.Pid
		service.Step(svc, s.deps())
		if svc.Pid != beforePid {
			// Start() sets svc.Pid directly (service.ProcessControl has no
			// registry access, §4.4); keep the registry's pid index in
			// sync with whatever Step just observed.
			s.Registry.ReindexPid(svc, beforePid)
		}
		if svc.State == service.HALTED && before == service.RUNNING {
			s.respawns.Inc(1)
		}
		s.Registry.RemoveBootstrapOnly(svc)
		s.refreshGauges()
	})
}

func (s *Scheduler) refreshGauges() {
	var running, crashing uint64
	for _, svc := range s.Registry.All() {
		if svc.State == service.RUNNING {
			running++
		}
		if svc.Crashing {
			crashing++
		}
	}
	s.running.Set(running)
	s.crashing.Set(crashing)
}

// ScheduleAll steps every registered service - used on start-up and after a
// full reload to push the fleet towards its new target state.
func (s *Scheduler) ScheduleAll() {
	for _, svc := range s.Registry.All() {
		s.Schedule(svc)
	}
}

// ServiceRunlevel transitions to a new runlevel (spec.md §4's runlevel
// model): mark every service dirty so its Enabled() is re-evaluated, step
// them all, and hold teardown while anything previously-enabled is still
// stopping.
func (s *Scheduler) ServiceRunlevel(newLevel int) {
	s.mu.Lock()
	oldLevel := s.runlevel
	s.runlevel = newLevel
	s.teardown = true
	s.mu.Unlock()

	logging.Log(logging.NOTICE, "changing runlevel", "level", newLevel)

	if s.Network != nil {
		switch {
		case oldLevel <= 1 && newLevel > 1:
			if err := s.Network.Up(); err != nil {
				logging.Log(logging.WARN, "network up failed", "err", err.Error())
			}
		case oldLevel > 1 && newLevel <= 1:
			if err := s.Network.Down(); err != nil {
				logging.Log(logging.WARN, "network down failed", "err", err.Error())
			}
		}
	}

	for _, svc := range s.Registry.All() {
		svc.Dirty = true
	}
	s.ScheduleAll()

	s.Loop.ScheduleWork(s.settleTeardown)
}

// settleTeardown clears teardown once nothing is still winding down from the
// previous runlevel, re-checking itself on the next loop turn otherwise.
func (s *Scheduler) settleTeardown() {
	for _, svc := range s.Registry.All() {
		if svc.State == service.STOPPING || svc.State == service.WAITING {
			s.Loop.ScheduleWork(s.settleTeardown)
			return
		}
	}
	s.mu.Lock()
	s.teardown = false
	s.mu.Unlock()
	s.ScheduleAll()
}

// ReloadDynamic re-registers services from a fresh configuration parse
// (spec.md §8's round-trip property): unchanged services are untouched,
// changed ones are marked dirty and re-stepped, and any that disappeared
// from the config are disabled so they stop on their own.
func (s *Scheduler) ReloadDynamic(parsed []*service.Service, seen map[service.Key]bool) {
	for _, svc := range parsed {
		got, changed := s.Registry.Register(svc)
		seen[got.KeyOf()] = true
		if changed {
			s.Schedule(got)
		}
	}
	for _, existing := range s.Registry.All() {
		if !seen[existing.KeyOf()] {
			existing.Block = true
			s.Schedule(existing)
		}
	}
}
