// Package loop implements the single-threaded cooperative event loop from
// spec.md §4.1: one multiplexer over deferred work, file-descriptor
// readiness and OS signals. Per-service timers are not loop state: they are
// owned by internal/sched and reach the loop through ScheduleWork. Exactly
// one Loop runs per process; every core
// callback - state-machine steps, hook dispatch, plugin I/O - executes on
// its goroutine, one at a time, matching §5's "no locks on core state"
// model.
package loop

import (
	"context"
	"sync"

	"github.com/One-com/gone/signals"
	"github.com/halvardss/svinit/internal/logging"
)

// Loop is the event loop. Zero value is not usable; construct with New.
type Loop struct {
	workCh chan func()
	wg     sync.WaitGroup
}

// New creates an idle Loop. Call Run to start processing.
func New() *Loop {
	return &Loop{
		// Buffered generously: ScheduleWork is called from signal handler
		// goroutines and timer callbacks, which must never block on the
		// loop being busy (§4.1 "no component may block it").
		workCh: make(chan func(), 1024),
	}
}

// Run blocks, processing deferred work until ctx is cancelled. This is the
// "one loop in the process" (§4.1); callers should only have one Run
// in flight.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-l.workCh:
			l.invoke(f)
		}
	}
}

// invoke runs a single work item to completion, recovering a panic so one
// broken callback (e.g. a plugin) cannot take down the whole loop - there is
// no other thread to fall back on (§5).
func (l *Loop) invoke(f func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Log(logging.CRIT, "event loop callback panicked", "recover", r)
		}
	}()
	f()
}

// ScheduleWork enqueues f to run on the loop goroutine on its next turn
// (spec.md §4.1's schedule_work). Safe to call from any goroutine, including
// from within a running callback (re-entrant scheduling is how cascading
// effects propagate, §4.3/§5).
func (l *Loop) ScheduleWork(f func()) {
	select {
	case l.workCh <- f:
	default:
		// The work queue is deep; fall back to a blocking send in its own
		// goroutine rather than ever dropping a scheduled step.
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.workCh <- f
		}()
	}
}

// WatchSignals converts OS signals into loop callbacks, via gone/signals'
// RunSignalHandler - the same Mappings{signal: Action} idiom the teacher
// uses - but routes each fired Action through ScheduleWork so the actual
// handling still runs serialized on the loop goroutine (§4.1: "delivered as
// synchronous callbacks").
func (l *Loop) WatchSignals(m signals.Mappings) {
	routed := make(signals.Mappings, len(m))
	for sig, action := range m {
		action := action
		routed[sig] = func() { l.ScheduleWork(action) }
	}
	signals.RunSignalHandler(routed)
}
