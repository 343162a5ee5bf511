// Package registry implements the Service Registry (spec.md §3 "Service
// Registry"): an indexed collection of Service descriptors, by (cmd, id) and
// by live child pid, owning the canonical per-service state and enforcing
// the registry-level invariants.
package registry

import (
	"fmt"
	"sync"

	"github.com/halvardss/svinit/internal/cond"
	"github.com/halvardss/svinit/internal/service"
)

// Registry indexes services by (cmd, id) and by live pid.
type Registry struct {
	mu       sync.Mutex
	byKey    map[service.Key]*service.Service
	byPid    map[int]*service.Service
	store    *cond.Store
	dirtyCB  func(svc *service.Service)
}

// New creates a Registry that subscribes to store so that any condition
// mutation marks every dependent service dirty (§4.2's "mark every service
// whose expression mentions the key as dirty"). dirtyCB is invoked for every
// service marked dirty, so the caller (the scheduler façade) can schedule a
// Step for it.
func New(store *cond.Store, dirtyCB func(svc *service.Service)) *Registry {
	r := &Registry{
		byKey:   make(map[service.Key]*service.Service),
		byPid:   make(map[int]*service.Service),
		store:   store,
		dirtyCB: dirtyCB,
	}
	store.Subscribe(r.onConditionChanged)
	return r
}

func (r *Registry) onConditionChanged(key string) {
	r.mu.Lock()
	affected := make([]*service.Service, 0)
	for _, svc := range r.byKey {
		svc.Lock()
		mentioned := cond.Affects(key, svc.CondExpr) || svc.Provides == key
		if mentioned {
			svc.Dirty = true
			affected = append(affected, svc)
		}
		svc.Unlock()
	}
	r.mu.Unlock()

	for _, svc := range affected {
		if r.dirtyCB != nil {
			r.dirtyCB(svc)
		}
	}
}

// Register implements §3's lifecycle: "a service is created by the
// configuration loader calling register(kind, cfg, rlimits, file)". If a
// service with the same (cmd, id) already exists, Register is idempotent:
// it returns the existing object unchanged so a no-op reload doesn't restart
// anything (§8 round-trip property), unless cfg differs, in which case the
// existing service is updated in place and marked dirty/ArgsDirty.
func (r *Registry) Register(svc *service.Service) (*service.Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := svc.KeyOf()
	if existing, ok := r.byKey[key]; ok {
		if sameConfig(existing, svc) {
			return existing, false
		}
		mergeConfig(existing, svc)
		existing.Dirty = true
		existing.ArgsDirty = true
		return existing, true
	}
	r.byKey[key] = svc
	return svc, true
}

// sameConfig compares the fields a config reload could change; used to make
// Register idempotent for byte-identical re-registration (§8).
func sameConfig(a, b *service.Service) bool {
	if a.Kind != b.Kind || a.Exec.Cmd != b.Exec.Cmd || a.SourceFile != b.SourceFile {
		return false
	}
	if len(a.Exec.Argv) != len(b.Exec.Argv) {
		return false
	}
	for i := range a.Exec.Argv {
		if a.Exec.Argv[i] != b.Exec.Argv[i] {
			return false
		}
	}
	return a.Policy.Runlevels == b.Policy.Runlevels &&
		a.CondExpr.String() == b.CondExpr.String() &&
		a.Provides == b.Provides
}

// mergeConfig copies the mutable configuration fields from incoming into
// existing, preserving existing's runtime state (pid, state, counters).
func mergeConfig(existing, incoming *service.Service) {
	existing.Kind = incoming.Kind
	existing.Exec = incoming.Exec
	existing.Policy = incoming.Policy
	existing.Log = incoming.Log
	existing.CondExpr = incoming.CondExpr
	existing.Provides = incoming.Provides
	existing.SourceFile = incoming.SourceFile
}

// Unregister implements §3's destroy sequence: transition to STOPPING, wait
// for reap, cancel timers, then remove. The actual stop+wait is driven by
// the scheduler; Unregister here only performs the final removal once the
// caller confirms the service has reaped (pid == 0).
func (r *Registry) Unregister(key service.Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	svc, ok := r.byKey[key]
	if !ok {
		return fmt.Errorf("registry: unknown service %s:%s", key.Cmd, key.ID)
	}
	if svc.Pid != 0 {
		return fmt.Errorf("registry: cannot unregister %s:%s while pid %d is live", key.Cmd, key.ID, svc.Pid)
	}
	delete(r.byKey, key)
	delete(r.byPid, svc.Pid)
	return nil
}

// Lookup finds a service by its (cmd, id) key.
func (r *Registry) Lookup(key service.Key) (*service.Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.byKey[key]
	return svc, ok
}

// LookupPid finds the (at most one) service owning pid (§3 invariant).
func (r *Registry) LookupPid(pid int) (*service.Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.byPid[pid]
	return svc, ok
}

// SetPid records that svc now owns pid, enforcing "a live child pid appears
// in at most one service" by removing any stale index entry for svc's
// previous pid first.
func (r *Registry) SetPid(svc *service.Service, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if svc.Pid != 0 {
		delete(r.byPid, svc.Pid)
	}
	svc.OldPid = svc.Pid
	svc.Pid = pid
	if pid != 0 {
		r.byPid[pid] = svc
	}
}

// ReindexPid updates the pid index after something outside the registry
// changed svc.Pid directly - ProcessControl.Start sets it as the fork/exec
// result, bypassing the registry (§4.4: service.ProcessControl has no
// registry access). oldPid is whatever svc.Pid held before that change, so
// the stale index entry can be found even though svc.Pid itself no longer
// carries it.
func (r *Registry) ReindexPid(svc *service.Service, oldPid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if oldPid != 0 {
		delete(r.byPid, oldPid)
	}
	svc.OldPid = oldPid
	if svc.Pid != 0 {
		r.byPid[svc.Pid] = svc
	}
}

// ClearPid records that svc's child has been reaped.
func (r *Registry) ClearPid(svc *service.Service) {
	r.SetPid(svc, 0)
}

// All returns every registered service. The slice is a snapshot; callers
// must not assume it stays in sync with concurrent Register/Unregister
// calls made after it was taken.
func (r *Registry) All() []*service.Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*service.Service, 0, len(r.byKey))
	for _, svc := range r.byKey {
		out = append(out, svc)
	}
	return out
}

// AllOfKind returns every registered service of the given kinds.
func (r *Registry) AllOfKind(kinds ...service.Kind) []*service.Service {
	set := make(map[service.Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*service.Service, 0)
	for _, svc := range r.byKey {
		if set[svc.Kind] {
			out = append(out, svc)
		}
	}
	return out
}

// RemoveBootstrapOnly removes svc if it was a runlevel-bootstrap one-shot
// whose only purpose was to run once (§4.4 monitor(): "on runlevel-bootstrap
// one-shots, remove the entry if this was their only purpose").
func (r *Registry) RemoveBootstrapOnly(svc *service.Service) {
	if svc.Kind != service.RUN {
		return
	}
	if svc.State != service.DONE || svc.Pid != 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byKey[svc.KeyOf()]; ok && existing == svc {
		delete(r.byKey, svc.KeyOf())
	}
}
