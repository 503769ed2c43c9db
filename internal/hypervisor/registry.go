// Copyright (c) 2026 the vmfleetd authors
//
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"sync"

	"github.com/vmfleet/vmfleetd/internal/hverr"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Registry is the thread-safe indexed collection of VM objects (spec §4.1,
// C1). A single mutex protects the indexes; it is always dropped before a
// per-VM mutex is taken, to avoid the A→B/B→A deadlock documented in §5.
type Registry struct {
	mu        sync.Mutex
	byName    map[string]*VM
	byUUID    map[string]*VM
	byRuntime map[int]*VM
	log       *logrus.Entry
}

// NewRegistry constructs an empty registry.
func NewRegistry(log *logrus.Entry) *Registry {
	return &Registry{
		byName:    make(map[string]*VM),
		byUUID:    make(map[string]*VM),
		byRuntime: make(map[int]*VM),
		log:       log.WithField("subsystem", "registry"),
	}
}

// MergePolicy controls how Add handles an existing transient definition
// when a caller redefines a VM under the same name/UUID (spec §4.1).
type MergePolicy int

const (
	// MergeReject fails with ConflictingDefinition if a VM with the same
	// name or UUID already exists (the default for persistent defines).
	MergeReject MergePolicy = iota
	// MergeReplace replaces the in-memory definition of an existing
	// transient VM in place, keeping its identity and any running
	// hypervisor process attached.
	MergeReplace
)

// Add registers a new VM. If transient is false, a name/UUID collision
// always fails with ConflictingDefinition regardless of policy. A
// caller-supplied UUID (e.g. parsed from on-disk config XML) is validated
// with google/uuid; an empty UUID is filled in from newDomainUUID instead
// of being rejected.
func (r *Registry) Add(def *Definition, transient bool, policy MergePolicy, log *logrus.Entry) (*VM, error) {
	if def.UUID != "" && uuid.Validate(def.UUID) != nil {
		return nil, hverr.WithDomain(hverr.InvalidArgument, def.UUID, "malformed domain UUID")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[def.Name]; ok {
		if !transient || policy == MergeReject {
			return nil, hverr.WithDomain(hverr.ConflictingDefinition, def.Name, "a VM named %q already exists", def.Name)
		}
		existing.mu.Lock()
		existing.def = def
		existing.mu.Unlock()
		return existing, nil
	}
	if existing, ok := r.byUUID[def.UUID]; ok {
		if !transient || policy == MergeReject {
			return nil, hverr.WithDomain(hverr.ConflictingDefinition, def.UUID, "a VM with UUID %q already exists", def.UUID)
		}
		existing.mu.Lock()
		existing.def = def
		existing.mu.Unlock()
		return existing, nil
	}

	id := def.UUID
	if id == "" {
		id = newDomainUUID()
		def.UUID = id
	}
	vm := newVM(id, def.Name, def, !transient, r.log)
	r.byName[def.Name] = vm
	r.byUUID[def.UUID] = vm
	return vm, nil
}

// Remove drops a VM from the registry. Legal only when the VM has no
// other live references and is inactive (or transient and stopping).
func (r *Registry) Remove(vm *VM) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.refcount > 1 {
		return hverr.WithDomain(hverr.OperationInvalid, vm.name, "VM still referenced (refcount=%d)", vm.refcount)
	}
	if vm.runtimeID >= 0 && vm.persistent {
		return hverr.WithDomain(hverr.OperationInvalid, vm.name, "cannot remove an active persistent VM")
	}

	delete(r.byName, vm.name)
	delete(r.byUUID, vm.id)
	if vm.runtimeID >= 0 {
		delete(r.byRuntime, vm.runtimeID)
	}
	return nil
}

// lookup returns the VM with its mutex already held, per §4.1: "all
// lookups return a VM with its per-VM mutex already held (caller
// releases)". The registry mutex is dropped before the VM mutex is taken.
func (r *Registry) lookup(vm *VM, ok bool, key string) (*VM, error) {
	if !ok {
		return nil, hverr.WithDomain(hverr.NoSuchDomain, key, "no such VM")
	}
	vm.mu.Lock()
	return vm, nil
}

// FindByName looks up a VM by name and returns it locked.
func (r *Registry) FindByName(name string) (*VM, error) {
	r.mu.Lock()
	vm, ok := r.byName[name]
	r.mu.Unlock()
	return r.lookup(vm, ok, name)
}

// FindByUUID looks up a VM by UUID and returns it locked.
func (r *Registry) FindByUUID(id string) (*VM, error) {
	r.mu.Lock()
	vm, ok := r.byUUID[id]
	r.mu.Unlock()
	return r.lookup(vm, ok, id)
}

// FindByRuntimeID looks up an active VM by its small integer id and
// returns it locked.
func (r *Registry) FindByRuntimeID(id int) (*VM, error) {
	r.mu.Lock()
	vm, ok := r.byRuntime[id]
	r.mu.Unlock()
	if !ok {
		return nil, hverr.New(hverr.NoSuchDomain, "no VM with runtime id %d", id)
	}
	vm.mu.Lock()
	return vm, nil
}

// bindRuntimeID records the runtime id assigned to an activated VM. The
// caller must not hold vm's lock; the registry lock is taken
// separately and briefly, honoring the lock-order in §5.
func (r *Registry) bindRuntimeID(vm *VM, id int) {
	r.mu.Lock()
	r.byRuntime[id] = vm
	r.mu.Unlock()
}

func (r *Registry) unbindRuntimeID(id int) {
	r.mu.Lock()
	delete(r.byRuntime, id)
	r.mu.Unlock()
}

// ListActiveIDs returns the runtime ids of all active VMs.
func (r *Registry) ListActiveIDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, 0, len(r.byRuntime))
	for id := range r.byRuntime {
		ids = append(ids, id)
	}
	return ids
}

// ListInactiveNames returns the names of all persistent, inactive VMs.
// This takes a snapshot under the registry lock then inspects each VM's
// own lock individually, never holding both at once (§4.1, §9 "snapshot
// then process" pattern, rather than per-entry locking while iterating
// under the registry mutex).
func (r *Registry) ListInactiveNames() []string {
	r.mu.Lock()
	snapshot := make([]*VM, 0, len(r.byName))
	for _, vm := range r.byName {
		snapshot = append(snapshot, vm)
	}
	r.mu.Unlock()

	var names []string
	for _, vm := range snapshot {
		vm.mu.Lock()
		if vm.persistent && vm.runtimeID < 0 {
			names = append(names, vm.name)
		}
		vm.mu.Unlock()
	}
	return names
}

// ForEach applies fn to a point-in-time snapshot of all VMs, without
// holding the registry mutex across each invocation of fn (spec §9: avoid
// the virHashForEach per-entry locking pitfall).
func (r *Registry) ForEach(fn func(vm *VM)) {
	r.mu.Lock()
	snapshot := make([]*VM, 0, len(r.byName))
	for _, vm := range r.byName {
		snapshot = append(snapshot, vm)
	}
	r.mu.Unlock()

	for _, vm := range snapshot {
		fn(vm)
	}
}

// Count returns the number of VMs, optionally restricted to active ones.
func (r *Registry) Count(activeOnly bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if activeOnly {
		return len(r.byRuntime)
	}
	return len(r.byName)
}
