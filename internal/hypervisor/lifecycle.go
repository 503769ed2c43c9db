// Copyright (c) 2026 the vmfleetd authors
//
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"context"
	"time"

	"github.com/vmfleet/vmfleetd/internal/hverr"
	"github.com/sirupsen/logrus"
)

// Lifecycle implements the VM state machine (spec §4.3, C3): transitions
// across {shutoff, running, paused, pmsuspended, crashed, ...} with event
// emission and invariant preservation across crashes of guest and
// manager.
type Lifecycle struct {
	store    *Store
	bus      *EventBus
	registry *Registry
	log      *logrus.Entry
}

// NewLifecycle wires the state machine to its collaborators.
func NewLifecycle(store *Store, bus *EventBus, registry *Registry, log *logrus.Entry) *Lifecycle {
	return &Lifecycle{store: store, bus: bus, registry: registry, log: log.WithField("subsystem", "lifecycle")}
}

func isActiveState(s State) bool {
	switch s {
	case StateRunning, StatePaused, StateBlocked, StatePMSuspended, StateShuttingDown:
		return true
	default:
		return false
	}
}

// ToRunning transitions a VM to running, assigning it a runtime id if it
// does not already have one. Valid from shutoff or crashed (start),
// paused (resume), blocked, or pmsuspended (wakeup).
func (lc *Lifecycle) ToRunning(vm *VM, reason Reason, assignID func() int) error {
	vm.mu.Lock()
	switch vm.state {
	case StateShutoff, StateCrashed, StatePaused, StateBlocked, StatePMSuspended:
	default:
		vm.mu.Unlock()
		return hverr.WithDomain(hverr.OperationInvalid, vm.name, "cannot transition %s to running", vm.state)
	}

	wasInactive := vm.runtimeID < 0
	vm.state = StateRunning
	vm.reason = reason
	if wasInactive {
		vm.runtimeID = assignID()
	}
	id := vm.runtimeID
	xml := ""
	if vm.def != nil {
		xml = vm.def.Raw
	}
	name := vm.name
	vm.mu.Unlock()

	if wasInactive {
		lc.registry.bindRuntimeID(vm, id)
	}
	if err := lc.store.WriteStatus(name, xml); err != nil {
		lc.log.WithError(err).WithField("vm", name).Error("failed to persist status file")
	}
	lc.bus.Enqueue(name, EventStarted, reason)
	return nil
}

// ToPaused transitions an active VM to paused. Invalid from shutoff or
// pmsuspended (spec §4.3 forbidden transitions).
func (lc *Lifecycle) ToPaused(vm *VM, reason Reason) error {
	vm.mu.Lock()
	if !isActiveState(vm.state) || vm.state == StatePMSuspended {
		vm.mu.Unlock()
		return hverr.WithDomain(hverr.OperationInvalid, vm.name, "cannot pause from %s", vm.state)
	}
	vm.state = StatePaused
	vm.reason = reason
	name := vm.name
	xml := ""
	if vm.def != nil {
		xml = vm.def.Raw
	}
	vm.mu.Unlock()

	if err := lc.store.WriteStatus(name, xml); err != nil {
		lc.log.WithError(err).WithField("vm", name).Error("failed to persist status file")
	}
	lc.bus.Enqueue(name, EventSuspended, reason)
	return nil
}

// Resume transitions a paused VM back to running. Valid only from paused
// (spec §4.3: "resume is valid only from paused").
func (lc *Lifecycle) Resume(vm *VM, reason Reason) error {
	vm.mu.Lock()
	if vm.state != StatePaused {
		vm.mu.Unlock()
		return hverr.WithDomain(hverr.OperationInvalid, vm.name, "resume is only valid from paused, not %s", vm.state)
	}
	vm.state = StateRunning
	vm.reason = reason
	name := vm.name
	vm.mu.Unlock()

	lc.bus.Enqueue(name, EventResumed, reason)
	return nil
}

// StartAndPause performs the combined transition used when a VM is
// started with an immediate pause requested (e.g. BootFromTemplate, or an
// explicit "start paused" request). Per spec §5/§8 scenario 2, exactly
// two events are enqueued, in order: started then suspended.
func (lc *Lifecycle) StartAndPause(vm *VM, startReason, pauseReason Reason, assignID func() int) error {
	if err := lc.ToRunning(vm, startReason, assignID); err != nil {
		return err
	}
	return lc.ToPaused(vm, pauseReason)
}

// ToPMSuspended transitions a running VM to pmsuspended (guest-initiated
// suspend-to-RAM observed via the hypervisor).
func (lc *Lifecycle) ToPMSuspended(vm *VM, reason Reason) error {
	vm.mu.Lock()
	if vm.state != StateRunning {
		vm.mu.Unlock()
		return hverr.WithDomain(hverr.OperationInvalid, vm.name, "pmsuspend is only valid from running, not %s", vm.state)
	}
	vm.state = StatePMSuspended
	vm.reason = reason
	name := vm.name
	vm.mu.Unlock()

	lc.bus.Enqueue(name, EventPMSuspended, reason)
	return nil
}

// ToShutoff transitions a VM to shutoff, releasing its runtime id,
// removing its status file, and — when the VM is transient — scheduling
// its removal from the registry (spec §4.3 step 4).
func (lc *Lifecycle) ToShutoff(vm *VM, reason Reason) error {
	vm.mu.Lock()
	prevID := vm.runtimeID
	vm.state = StateShutoff
	vm.reason = reason
	vm.runtimeID = -1
	vm.session = nil
	name := vm.name
	persistent := vm.persistent
	vm.mu.Unlock()

	if prevID >= 0 {
		lc.registry.unbindRuntimeID(prevID)
	}
	if err := lc.store.RemoveStatus(name); err != nil {
		lc.log.WithError(err).WithField("vm", name).Error("failed to remove status file")
	}
	lc.bus.Enqueue(name, EventStopped, reason)

	if !persistent {
		if err := lc.registry.Remove(vm); err != nil {
			lc.log.WithError(err).WithField("vm", name).Debug("transient VM not yet removable")
		} else {
			lc.bus.Enqueue(name, EventUndefined, ReasonNone)
		}
	}
	return nil
}

// Destroy implements the graceful/forced destroy operation (spec §4.3,
// §8 scenario 1). A graceful destroy requests an ACPI powerdown over the
// control socket and waits up to deadline for the guest to exit on its
// own; a non-graceful destroy, a failed powerdown request, or a graceful
// wait that runs past deadline all fall back to kill, the caller-supplied
// forced-termination hook (mirrors DriverContext.Shutdown's forceKill).
// Either way the VM ends in shutoff with reason shutoff-destroyed.
func (lc *Lifecycle) Destroy(ctx context.Context, vm *VM, graceful bool, deadline time.Time, kill func(vm *VM) error) error {
	sg, err := vm.BeginSyncJob(JobDestroy, deadline)
	if err != nil {
		return err
	}

	vm.mu.Lock()
	active := isActiveState(vm.state)
	vm.mu.Unlock()
	if !active {
		sg.End()
		return hverr.WithDomain(hverr.OperationInvalid, vm.name, "cannot destroy from %s", vm.state)
	}

	vm.mu.Lock()
	vm.beingDestroyed = true
	vm.mu.Unlock()
	defer func() {
		vm.mu.Lock()
		vm.beingDestroyed = false
		vm.mu.Unlock()
	}()

	stopped := false
	if graceful {
		if pErr := requestPowerdown(ctx, vm); pErr != nil {
			lc.log.WithError(pErr).WithField("vm", vm.name).Warn("graceful powerdown request failed, forcing destroy")
		} else {
			stopped = waitForStop(vm, deadline)
		}
	}
	if !stopped && kill != nil {
		if err := kill(vm); err != nil {
			sg.End()
			return hverr.WithDomain(hverr.OperationFailed, vm.name, "forced destroy: %v", err)
		}
	}

	// sg is ended before ToShutoff, not deferred past it: ToShutoff may
	// remove a transient VM from the registry, and that check requires
	// the sync job's reference already released (same ordering as
	// Save/Confirm).
	sg.End()
	return lc.ToShutoff(vm, ReasonDestroyed)
}

// requestPowerdown issues a single system_powerdown request, bracketing
// it with enter/exit-monitor per spec §5.
func requestPowerdown(ctx context.Context, vm *VM) error {
	tok, err := vm.EnterMonitor()
	if err != nil {
		return err
	}
	callErr := tok.Session().SystemPowerdown(ctx)
	exitErr := tok.Exit()
	if callErr != nil {
		return callErr
	}
	return exitErr
}

// waitForStop polls until the VM is no longer active or deadline passes,
// reporting whether it stopped in time. A zero deadline waits forever,
// matching BeginSyncJob's own deadline convention.
func waitForStop(vm *VM, deadline time.Time) bool {
	const tick = 5 * time.Millisecond
	for {
		if !vm.IsActive() {
			return true
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(tick)
	}
}

// ToCrashed transitions a VM to crashed, as observed via a control-socket
// EOF/transport error or a failed reconnect at manager start (spec §4.3
// reconnect semantics, §4.4 failure semantics).
func (lc *Lifecycle) ToCrashed(vm *VM, reason Reason) error {
	vm.mu.Lock()
	prevID := vm.runtimeID
	vm.state = StateCrashed
	vm.reason = reason
	vm.runtimeID = -1
	vm.session = nil
	name := vm.name
	vm.mu.Unlock()

	if prevID >= 0 {
		lc.registry.unbindRuntimeID(prevID)
	}
	if err := lc.store.RemoveStatus(name); err != nil {
		lc.log.WithError(err).WithField("vm", name).Error("failed to remove status file")
	}
	lc.bus.Enqueue(name, EventCrashed, reason)
	lc.bus.Enqueue(name, EventStopped, reason)
	return nil
}
