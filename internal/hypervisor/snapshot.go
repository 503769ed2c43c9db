// Copyright (c) 2026 the vmfleetd authors
//
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/vmfleet/vmfleetd/internal/hverr"
	"github.com/hashicorp/go-multierror"
)

// SnapshotFamily distinguishes internal (native disk-image format)
// snapshots from external (overlay-per-disk) ones (spec §4.7).
type SnapshotFamily int

const (
	SnapshotInternal SnapshotFamily = iota
	SnapshotExternal
)

// Snapshot is one point-in-time checkpoint of a VM (spec §3, §4.7).
type Snapshot struct {
	Name       string
	Parent     string // "" if root
	Family     SnapshotFamily
	Disks      []DiskRef // overlay files, external only
	MemoryFile string    // "", internal or disk-only
	CreatedAt  time.Time
	State      State
	Reason     Reason
	DiskOnly   bool
}

// SnapshotRequest describes one snapshot creation call (spec §4.7
// "Preparation rules").
type SnapshotRequest struct {
	Name       string
	Family     SnapshotFamily
	DiskOnly   bool
	Quiesce    bool
	Live       bool
	ReuseExt   bool
	MemoryFile string
	Disks      []DiskRef
}

// guestAgent is the narrow surface the snapshot engine needs from the
// guest-agent collaborator for filesystem quiesce (spec §4.7 step 2).
// The real agent transport is out of scope per §1's Non-goals; this core
// only needs freeze/thaw.
type guestAgent interface {
	FreezeFilesystems(ctx context.Context) error
	ThawFilesystems(ctx context.Context) error
}

// SnapshotEngine implements C7.
type SnapshotEngine struct {
	lc        *Lifecycle
	store     *Store
	resources *ResourceBinder
	sre       *SaveRestoreEngine
}

// NewSnapshotEngine wires the engine to its collaborators.
func NewSnapshotEngine(lc *Lifecycle, store *Store, resources *ResourceBinder, sre *SaveRestoreEngine) *SnapshotEngine {
	return &SnapshotEngine{lc: lc, store: store, resources: resources, sre: sre}
}

// validate applies the preparation rules from spec §4.7.
func (e *SnapshotEngine) validate(vm *VM, req SnapshotRequest, activeFamily SnapshotFamily) error {
	if req.Family != activeFamily {
		// caller-level check when mixing is attempted across calls is the
		// caller's business; here we only reject the impossible
		// combinations named explicitly below.
	}
	if req.DiskOnly && req.Family == SnapshotInternal {
		return hverr.WithDomain(hverr.OperationInvalid, vm.name, "disk-only snapshots must be external")
	}
	if req.Quiesce && req.DiskOnly {
		return hverr.WithDomain(hverr.OperationInvalid, vm.name, "quiesce is incompatible with disk-only")
	}
	if req.Family == SnapshotExternal && !req.ReuseExt {
		for _, d := range req.Disks {
			if _, err := os.Stat(d.File); err == nil {
				return hverr.WithDomain(hverr.OperationInvalid, vm.name, "overlay target %s already exists", d.File)
			}
		}
	}
	return nil
}

// CreateExternal implements the 7-step active external snapshot algorithm
// (spec §4.7).
func (e *SnapshotEngine) CreateExternal(ctx context.Context, vm *VM, req SnapshotRequest, agent guestAgent, transactional bool, deadline time.Time) (*Snapshot, error) {
	if err := e.validate(vm, req, SnapshotExternal); err != nil {
		return nil, err
	}

	// Step 1: begin async job snapshot.
	sg, err := vm.BeginSyncJob(JobModify, deadline)
	if err != nil {
		return nil, err
	}
	ag, err := vm.BeginAsyncJob(AsyncSnapshot)
	if err != nil {
		sg.End()
		return nil, err
	}
	sg.End()
	defer ag.End()

	thawOwed := false
	if req.Quiesce {
		if agent == nil {
			return nil, hverr.WithDomain(hverr.OperationInvalid, vm.name, "quiesce requires a guest agent")
		}
		if err := agent.FreezeFilesystems(ctx); err != nil {
			return nil, hverr.WithDomain(hverr.OperationFailed, vm.name, "freezing guest filesystems: %v", err)
		}
		thawOwed = true
	}
	if thawOwed {
		defer func() {
			if err := agent.ThawFilesystems(ctx); err != nil {
				e.lc.log.WithError(err).WithField("vm", vm.name).Warn("failed to thaw guest filesystems after snapshot")
			}
		}()
	}

	vm.mu.Lock()
	wasRunning := vm.state == StateRunning
	vm.mu.Unlock()

	pausedHere := false
	if !req.DiskOnly && wasRunning && !req.Live {
		if err := e.lc.ToPaused(vm, ReasonPausedForSnapshot); err != nil {
			return nil, err
		}
		pausedHere = true
	}
	resumeAtEnd := func() {
		if pausedHere {
			if err := e.lc.Resume(vm, ReasonNone); err != nil {
				e.lc.log.WithError(err).WithField("vm", vm.name).Error("failed to resume after snapshot")
			}
		}
	}

	if !req.DiskOnly && req.MemoryFile != "" {
		if err := e.writeMemoryNoFinalize(ctx, vm, req.MemoryFile, deadline); err != nil {
			resumeAtEnd()
			return nil, err
		}
	}

	bound := make([]*ResourceHandle, 0, len(req.Disks))
	rollbackDisks := func() {
		for _, h := range bound {
			if err := e.resources.Release(h, nil); err != nil {
				e.lc.log.WithError(err).Warn("rollback of disk resource binding reported errors")
			}
		}
		for _, d := range req.Disks {
			os.Remove(d.File)
		}
	}

	tok, err := vm.EnterMonitor()
	if err != nil {
		resumeAtEnd()
		return nil, err
	}
	sess := tok.Session()

	for _, d := range req.Disks {
		h, err := e.resources.Prepare(d, AccessReadWrite, nil)
		if err != nil {
			_ = tok.Exit()
			rollbackDisks()
			resumeAtEnd()
			return nil, err
		}
		bound = append(bound, h)
	}

	var txErr error
	if transactional && len(req.Disks) > 0 {
		actions := make([]TransactionAction, 0, len(req.Disks))
		for _, d := range req.Disks {
			actions = append(actions, TransactionAction{
				Type: "blockdev-snapshot-sync",
				Data: map[string]interface{}{"device": d.Device, "snapshot-file": d.File, "format": "qcow2"},
			})
		}
		txErr = sess.Transaction(ctx, actions)
	} else if len(req.Disks) == 1 {
		d := req.Disks[0]
		txErr = sess.DiskSnapshot(ctx, d.Device, d.File, "qcow2")
	} else if len(req.Disks) > 1 {
		txErr = hverr.WithDomain(hverr.OperationInvalid, vm.name, "multiple disks require transaction support")
	}

	exitErr := tok.Exit()

	if txErr != nil {
		rollbackDisks()
		resumeAtEnd()
		return nil, txErr
	}
	if exitErr != nil {
		rollbackDisks()
		resumeAtEnd()
		return nil, exitErr
	}

	resumeAtEnd()

	vm.mu.Lock()
	parent := vm.currentSnap
	vm.mu.Unlock()

	snap := &Snapshot{
		Name:       req.Name,
		Parent:     parent,
		Family:     SnapshotExternal,
		Disks:      req.Disks,
		MemoryFile: req.MemoryFile,
		CreatedAt:  time.Now(),
		DiskOnly:   req.DiskOnly,
	}
	if err := e.persist(vm, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// writeMemoryNoFinalize reuses the save protocol's header, stream and
// mark-complete steps, without stopping the VM afterwards (spec §4.7
// step 3).
func (e *SnapshotEngine) writeMemoryNoFinalize(ctx context.Context, vm *VM, path string, deadline time.Time) error {
	vm.mu.Lock()
	xml := ""
	if vm.def != nil {
		xml = vm.def.Raw
	}
	vm.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return hverr.WithDomain(hverr.OperationFailed, vm.name, "opening memory file: %v", err)
	}
	defer f.Close()

	if err := writeSaveHeader(f, false, xml, true, CompressionRaw); err != nil {
		return err
	}

	tok, err := vm.EnterMonitor()
	if err != nil {
		return err
	}
	sess := tok.Session()
	if err := sess.SaveVirtualMemory(ctx, path); err != nil {
		_ = tok.Exit()
		return err
	}
	if err := tok.Exit(); err != nil {
		return err
	}
	return markSaveComplete(path)
}

func (e *SnapshotEngine) persist(vm *VM, snap *Snapshot) error {
	xml := fmt.Sprintf("<snapshot name=%q parent=%q/>", snap.Name, snap.Parent)
	if err := e.store.WriteSnapshotMetadata(vm.name, snap.Name, xml); err != nil {
		return hverr.WithDomain(hverr.OperationFailed, vm.name, "persisting snapshot metadata: %v", err)
	}
	vm.mu.Lock()
	vm.snapshots[snap.Name] = snap
	vm.currentSnap = snap.Name
	vm.mu.Unlock()
	return nil
}

// StartBlockCopy begins a live block-copy of device to target (spec
// §4.7 "start block-copy" / active mirror), tracking the mirror so a
// later Pivot can rewrite the disk descriptor and so the save protocol's
// "active block-copy job" refusal check (spec §4.6 step 1) can see it.
func (e *SnapshotEngine) StartBlockCopy(ctx context.Context, vm *VM, device, target, format string, deadline time.Time) error {
	sg, err := vm.BeginSyncJob(JobModify, deadline)
	if err != nil {
		return err
	}
	defer sg.End()

	tok, err := vm.EnterMonitor()
	if err != nil {
		return err
	}
	mirrorErr := tok.Session().DriveMirror(ctx, device, target, format)
	exitErr := tok.Exit()

	if mirrorErr != nil {
		return mirrorErr
	}
	if exitErr != nil {
		return exitErr
	}
	vm.recordMirror(device, target)
	return nil
}

// Pivot implements the pivot algorithm ending a live block-copy (spec
// §4.7 "Pivot"): on success it rewrites the disk descriptor to point at
// the mirror target and clears the tracked mirror; on failure it
// restores the original descriptor (spec §4.7, boundary behavior "pivot
// on a disk with no active block-copy is rejected with OperationInvalid").
func (e *SnapshotEngine) Pivot(ctx context.Context, vm *VM, device string, deadline time.Time) error {
	target, active := vm.mirrorTarget(device)
	if !active {
		return hverr.WithDomain(hverr.OperationInvalid, vm.name, "no active block-copy for %s", device)
	}

	sg, err := vm.BeginSyncJob(JobModify, deadline)
	if err != nil {
		return err
	}
	defer sg.End()

	if err := e.lc.ToPaused(vm, ReasonNone); err != nil {
		return err
	}
	resume := func() {
		if err := e.lc.Resume(vm, ReasonNone); err != nil {
			e.lc.log.WithError(err).WithField("vm", vm.name).Error("failed to resume after pivot")
		}
	}

	tok, err := vm.EnterMonitor()
	if err != nil {
		resume()
		return err
	}
	sess := tok.Session()

	jobs, err := sess.BlockJob(ctx)
	if err != nil {
		_ = tok.Exit()
		resume()
		return err
	}
	ready := false
	for _, j := range jobs {
		if j.Device == device && j.Cur >= j.End {
			ready = true
		}
	}
	if !ready {
		_ = tok.Exit()
		resume()
		return hverr.WithDomain(hverr.OperationInvalid, vm.name, "mirror for %s is not yet synchronized", device)
	}

	prev, _ := vm.setDiskFile(device, target)

	pivotErr := sess.DrivePivot(ctx, device)
	exitErr := tok.Exit()
	resume()

	if pivotErr != nil {
		vm.setDiskFile(device, prev)
		return pivotErr
	}
	if exitErr != nil {
		vm.setDiskFile(device, prev)
		return exitErr
	}

	vm.clearMirror(device)
	return nil
}

// DeleteMode selects how much of a snapshot's metadata and disk state is
// removed (spec §4.7 "Delete").
type DeleteMode int

const (
	DeleteMetadataOnly DeleteMode = iota
	DeleteFull
)

// Delete removes a snapshot and reparents its children onto its parent in
// both modes; DeleteFull also rewrites each reparented child's on-disk
// metadata. External-snapshot full deletion is not supported (spec
// §4.7).
func (e *SnapshotEngine) Delete(vm *VM, name string, mode DeleteMode) error {
	vm.mu.Lock()
	snap, ok := vm.snapshots[name]
	if !ok {
		vm.mu.Unlock()
		return hverr.WithDomain(hverr.NoSuchSnapshot, name, "no such snapshot")
	}
	if mode == DeleteFull && snap.Family == SnapshotExternal {
		vm.mu.Unlock()
		return hverr.WithDomain(hverr.OperationInvalid, name, "full deletion of external snapshots is not supported")
	}

	var result *multierror.Error
	for _, child := range vm.snapshots {
		if child.Parent == name {
			child.Parent = snap.Parent
			if mode == DeleteFull {
				if err := e.store.WriteSnapshotMetadata(vm.name, child.Name, fmt.Sprintf("<snapshot name=%q parent=%q/>", child.Name, child.Parent)); err != nil {
					result = multierror.Append(result, err)
				}
			}
		}
	}
	delete(vm.snapshots, name)
	if vm.currentSnap == name {
		vm.currentSnap = snap.Parent
	}
	vm.mu.Unlock()

	if err := e.store.RemoveSnapshotMetadata(vm.name, name); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Revert transitions the VM to the state captured in an internal
// snapshot (spec §4.7 "Revert"; external-disk revert is out of scope).
func (e *SnapshotEngine) Revert(ctx context.Context, vm *VM, name string, forceRun bool, deadline time.Time) error {
	vm.mu.Lock()
	snap, ok := vm.snapshots[name]
	active := vm.runtimeID >= 0
	vm.mu.Unlock()
	if !ok {
		return hverr.WithDomain(hverr.NoSuchSnapshot, name, "no such snapshot")
	}
	if snap.Family == SnapshotExternal {
		return hverr.WithDomain(hverr.OperationInvalid, name, "revert to an external snapshot is not supported")
	}

	sg, err := vm.BeginSyncJob(JobModify, deadline)
	if err != nil {
		return err
	}
	defer sg.End()

	if !active {
		return hverr.WithDomain(hverr.OperationInvalid, vm.name, "revert of an inactive VM requires starting it via the start path")
	}

	if err := e.lc.ToPaused(vm, ReasonNone); err != nil {
		return err
	}

	tok, err := vm.EnterMonitor()
	if err != nil {
		return err
	}
	sess := tok.Session()
	loadErr := sess.LoadSnapshot(ctx, name)
	exitErr := tok.Exit()

	if loadErr != nil {
		return loadErr
	}
	if exitErr != nil {
		return exitErr
	}

	vm.mu.Lock()
	vm.currentSnap = name
	vm.mu.Unlock()

	if forceRun || snap.State == StateRunning {
		return e.lc.Resume(vm, ReasonFromSnapshot)
	}
	return nil
}
