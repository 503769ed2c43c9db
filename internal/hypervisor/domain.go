// Copyright (c) 2026 the vmfleetd authors
//
// SPDX-License-Identifier: Apache-2.0

// Package hypervisor implements the core of a host-local hypervisor
// management driver: the per-VM job coordinator, the VM lifecycle state
// machine, the persisted save/snapshot engine, and the multi-domain
// registry and event bus described in the driver specification. Process
// spawning, XML parsing, the control-socket wire codec, cgroup/security
// mechanisms, and the migration wire protocol itself are all addressed
// through the interfaces in this package, not implemented by it.
package hypervisor

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// State is one of the VM lifecycle states (spec §3/§4.3).
type State string

const (
	StateShutoff      State = "shutoff"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateBlocked      State = "blocked"
	StateShuttingDown State = "shutdown-in-progress"
	StateCrashed      State = "crashed"
	StatePMSuspended  State = "pmsuspended"
)

// Reason is a reason code attached to a state (spec §3, §4.3).
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonBooted           Reason = "booted"
	ReasonPausedForMigration Reason = "paused-for-migration"
	ReasonPausedForSave    Reason = "paused-for-save"
	ReasonPausedForSnapshot Reason = "paused-for-snapshot"
	ReasonPausedByUser     Reason = "paused-by-user"
	ReasonPausedUnknown    Reason = "paused-unknown"
	ReasonDestroyed        Reason = "shutoff-destroyed"
	ReasonSaved            Reason = "shutoff-saved"
	ReasonFromSnapshot     Reason = "shutoff-from-snapshot"
	ReasonMigrated         Reason = "shutoff-migrated"
	ReasonCrashed          Reason = "shutoff-crashed"
	ReasonRestored         Reason = "restored"
	ReasonSuspendedAPIErr  Reason = "suspended-api-error"
)

// JobKind is a synchronous job kind (spec §3, §4.2).
type JobKind string

const (
	JobNone        JobKind = "none"
	JobQuery       JobKind = "query"
	JobDestroy     JobKind = "destroy"
	JobSuspend     JobKind = "suspend"
	JobModify      JobKind = "modify"
	JobAbort       JobKind = "abort"
	JobMigrationOp JobKind = "migration-op"
)

// AsyncJobKind is a long-running async job kind (spec §3, §4.2).
type AsyncJobKind string

const (
	AsyncNone        AsyncJobKind = "none"
	AsyncMigrationOut AsyncJobKind = "migration-out"
	AsyncMigrationIn AsyncJobKind = "migration-in"
	AsyncSave        AsyncJobKind = "save"
	AsyncDump        AsyncJobKind = "dump"
	AsyncSnapshot    AsyncJobKind = "snapshot"
)

// defaultAsyncMask returns the sync job kinds permitted to interleave with
// a given async job, per spec §4.2.
func defaultAsyncMask(kind AsyncJobKind) map[JobKind]bool {
	switch kind {
	case AsyncMigrationOut:
		return map[JobKind]bool{JobQuery: true, JobMigrationOp: true, JobAbort: true, JobSuspend: true}
	case AsyncMigrationIn:
		return map[JobKind]bool{JobQuery: true, JobMigrationOp: true, JobAbort: true}
	case AsyncSave, AsyncDump:
		return map[JobKind]bool{JobQuery: true, JobAbort: true, JobMigrationOp: true, JobSuspend: true}
	case AsyncSnapshot:
		return map[JobKind]bool{JobQuery: true, JobAbort: true, JobMigrationOp: true}
	default:
		return map[JobKind]bool{}
	}
}

// DiskRef identifies one element of a disk backing chain bound to a VM.
type DiskRef struct {
	Device string // guest-visible target, e.g. "vda"
	File   string
}

// Definition is the (out-of-scope, opaque-to-us) parsed domain
// configuration. The real XML parse/format lives outside this package;
// we only need a handful of durable fields to implement ABI-stability
// comparisons (§4.6) and migratable-XML projection (§4.8).
type Definition struct {
	Name    string
	UUID    string
	VCPUs   uint
	Memory  uint64 // MiB
	MaxMem  uint64 // MiB
	Disks   []DiskRef
	Raw     string // the XML/JSON blob as received from the collaborator
}

// StableEquivalent reports whether the durable fields of two definitions
// match, used by restore (§4.6 step 2) to accept caller-supplied
// replacement XML only when it preserves ABI.
func (d *Definition) StableEquivalent(other *Definition) bool {
	if d == nil || other == nil {
		return d == other
	}
	if d.Name != other.Name || d.UUID != other.UUID {
		return false
	}
	if d.VCPUs != other.VCPUs || d.Memory != other.Memory {
		return false
	}
	if len(d.Disks) != len(other.Disks) {
		return false
	}
	for i := range d.Disks {
		if d.Disks[i] != other.Disks[i] {
			return false
		}
	}
	return true
}

// Migratable returns a projection of the definition with host-specific
// detail omitted. The actual projection logic belongs to the XML
// collaborator; this package only needs the concept to exist so the
// save/migration engines have something to call.
func (d *Definition) Migratable() *Definition {
	cp := *d
	return &cp
}

// jobRecord is the per-VM job descriptor (spec §3 "Job descriptor").
type jobRecord struct {
	syncKind   JobKind
	asyncKind  AsyncJobKind
	asyncMask  map[JobKind]bool
	startTS    time.Time
	asyncStart time.Time
	ownerGID   int64 // goroutine-ish owner identity; see job.go
	monitorTS  time.Time
	abortFlag  bool

	// progress counters for the active async job, read by Inquire.
	progressCur uint64
	progressEnd uint64
}

// VM is the in-memory representation of a managed VM (spec §3 "VM
// object"). Exactly one VM exists per UUID at a time; the registry (C1)
// is the only component allowed to create or remove them.
type VM struct {
	mu   sync.Mutex
	cond *sync.Cond

	id       string // UUID, immutable
	name     string // mutable only via rename, which this core doesn't expose
	runtimeID int   // small integer id; -1 when inactive
	persistent bool

	def    *Definition
	newDef *Definition // non-nil only when live config diverges from persisted

	state  State
	reason Reason

	job jobRecord

	refcount int

	snapshots   map[string]*Snapshot
	currentSnap string // name of current snapshot, "" if none

	hasManagedSave bool
	beingDestroyed bool

	// autoDestroy marks a VM that the save protocol must refuse to save
	// (spec §4.6 step 1).
	autoDestroy bool

	// mirrors tracks devices with an active drive-mirror block-copy job,
	// keyed by device name, valued by the mirror target file (spec §4.7
	// block-copy/pivot). Also consulted by the save protocol's "active
	// block-copy job" refusal check (spec §4.6 step 1).
	mirrors map[string]string

	// session is the control-socket session for an active VM. Nil when
	// inactive.
	session *Session

	// disks bound while active, keyed by device name.
	bound map[string]*ResourceHandle

	// portReservation is the graphics port reserved for this VM while
	// active, or 0 if none.
	portReservation int

	logger *logrus.Entry
}

func newVM(id, name string, def *Definition, persistent bool, log *logrus.Entry) *VM {
	v := &VM{
		id:         id,
		name:       name,
		runtimeID:  -1,
		persistent: persistent,
		def:        def,
		state:      StateShutoff,
		reason:     ReasonNone,
		refcount:   1,
		snapshots:  make(map[string]*Snapshot),
		bound:      make(map[string]*ResourceHandle),
		mirrors:    make(map[string]string),
		logger:     log.WithField("vm", name),
	}
	v.job.syncKind = JobNone
	v.job.asyncKind = AsyncNone
	v.cond = sync.NewCond(&v.mu)
	return v
}

// ID returns the VM's UUID.
func (v *VM) ID() string { return v.id }

// Name returns the VM's name. Safe to call without the VM lock: name is
// immutable for the lifetime of this core; the registry has no rename
// operation.
func (v *VM) Name() string { return v.name }

// Persistent reports whether a definition exists under config/.
func (v *VM) Persistent() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.persistent
}

// IsActive reports whether a hypervisor process is currently running for
// this VM.
func (v *VM) IsActive() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.runtimeID >= 0
}

// State returns the current state and reason.
func (v *VM) State() (State, Reason) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state, v.reason
}

// RuntimeID returns the small integer id, or -1 if inactive.
func (v *VM) RuntimeID() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.runtimeID
}

func newDomainUUID() string {
	return uuid.New().String()
}

// ref takes a reference on the VM outside the job coordinator, used by
// the watchdog dispatcher to keep the VM alive for the duration of a
// queued auto-dump work item (spec §4.9).
func (v *VM) ref() {
	v.mu.Lock()
	v.refcount++
	v.mu.Unlock()
}

// unref releases a reference taken by ref.
func (v *VM) unref() {
	v.mu.Lock()
	v.refcount--
	v.cond.Broadcast()
	v.mu.Unlock()
}

// BeingDestroyed reports whether a destroy operation is currently
// in-flight for this VM. A session owner observing a control-socket EOF
// consults this before translating the disconnect into a crashed
// transition, so a destroy-induced exit isn't double-reported (spec §5
// "the being-destroyed flag... suppresses EOF-driven bookkeeping while
// the destroy request proceeds").
func (v *VM) BeingDestroyed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.beingDestroyed
}

// SetAutoDestroy marks (or unmarks) a VM as auto-destroy, consulted by
// the save protocol's refusal check (spec §4.6 step 1).
func (v *VM) SetAutoDestroy(b bool) {
	v.mu.Lock()
	v.autoDestroy = b
	v.mu.Unlock()
}

// AutoDestroy reports whether the VM is marked auto-destroy.
func (v *VM) AutoDestroy() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.autoDestroy
}

// recordMirror records that device now has an active block-copy job
// mirroring to target (spec §4.7 "start block-copy").
func (v *VM) recordMirror(device, target string) {
	v.mu.Lock()
	v.mirrors[device] = target
	v.mu.Unlock()
}

// mirrorTarget returns the mirror target recorded for device, if any.
func (v *VM) mirrorTarget(device string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	t, ok := v.mirrors[device]
	return t, ok
}

// clearMirror drops a device's active block-copy tracking once it has
// pivoted or aborted.
func (v *VM) clearMirror(device string) {
	v.mu.Lock()
	delete(v.mirrors, device)
	v.mu.Unlock()
}

// hasActiveBlockCopy reports whether any device has an in-flight mirror,
// consulted by the save protocol's refusal check (spec §4.6 step 1).
func (v *VM) hasActiveBlockCopy() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.mirrors) > 0
}

// setDiskFile rewrites device's backing file in place and reports the
// previous value, used by Pivot to point a disk at its mirror target on
// success and to restore the original descriptor on failure (spec §4.7
// pivot algorithm).
func (v *VM) setDiskFile(device, file string) (prev string, found bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.def == nil {
		return "", false
	}
	for i := range v.def.Disks {
		if v.def.Disks[i].Device == device {
			prev = v.def.Disks[i].File
			v.def.Disks[i].File = file
			return prev, true
		}
	}
	return "", false
}
