// Copyright (c) 2026 the vmfleetd authors
//
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"context"
	"time"

	"github.com/vmfleet/vmfleetd/internal/hverr"
	"go.opentelemetry.io/otel/trace"
)

// Cookie is the opaque, length-prefixed byte blob exchanged between
// migration peers carrying capability negotiation and post-migration
// state (spec §4.8). V2 carries no cookies; the zero value is used in
// that mode.
type Cookie []byte

// migrationAsyncMask is the mask owned by the orchestrator for the
// duration of an outbound migration: suspend and migration-op may
// interleave, modify may not (spec §4.8).
func migrationAsyncMask() map[JobKind]bool {
	return map[JobKind]bool{JobSuspend: true, JobMigrationOp: true, JobQuery: true, JobAbort: true}
}

// MigrationOrchestrator implements C8.
type MigrationOrchestrator struct {
	lc *Lifecycle
}

// BeginResult is what Begin hands back to the caller for use in Perform.
type BeginResult struct {
	XML             string
	Cookie          Cookie
	ChangeProtected bool
}

// NewMigrationOrchestrator wires the orchestrator to the lifecycle state
// machine it drives.
func NewMigrationOrchestrator(lc *Lifecycle) *MigrationOrchestrator {
	return &MigrationOrchestrator{lc: lc}
}

// Begin implements the source-side Begin phase (spec §4.8): validate the
// VM is active, produce a migratable XML projection, and — if
// changeProtection is requested — start the migration-out async job so it
// persists across every subsequent phase.
func (m *MigrationOrchestrator) Begin(ctx context.Context, vm *VM, changeProtection bool, deadline time.Time) (*BeginResult, *AsyncJobGuard, error) {
	sg, err := vm.BeginSyncJob(JobMigrationOp, deadline)
	if err != nil {
		return nil, nil, err
	}

	vm.mu.Lock()
	active := vm.runtimeID >= 0
	def := vm.def
	vm.mu.Unlock()
	if !active {
		sg.End()
		return nil, nil, hverr.WithDomain(hverr.OperationInvalid, vm.name, "cannot migrate an inactive VM")
	}

	var ag *AsyncJobGuard
	if changeProtection {
		ag, err = vm.BeginAsyncJob(AsyncMigrationOut)
		if err != nil {
			sg.End()
			return nil, nil, err
		}
		vm.SetAsyncMask(migrationAsyncMask())
	}
	sg.End()

	migratable := def.Migratable()
	return &BeginResult{XML: migratable.Raw, ChangeProtected: changeProtection}, ag, nil
}

// PrepareResult is what the destination hands back to the source for use
// in Perform.
type PrepareResult struct {
	URI  string
	Port int
}

// Prepare implements the destination-side Prepare phase (spec §4.8):
// allocate a listening port and start the hypervisor process with
// "incoming" arguments bound to it. startIncoming is supplied by the
// caller (process spawning is out of this package's scope).
func (m *MigrationOrchestrator) Prepare(ctx context.Context, ports *PortAllocator, host string, def *Definition, cookie Cookie, startIncoming func(port int, xml string) error) (*PrepareResult, error) {
	port, err := ports.Reserve()
	if err != nil {
		return nil, err
	}
	if err := startIncoming(port, def.Raw); err != nil {
		ports.Release(port)
		return nil, hverr.WithDomain(hverr.OperationFailed, def.Name, "starting incoming migration listener: %v", err)
	}
	return &PrepareResult{URI: host, Port: port}, nil
}

// Perform implements the source-side Perform phase (spec §4.8): connect
// to the destination and issue outbound migration, then monitor progress
// until convergence, cancellation, or failure.
func (m *MigrationOrchestrator) Perform(ctx context.Context, vm *VM, dest PrepareResult, speedBytesPerSec, downtimeMS uint64, pollInterval time.Duration, deadline time.Time) error {
	sg, err := vm.BeginSyncJob(JobMigrationOp, deadline)
	if err != nil {
		return err
	}
	defer sg.End()

	if speedBytesPerSec > 0 {
		if err := vm.WithMonitor(func(s *Session) error { return s.SetMigrationSpeed(ctx, speedBytesPerSec) }); err != nil {
			return err
		}
	}
	if downtimeMS > 0 {
		if err := vm.WithMonitor(func(s *Session) error { return s.SetMigrationDowntime(ctx, downtimeMS) }); err != nil {
			return err
		}
	}
	if err := vm.WithMonitor(func(s *Session) error { return s.Migrate(ctx, dest.URI) }); err != nil {
		return err
	}

	for {
		var st MigrationStatus
		err := vm.WithMonitor(func(s *Session) error {
			var err error
			st, err = s.QueryMigrate(ctx)
			return err
		})
		if err != nil {
			return err
		}
		switch st.Status {
		case "completed":
			return nil
		case "failed", "cancelled":
			return hverr.WithDomain(hverr.OperationFailed, vm.name, "migration %s", st.Status)
		}

		select {
		case <-ctx.Done():
			_ = vm.WithMonitor(func(s *Session) error { return s.MigrateCancel(ctx) })
			// Pause the source here, not leave it running: Confirm's
			// failure path resumes CPUs (spec §8 scenario 6), and Resume
			// is only valid from paused.
			if pErr := m.lc.ToPaused(vm, ReasonPausedForMigration); pErr != nil {
				m.lc.log.WithError(pErr).WithField("vm", vm.name).Error("failed to pause source after migration cancel")
			}
			return hverr.WithDomain(hverr.OperationAborted, vm.name, "migration cancelled: %v", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// Finish implements the destination-side Finish phase (spec §4.8): wait
// for convergence (Perform on the source already blocks until that point
// for this simplified V2-shaped protocol), optionally resume CPUs, and
// persist status.
func (m *MigrationOrchestrator) Finish(vm *VM, resumeAfter bool) error {
	if resumeAfter {
		return m.lc.ToRunning(vm, ReasonMigrated, func() int { return vm.RuntimeID() })
	}
	return m.lc.ToPaused(vm, ReasonPausedForMigration)
}

// Confirm implements the source-side Confirm phase (spec §4.8): on
// success, transition the source to shutoff with reason shutoff-migrated;
// on cancellation, resume CPUs and transition back to running.
func (m *MigrationOrchestrator) Confirm(vm *VM, ag *AsyncJobGuard, succeeded bool) error {
	// ag is ended before the state transition, not deferred past it: a
	// successful migration's ToShutoff may remove a transient vm from the
	// registry, and that check needs the async job's reference already
	// released.
	if ag != nil {
		ag.End()
	}
	if succeeded {
		return m.lc.ToShutoff(vm, ReasonMigrated)
	}
	return m.lc.Resume(vm, ReasonNone)
}

// traceMigrationPhase is a small helper so each phase gets its own child
// span under the job span opened by BeginSyncJob/BeginAsyncJob (spec
// §10 AMBIENT STACK: "span per migration phase").
func traceMigrationPhase(ctx context.Context, phase string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "migration."+phase)
}
