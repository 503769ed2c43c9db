// Copyright (c) 2026 the vmfleetd authors
//
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBeginRejectsInactiveVM(t *testing.T) {
	assert := assert.New(t)
	lc, reg := newTestLifecycle(t)
	m := NewMigrationOrchestrator(lc)
	vm, err := reg.Add(&Definition{Name: "vm0", Raw: "<domain/>"}, true, MergeReject, testLogger())
	assert.NoError(err)

	_, _, err = m.Begin(context.Background(), vm, false, time.Time{})
	assert.Error(err)
}

func TestBeginWithChangeProtectionHoldsAsyncJob(t *testing.T) {
	assert := assert.New(t)
	lc, reg := newTestLifecycle(t)
	m := NewMigrationOrchestrator(lc)
	vm, err := reg.Add(&Definition{Name: "vm0", Raw: "<domain/>"}, true, MergeReject, testLogger())
	assert.NoError(err)
	assert.NoError(lc.ToRunning(vm, ReasonBooted, func() int { return 1 }))

	res, ag, err := m.Begin(context.Background(), vm, true, time.Time{})
	assert.NoError(err)
	assert.NotNil(ag)
	assert.Equal("<domain/>", res.XML)
	assert.True(res.ChangeProtected)

	// A conflicting modify job must be blocked by the migration-out mask
	// while the async job is still open.
	_, err = vm.BeginSyncJob(JobModify, time.Now().Add(20*time.Millisecond))
	assert.Error(err, "modify must not interleave with an open migration-out async job")

	ag.End()
}

func TestBeginWithoutChangeProtectionReturnsNilGuard(t *testing.T) {
	assert := assert.New(t)
	lc, reg := newTestLifecycle(t)
	m := NewMigrationOrchestrator(lc)
	vm, err := reg.Add(&Definition{Name: "vm0", Raw: "<domain/>"}, true, MergeReject, testLogger())
	assert.NoError(err)
	assert.NoError(lc.ToRunning(vm, ReasonBooted, func() int { return 1 }))

	_, ag, err := m.Begin(context.Background(), vm, false, time.Time{})
	assert.NoError(err)
	assert.Nil(ag)
}

func TestPrepareReservesPortAndStartsIncoming(t *testing.T) {
	assert := assert.New(t)
	lc, _ := newTestLifecycle(t)
	m := NewMigrationOrchestrator(lc)
	ports := NewPortAllocator(6000, 6002)

	var gotPort int
	var gotXML string
	start := func(port int, xml string) error {
		gotPort, gotXML = port, xml
		return nil
	}

	res, err := m.Prepare(context.Background(), ports, "qemu+tcp://dest", &Definition{Raw: "<domain/>"}, nil, start)
	assert.NoError(err)
	assert.Equal(6000, res.Port)
	assert.Equal(6000, gotPort)
	assert.Equal("<domain/>", gotXML)
}

func TestPrepareReleasesPortWhenStartIncomingFails(t *testing.T) {
	assert := assert.New(t)
	lc, _ := newTestLifecycle(t)
	m := NewMigrationOrchestrator(lc)
	ports := NewPortAllocator(6000, 6001)

	start := func(port int, xml string) error { return assert.AnError }
	_, err := m.Prepare(context.Background(), ports, "qemu+tcp://dest", &Definition{Raw: "<domain/>"}, nil, start)
	assert.Error(err)

	// The released port must be reusable.
	p, err := ports.Reserve()
	assert.NoError(err)
	assert.Equal(6000, p)
}

func TestPerformPollsUntilCompletedAndEndsSyncJob(t *testing.T) {
	assert := assert.New(t)
	lc, reg := newTestLifecycle(t)
	m := NewMigrationOrchestrator(lc)
	vm, err := reg.Add(&Definition{Name: "vm0", Raw: "<domain/>"}, true, MergeReject, testLogger())
	assert.NoError(err)
	assert.NoError(lc.ToRunning(vm, ReasonBooted, func() int { return 1 }))

	fake := attachFakeSession(t, vm)
	dest := PrepareResult{URI: "qemu+tcp://dest", Port: 6000}

	done := make(chan error, 1)
	go func() {
		done <- m.Perform(context.Background(), vm, dest, 0, 0, 5*time.Millisecond, time.Time{})
	}()

	req := fake.nextRequest(t)
	assert.Equal("migrate", req["execute"])
	fake.reply(t, struct{}{})

	req = fake.nextRequest(t)
	assert.Equal("query-migrate", req["execute"])
	fake.reply(t, MigrationStatus{Status: "active"})

	req = fake.nextRequest(t)
	assert.Equal("query-migrate", req["execute"])
	fake.reply(t, MigrationStatus{Status: "completed"})

	select {
	case err := <-done:
		assert.NoError(err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Perform to return")
	}

	// The sync job must have been released; a fresh one must be
	// acquirable immediately.
	g, err := vm.BeginSyncJob(JobQuery, time.Now().Add(20*time.Millisecond))
	assert.NoError(err)
	g.End()
}

func TestPerformSetsSpeedAndDowntimeBeforeMigrating(t *testing.T) {
	assert := assert.New(t)
	lc, reg := newTestLifecycle(t)
	m := NewMigrationOrchestrator(lc)
	vm, err := reg.Add(&Definition{Name: "vm0", Raw: "<domain/>"}, true, MergeReject, testLogger())
	assert.NoError(err)
	assert.NoError(lc.ToRunning(vm, ReasonBooted, func() int { return 1 }))

	fake := attachFakeSession(t, vm)
	dest := PrepareResult{URI: "qemu+tcp://dest"}

	done := make(chan error, 1)
	go func() {
		done <- m.Perform(context.Background(), vm, dest, 1024, 300, 5*time.Millisecond, time.Time{})
	}()

	req := fake.nextRequest(t)
	assert.Equal("migrate_set_speed", req["execute"])
	fake.reply(t, struct{}{})

	req = fake.nextRequest(t)
	assert.Equal("migrate_set_downtime", req["execute"])
	fake.reply(t, struct{}{})

	req = fake.nextRequest(t)
	assert.Equal("migrate", req["execute"])
	fake.reply(t, struct{}{})

	req = fake.nextRequest(t)
	assert.Equal("query-migrate", req["execute"])
	fake.reply(t, MigrationStatus{Status: "completed"})

	select {
	case err := <-done:
		assert.NoError(err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Perform to return")
	}
}

func TestPerformReturnsErrorOnFailedStatus(t *testing.T) {
	assert := assert.New(t)
	lc, reg := newTestLifecycle(t)
	m := NewMigrationOrchestrator(lc)
	vm, err := reg.Add(&Definition{Name: "vm0", Raw: "<domain/>"}, true, MergeReject, testLogger())
	assert.NoError(err)
	assert.NoError(lc.ToRunning(vm, ReasonBooted, func() int { return 1 }))

	fake := attachFakeSession(t, vm)
	dest := PrepareResult{URI: "qemu+tcp://dest"}

	done := make(chan error, 1)
	go func() {
		done <- m.Perform(context.Background(), vm, dest, 0, 0, 5*time.Millisecond, time.Time{})
	}()

	fake.nextRequest(t)
	fake.reply(t, struct{}{})

	req := fake.nextRequest(t)
	assert.Equal("query-migrate", req["execute"])
	fake.reply(t, MigrationStatus{Status: "failed"})

	select {
	case err := <-done:
		assert.Error(err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Perform to return")
	}
}

func TestPerformCancelsOnContextCancel(t *testing.T) {
	assert := assert.New(t)
	lc, reg := newTestLifecycle(t)
	m := NewMigrationOrchestrator(lc)
	vm, err := reg.Add(&Definition{Name: "vm0", Raw: "<domain/>"}, true, MergeReject, testLogger())
	assert.NoError(err)
	assert.NoError(lc.ToRunning(vm, ReasonBooted, func() int { return 1 }))

	fake := attachFakeSession(t, vm)
	dest := PrepareResult{URI: "qemu+tcp://dest"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Perform(ctx, vm, dest, 0, 0, 50*time.Millisecond, time.Time{})
	}()

	fake.nextRequest(t)
	fake.reply(t, struct{}{})

	req := fake.nextRequest(t)
	assert.Equal("query-migrate", req["execute"])
	fake.reply(t, MigrationStatus{Status: "active"})

	cancel()

	req = fake.nextRequest(t)
	assert.Equal("migrate_cancel", req["execute"])
	fake.reply(t, struct{}{})

	select {
	case err := <-done:
		assert.Error(err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Perform to return")
	}
}

func TestFinishResumesOrPauses(t *testing.T) {
	assert := assert.New(t)
	lc, reg := newTestLifecycle(t)
	m := NewMigrationOrchestrator(lc)
	vm, err := reg.Add(&Definition{Name: "vm0"}, true, MergeReject, testLogger())
	assert.NoError(err)
	assert.NoError(lc.ToRunning(vm, ReasonBooted, func() int { return 7 }))
	assert.NoError(lc.ToPaused(vm, ReasonPausedForMigration))

	assert.NoError(m.Finish(vm, true))
	state, reason := vm.State()
	assert.Equal(StateRunning, state)
	assert.Equal(ReasonMigrated, reason)
}

func TestConfirmSuccessShutsOffAndReleasesAsyncJob(t *testing.T) {
	assert := assert.New(t)
	lc, reg := newTestLifecycle(t)
	m := NewMigrationOrchestrator(lc)
	vm, err := reg.Add(&Definition{Name: "vm0"}, true, MergeReject, testLogger())
	assert.NoError(err)
	assert.NoError(lc.ToRunning(vm, ReasonBooted, func() int { return 1 }))

	ag, err := vm.BeginAsyncJob(AsyncMigrationOut)
	assert.NoError(err)

	assert.NoError(m.Confirm(vm, ag, true))

	state, reason := vm.State()
	assert.Equal(StateShutoff, state)
	assert.Equal(ReasonMigrated, reason)

	_, err = reg.FindByName("vm0")
	assert.Error(err, "transient source VM must be removed from the registry after a successful migration")
}

func TestPerformCancelPausesSourceThenConfirmResumes(t *testing.T) {
	assert := assert.New(t)
	lc, reg := newTestLifecycle(t)
	m := NewMigrationOrchestrator(lc)
	vm, err := reg.Add(&Definition{Name: "vm0", Raw: "<domain/>"}, true, MergeReject, testLogger())
	assert.NoError(err)
	assert.NoError(lc.ToRunning(vm, ReasonBooted, func() int { return 1 }))

	ag, err := vm.BeginAsyncJob(AsyncMigrationOut)
	assert.NoError(err)

	fake := attachFakeSession(t, vm)

	ctx, cancel := context.WithCancel(context.Background())
	dest := PrepareResult{URI: "tcp:127.0.0.1:1234"}

	done := make(chan error, 1)
	go func() {
		done <- m.Perform(ctx, vm, dest, 0, 0, time.Hour, time.Time{})
	}()

	req := fake.nextRequest(t)
	assert.Equal("migrate", req["execute"])
	fake.reply(t, struct{}{})

	req = fake.nextRequest(t)
	assert.Equal("query-migrate", req["execute"])
	fake.reply(t, MigrationStatus{Status: "active"})

	cancel()

	req = fake.nextRequest(t)
	assert.Equal("migrate_cancel", req["execute"])
	fake.reply(t, struct{}{})

	select {
	case err := <-done:
		assert.Error(err, "a cancelled migration must report aborted")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Perform to return")
	}

	state, reason := vm.State()
	assert.Equal(StatePaused, state, "Perform itself must pause the source on cancellation, not leave it running")
	assert.Equal(ReasonPausedForMigration, reason)

	assert.NoError(m.Confirm(vm, ag, false), "Confirm's failure path must succeed against the real post-cancel state, with no manual pause injected by the test")
	state, _ = vm.State()
	assert.Equal(StateRunning, state)
}

func TestConfirmFailureResumes(t *testing.T) {
	assert := assert.New(t)
	lc, reg := newTestLifecycle(t)
	m := NewMigrationOrchestrator(lc)
	vm, err := reg.Add(&Definition{Name: "vm0"}, true, MergeReject, testLogger())
	assert.NoError(err)
	assert.NoError(lc.ToRunning(vm, ReasonBooted, func() int { return 1 }))
	assert.NoError(lc.ToPaused(vm, ReasonPausedForMigration))

	ag, err := vm.BeginAsyncJob(AsyncMigrationOut)
	assert.NoError(err)

	assert.NoError(m.Confirm(vm, ag, false))
	state, _ := vm.State()
	assert.Equal(StateRunning, state)
}
