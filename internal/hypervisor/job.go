// Copyright (c) 2026 the vmfleetd authors
//
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/vmfleet/vmfleetd/internal/hverr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/vmfleet/vmfleetd/internal/hypervisor")

var ownerSeq atomic.Int64

// JobGuard owns the reference taken by BeginSyncJob/BeginAsyncJob. Its End
// method performs the matching end-job and must be called exactly once on
// every code path, typically via defer — this is the Go re-expression of
// the source's reference-return EndJob quirk described in spec §9: the
// guard, not a raw bool, decides whether the VM is still valid for the
// caller to keep using.
//
// Every method on VM/JobGuard/AsyncJobGuard/MonitorToken in this file is
// self-contained: it takes the VM lock for the duration of its own
// critical section and releases it before returning. Callers never hold
// vm.mu across a call into this package — they only ever observe values
// copied out under the lock (spec §5's "suspension points" list exactly
// the calls below as the only places a goroutine blocks with the lock
// released).
type JobGuard struct {
	vm    *VM
	ended bool
	span  trace.Span
}

// BeginSyncJob acquires a sync job slot, waiting (with fairness via
// broadcast, not signal — spec §4.2) until the slot is free or deadline
// passes. A zero deadline means wait forever.
func (v *VM) BeginSyncJob(kind JobKind, deadline time.Time) (*JobGuard, error) {
	_, span := tracer.Start(context.Background(), "BeginSyncJob")

	v.mu.Lock()
	defer v.mu.Unlock()

	var stopTimer chan struct{}
	if !deadline.IsZero() {
		stopTimer = make(chan struct{})
		go func() {
			select {
			case <-time.After(time.Until(deadline)):
				v.mu.Lock()
				v.cond.Broadcast()
				v.mu.Unlock()
			case <-stopTimer:
			}
		}()
	}

	for v.jobConflicts(kind) {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			if stopTimer != nil {
				close(stopTimer)
			}
			span.End()
			return nil, hverr.WithDomain(hverr.OperationTimedOut, v.name, "begin-sync-job %s", kind)
		}
		v.cond.Wait()
	}
	if stopTimer != nil {
		close(stopTimer)
	}

	v.job.syncKind = kind
	v.job.startTS = time.Now()
	v.job.ownerGID = ownerSeq.Add(1)
	v.refcount++

	return &JobGuard{vm: v, span: span}, nil
}

// jobConflicts reports whether kind may NOT begin right now. Caller must
// hold v.mu.
func (v *VM) jobConflicts(kind JobKind) bool {
	if v.job.syncKind != JobNone {
		return true
	}
	if v.job.asyncKind != AsyncNone {
		if !v.job.asyncMask[kind] {
			return true
		}
	}
	return false
}

// End releases the sync job slot, broadcasts waiters, and decrements the
// VM refcount. It reports whether the VM is still valid for further use
// by the caller (refcount > 0 after the decrement that matched the
// reference this guard was holding on behalf of the job).
func (g *JobGuard) End() bool {
	if g.ended {
		return true
	}
	g.ended = true
	v := g.vm

	v.mu.Lock()
	v.job.syncKind = JobNone
	v.cond.Broadcast()
	v.refcount--
	valid := v.refcount > 0
	v.mu.Unlock()

	if g.span != nil {
		g.span.End()
	}
	return valid
}

// AsyncJobGuard owns the reference taken by BeginAsyncJob.
type AsyncJobGuard struct {
	vm   *VM
	kind AsyncJobKind
	span trace.Span
}

// BeginAsyncJob starts a long-running async job, installing the default
// mask for that kind (spec §4.2). Unlike the sync-job/monitor calls
// below, this does not itself suspend — it only needs the lock briefly to
// install the async job record — so it may be called whether or not the
// caller currently holds a sync job slot on this VM; the common pattern
// is to hold a JobModify (or JobMigrationOp) sync job just long enough to
// call this, then end it:
//
//	sg, err := vm.BeginSyncJob(JobModify, deadline)
//	ag, err := vm.BeginAsyncJob(AsyncSave)
//	sg.End()              // release the sync slot; async job keeps running
//	defer ag.End()
func (v *VM) BeginAsyncJob(kind AsyncJobKind) (*AsyncJobGuard, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.job.asyncKind != AsyncNone {
		return nil, hverr.WithDomain(hverr.OperationInvalid, v.name, "async job %s already active", v.job.asyncKind)
	}
	v.job.asyncKind = kind
	v.job.asyncMask = defaultAsyncMask(kind)
	v.job.asyncStart = time.Now()
	v.job.abortFlag = false
	v.job.progressCur, v.job.progressEnd = 0, 0
	v.refcount++
	return &AsyncJobGuard{vm: v, kind: kind}, nil
}

// SetAsyncMask narrows or widens which sync kinds may interleave with the
// active async job.
func (v *VM) SetAsyncMask(mask map[JobKind]bool) {
	v.mu.Lock()
	v.job.asyncMask = mask
	v.mu.Unlock()
}

// SetProgress records bounded-progress counters for Inquire.
func (v *VM) SetProgress(cur, end uint64) {
	v.mu.Lock()
	v.job.progressCur, v.job.progressEnd = cur, end
	v.mu.Unlock()
}

// End clears the async job slot and wakes any sync-job waiters whose kind
// is no longer masked out.
func (g *AsyncJobGuard) End() {
	v := g.vm
	v.mu.Lock()
	v.job.asyncKind = AsyncNone
	v.job.asyncMask = nil
	v.job.abortFlag = false
	v.refcount--
	v.cond.Broadcast()
	v.mu.Unlock()
	if g.span != nil {
		g.span.End()
	}
}

// Abort sets the abort flag an in-flight Enter-monitor call will observe
// on its next Exit. Best-effort for non-migration jobs per spec §5.
func (g *AsyncJobGuard) Abort() {
	v := g.vm
	v.mu.Lock()
	v.job.abortFlag = true
	v.mu.Unlock()
}

// MonitorToken is returned by EnterMonitor and must be closed with Exit.
type MonitorToken struct {
	vm          *VM
	session     *Session
	asyncAtOpen AsyncJobKind
}

// EnterMonitor records a monitor-start timestamp and takes a reference to
// the session the caller should issue its one request against — this and
// MonitorToken.Exit bracket the one suspension point named in spec §5
// ("between Enter-monitor and Exit-monitor") where a goroutine blocks on a
// control-socket round trip without holding the VM lock. Call it once per
// round trip; a job that issues several requests brackets each one with
// its own EnterMonitor/Exit pair.
func (v *VM) EnterMonitor() (*MonitorToken, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.session == nil {
		return nil, hverr.WithDomain(hverr.MonitorIO, v.name, "no active control-socket session")
	}
	v.job.monitorTS = time.Now()
	return &MonitorToken{vm: v, session: v.session, asyncAtOpen: v.job.asyncKind}, nil
}

// Session returns the control-socket session the caller should issue its
// one request against while the token is open.
func (t *MonitorToken) Session() *Session { return t.session }

// WithMonitor brackets a single control-socket round trip with
// EnterMonitor/Exit. A caller issuing several requests in sequence (e.g.
// a migration-progress poll loop) calls WithMonitor once per request
// rather than holding one token open across all of them, so the
// abort-job/async-job-liveness check in Exit applies to each round trip.
func (v *VM) WithMonitor(fn func(*Session) error) error {
	tok, err := v.EnterMonitor()
	if err != nil {
		return err
	}
	callErr := fn(tok.Session())
	if exitErr := tok.Exit(); exitErr != nil {
		return exitErr
	}
	return callErr
}

// Exit reacquires the VM lock and clears the monitor-start timestamp. If
// the async job that was active at EnterMonitor time is no longer active,
// or the abort flag was raised while blocked, the reply is discarded and
// OperationAborted is returned instead of nil — spec §4.2.
func (t *MonitorToken) Exit() error {
	v := t.vm
	v.mu.Lock()
	defer v.mu.Unlock()
	v.job.monitorTS = time.Time{}

	if t.asyncAtOpen != AsyncNone {
		if v.job.asyncKind != t.asyncAtOpen {
			return hverr.WithDomain(hverr.OperationAborted, v.name, "async job ended while blocked in monitor")
		}
		if v.job.abortFlag {
			return hverr.WithDomain(hverr.OperationAborted, v.name, "async job aborted while blocked in monitor")
		}
	}
	return nil
}

// JobState is the non-blocking snapshot Inquire returns.
type JobState struct {
	Sync    JobKind
	Async   AsyncJobKind
	Elapsed time.Duration
	Cur     uint64
	End     uint64
}

// Inquire returns the current job state without blocking (spec §4.2).
func (v *VM) Inquire() JobState {
	v.mu.Lock()
	defer v.mu.Unlock()

	js := JobState{Sync: v.job.syncKind, Async: v.job.asyncKind, Cur: v.job.progressCur, End: v.job.progressEnd}
	switch {
	case js.Async != AsyncNone:
		js.Elapsed = time.Since(v.job.asyncStart)
	case js.Sync != JobNone:
		js.Elapsed = time.Since(v.job.startTS)
	}
	return js
}
