// Copyright (c) 2026 the vmfleetd authors
//
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/vmfleet/vmfleetd/pkg/wire"
	"github.com/sirupsen/logrus"
)

// WatchdogDispatcher translates WATCHDOG control-socket events into
// worker-pool auto-dump work items (spec §4.9, C9). One dispatcher is run
// per active VM's event stream by whoever owns that VM's session; the
// translation itself — ref, enqueue, dump-to-file, resume, unref — lives
// here because it's part of the event & worker bus, not the transport.
type WatchdogDispatcher struct {
	store   *Store
	workers *WorkerPool
	lc      *Lifecycle
	log     *logrus.Entry
}

// NewWatchdogDispatcher wires the dispatcher to its collaborators.
func NewWatchdogDispatcher(store *Store, workers *WorkerPool, lc *Lifecycle, log *logrus.Entry) *WatchdogDispatcher {
	return &WatchdogDispatcher{store: store, workers: workers, lc: lc, log: log.WithField("subsystem", "watchdog")}
}

// Run drains events for vm until the channel closes or ctx is cancelled,
// dispatching every WATCHDOG event whose action is "dump" (spec §4.9:
// "When the hypervisor reports a watchdog event with action 'dump'...").
// Other watchdog actions (reset, poweroff, pause, none, inject-nmi) are
// left to the session owner's own event translation and are not this
// dispatcher's concern.
func (w *WatchdogDispatcher) Run(ctx context.Context, vm *VM, events <-chan wire.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Name == "WATCHDOG" && watchdogAction(ev.Data) == "dump" {
				w.dispatchDump(vm)
			}
		case <-ctx.Done():
			return
		}
	}
}

func watchdogAction(data map[string]interface{}) string {
	a, _ := data["action"].(string)
	return a
}

// dispatchDump increments vm's refcount and enqueues the auto-dump work
// item; runDump is responsible for releasing that reference.
func (w *WatchdogDispatcher) dispatchDump(vm *VM) {
	vm.ref()
	submitted := w.workers.Submit(WorkItem{VM: vm, Run: w.runDump})
	if !submitted {
		w.log.WithField("vm", vm.Name()).Warn("dropped watchdog dump: worker queue full")
		vm.unref()
	}
}

// runDump opens a uniquely named file under the store's dump directory,
// invokes the dump-to-file operation, and resumes CPUs afterward (spec
// §4.9), releasing the reference dispatchDump took regardless of outcome.
func (w *WatchdogDispatcher) runDump(vm *VM) {
	defer vm.unref()

	path := w.store.DumpPath(vm.Name(), time.Now().UnixNano())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		w.log.WithError(err).WithField("vm", vm.Name()).Error("failed to open auto-dump file")
		return
	}
	f.Close()

	if err := w.dumpToFile(vm, path); err != nil {
		w.log.WithError(err).WithField("vm", vm.Name()).Error("watchdog auto-dump failed")
	}

	if err := w.lc.Resume(vm, ReasonNone); err != nil {
		w.log.WithError(err).WithField("vm", vm.Name()).Error("failed to resume CPUs after watchdog auto-dump")
	}
}

func (w *WatchdogDispatcher) dumpToFile(vm *VM, path string) error {
	tok, err := vm.EnterMonitor()
	if err != nil {
		return err
	}
	dumpErr := tok.Session().SavePhysicalMemory(context.Background(), path)
	exitErr := tok.Exit()
	if dumpErr != nil {
		return fmt.Errorf("dump-guest-memory: %w", dumpErr)
	}
	return exitErr
}
