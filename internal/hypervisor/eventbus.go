// Copyright (c) 2026 the vmfleetd authors
//
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// EventKind is the kind of a lifecycle event (spec §4.9).
type EventKind string

const (
	EventDefined    EventKind = "defined"
	EventUndefined  EventKind = "undefined"
	EventStarted    EventKind = "started"
	EventSuspended  EventKind = "suspended"
	EventResumed    EventKind = "resumed"
	EventStopped    EventKind = "stopped"
	EventPMSuspended EventKind = "pmsuspended"
	EventCrashed    EventKind = "crashed"
	EventBlockJob   EventKind = "block-job"
)

// Event is one lifecycle notification, queued in enqueue order per VM and
// delivered to every registered callback (spec §4.9, §5 ordering
// guarantees).
type Event struct {
	Domain string // VM name
	Kind   EventKind
	Detail Reason
	Seq    uint64
}

// Callback receives delivered events. It must not block for long — the
// drain thread invokes every callback for every event without holding any
// lock (spec §4.9).
type Callback func(Event)

// EventBus enqueues per-VM events and delivers them, in order, to
// registered callbacks from a single dedicated drain goroutine — grounded
// on the teacher's monitor.go watcher-channel pattern, generalized from
// "one watcher list per sandbox" to "one callback list per driver".
type EventBus struct {
	regMu     sync.Mutex
	callbacks []Callback

	queue  chan Event
	seq    uint64
	seqMu  sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup

	delivered prometheus.Counter
	log       *logrus.Entry
}

// NewEventBus creates a bus with the given queue depth and starts its
// drain goroutine.
func NewEventBus(queueDepth int, delivered prometheus.Counter, log *logrus.Entry) *EventBus {
	b := &EventBus{
		queue:     make(chan Event, queueDepth),
		stopCh:    make(chan struct{}),
		delivered: delivered,
		log:       log.WithField("subsystem", "eventbus"),
	}
	b.wg.Add(1)
	go b.drain()
	return b
}

// Subscribe registers a callback and returns an unsubscribe function.
func (b *EventBus) Subscribe(cb Callback) func() {
	b.regMu.Lock()
	defer b.regMu.Unlock()
	b.callbacks = append(b.callbacks, cb)
	idx := len(b.callbacks) - 1
	return func() {
		b.regMu.Lock()
		defer b.regMu.Unlock()
		if idx < len(b.callbacks) {
			b.callbacks[idx] = nil
		}
	}
}

// Enqueue queues an event for delivery. Events for a single VM are
// delivered in the order they were enqueued because the queue itself is
// FIFO and there is exactly one drain goroutine.
func (b *EventBus) Enqueue(domain string, kind EventKind, detail Reason) {
	b.seqMu.Lock()
	b.seq++
	seq := b.seq
	b.seqMu.Unlock()

	select {
	case b.queue <- Event{Domain: domain, Kind: kind, Detail: detail, Seq: seq}:
	default:
		b.log.WithField("domain", domain).Warn("event queue full, dropping event")
	}
}

func (b *EventBus) drain() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.queue:
			b.regMu.Lock()
			snapshot := make([]Callback, len(b.callbacks))
			copy(snapshot, b.callbacks)
			b.regMu.Unlock()

			for _, cb := range snapshot {
				if cb == nil {
					continue
				}
				cb(ev)
			}
			if b.delivered != nil {
				b.delivered.Inc()
			}
		case <-b.stopCh:
			return
		}
	}
}

// Stop halts the drain goroutine, discarding anything still queued.
func (b *EventBus) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

// WorkItem is a unit of work submitted to the worker pool (spec §4.9:
// watchdog-triggered auto-dump).
type WorkItem struct {
	VM  *VM
	Run func(vm *VM)
}

// WorkerPool is a single-threaded ordered queue used for watchdog/auto-dump
// handling, grounded on monitor.go's single background goroutine design.
// The default configuration runs exactly one worker (spec §5).
type WorkerPool struct {
	items chan WorkItem
	stop  chan struct{}
	wg    sync.WaitGroup
	log   *logrus.Entry
}

// NewWorkerPool starts a bounded worker pool with the given queue depth.
func NewWorkerPool(queueDepth int, log *logrus.Entry) *WorkerPool {
	p := &WorkerPool{
		items: make(chan WorkItem, queueDepth),
		stop:  make(chan struct{}),
		log:   log.WithField("subsystem", "workerpool"),
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

func (p *WorkerPool) loop() {
	defer p.wg.Done()
	for {
		select {
		case item := <-p.items:
			func() {
				defer func() {
					if r := recover(); r != nil {
						p.log.Errorf("worker panic: %v", r)
					}
				}()
				item.Run(item.VM)
			}()
		case <-p.stop:
			return
		}
	}
}

// Submit enqueues a work item. The caller is expected to have already
// incremented the VM's refcount; Run is responsible for releasing it
// (e.g. by calling a JobGuard.End() internally).
func (p *WorkerPool) Submit(item WorkItem) bool {
	select {
	case p.items <- item:
		return true
	default:
		p.log.Warn("worker pool queue full, dropping item")
		return false
	}
}

// Stop halts the pool, waiting for an item that is already running to
// finish; items still queued are not run.
func (p *WorkerPool) Stop() {
	close(p.stop)
	p.wg.Wait()
}
