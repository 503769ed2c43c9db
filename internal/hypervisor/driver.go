// Copyright (c) 2026 the vmfleetd authors
//
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vmfleet/vmfleetd/internal/config"
	"github.com/vmfleet/vmfleetd/internal/hverr"
	"github.com/fsnotify/fsnotify"
	"github.com/opencontainers/selinux/go-selinux/label"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// capabilityKey identifies one cached capability probe. Immutability is
// per (path, mtime, size) — a binary replaced in place under an unchanged
// path invalidates the cache entry instead of serving stale capabilities
// forever (SPEC_FULL §12 supplement).
type capabilityKey struct {
	path  string
	mtime time.Time
	size  int64
}

// CapabilitySet is the hypervisor binary's probed feature set.
type CapabilitySet map[string]bool

type capabilityCache struct {
	mu      sync.Mutex
	entries map[capabilityKey]CapabilitySet
	fences  map[string]*sync.Mutex // per-path fence so concurrent misses for the same binary compute once
}

func newCapabilityCache() *capabilityCache {
	return &capabilityCache{
		entries: make(map[capabilityKey]CapabilitySet),
		fences:  make(map[string]*sync.Mutex),
	}
}

func (c *capabilityCache) fenceFor(path string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.fences[path]
	if !ok {
		f = &sync.Mutex{}
		c.fences[path] = f
	}
	return f
}

// Lookup returns the cached capability set for path, probing with fn on a
// cache miss. Concurrent misses for the same path serialize on a per-path
// fence rather than a global lock (spec §5 "misses compute under a
// per-key fence").
func (c *capabilityCache) Lookup(path string, fn func(path string) (CapabilitySet, error)) (CapabilitySet, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, hverr.WithDomain(hverr.OperationFailed, path, "stat hypervisor binary: %v", err)
	}
	key := capabilityKey{path: path, mtime: info.ModTime(), size: info.Size()}

	c.mu.Lock()
	if caps, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return caps, nil
	}
	c.mu.Unlock()

	fence := c.fenceFor(path)
	fence.Lock()
	defer fence.Unlock()

	c.mu.Lock()
	if caps, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return caps, nil
	}
	c.mu.Unlock()

	caps, err := fn(path)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[key] = caps
	c.mu.Unlock()
	return caps, nil
}

// PortAllocator hands out graphics ports from a finite configured range
// (spec §4.10 step 6, §5 "guarded by the driver-context mutex").
type PortAllocator struct {
	mu   sync.Mutex
	min  int
	max  int
	used map[int]bool
}

// NewPortAllocator creates a bitmap over [min, max).
func NewPortAllocator(min, max int) *PortAllocator {
	return &PortAllocator{min: min, max: max, used: make(map[int]bool, max-min)}
}

// Reserve finds and marks the lowest free port in [min, max).
func (p *PortAllocator) Reserve() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port := p.min; port < p.max; port++ {
		if !p.used[port] {
			p.used[port] = true
			return port, nil
		}
	}
	return 0, hverr.New(hverr.OperationFailed, "no free graphics ports")
}

// Release returns a port to the free pool.
func (p *PortAllocator) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.used, port)
}

// securityDriver is one entry of the stacked security-manager list (spec
// §4.10 step 3: "zero or more stacked models"). Grounded on the teacher's
// qemu.go/clh.go/fc.go SELinuxProcessLabel handling, generalized from "one
// label applied to the hypervisor process" to an interface any stacked
// model can implement.
type securityDriver interface {
	Name() string
	SetProcessLabel(label string) error
	ClearProcessLabel() error
}

type seLinuxDriver struct{}

func (seLinuxDriver) Name() string { return "selinux" }
func (seLinuxDriver) SetProcessLabel(l string) error {
	if l == "" {
		return nil
	}
	return label.SetProcessLabel(l)
}
func (seLinuxDriver) ClearProcessLabel() error { return label.SetProcessLabel("") }

// DriverContext is the process-wide singleton described in spec §2/§4.10:
// capability cache, paths, port allocator, registry handle, and the
// collaborators every component ultimately reaches through it.
type DriverContext struct {
	mu      sync.Mutex
	running bool

	cfg *config.DriverConfig
	log *logrus.Entry

	Registry *Registry
	Store    *Store
	Bus      *EventBus
	Workers  *WorkerPool
	Lifecycle *Lifecycle
	Resources *ResourceBinder
	Watchdog  *WatchdogDispatcher

	capCache *capabilityCache
	ports    *PortAllocator
	security []securityDriver

	nextTransientID int

	watcher *fsnotify.Watcher

	metrics struct {
		activeDomains prometheus.Gauge
		jobQueueDepth prometheus.Gauge
		jobWaitLatency prometheus.Histogram
		eventsDelivered prometheus.Counter
	}
}

// NewDriverContext runs steps 1-8 of spec §4.10's initialization order.
// RunAutostart (step 9) is a separate call so the caller can supply the
// start callback after any remaining wiring.
func NewDriverContext(cfg *config.DriverConfig, cg Cgroup, log *logrus.Entry) (*DriverContext, error) {
	dc := &DriverContext{cfg: cfg, log: log.WithField("subsystem", "driver")}

	// Step 1: directories.
	store, err := NewStore(cfg.BaseDir, dc.log)
	if err != nil {
		return nil, fmt.Errorf("driver: %w", err)
	}
	dc.Store = store

	// Step 2: cgroup controller handles already constructed by the
	// caller (process-wide, shared across VMs is not meaningful for
	// cgroups — per-VM cgroups are created at VM start instead); the
	// resource binder wraps whatever default/unconstrained cgroup the
	// caller passes for host-wide device permissions.
	dc.Resources = NewResourceBinder(cg, cfg.SELinuxType, dc.log)

	// Step 3: security manager stack.
	dc.security = []securityDriver{seLinuxDriver{}}

	// Step 4: capability cache.
	dc.capCache = newCapabilityCache()

	// Step 5: load persisted state. Active sessions are reconnected by
	// the caller (process spawning/dialing is outside this package);
	// here we only construct the registry entries and leave reconnect
	// orchestration to whoever owns the transport.
	dc.Registry = NewRegistry(dc.log)
	if err := dc.loadPersistedState(); err != nil {
		return nil, fmt.Errorf("driver: %w", err)
	}

	// Step 6: port allocator.
	dc.ports = NewPortAllocator(cfg.PortMin, cfg.PortMax)

	// Step 7: metrics, event bus, worker pool, lifecycle and watchdog
	// dispatcher. No close-callback table is created.
	dc.registerMetrics()
	dc.Bus = NewEventBus(cfg.EventQueueDepth, dc.metrics.eventsDelivered, dc.log)
	dc.Workers = NewWorkerPool(cfg.WorkerQueueDepth, dc.log)
	dc.Lifecycle = NewLifecycle(dc.Store, dc.Bus, dc.Registry, dc.log)
	dc.Watchdog = NewWatchdogDispatcher(dc.Store, dc.Workers, dc.Lifecycle, dc.log)

	// Step 8: watch state_dir for externally removed status files, so a
	// crashed-and-cleaned-up VM is reaped promptly (SPEC_FULL §11 domain
	// stack: fsnotify wired into the C10/C3 reconnect path).
	w, err := fsnotify.NewWatcher()
	if err != nil {
		dc.log.WithError(err).Warn("fsnotify unavailable, falling back to reconnect-at-start only")
	} else {
		if err := w.Add(filepath.Join(cfg.BaseDir, "state")); err != nil {
			dc.log.WithError(err).Warn("failed to watch state directory")
			w.Close()
		} else {
			dc.watcher = w
			go dc.watchStateDir()
		}
	}

	dc.mu.Lock()
	dc.running = true
	dc.mu.Unlock()
	return dc, nil
}

func (dc *DriverContext) registerMetrics() {
	dc.metrics.activeDomains = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vmfleetd", Name: "active_domains", Help: "Number of active VMs.",
	})
	dc.metrics.jobQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vmfleetd", Name: "job_queue_depth", Help: "Goroutines waiting to begin a job.",
	})
	dc.metrics.jobWaitLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vmfleetd", Name: "job_wait_latency_seconds", Help: "Time spent waiting to begin a job.",
	})
	dc.metrics.eventsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vmfleetd", Name: "events_delivered_total", Help: "Lifecycle events delivered to callbacks.",
	})
	for _, c := range []prometheus.Collector{dc.metrics.activeDomains, dc.metrics.jobQueueDepth, dc.metrics.jobWaitLatency, dc.metrics.eventsDelivered} {
		_ = prometheus.Register(c)
	}
}

// loadPersistedState implements step 5: status files first, then
// inactive configurations, then snapshot metadata and managed-save
// presence are implied by Store's lazy per-name lookups.
func (dc *DriverContext) loadPersistedState() error {
	activeNames, err := dc.Store.ListStatusNames()
	if err != nil {
		return fmt.Errorf("listing active VM status files: %w", err)
	}
	for _, name := range activeNames {
		xml, err := os.ReadFile(dc.Store.statePath(name))
		if err != nil {
			dc.log.WithError(err).WithField("vm", name).Error("failed to read status file")
			continue
		}
		def := &Definition{Name: name, Raw: string(xml)}
		if _, err := dc.Registry.Add(def, false, MergeReject, dc.log); err != nil {
			dc.log.WithError(err).WithField("vm", name).Error("failed to register reconnected VM")
			continue
		}
	}

	configNames, err := dc.Store.ListConfigNames()
	if err != nil {
		return fmt.Errorf("listing persistent VM configs: %w", err)
	}
	for _, name := range configNames {
		if vm, err := dc.Registry.FindByName(name); err == nil {
			vm.mu.Unlock()
			continue
		}
		xml, err := dc.Store.ReadConfig(name)
		if err != nil {
			dc.log.WithError(err).WithField("vm", name).Error("failed to read config")
			continue
		}
		def := &Definition{Name: name, Raw: xml}
		if _, err := dc.Registry.Add(def, false, MergeReject, dc.log); err != nil {
			dc.log.WithError(err).WithField("vm", name).Error("failed to register persistent VM")
		}
	}
	return nil
}

func (dc *DriverContext) watchStateDir() {
	for {
		select {
		case ev, ok := <-dc.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			const suffix = ".xml"
			if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
				continue
			}
			name = name[:len(name)-len(suffix)]
			vm, err := dc.Registry.FindByName(name)
			if err != nil {
				continue
			}
			if vm.state != StateCrashed {
				vm.mu.Unlock()
				continue
			}
			vm.mu.Unlock()
			if err := dc.Registry.Remove(vm); err != nil {
				dc.log.WithError(err).WithField("vm", name).Warn("failed to reap crashed VM after external status-file removal")
				continue
			}
			dc.log.WithField("vm", name).Info("reaped crashed VM after external status-file removal")
		case err, ok := <-dc.watcher.Errors:
			if !ok {
				return
			}
			dc.log.WithError(err).Warn("fsnotify watch error")
		}
	}
}

// autostartCandidate pairs a VM name with its autostart priority
// (SPEC_FULL §12 "autostart ordering by dependency"). Names come from
// Registry.ListInactiveNames, which has no defined order, so the start
// order of VMs with equal priority is not defined.
type autostartCandidate struct {
	name     string
	priority int
}

// RunAutostart implements step 9: submit a start request, via startFn,
// for every persistent inactive VM marked autostart, ordered by ascending
// autostartPriority so a dependency can be started before its dependents.
func (dc *DriverContext) RunAutostart(priorityOf func(name string) int, startFn func(name string) error) {
	names := dc.Registry.ListInactiveNames()
	var candidates []autostartCandidate
	for _, n := range names {
		if !dc.Store.IsAutostart(n) {
			continue
		}
		prio := 0
		if priorityOf != nil {
			prio = priorityOf(n)
		}
		candidates = append(candidates, autostartCandidate{name: n, priority: prio})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].priority < candidates[j].priority })

	for _, c := range candidates {
		if err := startFn(c.name); err != nil {
			dc.log.WithError(err).WithField("vm", c.name).Error("autostart failed")
		}
	}
}

// Capabilities returns (probing and caching as needed) the capability set
// for the configured hypervisor binary.
func (dc *DriverContext) Capabilities(probe func(path string) (CapabilitySet, error)) (CapabilitySet, error) {
	return dc.capCache.Lookup(dc.cfg.HypervisorBinary, probe)
}

// ReservePort/ReleasePort expose the port allocator (spec §4.10 step 6).
func (dc *DriverContext) ReservePort() (int, error) { return dc.ports.Reserve() }
func (dc *DriverContext) ReleasePort(port int)       { dc.ports.Release(port) }

// NextTransientID hands out small integers for transient VMs that never
// had a persisted config (spec §4.10 "next transient id").
func (dc *DriverContext) NextTransientID() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.nextTransientID++
	return dc.nextTransientID
}

// Shutdown reverses the initialization order (spec §4.10 final
// paragraph): stop the worker pool and event bus, force-release VM
// references, then release security/cgroup handles and the watcher.
func (dc *DriverContext) Shutdown(forceKill func(vm *VM)) {
	dc.mu.Lock()
	if !dc.running {
		dc.mu.Unlock()
		return
	}
	dc.running = false
	dc.mu.Unlock()

	dc.Workers.Stop()
	dc.Bus.Stop()

	dc.Registry.ForEach(func(vm *VM) {
		if vm.IsActive() && forceKill != nil {
			forceKill(vm)
		}
	})

	for _, sec := range dc.security {
		if err := sec.ClearProcessLabel(); err != nil {
			dc.log.WithError(err).WithField("security", sec.Name()).Warn("failed to clear security label at shutdown")
		}
	}

	if dc.watcher != nil {
		dc.watcher.Close()
	}
}
