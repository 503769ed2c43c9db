// Copyright (c) 2026 the vmfleetd authors
//
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vmfleet/vmfleetd/internal/config"
	"github.com/vmfleet/vmfleetd/internal/hverr"
	"github.com/stretchr/testify/assert"
)

func TestCapabilityCacheMissesOncePerBinary(t *testing.T) {
	assert := assert.New(t)
	path := filepath.Join(t.TempDir(), "qemu-system-x86_64")
	assert.NoError(os.WriteFile(path, []byte("binary"), 0700))

	c := newCapabilityCache()
	var probes int32
	probe := func(p string) (CapabilitySet, error) {
		atomic.AddInt32(&probes, 1)
		return CapabilitySet{"kvm": true}, nil
	}

	caps, err := c.Lookup(path, probe)
	assert.NoError(err)
	assert.True(caps["kvm"])

	caps, err = c.Lookup(path, probe)
	assert.NoError(err)
	assert.True(caps["kvm"])
	assert.EqualValues(1, atomic.LoadInt32(&probes))
}

func TestCapabilityCacheInvalidatesOnMtimeChange(t *testing.T) {
	assert := assert.New(t)
	path := filepath.Join(t.TempDir(), "qemu-system-x86_64")
	assert.NoError(os.WriteFile(path, []byte("v1"), 0700))

	c := newCapabilityCache()
	var probes int32
	probe := func(p string) (CapabilitySet, error) {
		atomic.AddInt32(&probes, 1)
		return CapabilitySet{}, nil
	}

	_, err := c.Lookup(path, probe)
	assert.NoError(err)

	// Replace the binary in place with a new mtime/size.
	future := time.Now().Add(time.Second)
	assert.NoError(os.WriteFile(path, []byte("v2-longer"), 0700))
	assert.NoError(os.Chtimes(path, future, future))

	_, err = c.Lookup(path, probe)
	assert.NoError(err)
	assert.EqualValues(2, atomic.LoadInt32(&probes))
}

func TestPortAllocatorReserveReleaseReuse(t *testing.T) {
	assert := assert.New(t)
	p := NewPortAllocator(5900, 5903)

	a, err := p.Reserve()
	assert.NoError(err)
	b, err := p.Reserve()
	assert.NoError(err)
	assert.NotEqual(a, b)

	p.Release(a)
	c, err := p.Reserve()
	assert.NoError(err)
	assert.Equal(a, c)
}

func TestPortAllocatorExhaustion(t *testing.T) {
	assert := assert.New(t)
	p := NewPortAllocator(5900, 5902)

	_, err := p.Reserve()
	assert.NoError(err)
	_, err = p.Reserve()
	assert.NoError(err)

	_, err = p.Reserve()
	assert.Error(err)
	assert.True(hverr.Is(err, hverr.OperationFailed))
}

func TestRunAutostartOrdersByPriority(t *testing.T) {
	assert := assert.New(t)
	base := t.TempDir()
	store, err := NewStore(base, testLogger())
	assert.NoError(err)

	reg := NewRegistry(testLogger())
	for _, n := range []string{"c", "b", "a"} {
		_, err := reg.Add(&Definition{Name: n}, false, MergeReject, testLogger())
		assert.NoError(err)
		assert.NoError(store.WriteConfig(n, "<domain/>"))
		assert.NoError(store.SetAutostart(n, true))
	}

	dc := &DriverContext{Registry: reg, Store: store, log: testLogger()}

	priority := map[string]int{"a": 0, "b": 1, "c": 2}
	var started []string
	dc.RunAutostart(func(name string) int { return priority[name] }, func(name string) error {
		started = append(started, name)
		return nil
	})

	assert.Equal([]string{"a", "b", "c"}, started)
}

func TestRunAutostartSkipsNonAutostartVMs(t *testing.T) {
	assert := assert.New(t)
	base := t.TempDir()
	store, err := NewStore(base, testLogger())
	assert.NoError(err)
	reg := NewRegistry(testLogger())

	_, err = reg.Add(&Definition{Name: "noauto"}, false, MergeReject, testLogger())
	assert.NoError(err)
	assert.NoError(store.WriteConfig("noauto", "<domain/>"))

	dc := &DriverContext{Registry: reg, Store: store, log: testLogger()}
	var started []string
	dc.RunAutostart(nil, func(name string) error {
		started = append(started, name)
		return nil
	})
	assert.Empty(started)
}

func TestWatchStateDirReapsCrashedVMOnExternalRemoval(t *testing.T) {
	assert := assert.New(t)
	cfg := &config.DriverConfig{
		BaseDir: t.TempDir(), HypervisorBinary: "/bin/true",
		PortMin: 5900, PortMax: 5910, WorkerQueueDepth: 4, EventQueueDepth: 4,
	}
	dc, err := NewDriverContext(cfg, nil, testLogger())
	assert.NoError(err)
	defer dc.Shutdown(nil)

	vm, err := dc.Registry.Add(&Definition{Name: "vm0"}, true, MergeReplace, testLogger())
	assert.NoError(err)
	assert.NoError(dc.Lifecycle.ToRunning(vm, ReasonBooted, func() int { return 1 }))
	assert.NoError(dc.Lifecycle.ToCrashed(vm, ReasonCrashed))

	assert.NoError(dc.Store.WriteStatus("vm0", "<domain/>"))
	assert.NoError(os.Remove(filepath.Join(cfg.BaseDir, "state", "vm0.xml")))

	assert.Eventually(func() bool {
		_, err := dc.Registry.FindByName("vm0")
		return err != nil
	}, assertEventuallyTimeout, assertEventuallyTick, "a crashed VM must be removed from the registry once its status file disappears externally")
}

func TestDriverContextShutdownIsIdempotent(t *testing.T) {
	assert := assert.New(t)
	cfg := &config.DriverConfig{
		BaseDir: t.TempDir(), HypervisorBinary: "/bin/true",
		PortMin: 5900, PortMax: 5910, WorkerQueueDepth: 4, EventQueueDepth: 4,
	}
	dc, err := NewDriverContext(cfg, nil, testLogger())
	assert.NoError(err)

	dc.Shutdown(nil)
	assert.NotPanics(func() { dc.Shutdown(nil) })
}
