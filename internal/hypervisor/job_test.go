// Copyright (c) 2026 the vmfleetd authors
//
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"sync"
	"testing"
	"time"

	"github.com/vmfleet/vmfleetd/internal/hverr"
	"github.com/stretchr/testify/assert"
)

func newTestVM(name string) *VM {
	return newVM(newDomainUUID(), name, &Definition{Name: name}, true, testLogger())
}

func TestBeginSyncJobSerializes(t *testing.T) {
	assert := assert.New(t)
	vm := newTestVM("vm0")

	g1, err := vm.BeginSyncJob(JobModify, time.Time{})
	assert.NoError(err)

	started := make(chan struct{})
	got := make(chan *JobGuard, 1)
	go func() {
		close(started)
		g2, err := vm.BeginSyncJob(JobModify, time.Time{})
		assert.NoError(err)
		got <- g2
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	select {
	case <-got:
		t.Fatal("second BeginSyncJob should not have completed while the first is outstanding")
	default:
	}

	g1.End()
	g2 := <-got
	assert.True(g2.End())
}

func TestBeginSyncJobTimesOut(t *testing.T) {
	assert := assert.New(t)
	vm := newTestVM("vm0")

	g1, err := vm.BeginSyncJob(JobModify, time.Time{})
	assert.NoError(err)
	defer g1.End()

	_, err = vm.BeginSyncJob(JobModify, time.Now().Add(30*time.Millisecond))
	assert.Error(err)
	assert.True(hverr.Is(err, hverr.OperationTimedOut))
}

func TestAsyncJobMaskAllowsCompatibleSyncJob(t *testing.T) {
	assert := assert.New(t)
	vm := newTestVM("vm0")

	ag, err := vm.BeginAsyncJob(AsyncSave)
	assert.NoError(err)
	defer ag.End()

	// AsyncSave's default mask permits JobQuery to interleave.
	sg, err := vm.BeginSyncJob(JobQuery, time.Now().Add(50*time.Millisecond))
	assert.NoError(err)
	sg.End()
}

func TestAsyncJobMaskBlocksIncompatibleSyncJob(t *testing.T) {
	assert := assert.New(t)
	vm := newTestVM("vm0")

	ag, err := vm.BeginAsyncJob(AsyncSave)
	assert.NoError(err)
	defer ag.End()

	_, err = vm.BeginSyncJob(JobModify, time.Now().Add(30*time.Millisecond))
	assert.Error(err)
	assert.True(hverr.Is(err, hverr.OperationTimedOut))
}

func TestEnterMonitorRequiresSession(t *testing.T) {
	assert := assert.New(t)
	vm := newTestVM("vm0")

	_, err := vm.EnterMonitor()
	assert.Error(err)
	assert.True(hverr.Is(err, hverr.MonitorIO))
}

func TestExitDetectsAsyncJobEndedWhileBlocked(t *testing.T) {
	assert := assert.New(t)
	vm := newTestVM("vm0")
	vm.mu.Lock()
	vm.session = &Session{}
	vm.mu.Unlock()

	ag, err := vm.BeginAsyncJob(AsyncSave)
	assert.NoError(err)

	tok, err := vm.EnterMonitor()
	assert.NoError(err)

	ag.End()

	assert.True(hverr.Is(tok.Exit(), hverr.OperationAborted))
}

func TestWithMonitorBracketsOneRoundTrip(t *testing.T) {
	assert := assert.New(t)
	vm := newTestVM("vm0")
	vm.mu.Lock()
	vm.session = &Session{}
	vm.mu.Unlock()

	var called bool
	err := vm.WithMonitor(func(s *Session) error {
		called = true
		assert.NotNil(s)
		return nil
	})
	assert.NoError(err)
	assert.True(called)
}

func TestJobGuardEndIsIdempotent(t *testing.T) {
	assert := assert.New(t)
	vm := newTestVM("vm0")
	g, err := vm.BeginSyncJob(JobModify, time.Time{})
	assert.NoError(err)

	assert.True(g.End())
	assert.NotPanics(func() { g.End() })
}

func TestConcurrentBeginSyncJobFairness(t *testing.T) {
	assert := assert.New(t)
	vm := newTestVM("vm0")
	const n = 8

	var wg sync.WaitGroup
	var mu sync.Mutex
	var order []int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := vm.BeginSyncJob(JobModify, time.Now().Add(time.Second))
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			g.End()
		}(i)
	}
	wg.Wait()
	assert.Len(order, n)
}
