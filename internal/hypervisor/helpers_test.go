// Copyright (c) 2026 the vmfleetd authors
//
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

const (
	assertEventuallyTimeout = 2 * time.Second
	assertEventuallyTick    = 5 * time.Millisecond
)

// lockedSlice collects events delivered by the event bus's drain goroutine
// from test callbacks running concurrently with assertions.
type lockedSlice struct {
	mu   sync.Mutex
	data []Event
}

func (s *lockedSlice) append(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, ev)
}

func (s *lockedSlice) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func (s *lockedSlice) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.data))
	copy(out, s.data)
	return out
}

// attachFakeSession opens a Session over an in-memory pipe and installs it
// directly on vm, bypassing the real dial path — grounded on
// newTestSession in session_test.go. The caller drives the returned
// fakeHypervisor from a separate goroutine to answer whatever requests the
// engine under test issues.
func attachFakeSession(t *testing.T, vm *VM) *fakeHypervisor {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	sess, err := OpenSession(context.Background(), func(ctx context.Context) (io.ReadWriteCloser, error) {
		return client, nil
	}, vm.name, testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}

	vm.mu.Lock()
	vm.session = sess
	vm.mu.Unlock()

	return newFakeHypervisor(server)
}
