// Copyright (c) 2026 the vmfleetd authors
//
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"io"
	"testing"

	"github.com/vmfleet/vmfleetd/internal/hverr"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.Out = io.Discard
	return l.WithField("test", true)
}

func TestRegistryAddRejectsDuplicateName(t *testing.T) {
	assert := assert.New(t)
	r := NewRegistry(testLogger())

	_, err := r.Add(&Definition{Name: "vm0"}, false, MergeReject, testLogger())
	assert.NoError(err)

	_, err = r.Add(&Definition{Name: "vm0"}, false, MergeReject, testLogger())
	assert.Error(err)
	assert.True(hverr.Is(err, hverr.ConflictingDefinition))
}

func TestRegistryAddMergeReplaceKeepsIdentity(t *testing.T) {
	assert := assert.New(t)
	r := NewRegistry(testLogger())

	first, err := r.Add(&Definition{Name: "vm0", Memory: 512}, true, MergeReplace, testLogger())
	assert.NoError(err)

	second, err := r.Add(&Definition{Name: "vm0", Memory: 1024}, true, MergeReplace, testLogger())
	assert.NoError(err)
	assert.Same(first, second)
	assert.EqualValues(1024, second.def.Memory)
}

func TestRegistryFindByNameReturnsLocked(t *testing.T) {
	assert := assert.New(t)
	r := NewRegistry(testLogger())
	_, err := r.Add(&Definition{Name: "vm0"}, false, MergeReject, testLogger())
	assert.NoError(err)

	vm, err := r.FindByName("vm0")
	assert.NoError(err)
	assert.NotNil(vm)

	assert.False(vm.mu.TryLock(), "FindByName must return the VM with its mutex already held")
	vm.mu.Unlock()
}

func TestRegistryAddRejectsMalformedUUID(t *testing.T) {
	assert := assert.New(t)
	r := NewRegistry(testLogger())

	_, err := r.Add(&Definition{Name: "vm0", UUID: "not-a-uuid"}, false, MergeReject, testLogger())
	assert.Error(err)
	assert.True(hverr.Is(err, hverr.InvalidArgument))
}

func TestRegistryAddAcceptsWellFormedUUID(t *testing.T) {
	assert := assert.New(t)
	r := NewRegistry(testLogger())

	id := "550e8400-e29b-41d4-a716-446655440000"
	vm, err := r.Add(&Definition{Name: "vm0", UUID: id}, false, MergeReject, testLogger())
	assert.NoError(err)
	assert.Equal(id, vm.ID())
}

func TestRegistryFindByNameMissing(t *testing.T) {
	assert := assert.New(t)
	r := NewRegistry(testLogger())
	_, err := r.FindByName("nope")
	assert.Error(err)
	assert.True(hverr.Is(err, hverr.NoSuchDomain))
}

func TestRegistryRemoveRefusesActivePersistent(t *testing.T) {
	assert := assert.New(t)
	r := NewRegistry(testLogger())
	vm, err := r.Add(&Definition{Name: "vm0"}, false, MergeReject, testLogger())
	assert.NoError(err)

	vm.mu.Lock()
	vm.runtimeID = 7
	vm.mu.Unlock()

	assert.Error(r.Remove(vm))
}

func TestRegistryListInactiveNames(t *testing.T) {
	assert := assert.New(t)
	r := NewRegistry(testLogger())
	_, err := r.Add(&Definition{Name: "persistent-off"}, false, MergeReject, testLogger())
	assert.NoError(err)
	active, err := r.Add(&Definition{Name: "persistent-on"}, false, MergeReject, testLogger())
	assert.NoError(err)
	active.mu.Lock()
	active.runtimeID = 1
	active.mu.Unlock()

	names := r.ListInactiveNames()
	assert.Contains(names, "persistent-off")
	assert.NotContains(names, "persistent-on")
}
