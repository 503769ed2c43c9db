// Copyright (c) 2026 the vmfleetd authors
//
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStableEquivalentIgnoresRawXML(t *testing.T) {
	assert := assert.New(t)
	a := &Definition{Name: "vm0", UUID: "u1", VCPUs: 2, Memory: 1024, Disks: []DiskRef{{Device: "vda", File: "/a.img"}}, Raw: "<a/>"}
	b := &Definition{Name: "vm0", UUID: "u1", VCPUs: 2, Memory: 1024, Disks: []DiskRef{{Device: "vda", File: "/a.img"}}, Raw: "<b/>"}
	assert.True(a.StableEquivalent(b))
}

func TestStableEquivalentDetectsDivergence(t *testing.T) {
	assert := assert.New(t)
	a := &Definition{Name: "vm0", UUID: "u1", VCPUs: 2, Memory: 1024}

	cases := []*Definition{
		{Name: "vm1", UUID: "u1", VCPUs: 2, Memory: 1024},
		{Name: "vm0", UUID: "u2", VCPUs: 2, Memory: 1024},
		{Name: "vm0", UUID: "u1", VCPUs: 4, Memory: 1024},
		{Name: "vm0", UUID: "u1", VCPUs: 2, Memory: 2048},
		{Name: "vm0", UUID: "u1", VCPUs: 2, Memory: 1024, Disks: []DiskRef{{Device: "vda", File: "/x.img"}}},
	}
	for _, c := range cases {
		assert.False(a.StableEquivalent(c))
	}
}

func TestStableEquivalentHandlesNil(t *testing.T) {
	assert := assert.New(t)
	var a *Definition
	assert.True(a.StableEquivalent(nil))
	b := &Definition{Name: "vm0"}
	assert.False(a.StableEquivalent(b))
	assert.False(b.StableEquivalent(nil))
}

func TestMigratableProjectionIsACopy(t *testing.T) {
	assert := assert.New(t)
	d := &Definition{Name: "vm0", Raw: "<a/>"}
	m := d.Migratable()
	assert.Equal(d.Name, m.Name)
	m.Name = "changed"
	assert.Equal("vm0", d.Name, "Migratable must return an independent copy")
}
