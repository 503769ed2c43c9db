// Copyright (c) 2026 the vmfleetd authors
//
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"fmt"

	"github.com/containerd/cgroups"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// cgroupKataPrefix prefixes every per-VM cgroup so host tooling does not
// mistake it for a container cgroup, grounded on the teacher's
// pkg/cgroups.CgroupKataPrefix convention.
const cgroupKataPrefix = "vmfleet"

// LinuxCgroup adapts the real github.com/containerd/cgroups.Cgroup to the
// narrow Cgroup interface ResourceBinder needs, grounded on the teacher's
// pkg/cgroups.Cgroup wrapper and virtcontainers/cgroups.go's
// cgroups.New/cgroups.Load call sites.
type LinuxCgroup struct {
	cg cgroups.Cgroup
}

// NewLinuxCgroup creates (or loads, if it already exists) the per-VM cgroup
// at path under the default cpu/cpuset/cpuacct/memory/devices hierarchy
// (spec §4.10 "per-VM cgroup created at start").
func NewLinuxCgroup(path string, resources *specs.LinuxResources) (*LinuxCgroup, error) {
	p := cgroups.StaticPath(fmt.Sprintf("/%s/%s", cgroupKataPrefix, path))
	cg, err := cgroups.New(cgroups.V1, p, resources)
	if err != nil {
		if err == cgroups.ErrCgroupDeleted {
			cg, err = cgroups.Load(cgroups.V1, p)
		}
		if err != nil {
			return nil, fmt.Errorf("creating cgroup %s: %w", path, err)
		}
	}
	return &LinuxCgroup{cg: cg}, nil
}

// AddDevice grants the cgroup read-write-mknod access to dev.
func (l *LinuxCgroup) AddDevice(dev string) error { return l.cg.AddDevice(dev) }

// RemoveDevice revokes the cgroup's access to dev.
func (l *LinuxCgroup) RemoveDevice(dev string) error { return l.cg.RemoveDevice(dev) }

// AddProcess moves pid into the cgroup (spec §4.10 step 6 "place hypervisor
// process in its cgroup").
func (l *LinuxCgroup) AddProcess(pid int) error { return l.cg.AddProcess(pid) }

// Delete tears down the cgroup once the VM it was created for has shut down.
func (l *LinuxCgroup) Delete() error { return l.cg.Delete() }
