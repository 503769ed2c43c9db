// Copyright (c) 2026 the vmfleetd authors
//
// SPDX-License-Identifier: Apache-2.0

// Package config loads the manager's TOML configuration file, grounded on
// the teacher's pkg/katautils/config.go BurntSushi/toml usage.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// tomlConfig is the on-disk shape of the configuration file. The nested
// [paths]/[ports]/[worker]/[security] tables mirror the teacher's
// [hypervisor.qemu]/[agent.kata] nested-table convention.
type tomlConfig struct {
	Paths    pathsConfig    `toml:"paths"`
	Ports    portsConfig    `toml:"ports"`
	Worker   workerConfig   `toml:"worker"`
	Security securityConfig `toml:"security"`
}

type pathsConfig struct {
	Base          string `toml:"base"`
	HypervisorBin string `toml:"hypervisor_binary"`
}

type portsConfig struct {
	Min int `toml:"min"`
	Max int `toml:"max"`
}

type workerConfig struct {
	QueueDepth      int `toml:"queue_depth"`
	EventQueueDepth int `toml:"event_queue_depth"`
}

type securityConfig struct {
	SELinuxType      string `toml:"selinux_type"`
	SELinuxProcessLabel string `toml:"selinux_process_label"`
}

// DriverConfig is the parsed, defaulted configuration fed to the driver
// context at start (spec §4.10 step 2).
type DriverConfig struct {
	BaseDir          string
	HypervisorBinary string

	PortMin int
	PortMax int

	WorkerQueueDepth      int
	EventQueueDepth       int

	SELinuxType         string
	SELinuxProcessLabel string
}

func defaults() DriverConfig {
	return DriverConfig{
		BaseDir:          "/var/lib/vmfleetd",
		HypervisorBinary: "/usr/bin/qemu-system-x86_64",
		PortMin:          5900,
		PortMax:          65535,
		WorkerQueueDepth: 64,
		EventQueueDepth:  256,
	}
}

// Load reads and parses path, applying defaults for any field the file
// omits. A missing file is not an error; it yields the defaults, mirroring
// the teacher's tolerance for an absent config file in test environments.
func Load(path string) (*DriverConfig, error) {
	cfg := defaults()

	if path == "" {
		return &cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}

	var raw tomlConfig
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if raw.Paths.Base != "" {
		cfg.BaseDir = raw.Paths.Base
	}
	if raw.Paths.HypervisorBin != "" {
		cfg.HypervisorBinary = raw.Paths.HypervisorBin
	}
	if raw.Ports.Min != 0 {
		cfg.PortMin = raw.Ports.Min
	}
	if raw.Ports.Max != 0 {
		cfg.PortMax = raw.Ports.Max
	}
	if raw.Worker.QueueDepth != 0 {
		cfg.WorkerQueueDepth = raw.Worker.QueueDepth
	}
	if raw.Worker.EventQueueDepth != 0 {
		cfg.EventQueueDepth = raw.Worker.EventQueueDepth
	}
	cfg.SELinuxType = raw.Security.SELinuxType
	cfg.SELinuxProcessLabel = raw.Security.SELinuxProcessLabel

	if cfg.PortMin >= cfg.PortMax {
		return nil, fmt.Errorf("config: port range [%d, %d) is empty", cfg.PortMin, cfg.PortMax)
	}
	return &cfg, nil
}
