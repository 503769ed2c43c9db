// Copyright (c) 2026 the vmfleetd authors
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	assert := assert.New(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	assert.NoError(err)
	assert.Equal(defaults(), *cfg)
}

func TestLoadEmptyPathYieldsDefaults(t *testing.T) {
	assert := assert.New(t)
	cfg, err := Load("")
	assert.NoError(err)
	assert.Equal(defaults(), *cfg)
}

func TestLoadOverridesOnlySetFields(t *testing.T) {
	assert := assert.New(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[paths]
base = "/srv/vmfleetd"

[ports]
min = 6000
max = 6100

[security]
selinux_type = "svirt_image_t"
`
	assert.NoError(os.WriteFile(path, []byte(body), 0600))

	cfg, err := Load(path)
	assert.NoError(err)
	assert.Equal("/srv/vmfleetd", cfg.BaseDir)
	assert.Equal(6000, cfg.PortMin)
	assert.Equal(6100, cfg.PortMax)
	assert.Equal("svirt_image_t", cfg.SELinuxType)

	// Untouched fields keep their defaults.
	d := defaults()
	assert.Equal(d.HypervisorBinary, cfg.HypervisorBinary)
	assert.Equal(d.WorkerQueueDepth, cfg.WorkerQueueDepth)
}

func TestLoadRejectsEmptyPortRange(t *testing.T) {
	assert := assert.New(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[ports]
min = 100
max = 100
`
	assert.NoError(os.WriteFile(path, []byte(body), 0600))

	_, err := Load(path)
	assert.Error(err)
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	assert := assert.New(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	assert.NoError(os.WriteFile(path, []byte("not valid = [toml"), 0600))

	_, err := Load(path)
	assert.Error(err)
}
