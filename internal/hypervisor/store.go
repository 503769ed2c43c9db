// Copyright (c) 2026 the vmfleetd authors
//
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// dirMode/fileMode mirror the permission bits the teacher's persist/fs
// driver uses for VM state directories and files.
const (
	dirMode  = os.FileMode(0700) | os.ModeDir
	fileMode = os.FileMode(0600)
)

// Store is the on-disk persistence layer described in spec §6: live
// status snapshots, persistent configuration, autostart symlinks,
// managed-save images, and snapshot metadata, laid out under a single
// base directory the way the teacher's persist/fs driver lays out
// per-sandbox state under /run/vc.
type Store struct {
	base string
	log  *logrus.Entry
}

// NewStore creates the directory layout under base if it does not exist
// and returns a Store rooted there (spec §4.10 step 1).
func NewStore(base string, log *logrus.Entry) (*Store, error) {
	s := &Store{base: base, log: log.WithField("subsystem", "store")}
	for _, sub := range []string{"state", "config", "autostart", "save", "snapshot", "dump"} {
		if err := os.MkdirAll(filepath.Join(base, sub), dirMode); err != nil {
			return nil, fmt.Errorf("store: creating %s: %w", sub, err)
		}
	}
	return s, nil
}

func (s *Store) statePath(name string) string    { return filepath.Join(s.base, "state", name+".xml") }
func (s *Store) configPath(name string) string    { return filepath.Join(s.base, "config", name+".xml") }
func (s *Store) autostartPath(name string) string { return filepath.Join(s.base, "autostart", name+".xml") }
func (s *Store) managedSavePath(name string) string {
	return filepath.Join(s.base, "save", name+".save")
}
func (s *Store) snapshotDir(name string) string { return filepath.Join(s.base, "snapshot", name) }
func (s *Store) snapshotPath(name, snap string) string {
	return filepath.Join(s.snapshotDir(name), snap+".xml")
}
func (s *Store) dumpPath(name string, epoch int64) string {
	return filepath.Join(s.base, "dump", fmt.Sprintf("%s-%d", name, epoch))
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), fileMode)
}

// WriteStatus persists the live status file for an active VM.
func (s *Store) WriteStatus(name, xml string) error {
	return writeFile(s.statePath(name), xml)
}

// RemoveStatus deletes the live status file, done when a VM stops.
func (s *Store) RemoveStatus(name string) error {
	err := os.Remove(s.statePath(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ListStatusNames returns the names of all VMs with a live status file,
// used at manager start to reconnect to still-running hypervisor
// processes (spec §4.3 reconnect semantics, §4.10 step 5).
func (s *Store) ListStatusNames() ([]string, error) {
	return listXMLBasenames(filepath.Join(s.base, "state"))
}

// WriteConfig persists a persistent VM's configuration.
func (s *Store) WriteConfig(name, xml string) error {
	return writeFile(s.configPath(name), xml)
}

// ReadConfig loads a persistent VM's configuration.
func (s *Store) ReadConfig(name string) (string, error) {
	b, err := os.ReadFile(s.configPath(name))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// RemoveConfig deletes a persistent VM's configuration (undefine).
func (s *Store) RemoveConfig(name string) error {
	err := os.Remove(s.configPath(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ListConfigNames returns the names of all persistent configurations,
// active or not; manager start loads them after active VMs (§4.10 step 5).
func (s *Store) ListConfigNames() ([]string, error) {
	return listXMLBasenames(filepath.Join(s.base, "config"))
}

// SetAutostart creates (or removes) the autostart symlink to a config
// file.
func (s *Store) SetAutostart(name string, enable bool) error {
	link := s.autostartPath(name)
	if !enable {
		err := os.Remove(link)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	os.Remove(link)
	return os.Symlink(s.configPath(name), link)
}

// IsAutostart reports whether a VM is marked for autostart.
func (s *Store) IsAutostart(name string) bool {
	_, err := os.Lstat(s.autostartPath(name))
	return err == nil
}

// ManagedSavePath returns the well-known path for name's managed-save
// image (spec §4.6 "Managed save").
func (s *Store) ManagedSavePath(name string) string { return s.managedSavePath(name) }

// HasManagedSave reports whether a managed-save image exists for name.
func (s *Store) HasManagedSave(name string) bool {
	_, err := os.Stat(s.managedSavePath(name))
	return err == nil
}

// RemoveManagedSave deletes a managed-save image.
func (s *Store) RemoveManagedSave(name string) error {
	err := os.Remove(s.managedSavePath(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// WriteSnapshotMetadata persists one snapshot's XML under
// snapshot/<vm>/<snap>.xml.
func (s *Store) WriteSnapshotMetadata(vmName, snapName, xml string) error {
	if err := os.MkdirAll(s.snapshotDir(vmName), dirMode); err != nil {
		return err
	}
	return writeFile(s.snapshotPath(vmName, snapName), xml)
}

// ReadSnapshotMetadata loads one snapshot's XML.
func (s *Store) ReadSnapshotMetadata(vmName, snapName string) (string, error) {
	b, err := os.ReadFile(s.snapshotPath(vmName, snapName))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ListSnapshotNames returns the names of all persisted snapshots for a VM.
func (s *Store) ListSnapshotNames(vmName string) ([]string, error) {
	return listXMLBasenames(s.snapshotDir(vmName))
}

// RemoveSnapshotMetadata deletes one snapshot's persisted metadata.
func (s *Store) RemoveSnapshotMetadata(vmName, snapName string) error {
	err := os.Remove(s.snapshotPath(vmName, snapName))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DumpPath returns a unique path for an auto-dump artifact (spec §4.9).
func (s *Store) DumpPath(vmName string, epoch int64) string { return s.dumpPath(vmName, epoch) }

func listXMLBasenames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		const suffix = ".xml"
		if len(n) > len(suffix) && n[len(n)-len(suffix):] == suffix {
			names = append(names, n[:len(n)-len(suffix)])
		}
	}
	return names, nil
}
