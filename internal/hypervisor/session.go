// Copyright (c) 2026 the vmfleetd authors
//
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/vmfleet/vmfleetd/internal/hverr"
	"github.com/vmfleet/vmfleetd/pkg/wire"
	"github.com/sirupsen/logrus"
)

// Session wraps a control-socket connection (pkg/wire.Conn) with the fixed
// set of semantic operations a VM's lifecycle, save/restore, snapshot, and
// migration engines issue against it (spec §4.4, C4). Every method here
// issues at most one request and must only be called while the caller
// holds a MonitorToken for this VM (job.go enforces the enter/exit-monitor
// discipline; this type does not take the VM lock itself).
type Session struct {
	conn *wire.Conn
	name string
	log  *logrus.Entry
}

// OpenSession dials a control socket and wraps it. events receives
// asynchronous notifications (STOP, RESUME, WATCHDOG, BLOCK_JOB_COMPLETED,
// ...) for the caller to translate into lifecycle transitions.
func OpenSession(ctx context.Context, dial func(ctx context.Context) (io.ReadWriteCloser, error), name string, log *logrus.Entry, events chan<- wire.Event) (*Session, error) {
	t, err := dial(ctx)
	if err != nil {
		return nil, hverr.WithDomain(hverr.MonitorIO, name, "dial control socket: %v", err)
	}
	conn := wire.Open(t, log, events)
	return &Session{conn: conn, name: name, log: log.WithField("session", name)}, nil
}

// Closed reports whether the underlying transport has disconnected.
func (s *Session) Closed() <-chan struct{} { return s.conn.Closed() }

// Close tears down the control-socket connection.
func (s *Session) Close() error { return s.conn.Close() }

func (s *Session) call(ctx context.Context, verb string, args map[string]interface{}, out interface{}) error {
	raw, err := s.conn.ExecuteContext(ctx, verb, args)
	if err != nil {
		return hverr.WithDomain(hverr.MonitorIO, s.name, "%s: %v", verb, err)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return hverr.WithDomain(hverr.MonitorIO, s.name, "%s: decoding reply: %v", verb, err)
	}
	return nil
}

// SystemPowerdown requests a graceful ACPI shutdown.
func (s *Session) SystemPowerdown(ctx context.Context) error {
	return s.call(ctx, "system_powerdown", nil, nil)
}

// SystemReset requests an immediate hard reset.
func (s *Session) SystemReset(ctx context.Context) error {
	return s.call(ctx, "system_reset", nil, nil)
}

// SystemWakeup requests a wake from pmsuspend.
func (s *Session) SystemWakeup(ctx context.Context) error {
	return s.call(ctx, "system_wakeup", nil, nil)
}

// SetBalloon requests the memory balloon target, in KiB.
func (s *Session) SetBalloon(ctx context.Context, targetKiB uint64) error {
	return s.call(ctx, "balloon", map[string]interface{}{"value": targetKiB}, nil)
}

// BalloonInfo is the guest-reported current balloon size.
type BalloonInfo struct {
	ActualKiB uint64 `json:"actual"`
}

// GetBalloon queries the current balloon size.
func (s *Session) GetBalloon(ctx context.Context) (BalloonInfo, error) {
	var info BalloonInfo
	err := s.call(ctx, "query-balloon", nil, &info)
	return info, err
}

// SetCPU enables or disables a vCPU for hotplug (spec §4.4).
func (s *Session) SetCPU(ctx context.Context, vcpu int, online bool) error {
	return s.call(ctx, "cpu-set", map[string]interface{}{"id": vcpu, "online": online}, nil)
}

// CPUInfo is one reported vCPU's state.
type CPUInfo struct {
	CPU     int  `json:"CPU"`
	Online  bool `json:"online"`
	ThreadID int `json:"thread_id"`
}

// GetCPUInfo lists the hypervisor's current per-vCPU state.
func (s *Session) GetCPUInfo(ctx context.Context) ([]CPUInfo, error) {
	var info []CPUInfo
	err := s.call(ctx, "query-cpus", nil, &info)
	return info, err
}

// SetMigrationSpeed caps migration bandwidth, in bytes/sec.
func (s *Session) SetMigrationSpeed(ctx context.Context, bytesPerSec uint64) error {
	return s.call(ctx, "migrate_set_speed", map[string]interface{}{"value": bytesPerSec}, nil)
}

// SetMigrationDowntime bounds the acceptable guest-visible downtime, in
// milliseconds.
func (s *Session) SetMigrationDowntime(ctx context.Context, ms uint64) error {
	return s.call(ctx, "migrate_set_downtime", map[string]interface{}{"value": ms}, nil)
}

// MigrateCancel aborts an in-flight outbound migration.
func (s *Session) MigrateCancel(ctx context.Context) error {
	return s.call(ctx, "migrate_cancel", nil, nil)
}

// Migrate starts outbound migration to uri.
func (s *Session) Migrate(ctx context.Context, uri string) error {
	return s.call(ctx, "migrate", map[string]interface{}{"uri": uri}, nil)
}

// MigrationStatus is the outbound migration progress snapshot.
type MigrationStatus struct {
	Status       string `json:"status"`
	TotalBytes   uint64 `json:"total-bytes"`
	RemainBytes  uint64 `json:"remaining-bytes"`
	TransferBytes uint64 `json:"transferred-bytes"`
}

// QueryMigrate polls outbound migration progress.
func (s *Session) QueryMigrate(ctx context.Context) (MigrationStatus, error) {
	var st MigrationStatus
	err := s.call(ctx, "query-migrate", nil, &st)
	return st, err
}

// BlockJobInfo reports the state of one active block job (spec §12
// supplement).
type BlockJobInfo struct {
	Device string `json:"device"`
	Type   string `json:"type"`
	Cur    uint64 `json:"offset"`
	End    uint64 `json:"len"`
	Speed  uint64 `json:"speed"`
}

// BlockJob queries all active block jobs on the VM.
func (s *Session) BlockJob(ctx context.Context) ([]BlockJobInfo, error) {
	var jobs []BlockJobInfo
	err := s.call(ctx, "query-block-jobs", nil, &jobs)
	return jobs, err
}

// DriveMirror starts a mirror block job from device to targetFile in the
// given format (spec §4.7 "external snapshot" / active block-copy).
func (s *Session) DriveMirror(ctx context.Context, device, targetFile, format string) error {
	return s.call(ctx, "drive-mirror", map[string]interface{}{
		"device": device, "target": targetFile, "format": format, "sync": "top",
	}, nil)
}

// DrivePivot completes a mirror job by pivoting the guest onto the
// mirror target (spec §4.7 pivot algorithm).
func (s *Session) DrivePivot(ctx context.Context, device string) error {
	return s.call(ctx, "block-job-complete", map[string]interface{}{"device": device}, nil)
}

// BlockCommit commits an overlay's contents down into its backing file.
func (s *Session) BlockCommit(ctx context.Context, device, top, base string) error {
	return s.call(ctx, "block-commit", map[string]interface{}{"device": device, "top": top, "base": base}, nil)
}

// DiskSnapshot creates an external snapshot overlay for one disk.
func (s *Session) DiskSnapshot(ctx context.Context, device, newFile, format string) error {
	return s.call(ctx, "blockdev-snapshot-sync", map[string]interface{}{
		"device": device, "snapshot-file": newFile, "format": format,
	}, nil)
}

// TransactionAction is one step of a multi-disk atomic transaction (spec
// §4.7: all-or-nothing external snapshot across several disks).
type TransactionAction struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Transaction executes several block actions atomically.
func (s *Session) Transaction(ctx context.Context, actions []TransactionAction) error {
	return s.call(ctx, "transaction", map[string]interface{}{"actions": actions}, nil)
}

// SaveVirtualMemory streams the live-memory image by migrating to a
// command that appends it to the file at path.
func (s *Session) SaveVirtualMemory(ctx context.Context, path string) error {
	return s.call(ctx, "migrate", map[string]interface{}{"uri": fmt.Sprintf("exec:cat >> %s", path)}, nil)
}

// SavePhysicalMemory requests a full physical-memory dump (distinct from
// SaveVirtualMemory: includes device model state needed for crash
// analysis, not restore).
func (s *Session) SavePhysicalMemory(ctx context.Context, path string) error {
	return s.call(ctx, "dump-guest-memory", map[string]interface{}{"paging": false, "protocol": fmt.Sprintf("file:%s", path)}, nil)
}

// Screendump captures the primary display to a PPM file.
func (s *Session) Screendump(ctx context.Context, path string) error {
	return s.call(ctx, "screendump", map[string]interface{}{"filename": path}, nil)
}

// DumpToFD requests a guest memory dump be streamed to an open fd the
// caller has already passed to the hypervisor process out of band.
func (s *Session) DumpToFD(ctx context.Context, fdName string) error {
	return s.call(ctx, "dump-guest-memory", map[string]interface{}{"paging": false, "protocol": fmt.Sprintf("fd:%s", fdName)}, nil)
}

// OpenGraphics attaches an already-open fd as a display client (spec
// §4.4 "open-graphics").
func (s *Session) OpenGraphics(ctx context.Context, protocol, fdName string) error {
	return s.call(ctx, "add_client", map[string]interface{}{"protocol": protocol, "fdname": fdName}, nil)
}

// CreateSnapshot creates an internal (full-state) snapshot under the
// given tag (spec §4.7 "internal snapshot").
func (s *Session) CreateSnapshot(ctx context.Context, tag string) error {
	return s.call(ctx, "snapshot-save", map[string]interface{}{"tag": tag}, nil)
}

// LoadSnapshot reverts the VM to a previously created internal snapshot.
func (s *Session) LoadSnapshot(ctx context.Context, tag string) error {
	return s.call(ctx, "snapshot-load", map[string]interface{}{"tag": tag}, nil)
}

// Arbitrary issues a verb/args pair the session does not otherwise wrap,
// for collaborators that need direct access to the underlying protocol
// (spec §4.4: "an escape hatch for verbs this core does not model").
func (s *Session) Arbitrary(ctx context.Context, verb string, args map[string]interface{}, out interface{}) error {
	return s.call(ctx, verb, args, out)
}
