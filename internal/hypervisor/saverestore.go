// Copyright (c) 2026 the vmfleetd authors
//
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/vmfleet/vmfleetd/internal/hverr"
)

// Save-image header layout (spec §6, bit-exact for compatibility),
// grounded on the header packing/unpacking style of pkg/sev/ovmf.go.
const (
	saveMagicComplete = "LibvirtQemudSave"
	saveMagicPartial  = "LibvirtQemudPart"
	saveMagicLen      = 16
	saveHeaderLen     = 92 // 16 magic + 4*4 fields + 15*4 reserved
	saveCurrentVersion = 2
	saveXMLPadding     = 512
	saveXMLSlack       = 1024
)

// CompressionKind names the stream compression applied after the XML
// header, if any (spec §6).
type CompressionKind uint32

const (
	CompressionRaw CompressionKind = iota
	CompressionGzip
	CompressionBzip2
	CompressionXZ
	CompressionLZOP
)

type saveHeader struct {
	Version     uint32
	XMLLen      uint32
	WasRunning  uint32
	Compressed  uint32
}

// writeSaveHeader writes the fixed-size, bit-exact save-image header plus
// the padded XML region (spec §6). w's position afterward is the start of
// the opaque memory stream.
func writeSaveHeader(w io.Writer, complete bool, xml string, wasRunning bool, comp CompressionKind) error {
	magic := saveMagicPartial
	if complete {
		magic = saveMagicComplete
	}
	if _, err := w.Write([]byte(magic)); err != nil {
		return fmt.Errorf("saveimage: writing magic: %w", err)
	}

	hdr := saveHeader{Version: saveCurrentVersion, XMLLen: uint32(len(xml)), Compressed: uint32(comp)}
	if wasRunning {
		hdr.WasRunning = 1
	}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("saveimage: writing header: %w", err)
	}
	reserved := make([]byte, 15*4)
	if _, err := w.Write(reserved); err != nil {
		return fmt.Errorf("saveimage: writing reserved: %w", err)
	}

	if _, err := io.WriteString(w, xml); err != nil {
		return fmt.Errorf("saveimage: writing xml: %w", err)
	}
	total := len(xml) + saveXMLSlack
	padded := ((total + saveXMLPadding - 1) / saveXMLPadding) * saveXMLPadding
	pad := make([]byte, padded-len(xml))
	_, err := w.Write(pad)
	return err
}

// readSaveHeader parses the fixed header and XML region, returning the
// XML text, whether the image claims completeness, the was-running flag
// and the compression kind. r is left positioned at the start of the
// memory stream.
func readSaveHeader(r io.ReadSeeker) (xml string, complete bool, wasRunning bool, comp CompressionKind, err error) {
	magic := make([]byte, saveMagicLen)
	if _, err = io.ReadFull(r, magic); err != nil {
		return "", false, false, 0, hverr.WithDomain(hverr.OperationFailed, "", "saveimage: reading magic: %v", err)
	}
	switch string(magic) {
	case saveMagicComplete:
		complete = true
	case saveMagicPartial:
		complete = false
	default:
		return "", false, false, 0, hverr.New(hverr.OperationInvalid, "saveimage: bad magic %q", magic)
	}

	var hdr saveHeader
	if err = binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return "", false, false, 0, hverr.WithDomain(hverr.OperationFailed, "", "saveimage: reading header: %v", err)
	}
	if hdr.Version > saveCurrentVersion {
		hdr = byteSwapHeader(hdr)
		if hdr.Version > saveCurrentVersion {
			return "", false, false, 0, hverr.New(hverr.OperationInvalid, "saveimage: unsupported version %d", hdr.Version)
		}
	}
	if _, err = r.Seek(15*4, io.SeekCurrent); err != nil {
		return "", false, false, 0, err
	}

	xmlBuf := make([]byte, hdr.XMLLen)
	if _, err = io.ReadFull(r, xmlBuf); err != nil {
		return "", false, false, 0, hverr.WithDomain(hverr.OperationFailed, "", "saveimage: reading xml: %v", err)
	}

	total := int(hdr.XMLLen) + saveXMLSlack
	padded := ((total + saveXMLPadding - 1) / saveXMLPadding) * saveXMLPadding
	if _, err = r.Seek(int64(padded-int(hdr.XMLLen)), io.SeekCurrent); err != nil {
		return "", false, false, 0, err
	}

	return string(xmlBuf), complete, hdr.WasRunning != 0, CompressionKind(hdr.Compressed), nil
}

// byteSwapHeader retries a version field that arrived byte-swapped (spec
// §6: "attempt a single header byte-swap and retry").
func byteSwapHeader(hdr saveHeader) saveHeader {
	swap := func(v uint32) uint32 {
		return ((v & 0xff) << 24) | ((v & 0xff00) << 8) | ((v & 0xff0000) >> 8) | ((v >> 24) & 0xff)
	}
	hdr.Version = swap(hdr.Version)
	hdr.XMLLen = swap(hdr.XMLLen)
	hdr.WasRunning = swap(hdr.WasRunning)
	hdr.Compressed = swap(hdr.Compressed)
	return hdr
}

// SaveRestoreEngine implements C6: the Save and Restore protocols over a
// control-socket session and the save-image file format above.
type SaveRestoreEngine struct {
	lc    *Lifecycle
	store *Store
}

// NewSaveRestoreEngine wires the engine to its collaborators.
func NewSaveRestoreEngine(lc *Lifecycle, store *Store) *SaveRestoreEngine {
	return &SaveRestoreEngine{lc: lc, store: store}
}

// Save implements the 9-step save protocol (spec §4.6): begin an async
// save job, pause the VM if running, stream the header + memory image to
// path, then transition to shutoff on success or back to running on
// failure.
func (e *SaveRestoreEngine) Save(ctx context.Context, vm *VM, path string, deadline time.Time) error {
	sg, err := vm.BeginSyncJob(JobModify, deadline)
	if err != nil {
		return err
	}

	// Step 1: refuse to save an auto-destroy VM or one with an active
	// block-copy job (spec §4.6 step 1).
	if vm.AutoDestroy() {
		sg.End()
		return hverr.WithDomain(hverr.OperationInvalid, vm.name, "cannot save an auto-destroy VM")
	}
	if vm.hasActiveBlockCopy() {
		sg.End()
		return hverr.WithDomain(hverr.BlockCopyActive, vm.name, "cannot save while a block-copy job is active")
	}

	ag, err := vm.BeginAsyncJob(AsyncSave)
	if err != nil {
		sg.End()
		return err
	}
	sg.End()
	// ag is ended explicitly below, before ToShutoff, rather than via defer:
	// ToShutoff removes transient VMs from the registry and that check
	// requires refcount to already be back down to the registry's own
	// baseline reference.
	endAsync := func() { ag.End() }

	vm.mu.Lock()
	wasRunning := vm.state == StateRunning
	vm.mu.Unlock()

	if wasRunning {
		if err := e.lc.ToPaused(vm, ReasonPausedForSave); err != nil {
			endAsync()
			return err
		}
	}

	// From here on, a failed save resumes a VM that was running before it.
	saved := false
	defer func() {
		if wasRunning && !saved {
			if err := e.lc.Resume(vm, ReasonNone); err != nil {
				e.lc.log.WithError(err).WithField("vm", vm.name).Error("failed to resume after failed save")
			}
		}
	}()

	tok, err := vm.EnterMonitor()
	if err != nil {
		endAsync()
		return err
	}
	sess := tok.Session()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		_ = tok.Exit()
		endAsync()
		return hverr.WithDomain(hverr.OperationFailed, vm.name, "opening save image: %v", err)
	}
	defer f.Close()

	vm.mu.Lock()
	xml := ""
	if vm.def != nil {
		xml = vm.def.Raw
	}
	vm.mu.Unlock()

	if err := writeSaveHeader(f, false, xml, wasRunning, CompressionRaw); err != nil {
		_ = tok.Exit()
		endAsync()
		return hverr.WithDomain(hverr.OperationFailed, vm.name, "writing save header: %v", err)
	}

	if err := sess.SaveVirtualMemory(ctx, path); err != nil {
		_ = tok.Exit()
		endAsync()
		return err
	}
	if err := tok.Exit(); err != nil {
		endAsync()
		return err
	}

	if err := markSaveComplete(path); err != nil {
		e.lc.log.WithError(err).WithField("vm", vm.name).Error("failed to mark save image complete")
	}

	saved = true
	endAsync()
	return e.lc.ToShutoff(vm, ReasonSaved)
}

// markSaveComplete flips the magic from partial to complete once the
// memory stream has been fully written (spec §6 "IMAGE_COMPLETE").
func markSaveComplete(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteAt([]byte(saveMagicComplete), 0)
	return err
}

// Restore implements the 6-step restore protocol (spec §4.6): validate
// the image header, optionally accept caller-supplied replacement XML
// only when ABI-stable, start the hypervisor process (outside this
// package), and stream the memory image in.
func (e *SaveRestoreEngine) Restore(ctx context.Context, def *Definition, replacement *Definition, path string, resume func(ctx context.Context, xml string, imagePath string) (*Session, error)) (*Definition, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, hverr.WithDomain(hverr.OperationFailed, def.Name, "opening save image: %v", err)
	}
	defer f.Close()

	xml, complete, wasRunning, _, err := readSaveHeader(f)
	if err != nil {
		return nil, false, err
	}
	if !complete {
		return nil, false, hverr.WithDomain(hverr.OperationInvalid, def.Name, "save image is incomplete")
	}

	saved := &Definition{Name: def.Name, Raw: xml}
	finalDef := saved
	if replacement != nil {
		if !replacement.StableEquivalent(saved) {
			return nil, false, hverr.WithDomain(hverr.OperationInvalid, def.Name, "replacement XML is not ABI-equivalent to the saved image")
		}
		finalDef = replacement
	}

	if _, err := resume(ctx, finalDef.Raw, path); err != nil {
		return nil, false, hverr.WithDomain(hverr.OperationFailed, def.Name, "resuming from save image: %v", err)
	}

	return finalDef, wasRunning, nil
}

// SaveManaged writes name's well-known managed-save image (spec §4.6
// "Managed save").
func (e *SaveRestoreEngine) SaveManaged(ctx context.Context, vm *VM, deadline time.Time) error {
	path := e.store.ManagedSavePath(vm.name)
	if err := e.Save(ctx, vm, path, deadline); err != nil {
		return err
	}
	vm.mu.Lock()
	vm.hasManagedSave = true
	vm.mu.Unlock()
	return nil
}

// HasManagedSave reports whether name has a pending managed-save image.
func (e *SaveRestoreEngine) HasManagedSave(name string) bool {
	return e.store.HasManagedSave(name)
}

// DiscardManagedSave deletes a VM's managed-save image without restoring
// it (e.g. the user explicitly chose a fresh boot).
func (e *SaveRestoreEngine) DiscardManagedSave(vm *VM) error {
	vm.mu.Lock()
	vm.hasManagedSave = false
	vm.mu.Unlock()
	return e.store.RemoveManagedSave(vm.name)
}
