// Package hverr defines the error kinds surfaced at the driver's API
// boundary (spec §7) and a small typed wrapper so callers can recover the
// kind with errors.As after a call has been wrapped on its way up through
// the component stack.
package hverr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies one of the error categories the driver API promises to
// its callers.
type Kind string

const (
	NoSuchDomain           Kind = "NoSuchDomain"
	NoSuchSnapshot         Kind = "NoSuchSnapshot"
	OperationInvalid       Kind = "OperationInvalid"
	OperationUnsupported   Kind = "OperationUnsupported"
	OperationTimedOut      Kind = "OperationTimedOut"
	OperationAborted       Kind = "OperationAborted"
	OperationFailed        Kind = "OperationFailed"
	InvalidArgument        Kind = "InvalidArgument"
	ArgumentUnsupported    Kind = "ArgumentUnsupported"
	Overflow               Kind = "Overflow"
	ConflictingDefinition  Kind = "ConflictingDefinition"
	DomainMetadataMissing  Kind = "DomainMetadataMissing"
	MonitorIO              Kind = "MonitorIO"
	AgentUnresponsive      Kind = "AgentUnresponsive"
	BlockCopyActive        Kind = "BlockCopyActive"
	SaveImageIncomplete    Kind = "SaveImageIncomplete"
	SaveImageCorrupt       Kind = "SaveImageCorrupt"
	ConfigUnsupported      Kind = "ConfigUnsupported"
	InternalError          Kind = "InternalError"
	OutOfMemory            Kind = "OutOfMemory"
	SystemError            Kind = "SystemError"
)

// Error is the typed error carried at the API boundary. It wraps an
// underlying cause (which may itself carry a pkg/errors stack) with a
// stable Kind and, for SystemError, the originating errno-ish error.
type Error struct {
	Kind   Kind
	Domain string // VM name or UUID, when applicable; empty otherwise
	cause  error
}

func (e *Error) Error() string {
	if e.Domain != "" {
		if e.cause != nil {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Domain, e.cause)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Domain)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind with no domain context.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, cause: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error, preserving it as the cause so
// errors.Is/errors.As against the original error still works.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, cause: errors.Wrap(err, msg)}
}

// WithDomain attaches the VM name/UUID the error pertains to.
func WithDomain(kind Kind, domain string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Domain: domain, cause: fmt.Errorf(format, args...)}
}

// Is reports whether err (or any error it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			if e.Kind == kind {
				return true
			}
		}
		err = errors.Unwrap(err)
	}
	return false
}

// KindOf returns the Kind of err if it (or a wrapped error) is an *Error,
// and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind, true
		}
		err = errors.Unwrap(err)
	}
	return "", false
}
